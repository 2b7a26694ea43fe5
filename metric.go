package syncbridge

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sync_bridge"

var hostname, _ = os.Hostname()

// Metric tracks bridge-level processing outcomes; broker-level metrics
// live with the rabbitmq client.
type Metric struct {
	jobsProcessed *prometheus.CounterVec
	sweepTotal    *prometheus.CounterVec
}

func NewMetric() *Metric {
	return &Metric{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "total number of sync jobs processed by terminal result",
		}, []string{"result", "table", "host"}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "total",
			Help:      "total number of stuck jobs handled by the sweeper",
		}, []string{"outcome", "host"}),
	}
}

func (m *Metric) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.jobsProcessed, m.sweepTotal}
}

func (m *Metric) AddProcessed(result, table string) {
	m.jobsProcessed.WithLabelValues(result, table, hostname).Inc()
}

func (m *Metric) AddSwept(outcome string, count float64) {
	m.sweepTotal.WithLabelValues(outcome, hostname).Add(count)
}
