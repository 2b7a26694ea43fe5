package rabbitmq

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sync_bridge"

type Metric interface {
	AddSuccessOp(exchange, routingKey string)
	AddErrOp(exchange, routingKey string)
	AddConsumeAck(queue string)
	AddConsumeRequeue(queue string)
	AddDeadLetter(queue string)
	SetInFlight(count int)
	PrometheusCollectors() []prometheus.Collector
}

var hostname, _ = os.Hostname()

type metric struct {
	publishTotal    *prometheus.CounterVec
	publishErrTotal *prometheus.CounterVec
	consumeAck      *prometheus.CounterVec
	consumeRequeue  *prometheus.CounterVec
	deadLetter      *prometheus.CounterVec
	inFlight        prometheus.Gauge
}

func NewMetric() Metric {
	return &metric{
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "total",
			Help:      "total number of successful publish operations to rabbitmq",
		}, []string{"exchange", "routing_key", "host"}),
		publishErrTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish_err",
			Name:      "total",
			Help:      "total number of failed publish operations to rabbitmq",
		}, []string{"exchange", "routing_key", "host"}),
		consumeAck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consume_ack",
			Name:      "total",
			Help:      "total number of acknowledged deliveries",
		}, []string{"queue", "host"}),
		consumeRequeue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consume_requeue",
			Name:      "total",
			Help:      "total number of deliveries requeued with an incremented retry count",
		}, []string{"queue", "host"}),
		deadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dead_letter",
			Name:      "total",
			Help:      "total number of deliveries routed to a dead-letter queue",
		}, []string{"queue", "host"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "in_flight",
			Name:      "current",
			Help:      "messages currently awaiting acknowledgement",
			ConstLabels: prometheus.Labels{
				"host": hostname,
			},
		}),
	}
}

func (m *metric) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.publishTotal,
		m.publishErrTotal,
		m.consumeAck,
		m.consumeRequeue,
		m.deadLetter,
		m.inFlight,
	}
}

func (m *metric) AddSuccessOp(exchange, routingKey string) {
	m.publishTotal.WithLabelValues(exchange, routingKey, hostname).Inc()
}

func (m *metric) AddErrOp(exchange, routingKey string) {
	m.publishErrTotal.WithLabelValues(exchange, routingKey, hostname).Inc()
}

func (m *metric) AddConsumeAck(queue string) {
	m.consumeAck.WithLabelValues(queue, hostname).Inc()
}

func (m *metric) AddConsumeRequeue(queue string) {
	m.consumeRequeue.WithLabelValues(queue, hostname).Inc()
}

func (m *metric) AddDeadLetter(queue string) {
	m.deadLetter.WithLabelValues(queue, hostname).Inc()
}

func (m *metric) SetInFlight(count int) {
	m.inFlight.Set(float64(count))
}
