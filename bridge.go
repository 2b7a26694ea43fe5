package syncbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angache/benalsam-sync-bridge/breaker"
	"github.com/angache/benalsam-sync-bridge/config"
	"github.com/angache/benalsam-sync-bridge/rabbitmq"
	"github.com/angache/benalsam-sync-bridge/store"
	"github.com/angache/benalsam-sync-bridge/watcher"
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerClient is the slice of the rabbitmq client the bridge uses.
type BrokerClient interface {
	PublishToExchange(ctx context.Context, exchange, routingKey string, msg rabbitmq.PublishMessage) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// RealtimeWatcher pushes freshly inserted pending rows to the bridge.
type RealtimeWatcher interface {
	Start(ctx context.Context) error
	Stop()
	IsConnected() bool
}

// Status is the bridge's processing snapshot.
type Status struct {
	IsProcessing       bool       `json:"isProcessing"`
	LastProcessedAt    *time.Time `json:"lastProcessedAt"`
	ProcessedJobsCount int64      `json:"processedJobsCount"`
	ErrorCount         int64      `json:"errorCount"`
}

// Health composes store, broker and run-state into one verdict.
type Health struct {
	Status  string          `json:"status"` // healthy | degraded | unhealthy
	Details HealthComponent `json:"details"`
}

type HealthComponent struct {
	Store   bool `json:"store"`
	Broker  bool `json:"broker"`
	Running bool `json:"running"`
}

// Bridge republishes committed sync-queue mutations onto the broker.
// The realtime watcher is the primary delivery mode; the poll loop is
// the lower-frequency safety net that also runs the stuck-job sweeper.
type Bridge struct {
	cfg     config.Config
	store   store.Store
	broker  BrokerClient
	watcher RealtimeWatcher
	brk     *breaker.Breaker
	logger  *slog.Logger
	metric  *Metric
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	tick    int

	processedCount atomic.Int64
	errorCount     atomic.Int64
	lastProcessed  atomic.Pointer[time.Time]
}

func New(cfg config.Config, st store.Store, broker BrokerClient, options ...Option) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		store:  st,
		broker: broker,
		logger: slog.Default(),
		metric: NewMetric(),
		now:    time.Now,
	}
	Options(options).Apply(b)

	if b.brk == nil {
		b.brk = breaker.New("sync-queue-store", cfg.Breaker, b.logger)
	}
	if b.watcher == nil {
		b.watcher = watcher.New(cfg.Watcher, cfg.Postgres.DSN, b.HandleRealtime, b.logger)
	}
	return b
}

// StartProcessing starts the realtime watcher and, regardless of
// whether that succeeds, arms the poll timer so a prolonged realtime
// outage still drains the queue. Calling it while running is a logged
// no-op.
func (b *Bridge) StartProcessing(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		b.logger.Warn("bridge already processing")
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})
	b.tick = 0
	b.mu.Unlock()

	if err := b.watcher.Start(loopCtx); err != nil {
		b.logger.Error("realtime watcher failed to start, relying on poll loop", "error", err)
	}

	go b.pollLoop(loopCtx)
	b.logger.Info("bridge processing started", "poll_interval", b.cfg.Bridge.PollInterval)
	return nil
}

// StopProcessing stops the watcher, clears the poll timer and drains
// the broker's in-flight messages (bounded by the drain timeout).
func (b *Bridge) StopProcessing(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	b.watcher.Stop()
	cancel()
	<-done

	if err := b.broker.Disconnect(ctx); err != nil {
		return fmt.Errorf("broker disconnect: %w", err)
	}
	b.logger.Info("bridge processing stopped")
	return nil
}

func (b *Bridge) pollLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.Bridge.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollTick(ctx)
		}
	}
}

func (b *Bridge) pollTick(ctx context.Context) {
	b.mu.Lock()
	b.tick++
	tick := b.tick
	b.mu.Unlock()

	if tick%b.cfg.Bridge.SweepEvery == 0 {
		b.sweepStuck(ctx)
	}

	jobs, err := breaker.Do(b.brk, "claim pending", func() ([]store.SyncJob, error) {
		qCtx, cancel := context.WithTimeout(ctx, b.cfg.Postgres.QueryTimeout)
		defer cancel()
		return b.store.ClaimPending(qCtx, b.cfg.Bridge.BatchSize)
	})
	if err != nil {
		// retryable: the next tick tries again, possibly short-circuited
		// by the breaker
		b.logger.Error("claim pending batch failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	b.logger.Info("processing claimed batch", "count", len(jobs))
	for i := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b.processJob(ctx, jobs[i])
	}
}

// HandleRealtime is the watcher's per-notification callback. The atomic
// claim is the sole deduplication point between this path and the poll
// loop: whoever flips the row to processing owns it.
func (b *Bridge) HandleRealtime(ctx context.Context, jobID int64) {
	type claim struct {
		job store.SyncJob
		ok  bool
	}
	res, err := breaker.Do(b.brk, "claim by id", func() (claim, error) {
		qCtx, cancel := context.WithTimeout(ctx, b.cfg.Postgres.QueryTimeout)
		defer cancel()
		job, ok, err := b.store.ClaimByID(qCtx, jobID)
		return claim{job: job, ok: ok}, err
	})
	if err != nil {
		b.logger.Error("realtime claim failed", "job_id", jobID, "error", err)
		return
	}
	if !res.ok {
		// already claimed by the poll loop or another instance
		return
	}
	b.processJob(ctx, res.job)
}

// processJob runs the shared per-job routine for an already-claimed
// row: envelope, publish, then terminal status.
func (b *Bridge) processJob(ctx context.Context, job store.SyncJob) {
	logger := b.logger.With("job_id", job.ID, "trace_id", job.TraceID,
		"table", job.TableName, "operation", job.Operation)

	if err := b.publishJob(ctx, job); err != nil {
		logger.Error("sync job publish failed", "error", err)
		b.markFailed(ctx, job, err.Error())
		return
	}

	if err := b.markSent(ctx, job); err != nil {
		logger.Error("mark sent failed", "error", err)
		b.errorCount.Add(1)
		return
	}

	now := b.now()
	b.lastProcessed.Store(&now)
	b.processedCount.Add(1)
	b.metric.AddProcessed("sent", job.TableName)
	logger.Info("sync job published")
}

func (b *Bridge) publishJob(ctx context.Context, job store.SyncJob) error {
	env := NewEnvelope(job, b.now())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := rabbitmq.PublishMessage{
		Body:      body,
		Type:      EnvelopeType,
		MessageID: job.TraceID,
	}
	key := SyncRoutingKey(job.TableName, job.Operation)
	if err := b.broker.PublishToExchange(ctx, b.cfg.RabbitMQ.SyncExchange, key, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	// status-change fan-out for the configured table, e.g. a listing
	// transitioning to sold
	if job.TableName == b.cfg.Bridge.StatusTable {
		if status, changed := statusTransition(job); changed {
			statusKey := StatusRoutingKey(job.TableName, status)
			statusMsg := rabbitmq.PublishMessage{
				Body:      body,
				Type:      EnvelopeType,
				MessageID: job.TraceID + ":status",
			}
			if err := b.broker.PublishToExchange(ctx, b.cfg.RabbitMQ.StatusExchange, statusKey, statusMsg); err != nil {
				return fmt.Errorf("publish %s: %w", statusKey, err)
			}
		}
	}
	return nil
}

func (b *Bridge) markSent(ctx context.Context, job store.SyncJob) error {
	_, err := breaker.Do(b.brk, "mark sent", func() (struct{}, error) {
		qCtx, cancel := context.WithTimeout(ctx, b.cfg.Postgres.QueryTimeout)
		defer cancel()
		return struct{}{}, b.store.MarkSent(qCtx, job.ID)
	})
	return err
}

func (b *Bridge) markFailed(ctx context.Context, job store.SyncJob, reason string) {
	b.errorCount.Add(1)
	b.metric.AddProcessed("failed", job.TableName)

	_, err := breaker.Do(b.brk, "mark failed", func() (struct{}, error) {
		qCtx, cancel := context.WithTimeout(ctx, b.cfg.Postgres.QueryTimeout)
		defer cancel()
		return struct{}{}, b.store.MarkFailed(qCtx, job.ID, reason)
	})
	if err != nil {
		b.logger.Error("mark failed did not persist", "job_id", job.ID, "error", err)
	}
}

func (b *Bridge) sweepStuck(ctx context.Context) {
	res, err := breaker.Do(b.brk, "sweep stuck", func() (store.SweepResult, error) {
		qCtx, cancel := context.WithTimeout(ctx, b.cfg.Postgres.QueryTimeout)
		defer cancel()
		return b.store.SweepStuck(qCtx, b.cfg.Bridge.StuckThreshold, b.cfg.Bridge.MaxRetries)
	})
	if err != nil {
		b.logger.Error("stuck job sweep failed", "error", err)
		return
	}
	if res.Requeued > 0 || res.Failed > 0 {
		b.metric.AddSwept("requeued", float64(res.Requeued))
		b.metric.AddSwept("failed", float64(res.Failed))
		b.logger.Warn("stuck jobs swept", "requeued", res.Requeued, "failed", res.Failed)
	}
}

// RetryFailed flips up to limit failed jobs back to pending for
// reprocessing. Failed jobs are never retried automatically; this is
// the operator-facing escape hatch.
func (b *Bridge) RetryFailed(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = b.cfg.Bridge.BatchSize
	}
	n, err := breaker.Do(b.brk, "requeue failed", func() (int64, error) {
		qCtx, cancel := context.WithTimeout(ctx, b.cfg.Postgres.QueryTimeout)
		defer cancel()
		return b.store.RequeueFailed(qCtx, limit)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Info("failed jobs requeued", "count", n)
	}
	return n, nil
}

// Counts reports sync-queue row counts per lifecycle state.
func (b *Bridge) Counts(ctx context.Context) (map[store.Status]int64, error) {
	return breaker.Do(b.brk, "count by status", func() (map[store.Status]int64, error) {
		qCtx, cancel := context.WithTimeout(ctx, b.cfg.Postgres.QueryTimeout)
		defer cancel()
		return b.store.CountByStatus(qCtx)
	})
}

func (b *Bridge) GetStatus() Status {
	return Status{
		IsProcessing:       b.isRunning(),
		LastProcessedAt:    b.lastProcessed.Load(),
		ProcessedJobsCount: b.processedCount.Load(),
		ErrorCount:         b.errorCount.Load(),
	}
}

// HealthCheck composes store connectivity, broker connectivity and the
// run state: all three healthy, any failure degraded, a panic during
// the check itself unhealthy.
func (b *Bridge) HealthCheck(ctx context.Context) (health Health) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("health check panicked", "panic", r)
			health = Health{Status: "unhealthy"}
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, b.cfg.Postgres.QueryTimeout)
	defer cancel()

	details := HealthComponent{
		Store:   b.store.Ping(pingCtx) == nil,
		Broker:  b.broker.IsConnected(),
		Running: b.isRunning(),
	}

	verdict := "healthy"
	if !details.Store || !details.Broker || !details.Running {
		verdict = "degraded"
	}
	return Health{Status: verdict, Details: details}
}

func (b *Bridge) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// PrometheusCollectors exposes the bridge's own collectors for
// registration by the composing process.
func (b *Bridge) PrometheusCollectors() []prometheus.Collector {
	return b.metric.PrometheusCollectors()
}
