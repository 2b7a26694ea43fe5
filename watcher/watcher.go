// Package watcher subscribes to the sync-queue insert notifications
// published by the Postgres trigger and pushes new pending job ids to
// the bridge as they commit. It is the primary delivery mode; the
// bridge's poll loop covers for it while it is disconnected.
package watcher

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angache/benalsam-sync-bridge/config"
	"github.com/lib/pq"
)

// Handler receives the id of a freshly inserted pending sync job.
type Handler func(ctx context.Context, jobID int64)

// listener is the slice of *pq.Listener the watcher depends on.
type listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

type Watcher struct {
	cfg     config.Watcher
	dsn     string
	handler Handler
	logger  *slog.Logger

	newListener func(cb pq.EventCallbackType) listener

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	current  listener

	connected      atomic.Bool
	failedAttempts atomic.Int32
	gaveUp         atomic.Bool
}

func New(cfg config.Watcher, dsn string, handler Handler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		cfg:     cfg,
		dsn:     dsn,
		handler: handler,
		logger:  logger,
	}
	w.newListener = func(cb pq.EventCallbackType) listener {
		return pq.NewListener(dsn, cfg.ReconnectInterval, cfg.ReconnectMaxInterval, cb)
	}
	return w
}

// Start opens the LISTEN subscription and begins dispatching
// notifications to the handler. Calling Start on a running watcher is a
// logged no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		w.logger.Warn("realtime watcher already running")
		return nil
	}

	l := w.newListener(w.onEvent)
	if err := l.Listen(w.cfg.Channel); err != nil {
		_ = l.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.current = l
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.gaveUp.Store(false)
	w.failedAttempts.Store(0)

	go w.loop(loopCtx, l, w.done)
	w.logger.Info("realtime watcher started", "channel", w.cfg.Channel)
	return nil
}

// Stop tears the subscription down. Safe to call when never started and
// safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	l := w.current
	done := w.done
	w.current = nil
	w.mu.Unlock()

	cancel()
	if l != nil {
		_ = l.Close()
	}
	<-done
	w.connected.Store(false)
	w.logger.Info("realtime watcher stopped")
}

// IsConnected reports whether the subscription is currently live. While
// false the orchestrator's poll loop is the only drain path.
func (w *Watcher) IsConnected() bool {
	return w.connected.Load() && !w.gaveUp.Load()
}

func (w *Watcher) loop(ctx context.Context, l listener, done chan struct{}) {
	defer close(done)

	ping := time.NewTicker(w.cfg.PingInterval)
	defer ping.Stop()

	notifications := l.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case n, open := <-notifications:
			if !open {
				return
			}
			if n == nil {
				// pq sends nil after a reconnect: notifications may have
				// been lost, the poll loop picks those rows up
				w.logger.Warn("listener reconnected, possible missed notifications")
				continue
			}
			id, err := strconv.ParseInt(n.Extra, 10, 64)
			if err != nil {
				w.logger.Error("invalid notification payload", "payload", n.Extra, "error", err)
				continue
			}
			w.handler(ctx, id)
		case <-ping.C:
			if err := l.Ping(); err != nil {
				w.logger.Warn("listener ping failed", "error", err)
			}
		}
	}
}

func (w *Watcher) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		w.connected.Store(true)
		w.failedAttempts.Store(0)
		w.logger.Info("listener connected", "channel", w.cfg.Channel)
	case pq.ListenerEventDisconnected:
		w.connected.Store(false)
		w.logger.Warn("listener disconnected", "error", err)
	case pq.ListenerEventConnectionAttemptFailed:
		w.connected.Store(false)
		attempts := w.failedAttempts.Add(1)
		w.logger.Warn("listener reconnect attempt failed", "attempt", attempts, "error", err)
		if int(attempts) >= w.cfg.ReconnectMaxAttempts && !w.gaveUp.Swap(true) {
			w.logger.Error("listener reconnect attempts exhausted, falling back to polling",
				"max_attempts", w.cfg.ReconnectMaxAttempts)
			go w.Stop()
		}
	}
}
