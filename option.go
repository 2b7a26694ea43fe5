package syncbridge

import (
	"log/slog"
	"time"

	"github.com/angache/benalsam-sync-bridge/breaker"
)

type Option func(*Bridge)
type Options []Option

func (ops Options) Apply(b *Bridge) {
	for _, op := range ops {
		op(b)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithWatcher replaces the default pq-listener watcher, mainly for
// tests and alternative notification transports.
func WithWatcher(w RealtimeWatcher) Option {
	return func(b *Bridge) {
		b.watcher = w
	}
}

// WithBreaker replaces the store circuit breaker.
func WithBreaker(brk *breaker.Breaker) Option {
	return func(b *Bridge) {
		b.brk = brk
	}
}

// WithClock replaces the bridge's time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// WithMetric replaces the bridge metric set, e.g. to share a registry
// across bridges in tests.
func WithMetric(m *Metric) Option {
	return func(b *Bridge) {
		b.metric = m
	}
}
