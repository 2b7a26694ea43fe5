// Package breaker implements a three-state circuit breaker used to guard
// calls against a flaky dependency. One Breaker instance protects one
// logical dependency; no state is shared between instances.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/angache/benalsam-sync-bridge/config"
)

// ErrCircuitOpen is returned without invoking the wrapped operation while
// the breaker is open and the recovery deadline has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Breaker struct {
	name   string
	cfg    config.Breaker
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	nextAttempt  time.Time
}

func New(name string, cfg config.Breaker, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the breaker's time source. Tests only.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs op through the breaker. While open it fails fast with
// ErrCircuitOpen; in half-open state successes count toward closing and
// any failure reopens the breaker immediately.
func Do[T any](b *Breaker, label string, op func() (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, fmt.Errorf("%s: %w", label, err)
	}

	out, err := op()
	if err != nil {
		b.onFailure(label, err)
		return zero, err
	}
	b.onSuccess()
	return out, nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Before(b.nextAttempt) {
		return ErrCircuitOpen
	}
	b.state = StateHalfOpen
	b.successCount = 0
	b.logger.Info("circuit breaker half-open", "name", b.name)
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.logger.Info("circuit breaker closed", "name", b.name)
		}
	case StateOpen:
		// allow() already moved us out of OPEN before the call ran.
	}
}

func (b *Breaker) onFailure(label string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.open()
		b.logger.Warn("circuit breaker reopened", "name", b.name, "operation", label, "error", err)
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.open()
			b.logger.Warn("circuit breaker opened",
				"name", b.name, "operation", label, "failures", b.failureCount, "error", err)
		}
	case StateOpen:
	}
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.nextAttempt = b.now().Add(b.cfg.RecoveryTimeout)
}
