package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when a breaker rejects a call without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker is a per-dependency circuit breaker. State is process-local; under
// horizontal scaling each instance protects itself independently.
type Breaker struct {
	name         string
	failMax      int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trialing bool
}

// NewBreaker creates a closed breaker for a named dependency.
func NewBreaker(name string, failMax int, resetTimeout time.Duration) *Breaker {
	if failMax <= 0 {
		failMax = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &Breaker{
		name:         name,
		failMax:      failMax,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
	}
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do executes fn through the breaker. When open it fails fast with
// ErrCircuitOpen; once the reset timeout elapses a single trial call is
// admitted, and its outcome closes or reopens the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.state = BreakerHalfOpen
		b.trialing = true
		return nil
	case BreakerHalfOpen:
		if b.trialing {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.trialing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		b.trialing = false
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.trialing = false
	default:
		b.failures++
		if b.failures >= b.failMax {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	}
}
