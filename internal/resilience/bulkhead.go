package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrBulkheadFull is returned when the waiting queue is saturated.
var ErrBulkheadFull = errors.New("bulkhead queue full")

// ErrBulkheadTimeout is returned when a call exceeds the bulkhead timeout.
var ErrBulkheadTimeout = errors.New("bulkhead timeout")

// Bulkhead bounds concurrent executions against a named resource so one slow
// dependency cannot exhaust shared capacity.
type Bulkhead struct {
	name          string
	maxWaiting    int64
	timeout       time.Duration
	slots         chan struct{}
	waitingCount  atomic.Int64
	activeCount   atomic.Int64
	rejectedCount atomic.Int64
}

// NewBulkhead creates a bulkhead admitting at most maxConcurrent calls with at
// most maxWaiting queued callers; each call is bounded by timeout overall.
func NewBulkhead(name string, maxConcurrent, maxWaiting int, timeout time.Duration) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if maxWaiting <= 0 {
		maxWaiting = 100
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bulkhead{
		name:       name,
		maxWaiting: int64(maxWaiting),
		timeout:    timeout,
		slots:      make(chan struct{}, maxConcurrent),
	}
}

// Available returns the number of free execution slots.
func (b *Bulkhead) Available() int { return cap(b.slots) - len(b.slots) }

// Waiting returns the number of callers queued for admission.
func (b *Bulkhead) Waiting() int { return int(b.waitingCount.Load()) }

// Rejected returns the count of calls rejected since creation.
func (b *Bulkhead) Rejected() int64 { return b.rejectedCount.Load() }

// Execute runs fn within the bulkhead limits. Callers beyond the waiting bound
// are rejected immediately with ErrBulkheadFull rather than queued.
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.waitingCount.Load() >= b.maxWaiting {
		b.rejectedCount.Add(1)
		return fmt.Errorf("%s: %w", b.name, ErrBulkheadFull)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.waitingCount.Add(1)
	select {
	case b.slots <- struct{}{}:
		b.waitingCount.Add(-1)
	case <-ctx.Done():
		b.waitingCount.Add(-1)
		b.rejectedCount.Add(1)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", b.name, ErrBulkheadTimeout)
		}
		return ctx.Err()
	}

	b.activeCount.Add(1)
	defer func() {
		b.activeCount.Add(-1)
		<-b.slots
	}()

	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", b.name, ErrBulkheadTimeout)
	}
	return err
}
