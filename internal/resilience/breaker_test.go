package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	fail := func(ctx context.Context) error { return boom }
	succeed := func(ctx context.Context) error { return nil }

	t.Run("stays closed on success", func(t *testing.T) {
		b := NewBreaker("cache", 3, time.Minute)
		for i := 0; i < 10; i++ {
			require.NoError(t, b.Do(ctx, succeed))
		}
		assert.Equal(t, BreakerClosed, b.State())
		assert.Equal(t, 0, b.Failures())
	})

	t.Run("opens after consecutive failures reach failMax", func(t *testing.T) {
		b := NewBreaker("cache", 3, time.Minute)
		for i := 0; i < 3; i++ {
			require.ErrorIs(t, b.Do(ctx, fail), boom)
		}
		assert.Equal(t, BreakerOpen, b.State())
	})

	t.Run("success resets the failure counter", func(t *testing.T) {
		b := NewBreaker("cache", 3, time.Minute)
		require.Error(t, b.Do(ctx, fail))
		require.Error(t, b.Do(ctx, fail))
		require.NoError(t, b.Do(ctx, succeed))
		assert.Equal(t, 0, b.Failures())
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("open breaker fails fast without invoking the call", func(t *testing.T) {
		b := NewBreaker("cache", 1, time.Minute)
		require.Error(t, b.Do(ctx, fail))

		invoked := false
		err := b.Do(ctx, func(ctx context.Context) error {
			invoked = true
			return nil
		})
		require.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, invoked)
	})

	t.Run("half-open admits one trial and closes on success", func(t *testing.T) {
		b := NewBreaker("cache", 1, 20*time.Millisecond)
		require.Error(t, b.Do(ctx, fail))
		assert.Equal(t, BreakerOpen, b.State())

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, BreakerHalfOpen, b.State())

		require.NoError(t, b.Do(ctx, succeed))
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("half-open trial failure reopens and restarts the timeout", func(t *testing.T) {
		b := NewBreaker("cache", 1, 20*time.Millisecond)
		require.Error(t, b.Do(ctx, fail))

		time.Sleep(30 * time.Millisecond)
		require.ErrorIs(t, b.Do(ctx, fail), boom)
		assert.Equal(t, BreakerOpen, b.State())

		require.ErrorIs(t, b.Do(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("half-open admits exactly one concurrent trial", func(t *testing.T) {
		b := NewBreaker("cache", 1, 10*time.Millisecond)
		require.Error(t, b.Do(ctx, fail))
		time.Sleep(20 * time.Millisecond)

		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- b.Do(ctx, func(ctx context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()

		<-started
		// Second call during the trial must be rejected.
		require.ErrorIs(t, b.Do(ctx, succeed), ErrCircuitOpen)
		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, BreakerClosed, b.State())
	})
}
