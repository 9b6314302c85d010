package resilience

import (
	"context"
	"errors"
)

// ErrNoFallbackOps is returned when a fallback chain has nothing to run.
var ErrNoFallbackOps = errors.New("fallback chain has no operations")

// Fallback attempts each operation in order and returns the first success.
// When all fail, the last failure is returned. Used to fail over between
// equivalent providers, e.g. primary then replica.
func Fallback[T any](ctx context.Context, ops ...func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if len(ops) == 0 {
		return zero, ErrNoFallbackOps
	}

	var lastErr error
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return zero, lastErr
}
