package registry

import (
	"context"
	"math/rand"
	"time"
)

// retryPolicy (spec.md §4.2): 3 attempts with an exponential wait between
// them that starts at 1s and doubles (1s, then 2s), each wait jittered by
// ±20%, applied only to Transient and RateLimited failures.
const maxAttempts = 3

func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !Retryable(err) {
			return zero, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(time.Duration(float64(time.Second<<attempt) * (0.8 + 0.4*rand.Float64()))):
		}
	}
	return zero, lastErr
}
