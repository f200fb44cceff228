// Package resilience adapts the teacher's libs/go/core/resilience helpers
// for the two places the dispatcher core makes an outbound call that can
// transiently fail without being a task failure in the spec's sense:
// broker submission/status polling and storage reads/writes.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter, exactly the
// shape of the teacher's Retry helper, generalized to the selinon meter
// namespace.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("selinon")
	attemptCounter, _ := meter.Int64Counter("selinon_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("selinon_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("selinon_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
