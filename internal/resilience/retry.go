package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	retryMetricsOnce sync.Once
	attemptCounter   metric.Int64Counter
	successCounter   metric.Int64Counter
	failCounter      metric.Int64Counter
)

func retryMetrics() (metric.Int64Counter, metric.Int64Counter, metric.Int64Counter) {
	retryMetricsOnce.Do(func() {
		meter := otel.Meter("evqueue-go")
		attemptCounter, _ = meter.Int64Counter("evqueue_resilience_retry_attempts_total")
		successCounter, _ = meter.Int64Counter("evqueue_resilience_retry_success_total")
		failCounter, _ = meter.Int64Counter("evqueue_resilience_retry_fail_total")
	})
	return attemptCounter, successCounter, failCounter
}

// Retry executes fn with exponential backoff (base delay) + full jitter,
// tagging its metrics with op so callers (e.g. notification plugin
// invocation) stay distinguishable in the exported counters.
// delay acts as initial backoff; grows exponentially (x2) until attempts exhausted.
// Jitter: random duration in [0, currentDelay].
func Retry[T any](ctx context.Context, op string, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	attemptCounter, successCounter, failCounter := retryMetrics()
	opAttr := metric.WithAttributes(attribute.String("op", op))
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1, opAttr)
		if err == nil {
			successCounter.Add(ctx, 1, opAttr)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		// exponential growth (cap at ~60s to avoid runaway)
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		// full jitter
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1, opAttr)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1, opAttr)
	return zero, lastErr
}
