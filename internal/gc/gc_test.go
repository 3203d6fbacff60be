package gc

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestSweepCallsEachCategoryPurge(t *testing.T) {
	c := New(time.Minute, 10, noop.MeterProvider{}.Meter("test"))

	calls := 0
	c.Register(Category{
		Name:      "fake",
		Retention: time.Hour,
		Purge: func(limit int) (int, error) {
			calls++
			if limit != 10 {
				t.Fatalf("purge called with limit %d, want 10", limit)
			}
			return 3, nil
		},
	})

	c.sweep(context.Background())
	if calls != 1 {
		t.Fatalf("expected purge to be called once, got %d", calls)
	}
}

func TestSweepContinuesAfterCategoryError(t *testing.T) {
	c := New(time.Minute, 5, noop.MeterProvider{}.Meter("test"))

	secondCalled := false
	c.Register(Category{
		Name: "broken",
		Purge: func(limit int) (int, error) {
			return 0, context.DeadlineExceeded
		},
	})
	c.Register(Category{
		Name: "healthy",
		Purge: func(limit int) (int, error) {
			secondCalled = true
			return 0, nil
		},
	})

	c.sweep(context.Background())
	if !secondCalled {
		t.Fatalf("expected sweep to continue to the next category after an error")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := New(5*time.Millisecond, 1, noop.MeterProvider{}.Meter("test"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}
