package queuepool

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueUnknownQueueRejected(t *testing.T) {
	p := NewPool()
	if err := p.EnqueueTask("missing", "a1", 0); err == nil {
		t.Fatal("expected error for unknown queue")
	}
	if got := p.Stats().Rejected; got != 1 {
		t.Fatalf("Rejected = %d, want 1", got)
	}
}

func TestDequeueRespectsConcurrency(t *testing.T) {
	p := NewPool(Config{Name: "q", Concurrency: 1})
	if err := p.EnqueueTask("q", "a1", 0); err != nil {
		t.Fatal(err)
	}
	if err := p.EnqueueTask("q", "a2", 0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, name, err := p.DequeueNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if name != "q" || a.ID != "a1" {
		t.Fatalf("got %s/%s, want q/a1", name, a.ID)
	}

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, _, err := p.DequeueNext(shortCtx); err == nil {
		t.Fatal("expected DequeueNext to block while concurrency cap is held")
	}

	p.OnAttemptFinished("q", "a1")

	a2, _, err := p.DequeueNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a2.ID != "a2" {
		t.Fatalf("got %s, want a2", a2.ID)
	}
}

func TestPriorityDisciplineOrdersByPriority(t *testing.T) {
	p := NewPool(Config{Name: "q", Concurrency: 2, Discipline: Priority})
	if err := p.EnqueueTask("q", "low", 1); err != nil {
		t.Fatal(err)
	}
	if err := p.EnqueueTask("q", "high", 10); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, _, err := p.DequeueNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "high" {
		t.Fatalf("got %s, want high dispatched first", a.ID)
	}
}

func TestRoundRobinAcrossQueues(t *testing.T) {
	p := NewPool(
		Config{Name: "a", Concurrency: 5},
		Config{Name: "b", Concurrency: 5},
	)
	if err := p.EnqueueTask("a", "a1", 0); err != nil {
		t.Fatal(err)
	}
	if err := p.EnqueueTask("b", "b1", 0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		_, name, err := p.DequeueNext(ctx)
		if err != nil {
			t.Fatal(err)
		}
		seen[name] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both queues served, got %v", seen)
	}
}

func TestDynamicQueueCreatedLazily(t *testing.T) {
	p := NewPool()
	p.EnsureDynamicQueue(Config{Name: "dyn", Concurrency: 3})
	if err := p.EnqueueTask("dyn", "x", 0); err != nil {
		t.Fatal(err)
	}
	stats := p.Stats()
	if len(stats.Queues) != 1 || stats.Queues[0].Name != "dyn" {
		t.Fatalf("expected dyn queue present, got %+v", stats.Queues)
	}
}
