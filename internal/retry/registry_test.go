package retry

import (
	"testing"
	"time"
)

func TestDelayForRetryBoundaries(t *testing.T) {
	s := &Schedule{Name: "std", Levels: []Level{
		{Delay: 1 * time.Second, Count: 2},
		{Delay: 5 * time.Second, Count: 3},
	}}

	want := []time.Duration{1 * time.Second, 1 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		d, ok := s.DelayForRetry(i + 1)
		if !ok {
			t.Fatalf("retry %d: expected ok", i+1)
		}
		if d != w {
			t.Fatalf("retry %d: got %v want %v", i+1, d, w)
		}
	}

	if _, ok := s.DelayForRetry(6); ok {
		t.Fatal("expected schedule exhausted at retry 6")
	}
	if got := s.MaxRetries(); got != 5 {
		t.Fatalf("MaxRetries = %d, want 5", got)
	}
}

func TestRegistryUnknownSchedule(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for unknown schedule")
	}
}

func TestRegistryPutGet(t *testing.T) {
	r := NewRegistry()
	s := &Schedule{Name: "quick", Levels: []Level{{Delay: time.Second, Count: 1}}}
	r.Put(s)
	got, err := r.Get("quick")
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Fatal("expected same schedule pointer")
	}
}
