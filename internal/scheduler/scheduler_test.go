package scheduler

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/evqueue/evqueue-go/internal/engine"
)

type fakeCluster struct {
	leader bool
	name   string
}

func (f fakeCluster) IsLeader() bool   { return f.leader }
func (f fakeCluster) NodeName() string { return f.name }

type fakeLauncher struct {
	calls int
	err   error
}

func (f *fakeLauncher) Launch(ctx context.Context, workflowID string, params map[string]string, opts engine.LaunchOptions) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "instance-1", nil
}

func TestAddScheduleRejectsSecondsPrecision(t *testing.T) {
	s := New(fakeCluster{leader: true}, &fakeLauncher{}, noop.MeterProvider{}.Meter("test"))
	err := s.AddSchedule(&Schedule{Name: "x", WorkflowID: "wf", CronExpr: "*/5 * * * * *"})
	if err == nil {
		t.Fatalf("expected seconds-precision cron to be rejected")
	}
}

func TestAddScheduleAcceptsFiveField(t *testing.T) {
	s := New(fakeCluster{leader: true}, &fakeLauncher{}, noop.MeterProvider{}.Meter("test"))
	if err := s.AddSchedule(&Schedule{Name: "x", WorkflowID: "wf", CronExpr: "0 * * * *"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected one registered schedule")
	}
}

func TestFireSkipsNonLeaderForAnyBinding(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(fakeCluster{leader: false, name: "node-a"}, launcher, noop.MeterProvider{}.Meter("test"))
	sched := &Schedule{Name: "x", WorkflowID: "wf", CronExpr: "0 * * * *", Binding: BindAny}
	s.fire(sched)
	if launcher.calls != 0 {
		t.Fatalf("expected a non-leader node to skip an any-bound schedule")
	}
}

func TestFireRunsForExplicitBindingMatchingNode(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(fakeCluster{leader: false, name: "node-a"}, launcher, noop.MeterProvider{}.Meter("test"))
	sched := &Schedule{Name: "x", WorkflowID: "wf", CronExpr: "0 * * * *", Binding: BindExplicit, Nodes: []string{"node-a"}}
	s.fire(sched)
	if launcher.calls != 1 {
		t.Fatalf("expected explicit binding matching this node to fire")
	}
}

func TestFireSuspendsOnFailureWhenConfigured(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("boom")}
	s := New(fakeCluster{leader: true}, launcher, noop.MeterProvider{}.Meter("test"))
	sched := &Schedule{Name: "x", WorkflowID: "wf", CronExpr: "0 * * * *", Binding: BindAny, OnFailure: OnFailureSuspend}
	s.schedules["x"] = sched

	s.fire(sched)
	if launcher.calls != 1 {
		t.Fatalf("expected launch to be attempted once")
	}
	if !sched.suspended {
		t.Fatalf("expected schedule to be suspended after a failed launch")
	}

	// A suspended schedule no longer fires.
	s.fire(sched)
	if launcher.calls != 1 {
		t.Fatalf("expected suspended schedule to not launch again, got %d calls", launcher.calls)
	}
}

func TestRemoveSchedule(t *testing.T) {
	s := New(fakeCluster{leader: true}, &fakeLauncher{}, noop.MeterProvider{}.Meter("test"))
	if err := s.AddSchedule(&Schedule{Name: "x", WorkflowID: "wf", CronExpr: "0 * * * *"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.RemoveSchedule("x")
	if len(s.List()) != 0 {
		t.Fatalf("expected schedule to be removed")
	}
}
