// Package scheduler launches workflow instances on cron schedules, binding
// each schedule to the cluster node(s) responsible for firing it.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/evqueue/evqueue-go/internal/engine"
	"github.com/evqueue/evqueue-go/internal/evqerr"
)

// NodeBinding selects which cluster node(s) a schedule is bound to.
type NodeBinding string

const (
	BindAny      NodeBinding = "any"
	BindAll      NodeBinding = "all"
	BindExplicit NodeBinding = "explicit"
)

// ClusterMembership is the narrow view into cluster topology a schedule's
// node binding is evaluated against. The RPC fabric behind it is out of
// scope for this package.
type ClusterMembership interface {
	// IsLeader reports whether this node currently owns "any"-bound schedules.
	IsLeader() bool
	// NodeName reports this node's name, compared against explicit bindings.
	NodeName() string
}

// Launcher starts a workflow instance from a schedule firing. internal/engine.Engine
// satisfies this with its Launch method.
type Launcher interface {
	Launch(ctx context.Context, workflowID string, params map[string]string, opts engine.LaunchOptions) (string, error)
}

// OnFailure controls what happens to a schedule after its launch attempt
// returns an error.
type OnFailure string

const (
	OnFailureIgnore  OnFailure = ""
	OnFailureSuspend OnFailure = "SUSPEND"
)

// Schedule is one registered cron binding.
type Schedule struct {
	Name       string
	WorkflowID string
	CronExpr   string // 5-field standard form only
	Params     map[string]string
	Binding    NodeBinding
	Nodes      []string // explicit node names, when Binding == BindExplicit
	OnFailure  OnFailure

	entryID   cron.EntryID
	suspended bool
}

// Scheduler owns the cron engine and the set of registered schedules.
type Scheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	schedules map[string]*Schedule
	cluster   ClusterMembership
	launcher  Launcher

	runs      metric.Int64Counter
	failures  metric.Int64Counter
	suspends  metric.Int64Counter
	tracer    trace.Tracer
}

// New constructs a Scheduler using the standard 5-field cron parser. The
// 7-field/seconds form robfig/cron also supports is deliberately not
// enabled: AddSchedule rejects it explicitly instead of silently accepting
// a form this system does not claim to support.
func New(cluster ClusterMembership, launcher Launcher, meter metric.Meter) *Scheduler {
	runs, _ := meter.Int64Counter("evqueue_schedule_runs_total")
	failures, _ := meter.Int64Counter("evqueue_schedule_failures_total")
	suspends, _ := meter.Int64Counter("evqueue_schedule_suspends_total")

	return &Scheduler{
		cron:      cron.New(),
		schedules: make(map[string]*Schedule),
		cluster:   cluster,
		launcher:  launcher,
		runs:      runs,
		failures:  failures,
		suspends:  suspends,
		tracer:    otel.Tracer("evqueue-scheduler"),
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sevenFieldLike rejects cron expressions carrying a seconds field: robfig's
// parser otherwise happily accepts 6 or 7 space-separated fields.
func sevenFieldLike(expr string) bool {
	return len(strings.Fields(expr)) > 5
}

// AddSchedule registers sched and arms its cron entry. The workflow does
// not fire until Start is called.
func (s *Scheduler) AddSchedule(sched *Schedule) error {
	if sevenFieldLike(sched.CronExpr) {
		return evqerr.New(evqerr.InvalidParameter, "scheduler.add_schedule",
			fmt.Sprintf("schedule %s: seconds-precision cron expressions are not supported, use 5 fields", sched.Name))
	}

	entryID, err := s.cron.AddFunc(sched.CronExpr, func() { s.fire(sched) })
	if err != nil {
		return evqerr.Wrap(evqerr.InvalidParameter, "scheduler.add_schedule", err)
	}
	sched.entryID = entryID

	s.mu.Lock()
	s.schedules[sched.Name] = sched
	s.mu.Unlock()
	return nil
}

// RemoveSchedule disarms and forgets a schedule.
func (s *Scheduler) RemoveSchedule(name string) {
	s.mu.Lock()
	sched, ok := s.schedules[name]
	if ok {
		delete(s.schedules, name)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(sched.entryID)
	}
}

// Suspend prevents a schedule from firing without removing its cron entry,
// used after an OnFailureSuspend launch failure or an explicit operator
// action.
func (s *Scheduler) Suspend(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.schedules[name]; ok {
		sched.suspended = true
	}
}

func (s *Scheduler) boundToThisNode(sched *Schedule) bool {
	switch sched.Binding {
	case BindAll:
		return true
	case BindExplicit:
		for _, n := range sched.Nodes {
			if n == s.cluster.NodeName() {
				return true
			}
		}
		return false
	default: // BindAny: only the elected leader fires it
		return s.cluster.IsLeader()
	}
}

func (s *Scheduler) fire(sched *Schedule) {
	s.mu.Lock()
	suspended := sched.suspended
	s.mu.Unlock()
	if suspended {
		return
	}
	if s.cluster != nil && !s.boundToThisNode(sched) {
		return
	}

	ctx, span := s.tracer.Start(context.Background(), "scheduler.fire",
		trace.WithAttributes(attribute.String("schedule", sched.Name), attribute.String("workflow_id", sched.WorkflowID)))
	defer span.End()

	_, err := s.launcher.Launch(ctx, sched.WorkflowID, sched.Params, engine.LaunchOptions{User: "scheduler"})
	if err != nil {
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", sched.Name)))
		if sched.OnFailure == OnFailureSuspend {
			s.Suspend(sched.Name)
			s.suspends.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", sched.Name)))
		}
		return
	}
	s.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", sched.Name)))
}

// List returns a snapshot of every registered schedule.
func (s *Scheduler) List() []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	return out
}
