// Package notify implements out-of-process notification plugin invocation:
// a lifecycle hook (instance terminal, or a subscribed task terminal) hands
// off a Notification plus an instance snapshot, and the dispatcher execs the
// plugin binary with JSON on stdin and EVQUEUE_* variables in the
// environment, fire-and-forget.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	osexec "os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/evqueue/evqueue-go/internal/resilience"
)

// Notification is a subscribed notification plugin binding.
type Notification struct {
	ID           int64
	TypeName     string // binary name under PluginsDir
	Name         string
	SubscribeAll bool
	Parameters   map[string]string
}

// Snapshot is the instance context handed to a plugin through its EVQUEUE_*
// environment variables; stdin carries the notification's parameters.
type Snapshot struct {
	NodeName       string `json:"node_name"`
	InstanceID     string `json:"instance_id"`
	WorkflowName   string `json:"workflow_name"`
	WorkflowStatus string `json:"workflow_status"`
	WorkflowErrors int    `json:"workflow_errors"`
	TaskPath       string `json:"task_path,omitempty"`
	Parameters     map[string]string `json:"parameters"`
}

// job is one queued plugin invocation.
type job struct {
	notification *Notification
	snapshot     Snapshot
}

// Dispatcher runs notification plugins on a bounded worker pool, fed by a
// buffered channel so the engine's fire-and-forget hand-off never blocks on
// plugin I/O.
type Dispatcher struct {
	pluginsDir string
	workQueue  chan job
	wg         sync.WaitGroup

	invocations metric.Int64Counter
	failures    metric.Int64Counter
}

// New constructs a Dispatcher and starts workers concurrent goroutines
// draining its work queue. Call Shutdown to drain and stop.
func New(pluginsDir string, workers int, meter metric.Meter) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	invocations, _ := meter.Int64Counter("evqueue_notification_invocations_total")
	failures, _ := meter.Int64Counter("evqueue_notification_failures_total")

	d := &Dispatcher{
		pluginsDir:  pluginsDir,
		workQueue:   make(chan job, 1024),
		invocations: invocations,
		failures:    failures,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues one plugin invocation. It never blocks the caller beyond
// the channel send, and never returns an error that would fail the instance
// — a full queue simply logs and drops, matching "never fails the instance".
func (d *Dispatcher) Dispatch(n *Notification, snap Snapshot) {
	select {
	case d.workQueue <- job{notification: n, snapshot: snap}:
	default:
		slog.Warn("notification queue full, dropping", "notification", n.Name, "instance", snap.InstanceID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	tracer := otel.Tracer("evqueue-notify")
	for j := range d.workQueue {
		ctx, span := tracer.Start(context.Background(), "notify.invoke",
			trace.WithAttributes(
				attribute.String("notification", j.notification.Name),
				attribute.String("instance_id", j.snapshot.InstanceID),
			),
		)
		d.invoke(ctx, j)
		span.End()
	}
}

func (d *Dispatcher) invoke(ctx context.Context, j job) {
	path := filepath.Join(d.pluginsDir, j.notification.TypeName)

	params := make(map[string]string, len(j.notification.Parameters))
	for k, v := range j.notification.Parameters {
		params[k] = v
	}
	stdin, err := json.Marshal(params)
	if err != nil {
		d.failures.Add(ctx, 1)
		slog.Error("marshal notification parameters", "error", err)
		return
	}

	env := []string{
		fmt.Sprintf("EVQUEUE_NODE_NAME=%s", j.snapshot.NodeName),
		fmt.Sprintf("EVQUEUE_INSTANCE_ID=%s", j.snapshot.InstanceID),
		fmt.Sprintf("EVQUEUE_WORKFLOW_NAME=%s", j.snapshot.WorkflowName),
		fmt.Sprintf("EVQUEUE_WORKFLOW_STATUS=%s", j.snapshot.WorkflowStatus),
		fmt.Sprintf("EVQUEUE_WORKFLOW_ERRORS=%d", j.snapshot.WorkflowErrors),
	}
	var out bytes.Buffer

	// Transient failures (a plugin binary briefly unreadable during a
	// deploy, a momentary fork failure) get a few quick retries rather than
	// dropping the notification on the first bad attempt.
	start := time.Now()
	_, err = resilience.Retry(ctx, "notify."+j.notification.TypeName, 3, 200*time.Millisecond, func() (struct{}, error) {
		out.Reset()
		attempt := osexec.CommandContext(ctx, path)
		attempt.Stdin = bytes.NewReader(stdin)
		attempt.Env = env
		attempt.Stdout = &out
		attempt.Stderr = &out
		return struct{}{}, attempt.Run()
	})
	d.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("notification", j.notification.Name)))

	if err != nil {
		d.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("notification", j.notification.Name)))
		slog.Error("notification plugin failed",
			"notification", j.notification.Name,
			"instance", j.snapshot.InstanceID,
			"duration", time.Since(start),
			"error", err,
			"output", out.String(),
		)
	}
}

// Shutdown stops accepting new work and waits for in-flight invocations to
// finish.
func (d *Dispatcher) Shutdown() {
	close(d.workQueue)
	d.wg.Wait()
}
