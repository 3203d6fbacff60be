// Package engine owns the live DAG of a running workflow instance: it
// evaluates which tasks are runnable, binds their inputs via XPath, hands
// them to the queue pool, ingests outcomes from the process manager,
// mutates the savepoint, and fires events and notifications on every
// state transition. It is the centerpiece the other components feed.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/evqueue/evqueue-go/internal/events"
	"github.com/evqueue/evqueue-go/internal/evqerr"
	"github.com/evqueue/evqueue-go/internal/notify"
	"github.com/evqueue/evqueue-go/internal/procmgr"
	"github.com/evqueue/evqueue-go/internal/queuepool"
	"github.com/evqueue/evqueue-go/internal/retry"
	"github.com/evqueue/evqueue-go/internal/savepoint"
	"github.com/evqueue/evqueue-go/internal/workflow"
	"github.com/evqueue/evqueue-go/internal/xpathctx"
)

// TemplateLookup resolves a workflow id to its parsed, validated template.
// The relational store that owns template CRUD lives outside this package;
// this is the narrow read path the engine depends on.
type TemplateLookup interface {
	Get(workflowID string) (*workflow.Template, error)
}

// NotificationLookup resolves a notification id to its binding. Like
// TemplateLookup, ownership of notification CRUD lives elsewhere.
type NotificationLookup interface {
	Get(id int) (*notify.Notification, error)
}

// InstanceStore persists a savepoint's serialized XML. Implementations
// typically write through to the bbolt-backed local store.
type InstanceStore interface {
	SaveSavepoint(instanceID string, body []byte) error
}

// Dependencies wires every collaborator the engine drives instances through.
type Dependencies struct {
	Templates     TemplateLookup
	Notifications NotificationLookup
	Queues        *queuepool.Pool
	Procs         *procmgr.Manager
	Retries       *retry.Registry
	Notify        *notify.Dispatcher
	Events        *events.Bus
	XPath         *xpathctx.Evaluator
	Store         InstanceStore

	NodeName string
	Host     string
	LogsDir  string
}

// LaunchOptions carries caller-supplied context beyond the bound parameters.
type LaunchOptions struct {
	User string
}

// pendingAttempt is what the engine remembers about an attempt between
// EnqueueTask and the outcome arriving from the process manager.
type pendingAttempt struct {
	instanceID string
	taskPath   string
	queueName  string
	req        *procmgr.Request
}

// Engine is the Workflow Instance Engine. One Engine instance owns every
// active instance on this node.
type Engine struct {
	deps Dependencies

	mu        sync.Mutex
	instances map[string]*instance
	attempts  map[string]pendingAttempt

	tracer       trace.Tracer
	launches     metric.Int64Counter
	terminations metric.Int64Counter
	taskFailures metric.Int64Counter
}

// New constructs an Engine. Call RunDispatchers and RunGatherer to start its
// background loops before launching instances.
func New(meter metric.Meter, deps Dependencies) *Engine {
	launches, _ := meter.Int64Counter("evqueue_instance_launches_total")
	terminations, _ := meter.Int64Counter("evqueue_instance_terminations_total")
	taskFailures, _ := meter.Int64Counter("evqueue_engine_task_failures_total")

	e := &Engine{
		deps:         deps,
		instances:    make(map[string]*instance),
		attempts:     make(map[string]pendingAttempt),
		tracer:       otel.Tracer("evqueue-engine"),
		launches:     launches,
		terminations: terminations,
		taskFailures: taskFailures,
	}
	return e
}

// Launch validates params against the template's declared parameters,
// builds the live DAG, schedules its initially runnable tasks and returns
// the new instance id immediately; evaluation continues asynchronously.
func (e *Engine) Launch(ctx context.Context, workflowID string, params map[string]string, opts LaunchOptions) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.launch", trace.WithAttributes(attribute.String("workflow_id", workflowID)))
	defer span.End()

	tmpl, err := e.deps.Templates.Get(workflowID)
	if err != nil {
		return "", evqerr.New(evqerr.UnknownWorkflow, "engine.launch", "unknown workflow "+workflowID)
	}
	if err := validateParams(tmpl, params); err != nil {
		return "", err
	}

	instanceID := uuid.NewString()
	doc := savepoint.New(instanceID, workflowID, e.deps.Host, e.deps.NodeName, params)

	inst := &instance{
		id:          instanceID,
		tmpl:        tmpl,
		doc:         doc,
		eng:         e,
		tasksByPath: make(map[string]*taskNode),
		jobOf:       make(map[string]*jobNode),
	}
	inst.roots = instantiateRoots(tmpl.Subjobs)
	for _, r := range inst.roots {
		inst.registerTree(r)
	}

	e.mu.Lock()
	e.instances[instanceID] = inst
	e.mu.Unlock()

	e.launches.Add(ctx, 1)
	e.deps.Events.Publish(events.InstanceStarted, 0, "", instanceID)

	inst.mu.Lock()
	for _, r := range inst.roots {
		inst.activateJob(ctx, r)
	}
	inst.mu.Unlock()

	return instanceID, nil
}

// Cancel forbids any further task of instanceID from becoming runnable.
// Tasks already queued or executing are allowed to finish; once none remain
// in flight the instance terminates with ABORTED.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return evqerr.New(evqerr.UnknownWorkflow, "engine.cancel", "no active instance "+instanceID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.cancelled = true
	inst.checkCompletion(ctx)
	return nil
}

// Kill sends a termination signal to the process(es) of the named task, or
// of every currently running task if taskPath is empty.
func (e *Engine) Kill(ctx context.Context, instanceID, taskPath string) error {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return evqerr.New(evqerr.UnknownWorkflow, "engine.kill", "no active instance "+instanceID)
	}

	inst.mu.Lock()
	var attemptIDs []string
	if taskPath != "" {
		if tn, ok := inst.tasksByPath[taskPath]; ok && tn.attemptID != "" {
			attemptIDs = append(attemptIDs, tn.attemptID)
		}
	} else {
		for _, tn := range inst.tasksByPath {
			if tn.attemptID != "" {
				attemptIDs = append(attemptIDs, tn.attemptID)
			}
		}
	}
	inst.mu.Unlock()

	var firstErr error
	for _, id := range attemptIDs {
		if err := e.deps.Procs.Kill(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnTaskOutcome is the callback invoked once a task attempt has been
// reaped: it commits the outcome, re-evaluates the DAG, fires events and
// persists the savepoint on terminal transitions. RunGatherer calls this
// for every outcome the process manager posts; it is exported so recovery
// and tests can drive it directly.
func (e *Engine) OnTaskOutcome(ctx context.Context, instanceID, taskPath string, out *procmgr.Outcome) {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.onTaskOutcome(ctx, taskPath, out)
}

// RunDispatchers starts n goroutines pulling runnable attempts from the
// queue pool and submitting them to the process manager. One dispatcher
// per worker, matching the forker/gatherer pairing the process manager
// expects.
func (e *Engine) RunDispatchers(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go e.dispatchLoop(ctx)
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		a, queueName, err := e.deps.Queues.DequeueNext(ctx)
		if err != nil {
			return
		}

		e.mu.Lock()
		pa, ok := e.attempts[a.ID]
		e.mu.Unlock()
		if !ok {
			e.deps.Queues.OnAttemptFinished(queueName, a.ID)
			continue
		}

		e.markExecuting(pa)
		e.deps.Procs.Submit(ctx, pa.req)
	}
}

func (e *Engine) markExecuting(pa pendingAttempt) {
	e.mu.Lock()
	inst, ok := e.instances[pa.instanceID]
	e.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	inst.doc.TransitionLast(pa.taskPath, savepoint.Executing, func(a *savepoint.Attempt) {
		a.StartedAt = time.Now().UTC()
	})
	inst.mu.Unlock()

	e.deps.Events.Publish(events.TaskExecute, 0, "", pa.instanceID)
}

// RunGatherer drains the process manager's outcome channel until ctx is
// cancelled or the channel closes, folding every outcome back into its
// owning instance.
func (e *Engine) RunGatherer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-e.deps.Procs.Outcomes():
			if !ok {
				return
			}
			e.handleOutcome(ctx, out)
		}
	}
}

func (e *Engine) handleOutcome(ctx context.Context, out *procmgr.Outcome) {
	e.mu.Lock()
	pa, ok := e.attempts[out.AttemptID]
	if ok {
		delete(e.attempts, out.AttemptID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.deps.Queues.OnAttemptFinished(pa.queueName, out.AttemptID)
	e.OnTaskOutcome(ctx, pa.instanceID, pa.taskPath, out)
}

// Recover rebuilds instanceID's live DAG from a previously persisted
// savepoint and re-schedules every task whose last recorded attempt is
// QUEUED, EXECUTING, or an interrupted retry hand-off (ABORTED pending a
// resend that never happened), matching the crash-recovery contract.
func (e *Engine) Recover(ctx context.Context, workflowID string, doc *savepoint.Document) error {
	tmpl, err := e.deps.Templates.Get(workflowID)
	if err != nil {
		return evqerr.New(evqerr.UnknownWorkflow, "engine.recover", "unknown workflow "+workflowID)
	}

	inst := &instance{
		id:          doc.InstanceID,
		tmpl:        tmpl,
		doc:         doc,
		eng:         e,
		tasksByPath: make(map[string]*taskNode),
		jobOf:       make(map[string]*jobNode),
	}
	inst.roots = instantiateRoots(tmpl.Subjobs)
	for _, r := range inst.roots {
		inst.registerTree(r)
	}

	e.mu.Lock()
	e.instances[inst.id] = inst
	e.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, r := range inst.roots {
		inst.recoverJob(ctx, r)
	}
	return nil
}

func validateParams(tmpl *workflow.Template, params map[string]string) error {
	names := tmpl.ParameterNames()
	if len(params) != len(names) {
		return evqerr.New(evqerr.InvalidWorkflowParameters, "engine.launch",
			fmt.Sprintf("expected %d parameters, got %d", len(names), len(params)))
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	for k := range params {
		if !known[k] {
			return evqerr.New(evqerr.InvalidWorkflowParameters, "engine.launch", "unknown parameter "+k)
		}
	}
	return nil
}
