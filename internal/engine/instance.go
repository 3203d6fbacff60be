package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evqueue/evqueue-go/internal/events"
	"github.com/evqueue/evqueue-go/internal/notify"
	"github.com/evqueue/evqueue-go/internal/procmgr"
	"github.com/evqueue/evqueue-go/internal/savepoint"
	"github.com/evqueue/evqueue-go/internal/workflow"
	"github.com/evqueue/evqueue-go/internal/xpathctx"
)

// instance is one live workflow execution: its parsed template, its
// savepoint, and the runtime DAG derived from the template. Every mutation
// goes through mu, so the engine never runs two state changes on the same
// instance concurrently.
type instance struct {
	mu sync.Mutex

	id   string
	tmpl *workflow.Template
	doc  *savepoint.Document
	eng  *Engine

	roots       []*jobNode
	tasksByPath map[string]*taskNode
	jobOf       map[string]*jobNode

	cancelled bool
}

func (inst *instance) registerTree(jn *jobNode) {
	for _, tn := range jn.tasks {
		inst.tasksByPath[tn.path] = tn
		inst.jobOf[tn.path] = jn
	}
	for _, c := range jn.children {
		c.parent = jn
		inst.registerTree(c)
	}
}

func (inst *instance) replaceNode(old *jobNode, replacements []*jobNode) {
	if old.parent == nil {
		inst.roots = replaceInSlice(inst.roots, old, replacements)
	} else {
		old.parent.children = replaceInSlice(old.parent.children, old, replacements)
	}
	for _, r := range replacements {
		inst.registerTree(r)
	}
}

func (inst *instance) jobXctx(jn *jobNode) *xpathctx.Context {
	return &xpathctx.Context{Savepoint: inst.doc, CurrentJob: jn.path, LoopNode: jn.loopNode}
}

func (inst *instance) evalBool(expr string, jn *jobNode) (bool, error) {
	v, err := inst.eng.deps.XPath.Evaluate(expr, inst.jobXctx(jn))
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// activateJob evaluates jn's condition and loop, then either skips the
// whole subtree, expands it into one clone per loop context, or starts
// running its tasks in document order.
func (inst *instance) activateJob(ctx context.Context, jn *jobNode) {
	if inst.cancelled {
		inst.markSkipped(jn)
		inst.checkCompletion(ctx)
		return
	}

	if jn.job.Condition != "" {
		ok, err := inst.evalBool(jn.job.Condition, jn)
		if err != nil || !ok {
			inst.markSkipped(jn)
			inst.checkCompletion(ctx)
			return
		}
	}

	if jn.job.Loop != "" && jn.loopNode == "" {
		inst.expandLoop(ctx, jn)
		return
	}

	jn.status = statusRunning
	inst.runNextTask(ctx, jn)
}

func (inst *instance) expandLoop(ctx context.Context, jn *jobNode) {
	contexts, err := inst.eng.deps.XPath.EvaluateNodeSet(jn.job.Loop, inst.jobXctx(jn))
	if err != nil || len(contexts) == 0 {
		inst.markSkipped(jn)
		inst.checkCompletion(ctx)
		return
	}

	clones := make([]*jobNode, len(contexts))
	for i, c := range contexts {
		clone := instantiateJob(jn.job, fmt.Sprintf("%s[%d]", jn.path, i))
		clone.loopNode = c
		clone.parent = jn.parent
		clones[i] = clone
	}
	inst.replaceNode(jn, clones)

	for _, c := range clones {
		if jn.job.IterationCondition != "" {
			ok, err := inst.evalBool(jn.job.IterationCondition, c)
			if err != nil || !ok {
				inst.markSkipped(c)
				inst.checkCompletion(ctx)
				continue
			}
		}
		c.status = statusRunning
		inst.runNextTask(ctx, c)
	}
}

func (inst *instance) markSkipped(jn *jobNode) {
	jn.status = statusSkipped
	inst.eng.deps.Events.Publish(events.JobSkipped, 0, "", inst.id)
}

// runNextTask enqueues jn's next task, or completes jn if every task has
// already terminated successfully.
func (inst *instance) runNextTask(ctx context.Context, jn *jobNode) {
	if inst.cancelled {
		jn.status = statusSkipped
		inst.checkCompletion(ctx)
		return
	}
	if jn.taskIdx >= len(jn.tasks) {
		inst.completeJob(ctx, jn)
		return
	}
	inst.enqueueTask(ctx, jn, jn.tasks[jn.taskIdx])
}

func (inst *instance) completeJob(ctx context.Context, jn *jobNode) {
	jn.status = statusDone
	inst.eng.deps.Events.Publish(events.JobTerminated, 0, "", inst.id)
	if len(jn.children) == 0 {
		inst.checkCompletion(ctx)
		return
	}
	for _, c := range jn.children {
		inst.activateJob(ctx, c)
	}
}

func (inst *instance) enqueueTask(ctx context.Context, jn *jobNode, tn *taskNode) {
	attemptID := uuid.NewString()
	tn.attemptID = attemptID

	if err := inst.doc.AppendAttempt(tn.path, &savepoint.Attempt{Status: savepoint.Queued, RetryCount: tn.retryCount}); err != nil {
		slog.Error("savepoint append attempt failed", "instance", inst.id, "task", tn.path, "error", err)
	}
	inst.eng.deps.Events.Publish(events.TaskEnqueue, 0, "", inst.id)

	req := inst.buildRequest(jn, tn, attemptID)

	inst.eng.mu.Lock()
	inst.eng.attempts[attemptID] = pendingAttempt{
		instanceID: inst.id,
		taskPath:   tn.path,
		queueName:  tn.task.QueueName,
		req:        req,
	}
	inst.eng.mu.Unlock()

	if err := inst.eng.deps.Queues.EnqueueTask(tn.task.QueueName, attemptID, tn.task.QueuePriority); err != nil {
		inst.eng.mu.Lock()
		delete(inst.eng.attempts, attemptID)
		inst.eng.mu.Unlock()
		inst.handleTaskFatal(ctx, jn, tn, err)
	}
}

func (inst *instance) buildRequest(jn *jobNode, tn *taskNode, attemptID string) *procmgr.Request {
	xctx := inst.jobXctx(jn)

	req := &procmgr.Request{
		AttemptID:   attemptID,
		MergeStderr: tn.task.MergeStderr,
		UseAgent:    tn.task.UseAgent,
		Host:        tn.task.Host,
		WD:          tn.task.WD,
		LogsDir:     inst.eng.deps.LogsDir,
	}

	var args []string
	for _, a := range tn.task.Args {
		v, err := inst.eng.deps.XPath.Evaluate(a.XPath, xctx)
		if err != nil {
			continue
		}
		args = append(args, v.String())
	}

	if tn.task.Script != nil {
		body := tn.task.Script.Literal
		if tn.task.Script.ValueXPath != "" {
			if v, err := inst.eng.deps.XPath.Evaluate(tn.task.Script.ValueXPath, xctx); err == nil {
				body = v.String()
			}
		}
		req.ScriptBody = body
		req.Interpreter = tn.task.Script.Interpreter
	} else {
		req.Argv = append([]string{tn.task.Path}, args...)
	}

	if tn.task.ParametersMode == workflow.ParametersEnv {
		for _, e := range tn.task.Env {
			v, err := inst.eng.deps.XPath.Evaluate(e.XPath, xctx)
			if err != nil {
				continue
			}
			req.Env = append(req.Env, e.Name+"="+v.String())
		}
	}

	return req
}

func (inst *instance) handleTaskFatal(ctx context.Context, jn *jobNode, tn *taskNode, cause error) {
	tn.attemptID = ""
	if err := inst.doc.TransitionLast(tn.path, savepoint.Terminated, func(a *savepoint.Attempt) {
		a.Error = cause.Error()
		a.EndedAt = time.Now().UTC()
	}); err != nil {
		slog.Error("savepoint transition failed", "instance", inst.id, "task", tn.path, "error", err)
	}
	inst.eng.deps.Events.Publish(events.TaskTerminate, 0, "", inst.id)
	inst.persistBestEffort()
	inst.failJob(ctx, jn)
}

// onTaskOutcome classifies a reaped attempt as successful, retryable, or
// fatal, commits the outcome to the savepoint, and resumes DAG evaluation.
func (inst *instance) onTaskOutcome(ctx context.Context, path string, out *procmgr.Outcome) {
	tn, ok := inst.tasksByPath[path]
	if !ok {
		return
	}
	jn := inst.jobOf[path]
	tn.attemptID = ""

	successful := out.LaunchErr == nil && (out.ExitCode == 0 || containsInt(tn.task.RetryRetvalOnError, out.ExitCode))

	if successful {
		inst.doc.TransitionLast(path, savepoint.Terminated, func(a *savepoint.Attempt) {
			a.ExitCode = out.ExitCode
			a.Stdout = out.Stdout
			a.Stderr = out.Stderr
			a.EngineLog = out.EngineLog
			a.EndedAt = out.EndedAt
			a.ExecutionTime = out.EndedAt.Sub(out.StartedAt).Seconds()
		})
		inst.eng.deps.Events.Publish(events.TaskTerminate, 0, "", inst.id)
		inst.persistBestEffort()
		tn.status = statusDone
		jn.taskIdx++
		inst.runNextTask(ctx, jn)
		return
	}

	retryable := false
	var delay time.Duration
	if tn.task.RetrySchedule != "" {
		if sched, err := inst.eng.deps.Retries.Get(tn.task.RetrySchedule); err == nil {
			tn.retryCount++
			if d, ok := sched.DelayForRetry(tn.retryCount); ok {
				retryable, delay = true, d
			}
		}
	}

	if retryable {
		inst.doc.TransitionLast(path, savepoint.Aborted, func(a *savepoint.Attempt) {
			a.ExitCode = out.ExitCode
			a.Stdout = out.Stdout
			a.Stderr = out.Stderr
			if out.LaunchErr != nil {
				a.Error = out.LaunchErr.Error()
			}
			a.EndedAt = out.EndedAt
		})
		inst.eng.deps.Events.Publish(events.TaskRetry, 0, "", inst.id)
		inst.persistBestEffort()

		time.AfterFunc(delay, func() {
			inst.mu.Lock()
			defer inst.mu.Unlock()
			if inst.cancelled {
				inst.runNextTask(context.Background(), jn)
				return
			}
			inst.enqueueTask(context.Background(), jn, tn)
		})
		return
	}

	inst.doc.TransitionLast(path, savepoint.Terminated, func(a *savepoint.Attempt) {
		a.ExitCode = out.ExitCode
		a.Stdout = out.Stdout
		a.Stderr = out.Stderr
		if out.LaunchErr != nil {
			a.Error = out.LaunchErr.Error()
		}
		a.EndedAt = out.EndedAt
	})
	inst.eng.deps.Events.Publish(events.TaskTerminate, 0, "", inst.id)
	inst.eng.taskFailures.Add(context.Background(), 1)
	inst.persistBestEffort()
	tn.status = statusFailed
	inst.failJob(ctx, jn)
}

// failJob marks jn and, unless halted by an on-failure="CONTINUE" ancestor,
// propagates the failure up the subjob chain.
func (inst *instance) failJob(ctx context.Context, jn *jobNode) {
	jn.status = statusFailed
	inst.eng.deps.Events.Publish(events.JobFailed, 0, "", inst.id)

	if jn.job.OnFailure == workflow.OnFailureContinue {
		inst.checkCompletion(ctx)
		return
	}
	for p := jn.parent; p != nil; p = p.parent {
		p.status = statusFailed
		if p.job.OnFailure == workflow.OnFailureContinue {
			break
		}
	}
	inst.checkCompletion(ctx)
}

// checkCompletion finalizes the instance once every root subtree has
// settled: ABORTED if Cancel was called, otherwise TERMINATED with
// error_count reflecting any failed job.
func (inst *instance) checkCompletion(ctx context.Context) {
	for _, r := range inst.roots {
		if !settled(r) {
			return
		}
	}

	status := savepoint.InstanceTerminated
	errCount := countFailures(inst.roots)
	evType := events.InstanceTerminated
	if inst.cancelled {
		status = savepoint.InstanceAborted
		evType = events.InstanceAborted
	}

	inst.doc.Finish(status, errCount)
	inst.persistFinal()
	inst.eng.deps.Events.Publish(evType, 0, "", inst.id)
	inst.eng.terminations.Add(context.Background(), 1)
	inst.notifyTerminal()

	inst.eng.mu.Lock()
	delete(inst.eng.instances, inst.id)
	inst.eng.mu.Unlock()
}

func (inst *instance) persistBestEffort() {
	body, err := inst.doc.Marshal()
	if err != nil || inst.eng.deps.Store == nil {
		return
	}
	if err := inst.eng.deps.Store.SaveSavepoint(inst.id, body); err != nil {
		slog.Warn("savepoint persist failed", "instance", inst.id, "error", err)
	}
}

func (inst *instance) persistFinal() {
	body, err := inst.doc.Marshal()
	if err == nil && inst.eng.deps.Store != nil {
		err = inst.eng.deps.Store.SaveSavepoint(inst.id, body)
	}
	if err != nil {
		slog.Error("final savepoint persist failed, forcing ABORTED", "instance", inst.id, "error", err)
		inst.doc.Finish(savepoint.InstanceAborted, inst.doc.ErrorCount+1)
	}
}

func (inst *instance) notifyTerminal() {
	if inst.eng.deps.Notifications == nil || inst.eng.deps.Notify == nil {
		return
	}
	for _, id := range inst.tmpl.NotificationIDs {
		n, err := inst.eng.deps.Notifications.Get(id)
		if err != nil {
			continue
		}
		inst.eng.deps.Notify.Dispatch(n, notify.Snapshot{
			NodeName:       inst.eng.deps.NodeName,
			InstanceID:     inst.id,
			WorkflowName:   inst.tmpl.Name,
			WorkflowStatus: string(inst.doc.Status),
			WorkflowErrors: inst.doc.ErrorCount,
		})
	}
}

// recoverJob replays doc's recorded attempt history onto jn, re-enqueuing
// any task last recorded QUEUED, EXECUTING, or mid-retry hand-off, and
// recursing into children once every task of jn is known to have
// terminated successfully.
func (inst *instance) recoverJob(ctx context.Context, jn *jobNode) {
	allDone := true
	for i, tn := range jn.tasks {
		status, ok := inst.doc.LastRecordedState(tn.path)
		if !ok {
			jn.taskIdx = i
			allDone = false
			break
		}
		switch status {
		case savepoint.Terminated:
			if rec, ok := inst.doc.Task(tn.path); ok {
				if last := rec.Last(); last.Error != "" || (last.ExitCode != 0 && !containsInt(tn.task.RetryRetvalOnError, last.ExitCode)) {
					tn.status = statusFailed
					jn.taskIdx = i
					jn.status = statusFailed
					allDone = false
					break
				}
			}
			tn.status = statusDone
			continue
		case savepoint.Skipped:
			tn.status = statusSkipped
			continue
		default: // Queued, Executing, Aborted (mid-retry hand-off)
			jn.taskIdx = i
			jn.status = statusRunning
			allDone = false
			inst.enqueueTask(ctx, jn, tn)
		}
		break
	}

	if allDone {
		jn.taskIdx = len(jn.tasks)
		jn.status = statusDone
		for _, c := range jn.children {
			inst.recoverJob(ctx, c)
		}
	}
}
