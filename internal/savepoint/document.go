// Package savepoint implements the authoritative per-instance XML mirror:
// every task attempt's invocation history and outputs, serialized so that
// loading and immediately re-persisting yields byte-identical XML after
// canonicalisation.
package savepoint

import (
	"encoding/xml"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evqueue/evqueue-go/internal/evqerr"
)

// AttemptStatus is the state of one task execution attempt: a task attempt
// transitions only through (QUEUED -> EXECUTING -> {TERMINATED, ABORTED})
// or (-> SKIPPED).
type AttemptStatus string

const (
	Queued     AttemptStatus = "QUEUED"
	Executing  AttemptStatus = "EXECUTING"
	Terminated AttemptStatus = "TERMINATED"
	Skipped    AttemptStatus = "SKIPPED"
	Aborted    AttemptStatus = "ABORTED"
)

// InstanceStatus is the terminal classification of a whole instance.
type InstanceStatus string

const (
	InstanceExecuting  InstanceStatus = "EXECUTING"
	InstanceTerminated InstanceStatus = "TERMINATED"
	InstanceAborted    InstanceStatus = "ABORTED"
)

// Attempt is one (fork, exec, reap) cycle's recorded outcome. Retries never
// rewrite a prior Attempt; they append a new one.
type Attempt struct {
	Status        AttemptStatus `xml:"status,attr"`
	ExitCode      int           `xml:"exit_status,attr"`
	RetryCount    int           `xml:"retry_count,attr"`
	StartedAt     time.Time     `xml:"started_at,attr,omitempty"`
	EndedAt       time.Time     `xml:"ended_at,attr,omitempty"`
	ExecutionTime float64       `xml:"execution_time,attr"`
	Stdout        string        `xml:"output"`
	Stderr        string        `xml:"stderr"`
	EngineLog     string        `xml:"log"`
	Error         string        `xml:"error,omitempty"`
}

// TaskRecord accumulates every Attempt for one task node, identified by its
// dotted path within the DAG (e.g. "main/fetch").
type TaskRecord struct {
	Path     string
	Attempts []*Attempt
}

// Last returns the most recent attempt, or nil if none exist yet.
func (r *TaskRecord) Last() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return r.Attempts[len(r.Attempts)-1]
}

// Document is the live, mutable savepoint for one workflow instance. All
// mutation goes through its exported methods, which hold the internal lock;
// it is owned exclusively by its instance, never shared across instances.
type Document struct {
	mu sync.RWMutex

	InstanceID string
	WorkflowID string
	Host       string
	Node       string
	StartTS    time.Time
	EndTS      time.Time
	Status     InstanceStatus
	ErrorCount int

	Parameters map[string]string

	tasks     map[string]*TaskRecord
	taskOrder []string // document order, for deterministic serialization and XPath evaluation
}

// New creates an empty savepoint for a freshly launched instance.
func New(instanceID, workflowID, host, node string, params map[string]string) *Document {
	p := make(map[string]string, len(params))
	for k, v := range params {
		p[k] = v
	}
	return &Document{
		InstanceID: instanceID,
		WorkflowID: workflowID,
		Host:       host,
		Node:       node,
		StartTS:    time.Now().UTC(),
		Status:     InstanceExecuting,
		Parameters: p,
		tasks:      make(map[string]*TaskRecord),
	}
}

// EnsureTask returns the TaskRecord for path, creating it in document order
// on first reference.
func (d *Document) EnsureTask(path string) *TaskRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureTaskLocked(path)
}

func (d *Document) ensureTaskLocked(path string) *TaskRecord {
	if r, ok := d.tasks[path]; ok {
		return r
	}
	r := &TaskRecord{Path: path}
	d.tasks[path] = r
	d.taskOrder = append(d.taskOrder, path)
	return r
}

// AppendAttempt appends a new attempt record, never mutating a prior one.
// The new attempt must start QUEUED or SKIPPED, and any previous attempt
// must already have left QUEUED and EXECUTING (a retry follows a sealed one).
func (d *Document) AppendAttempt(path string, a *Attempt) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.ensureTaskLocked(path)
	if a.Status != Queued && a.Status != Skipped {
		return evqerr.New(evqerr.EngineInternal, "savepoint.transition", fmt.Sprintf("task %s: a new attempt must be QUEUED or SKIPPED, got %s", path, a.Status))
	}
	if prev := r.Last(); prev != nil && (prev.Status == Queued || prev.Status == Executing) {
		return evqerr.New(evqerr.EngineInternal, "savepoint.transition", fmt.Sprintf("task %s: previous attempt still %s", path, prev.Status))
	}
	r.Attempts = append(r.Attempts, a)
	return nil
}

// TransitionLast moves the most recent attempt of path into next, validating
// the state machine, and mutates that attempt's terminal fields in place —
// used for the QUEUED->EXECUTING->terminal walk of a single attempt (as
// opposed to AppendAttempt, which starts a new attempt for a retry).
func (d *Document) TransitionLast(path string, next AttemptStatus, mutate func(*Attempt)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.tasks[path]
	if !ok || r.Last() == nil {
		return evqerr.New(evqerr.EngineInternal, "savepoint.transition", fmt.Sprintf("task %s has no attempt to transition", path))
	}
	last := r.Last()
	if err := validateTransition(last.Status, next); err != nil {
		return evqerr.Wrap(evqerr.EngineInternal, "savepoint.transition", err)
	}
	last.Status = next
	if mutate != nil {
		mutate(last)
	}
	return nil
}

func validateTransition(from, to AttemptStatus) error {
	allowed := map[AttemptStatus][]AttemptStatus{
		Queued:    {Executing, Aborted, Terminated},
		Executing: {Terminated, Aborted},
	}
	for _, ok := range allowed[from] {
		if ok == to {
			return nil
		}
	}
	return fmt.Errorf("illegal attempt transition %s -> %s", from, to)
}

// Task returns a read-only snapshot copy of a task's attempts.
func (d *Document) Task(path string) (*TaskRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.tasks[path]
	if !ok {
		return nil, false
	}
	cp := &TaskRecord{Path: r.Path, Attempts: append([]*Attempt(nil), r.Attempts...)}
	return cp, true
}

// Finish marks the instance terminal. Once called the document must be
// treated as immutable: callers persist it and stop mutating.
func (d *Document) Finish(status InstanceStatus, errorCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Status = status
	d.ErrorCount = errorCount
	d.EndTS = time.Now().UTC()
}

// TaskPaths returns task paths in document order, the order XPath evaluation
// and savepoint serialization must respect.
func (d *Document) TaskPaths() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.taskOrder...)
}

// --- canonical XML serialization ---

type xmlDocument struct {
	XMLName    xml.Name   `xml:"savepoint"`
	InstanceID string     `xml:"instance_id,attr"`
	WorkflowID string     `xml:"workflow_id,attr"`
	Host       string     `xml:"host,attr"`
	Node       string     `xml:"node,attr"`
	Status     string     `xml:"status,attr"`
	ErrorCount int        `xml:"error_count,attr"`
	StartTS    string     `xml:"start_ts,attr"`
	EndTS      string     `xml:"end_ts,attr,omitempty"`
	Parameters []xmlParam `xml:"parameters>parameter"`
	Tasks      []xmlTask  `xml:"task"`
}

type xmlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlTask struct {
	Path     string     `xml:"path,attr"`
	Attempts []*Attempt `xml:"attempt"`
}

// Marshal canonicalises the document to XML: parameters and tasks are
// emitted in deterministic (sorted / document) order so that Marshal(Parse(b))
// == Marshal(original) byte-for-byte.
func (d *Document) Marshal() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	x := xmlDocument{
		InstanceID: d.InstanceID,
		WorkflowID: d.WorkflowID,
		Host:       d.Host,
		Node:       d.Node,
		Status:     string(d.Status),
		ErrorCount: d.ErrorCount,
		StartTS:    d.StartTS.UTC().Format(time.RFC3339Nano),
	}
	if !d.EndTS.IsZero() {
		x.EndTS = d.EndTS.UTC().Format(time.RFC3339Nano)
	}

	paramNames := make([]string, 0, len(d.Parameters))
	for k := range d.Parameters {
		paramNames = append(paramNames, k)
	}
	sort.Strings(paramNames)
	for _, k := range paramNames {
		x.Parameters = append(x.Parameters, xmlParam{Name: k, Value: d.Parameters[k]})
	}

	for _, path := range d.taskOrder {
		x.Tasks = append(x.Tasks, xmlTask{Path: path, Attempts: d.tasks[path].Attempts})
	}

	out, err := xml.MarshalIndent(x, "", "  ")
	if err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "savepoint.marshal", err)
	}
	return out, nil
}

// Parse rebuilds a Document from previously marshaled XML. It tolerates
// absent fields from older schema versions: zero-value attributes simply
// decode to their zero value.
func Parse(body []byte) (*Document, error) {
	var x xmlDocument
	if err := xml.Unmarshal(body, &x); err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "savepoint.parse", err)
	}

	d := &Document{
		InstanceID: x.InstanceID,
		WorkflowID: x.WorkflowID,
		Host:       x.Host,
		Node:       x.Node,
		Status:     InstanceStatus(x.Status),
		ErrorCount: x.ErrorCount,
		Parameters: make(map[string]string, len(x.Parameters)),
		tasks:      make(map[string]*TaskRecord),
	}
	if x.StartTS != "" {
		d.StartTS, _ = time.Parse(time.RFC3339Nano, x.StartTS)
	}
	if x.EndTS != "" {
		d.EndTS, _ = time.Parse(time.RFC3339Nano, x.EndTS)
	}
	for _, p := range x.Parameters {
		d.Parameters[p.Name] = p.Value
	}
	for _, t := range x.Tasks {
		d.tasks[t.Path] = &TaskRecord{Path: t.Path, Attempts: t.Attempts}
		d.taskOrder = append(d.taskOrder, t.Path)
	}
	return d, nil
}

// LastRecordedState reports the status of the most recent attempt of path,
// used by the engine's crash-recovery replay: tasks last recorded as QUEUED
// or EXECUTING are re-scheduled on restart.
func (d *Document) LastRecordedState(path string) (AttemptStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.tasks[path]
	if !ok {
		return "", false
	}
	last := r.Last()
	if last == nil {
		return "", false
	}
	return last.Status, true
}
