package engine

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/evqueue/evqueue-go/internal/events"
	"github.com/evqueue/evqueue-go/internal/notify"
	"github.com/evqueue/evqueue-go/internal/procmgr"
	"github.com/evqueue/evqueue-go/internal/queuepool"
	"github.com/evqueue/evqueue-go/internal/retry"
	"github.com/evqueue/evqueue-go/internal/savepoint"
	"github.com/evqueue/evqueue-go/internal/workflow"
	"github.com/evqueue/evqueue-go/internal/xpathctx"
)

type fakeTemplates map[string]*workflow.Template

func (f fakeTemplates) Get(workflowID string) (*workflow.Template, error) {
	t, ok := f[workflowID]
	if !ok {
		return nil, errNotFound
	}
	return t, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

type fakeNotifications map[int]*notify.Notification

func (f fakeNotifications) Get(id int) (*notify.Notification, error) {
	n, ok := f[id]
	if !ok {
		return nil, errNotFound
	}
	return n, nil
}

type memStore struct {
	saved map[string][]byte
}

func newMemStore() *memStore { return &memStore{saved: make(map[string][]byte)} }

func (m *memStore) SaveSavepoint(instanceID string, body []byte) error {
	m.saved[instanceID] = body
	return nil
}

func newTestEngine(t *testing.T, templates fakeTemplates) (*Engine, *memStore) {
	t.Helper()
	meter := noop.MeterProvider{}.Meter("test")

	pool := queuepool.NewPool(queuepool.Config{Name: "default", Concurrency: 2, Discipline: queuepool.Default, Dynamic: true})
	procs := procmgr.New(meter, nil)
	store := newMemStore()

	e := New(meter, Dependencies{
		Templates:     templates,
		Notifications: fakeNotifications{},
		Queues:        pool,
		Procs:         procs,
		Retries:       retry.NewRegistry(),
		Notify:        notify.New(t.TempDir(), 1, meter),
		Events:        events.New(nil),
		XPath:         xpathctx.New(),
		Store:         store,
		NodeName:      "node-a",
		Host:          "localhost",
		LogsDir:       t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.RunDispatchers(ctx, 2)
	go e.RunGatherer(ctx)

	return e, store
}

func sequentialTemplate() *workflow.Template {
	return &workflow.Template{
		Name: "demo",
		Subjobs: []*workflow.Job{
			{
				Name: "main",
				Tasks: []*workflow.Task{
					{Name: "step1", Type: workflow.TaskBinary, Path: "/bin/true", QueueName: "default"},
					{Name: "step2", Type: workflow.TaskBinary, Path: "/bin/true", QueueName: "default"},
				},
			},
		},
	}
}

func waitForInstanceGone(t *testing.T, e *Engine, instanceID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		_, ok := e.instances[instanceID]
		e.mu.Unlock()
		if !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for instance to terminate")
}

func TestLaunchRunsSequentialTasksToCompletion(t *testing.T) {
	templates := fakeTemplates{"demo": sequentialTemplate()}
	e, store := newTestEngine(t, templates)

	instanceID, err := e.Launch(context.Background(), "demo", nil, LaunchOptions{User: "tester"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	waitForInstanceGone(t, e, instanceID)

	body, ok := store.saved[instanceID]
	if !ok {
		t.Fatalf("expected a savepoint to be persisted for %s", instanceID)
	}
	doc, err := savepoint.Parse(body)
	if err != nil {
		t.Fatalf("savepoint.Parse: %v", err)
	}
	if doc.Status != savepoint.InstanceTerminated {
		t.Fatalf("status = %s, want TERMINATED", doc.Status)
	}
	if doc.ErrorCount != 0 {
		t.Fatalf("error count = %d, want 0", doc.ErrorCount)
	}
}

func TestLaunchRejectsUnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine(t, fakeTemplates{})
	if _, err := e.Launch(context.Background(), "missing", nil, LaunchOptions{}); err == nil {
		t.Fatal("expected unknown workflow to be rejected")
	}
}

func TestLaunchRejectsUnknownParameter(t *testing.T) {
	tmpl := sequentialTemplate()
	e, _ := newTestEngine(t, fakeTemplates{"demo": tmpl})
	_, err := e.Launch(context.Background(), "demo", map[string]string{"bogus": "1"}, LaunchOptions{})
	if err == nil {
		t.Fatal("expected unknown parameter to be rejected")
	}
}

func TestFailingTaskPropagatesToJobAndInstance(t *testing.T) {
	tmpl := &workflow.Template{
		Name: "fails",
		Subjobs: []*workflow.Job{
			{
				Name:  "main",
				Tasks: []*workflow.Task{{Name: "boom", Type: workflow.TaskBinary, Path: "/bin/false", QueueName: "default"}},
			},
		},
	}
	e, store := newTestEngine(t, fakeTemplates{"fails": tmpl})

	instanceID, err := e.Launch(context.Background(), "fails", nil, LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForInstanceGone(t, e, instanceID)

	doc, err := savepoint.Parse(store.saved[instanceID])
	if err != nil {
		t.Fatalf("savepoint.Parse: %v", err)
	}
	if doc.Status != savepoint.InstanceTerminated {
		t.Fatalf("status = %s, want TERMINATED", doc.Status)
	}
	if doc.ErrorCount == 0 {
		t.Fatalf("expected a nonzero error count for a failing task")
	}
}

func TestConditionFalseSkipsJobAndTerminatesInstance(t *testing.T) {
	tmpl := &workflow.Template{
		Name: "cancelme",
		Subjobs: []*workflow.Job{
			{
				Name:      "main",
				Condition: "1 = 2", // never true, so the job is skipped and the instance settles immediately
				Tasks:     []*workflow.Task{{Name: "never", Type: workflow.TaskBinary, Path: "/bin/true", QueueName: "default"}},
			},
		},
	}
	e, store := newTestEngine(t, fakeTemplates{"cancelme": tmpl})

	instanceID, err := e.Launch(context.Background(), "cancelme", nil, LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForInstanceGone(t, e, instanceID)

	doc, err := savepoint.Parse(store.saved[instanceID])
	if err != nil {
		t.Fatalf("savepoint.Parse: %v", err)
	}
	if doc.Status != savepoint.InstanceTerminated {
		t.Fatalf("status = %s, want TERMINATED for a skipped-but-not-cancelled instance", doc.Status)
	}
}

func TestKillUnknownInstanceFails(t *testing.T) {
	e, _ := newTestEngine(t, fakeTemplates{})
	if err := e.Kill(context.Background(), "missing", ""); err == nil {
		t.Fatal("expected Kill on an unknown instance to fail")
	}
}
