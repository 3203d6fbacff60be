package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func writeFakePlugin(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchInvokesPlugin(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	writeFakePlugin(t, dir, "mail", "#!/bin/sh\ncat > "+marker+"\n")

	d := New(dir, 2, otel.GetMeterProvider().Meter("notify-test"))
	d.Dispatch(&Notification{TypeName: "mail", Name: "ops-mail"}, Snapshot{
		InstanceID:     "i1",
		WorkflowName:   "wf",
		WorkflowStatus: "TERMINATED",
	})
	d.Shutdown()

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("plugin did not run: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected JSON parameters on stdin")
	}
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	writeFakePlugin(t, dir, "slow", "#!/bin/sh\nsleep 1\n")

	d := &Dispatcher{pluginsDir: dir, workQueue: make(chan job, 1)}
	d.invocations, _ = otel.GetMeterProvider().Meter("notify-test").Int64Counter("x")
	d.failures, _ = otel.GetMeterProvider().Meter("notify-test").Int64Counter("y")

	n := &Notification{TypeName: "slow", Name: "n"}
	d.Dispatch(n, Snapshot{})
	d.Dispatch(n, Snapshot{})
	d.Dispatch(n, Snapshot{}) // one of these should be dropped, not block

	time.Sleep(10 * time.Millisecond)
}
