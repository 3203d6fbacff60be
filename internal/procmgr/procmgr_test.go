package procmgr

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func newTestManager() *Manager {
	meter := otel.GetMeterProvider().Meter("procmgr-test")
	return New(meter, nil)
}

func TestRunLocalCapturesStdout(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.Submit(ctx, &Request{AttemptID: "a1", Argv: []string{"/bin/echo", "hello"}})

	select {
	case out := <-m.Outcomes():
		if out.LaunchErr != nil {
			t.Fatalf("unexpected launch error: %v", out.LaunchErr)
		}
		if out.ExitCode != 0 {
			t.Fatalf("exit code = %d, want 0", out.ExitCode)
		}
		if out.Stdout != "hello\n" {
			t.Fatalf("stdout = %q, want %q", out.Stdout, "hello\n")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for outcome")
	}
}

func TestRunLocalNonzeroExit(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.Submit(ctx, &Request{AttemptID: "a2", Argv: []string{"/bin/sh", "-c", "exit 3"}})

	out := <-m.Outcomes()
	if out.LaunchErr != nil {
		t.Fatalf("unexpected launch error: %v", out.LaunchErr)
	}
	if out.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", out.ExitCode)
	}
}

func TestRunLocalScriptBody(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.Submit(ctx, &Request{
		AttemptID:   "a3",
		ScriptBody:  "echo from-script",
		Interpreter: "/bin/sh",
		LogsDir:     t.TempDir(),
	})

	out := <-m.Outcomes()
	if out.LaunchErr != nil {
		t.Fatalf("unexpected launch error: %v", out.LaunchErr)
	}
	if out.Stdout != "from-script\n" {
		t.Fatalf("stdout = %q, want %q", out.Stdout, "from-script\n")
	}
}

func TestSubmitWithoutDialerFailsUseAgent(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.Submit(ctx, &Request{AttemptID: "a4", UseAgent: true, Host: "agent1"})

	out := <-m.Outcomes()
	if out.LaunchErr == nil {
		t.Fatal("expected launch error when no dialer is configured")
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	m.Submit(ctx, &Request{AttemptID: "a5", Argv: []string{"/bin/sleep", "0.1"}})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	<-m.Outcomes()
}
