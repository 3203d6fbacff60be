package savepoint

import (
	"bytes"
	"testing"
)

func TestAppendAttemptStateMachine(t *testing.T) {
	d := New("i1", "wf1", "host1", "node1", map[string]string{"target": "x"})

	if err := d.AppendAttempt("main/echo", &Attempt{Status: Queued}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := d.TransitionLast("main/echo", Executing, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := d.TransitionLast("main/echo", Terminated, func(a *Attempt) {
		a.ExitCode = 0
		a.Stdout = "hello\n"
	}); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	rec, ok := d.Task("main/echo")
	if !ok || len(rec.Attempts) != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Attempts[0].Status != Terminated || rec.Attempts[0].ExitCode != 0 {
		t.Fatalf("unexpected attempt: %+v", rec.Attempts[0])
	}
}

func TestAppendAttemptRejectsIllegalTransition(t *testing.T) {
	d := New("i1", "wf1", "host1", "node1", nil)
	if err := d.AppendAttempt("t", &Attempt{Status: Queued}); err != nil {
		t.Fatal(err)
	}
	// Cannot jump straight from QUEUED to QUEUED again via TransitionLast.
	if err := d.TransitionLast("t", Queued, nil); err == nil {
		t.Fatal("expected illegal transition error")
	}
}

func TestRetryAppendsNewAttempt(t *testing.T) {
	d := New("i1", "wf1", "host1", "node1", nil)
	d.AppendAttempt("t", &Attempt{Status: Queued})
	d.TransitionLast("t", Executing, nil)
	d.TransitionLast("t", Terminated, func(a *Attempt) { a.ExitCode = 1 })

	// Retry: a brand new attempt, never rewriting the sealed one.
	if err := d.AppendAttempt("t", &Attempt{Status: Queued, RetryCount: 1}); err != nil {
		t.Fatalf("retry append: %v", err)
	}
	rec, _ := d.Task("t")
	if len(rec.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(rec.Attempts))
	}
	if rec.Attempts[0].ExitCode != 1 || rec.Attempts[0].Status != Terminated {
		t.Fatalf("first attempt mutated: %+v", rec.Attempts[0])
	}
}

func TestMarshalParseRoundTripIsIdempotent(t *testing.T) {
	d := New("i1", "wf1", "host1", "node1", map[string]string{"b": "2", "a": "1"})
	d.AppendAttempt("main/a", &Attempt{Status: Queued})
	d.TransitionLast("main/a", Executing, nil)
	d.TransitionLast("main/a", Terminated, func(a *Attempt) { a.ExitCode = 0; a.Stdout = "ok\n" })
	d.Finish(InstanceTerminated, 0)

	first, err := d.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	reloaded, err := Parse(first)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	second, err := reloaded.Marshal()
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("round trip not idempotent:\n--- first ---\n%s\n--- second ---\n%s", first, second)
	}
}

func TestLastRecordedStateForCrashRecovery(t *testing.T) {
	d := New("i1", "wf1", "h", "n", nil)
	d.AppendAttempt("t", &Attempt{Status: Queued})
	st, ok := d.LastRecordedState("t")
	if !ok || st != Queued {
		t.Fatalf("expected QUEUED, got %v ok=%v", st, ok)
	}
	d.TransitionLast("t", Executing, nil)
	st, _ = d.LastRecordedState("t")
	if st != Executing {
		t.Fatalf("expected EXECUTING, got %v", st)
	}
}
