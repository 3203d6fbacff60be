package xpathctx

import (
	"testing"

	"github.com/evqueue/evqueue-go/internal/savepoint"
)

func TestEvaluateParameter(t *testing.T) {
	sp := savepoint.New("i1", "wf1", "h", "n", map[string]string{"target": "prod"})
	e := New()
	v, err := e.Evaluate("evqGetParameter('target')", &Context{Savepoint: sp})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := v.String(); got != "prod" {
		t.Fatalf("got %q, want %q", got, "prod")
	}
}

func TestEvaluateOutput(t *testing.T) {
	sp := savepoint.New("i1", "wf1", "h", "n", nil)
	sp.AppendAttempt("main/fetch", &savepoint.Attempt{Status: savepoint.Queued})
	sp.TransitionLast("main/fetch", savepoint.Executing, nil)
	sp.TransitionLast("main/fetch", savepoint.Terminated, func(a *savepoint.Attempt) {
		a.ExitCode = 0
		a.Stdout = "42"
	})

	e := New()
	v, err := e.Evaluate("evqGetOutput('main/fetch')", &Context{Savepoint: sp})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := v.String(); got != "42" {
		t.Fatalf("got %q, want %q", got, "42")
	}
}

func TestEvaluateConditionTrue(t *testing.T) {
	e := New()
	v, err := e.Evaluate("true()", &Context{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Bool() {
		t.Fatal("expected true()")
	}
}

func TestEvaluateConditionFalse(t *testing.T) {
	e := New()
	v, err := e.Evaluate("false()", &Context{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Bool() {
		t.Fatal("expected false()")
	}
}

func TestEvaluateCurrentJob(t *testing.T) {
	e := New()
	v, err := e.Evaluate("evqGetCurrentJob()", &Context{CurrentJob: "main"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := v.String(); got != "main" {
		t.Fatalf("got %q, want %q", got, "main")
	}
}
