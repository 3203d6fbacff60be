// Package procmgr is the fork/exec supervisor: it turns "run this task"
// requests into reaped-child outcomes with collected stdout/stderr/engine-log,
// posted on a channel the engine's outcome gatherer drains. Go has no safe raw
// fork/execve exposed to user code, so os/exec with SysProcAttr{Setsid: true}
// stands in for it — the session-detachment invariant is the same one the
// source's setsid() call establishes.
package procmgr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/evqueue/evqueue-go/internal/evqerr"
	"github.com/evqueue/evqueue-go/internal/resilience"
)

// Request carries everything needed to fork, run, and gather one task
// attempt.
type Request struct {
	AttemptID   string
	Argv        []string
	Env         []string
	Stdin       []byte
	MergeStderr bool
	WD          string

	// ScriptBody, if non-empty, is written to a temp file under LogsDir and
	// executed with Interpreter instead of Argv[0] being exec'd directly.
	ScriptBody  string
	Interpreter string

	// UseAgent routes this request to a remote host via the AgentDialer
	// instead of forking a local child.
	UseAgent bool
	Host     string

	LogsDir string
}

// Outcome is what the gatherer posts once a child has been reaped (or a
// remote agent call has returned).
type Outcome struct {
	AttemptID string
	ExitCode  int
	Signaled  bool
	Stdout    string
	Stderr    string
	EngineLog string
	StartedAt time.Time
	EndedAt   time.Time

	// LaunchErr is set when the attempt never produced a process at all
	// (missing interpreter, unwritable logs dir, …) — an engine-internal
	// failure distinct from a nonzero exit code.
	LaunchErr error
}

// AgentConn runs one request against a remote agent connection.
type AgentConn interface {
	Run(ctx context.Context, req *Request) (*Outcome, error)
	Close() error
}

// AgentDialer opens a connection to the agent listening on host. Production
// wiring supplies a TCP dialer; tests substitute a fake.
type AgentDialer interface {
	Dial(ctx context.Context, host string) (AgentConn, error)
}

type runningProc struct {
	cmd  *osexec.Cmd
	host string
}

// Manager is the fork/exec supervisor. One Manager instance is shared by
// every queue the dispatcher drains into.
type Manager struct {
	dialer AgentDialer

	mu       sync.Mutex
	running  map[string]*runningProc
	breakers map[string]*resilience.CircuitBreaker

	outcomes chan *Outcome
	wg       sync.WaitGroup

	tracer trace.Tracer

	execDuration metric.Float64Histogram
	execFailures metric.Int64Counter
	zombieGuard  metric.Int64UpDownCounter
}

// New constructs a Manager. dialer may be nil if remote execution is never
// used; the Outcome posted for a UseAgent request then carries a LaunchErr.
func New(meter metric.Meter, dialer AgentDialer) *Manager {
	execDuration, _ := meter.Float64Histogram("evqueue_task_exec_duration_ms")
	execFailures, _ := meter.Int64Counter("evqueue_task_exec_failures_total")
	zombieGuard, _ := meter.Int64UpDownCounter("evqueue_task_inflight")

	return &Manager{
		dialer:       dialer,
		running:      make(map[string]*runningProc),
		breakers:     make(map[string]*resilience.CircuitBreaker),
		outcomes:     make(chan *Outcome, 256),
		tracer:       otel.Tracer("evqueue-procmgr"),
		execDuration: execDuration,
		execFailures: execFailures,
		zombieGuard:  zombieGuard,
	}
}

// Outcomes returns the channel outcomes are posted to. Exactly one Outcome
// is posted per successful Submit call.
func (m *Manager) Outcomes() <-chan *Outcome { return m.outcomes }

// Submit forks (or dispatches remotely) req and returns immediately; the
// gatherer goroutine posts the Outcome asynchronously. The WaitGroup tracked
// here is what Shutdown drains before returning, guaranteeing every fork is
// matched by exactly one reap.
func (m *Manager) Submit(ctx context.Context, req *Request) {
	m.wg.Add(1)
	m.zombieGuard.Add(ctx, 1)
	go func() {
		defer m.wg.Done()
		defer m.zombieGuard.Add(context.Background(), -1)
		m.run(ctx, req)
	}()
}

func (m *Manager) run(ctx context.Context, req *Request) {
	ctx, span := m.tracer.Start(ctx, "procmgr.run",
		trace.WithAttributes(attribute.String("attempt_id", req.AttemptID)))
	defer span.End()

	start := time.Now()
	var out *Outcome

	if req.UseAgent {
		out = m.runRemote(ctx, req)
	} else {
		out = m.runLocal(ctx, req)
	}
	out.StartedAt = start
	out.EndedAt = time.Now()

	m.execDuration.Record(ctx, float64(out.EndedAt.Sub(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("remote", req.UseAgent)))
	if out.LaunchErr != nil || out.ExitCode != 0 {
		m.execFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("attempt_id", req.AttemptID)))
	}

	m.outcomes <- out
}

func (m *Manager) runRemote(ctx context.Context, req *Request) *Outcome {
	if m.dialer == nil {
		return &Outcome{AttemptID: req.AttemptID, LaunchErr: evqerr.New(evqerr.EngineInternal, "procmgr.agent", "no agent dialer configured")}
	}

	breaker := m.breakerFor(req.Host)
	if !breaker.Allow() {
		return &Outcome{AttemptID: req.AttemptID, LaunchErr: evqerr.New(evqerr.EngineInternal, "procmgr.agent", "circuit open for host "+req.Host)}
	}

	conn, err := m.dialer.Dial(ctx, req.Host)
	if err != nil {
		breaker.RecordResult(false)
		return &Outcome{AttemptID: req.AttemptID, LaunchErr: evqerr.Wrap(evqerr.EngineInternal, "procmgr.agent.dial", err)}
	}
	defer conn.Close()

	out, err := conn.Run(ctx, req)
	breaker.RecordResult(err == nil)
	if err != nil {
		return &Outcome{AttemptID: req.AttemptID, LaunchErr: evqerr.Wrap(evqerr.EngineInternal, "procmgr.agent.run", err)}
	}
	return out
}

func (m *Manager) breakerFor(host string) *resilience.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[host]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(host, 30*time.Second, 6, 5, 0.5, 10*time.Second, 2)
		m.breakers[host] = b
	}
	return b
}

func (m *Manager) runLocal(ctx context.Context, req *Request) *Outcome {
	argv := req.Argv
	if req.ScriptBody != "" {
		path, err := writeScriptFile(req.LogsDir, req.AttemptID, req.ScriptBody)
		if err != nil {
			return &Outcome{AttemptID: req.AttemptID, LaunchErr: evqerr.Wrap(evqerr.EngineInternal, "procmgr.script", err)}
		}
		defer os.Remove(path)
		interpreter := req.Interpreter
		if interpreter == "" {
			interpreter = "/bin/sh"
		}
		argv = []string{interpreter, path}
	}

	if len(argv) == 0 {
		return &Outcome{AttemptID: req.AttemptID, LaunchErr: evqerr.New(evqerr.InvalidParameter, "procmgr.argv", "empty argv")}
	}

	cmd := osexec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = req.Env
	cmd.Dir = req.WD
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if req.MergeStderr {
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		return &Outcome{AttemptID: req.AttemptID, LaunchErr: evqerr.Wrap(evqerr.EngineInternal, "procmgr.fork", err)}
	}

	m.mu.Lock()
	m.running[req.AttemptID] = &runningProc{cmd: cmd}
	m.mu.Unlock()

	waitErr := cmd.Wait()

	m.mu.Lock()
	delete(m.running, req.AttemptID)
	m.mu.Unlock()

	out := &Outcome{
		AttemptID: req.AttemptID,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}

	if waitErr == nil {
		out.ExitCode = 0
		return out
	}

	var exitErr *osexec.ExitError
	if ok := asExitError(waitErr, &exitErr); ok {
		out.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			out.Signaled = true
		}
		return out
	}

	out.LaunchErr = evqerr.Wrap(evqerr.EngineInternal, "procmgr.wait", waitErr)
	return out
}

func asExitError(err error, target **osexec.ExitError) bool {
	if ee, ok := err.(*osexec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func writeScriptFile(logsDir, attemptID, body string) (string, error) {
	if logsDir == "" {
		logsDir = os.TempDir()
	}
	path := filepath.Join(logsDir, fmt.Sprintf("evqueue-script-%s", attemptID))
	if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
		return "", err
	}
	return path, nil
}

// Kill signals the running process for attemptID, if any is currently
// executing locally. Remote attempts are killed by the agent connection
// itself and are not tracked here.
func (m *Manager) Kill(attemptID string) error {
	m.mu.Lock()
	rp, ok := m.running[attemptID]
	m.mu.Unlock()
	if !ok {
		return evqerr.New(evqerr.InvalidParameter, "procmgr.kill", "no running attempt "+attemptID)
	}
	if rp.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-rp.cmd.Process.Pid, syscall.SIGTERM)
}

// Shutdown waits for every in-flight fork to be reaped, up to the grace
// period carried by ctx, so no outcome is ever lost on process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("procmgr shutdown grace period exceeded, outcomes may be lost")
		return ctx.Err()
	}
}
