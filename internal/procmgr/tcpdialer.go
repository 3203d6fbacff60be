package procmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"
)

// TCPDialer is the default AgentDialer: it opens a plain TCP connection to
// the remote agent listening on host and speaks a small newline-delimited
// JSON protocol carrying one Request per connection. It is the "use-agent"
// task attribute's concrete terminus.
type TCPDialer struct {
	DialTimeout time.Duration
}

// NewTCPDialer returns a TCPDialer with a sane default connect timeout.
func NewTCPDialer() *TCPDialer { return &TCPDialer{DialTimeout: 5 * time.Second} }

func (d *TCPDialer) Dial(ctx context.Context, host string) (AgentConn, error) {
	dialer := net.Dialer{Timeout: d.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	return &tcpAgentConn{conn: conn, r: bufio.NewReader(conn)}, nil
}

type tcpAgentConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// wireRequest/wireOutcome are the agent protocol's JSON payloads, kept
// separate from wireapi's XML envelope since the agent speaks a narrower,
// purpose-built protocol rather than the full admin action surface.
type wireRequest struct {
	AttemptID   string   `json:"attempt_id"`
	Argv        []string `json:"argv"`
	Env         []string `json:"env"`
	MergeStderr bool     `json:"merge_stderr"`
	WD          string   `json:"wd"`
	ScriptBody  string   `json:"script_body,omitempty"`
	Interpreter string   `json:"interpreter,omitempty"`
}

type wireOutcome struct {
	ExitCode int    `json:"exit_code"`
	Signaled bool   `json:"signaled"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

func (c *tcpAgentConn) Run(ctx context.Context, req *Request) (*Outcome, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
	}

	payload, err := json.Marshal(wireRequest{
		AttemptID:   req.AttemptID,
		Argv:        req.Argv,
		Env:         req.Env,
		MergeStderr: req.MergeStderr,
		WD:          req.WD,
		ScriptBody:  req.ScriptBody,
		Interpreter: req.Interpreter,
	})
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	started := time.Now()
	if _, err := c.conn.Write(payload); err != nil {
		return nil, err
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	var wo wireOutcome
	if err := json.Unmarshal(line, &wo); err != nil {
		return nil, err
	}

	return &Outcome{
		AttemptID: req.AttemptID,
		ExitCode:  wo.ExitCode,
		Signaled:  wo.Signaled,
		Stdout:    wo.Stdout,
		Stderr:    wo.Stderr,
		StartedAt: started,
		EndedAt:   time.Now(),
	}, nil
}

func (c *tcpAgentConn) Close() error { return c.conn.Close() }
