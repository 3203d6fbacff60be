package procmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

// fakeAgent accepts one connection, echoes back a canned outcome for
// whatever request it receives, and reports what it decoded.
func fakeAgent(t *testing.T, ln net.Listener, outcome wireOutcome) <-chan wireRequest {
	t.Helper()
	got := make(chan wireRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		got <- req

		payload, _ := json.Marshal(outcome)
		payload = append(payload, '\n')
		conn.Write(payload)
	}()
	return got
}

func TestTCPDialerRunRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := fakeAgent(t, ln, wireOutcome{ExitCode: 0, Stdout: "remote-ok\n"})

	d := NewTCPDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	out, err := conn.Run(ctx, &Request{AttemptID: "a1", Argv: []string{"/bin/true"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Stdout != "remote-ok\n" {
		t.Fatalf("stdout = %q, want %q", out.Stdout, "remote-ok\n")
	}
	if out.AttemptID != "a1" {
		t.Fatalf("attempt id = %q, want a1", out.AttemptID)
	}

	select {
	case req := <-got:
		if req.AttemptID != "a1" {
			t.Fatalf("agent saw attempt id %q, want a1", req.AttemptID)
		}
	case <-time.After(time.Second):
		t.Fatal("agent never received the request")
	}
}

func TestTCPDialerRunNonzeroExit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	fakeAgent(t, ln, wireOutcome{ExitCode: 7, Stderr: "boom\n"})

	d := NewTCPDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	out, err := conn.Run(ctx, &Request{AttemptID: "a2", Argv: []string{"/bin/false"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", out.ExitCode)
	}
	if out.Stderr != "boom\n" {
		t.Fatalf("stderr = %q, want %q", out.Stderr, "boom\n")
	}
}

func TestTCPDialerDialFailsOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	d := NewTCPDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := d.Dial(ctx, addr); err == nil {
		t.Fatal("expected dial to a closed listener to fail")
	}
}
