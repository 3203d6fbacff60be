package wireapi

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/evqueue/evqueue-go/internal/auth"
	"github.com/evqueue/evqueue-go/internal/evqerr"
)

type loopbackConn struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (c *loopbackConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *loopbackConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func TestRegistryDispatchUnknownAction(t *testing.T) {
	registry := NewRegistry(noop.MeterProvider{}.Meter("test"))
	resp := registry.Dispatch(context.Background(), &Request{Action: "nope"})
	if resp.Status != "KO" || resp.Error != string(evqerr.InvalidParameter) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRegistryDispatchRecoversPanic(t *testing.T) {
	registry := NewRegistry(noop.MeterProvider{}.Meter("test"))
	registry.Register("boom", func(ctx context.Context, req *Request) *Response {
		panic("kaboom")
	})
	resp := registry.Dispatch(context.Background(), &Request{Action: "boom"})
	if resp.Status != "KO" || resp.Error != string(evqerr.EngineInternal) {
		t.Fatalf("expected panic to be converted to a KO response, got %+v", resp)
	}
}

func TestWriteFrameReadRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Action: "launch"}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadRequest(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.Action != "launch" {
		t.Fatalf("action = %q, want launch", got.Action)
	}
}

func TestServeAuthenticatedConnRejectsBadLogin(t *testing.T) {
	meter := noop.MeterProvider{}.Meter("test")
	registry := NewRegistry(meter)
	verifier := auth.NewVerifier(fakeUsersForTest{"admin": auth.StoredPassword("admin", "secret")})

	conn := &loopbackConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	// Not a login request: should be rejected immediately.
	WriteFrame(conn.in, &Request{Action: "launch"})

	if err := ServeAuthenticatedConn(context.Background(), conn, registry, verifier); err == nil {
		t.Fatalf("expected an error for a connection that skips login")
	}
}

type fakeUsersForTest map[string]string

func (f fakeUsersForTest) StoredPassword(login string) (string, bool) {
	p, ok := f[login]
	return p, ok
}
