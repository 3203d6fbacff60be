// Package wireapi implements the framed request/response envelope: a
// length-prefixed XML `<request action="…">…</request>` in, exactly one
// `<response status="…">…</response>` out, routed by the action attribute
// through a string-keyed handler registry built explicitly at startup —
// never via package-level init ordering.
package wireapi

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/evqueue/evqueue-go/internal/auth"
	"github.com/evqueue/evqueue-go/internal/evqerr"
)

// Request is one decoded wire envelope.
type Request struct {
	XMLName xml.Name   `xml:"request"`
	Action  string     `xml:"action,attr"`
	Attrs   []xml.Attr `xml:",any,attr"`
	Body    []byte     `xml:",innerxml"`
}

// Attr looks up an additional request attribute beyond action.
func (r *Request) Attr(name string) (string, bool) {
	for _, a := range r.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Response is one encoded wire envelope a Handler produces.
type Response struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status,attr"`
	Error   string   `xml:"error,attr,omitempty"`
	Body    string   `xml:",innerxml"`
}

// OK builds a successful response wrapping body as raw inner XML.
func OK(body string) *Response { return &Response{Status: "OK", Body: body} }

// Err builds an error response from an evqerr-coded failure.
func Err(err error) *Response {
	var evq *evqerr.Error
	if errors.As(err, &evq) {
		return &Response{Status: "KO", Error: string(evq.Code)}
	}
	return &Response{Status: "KO", Error: string(evqerr.EngineInternal)}
}

// Handler processes one Request and produces a Response. Handlers never
// panic on malformed input; they translate it into an Err response.
type Handler func(ctx context.Context, req *Request) *Response

// Registry is the action-name to Handler map. Populated explicitly by each
// component's Register(registry) call at startup, matching the explicit
// dependency-injection style the rest of this module uses — no
// package-level init-time registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	requests   metric.Int64Counter
	exceptions metric.Int64Counter
	tracer     trace.Tracer
}

// NewRegistry returns an empty Registry.
func NewRegistry(meter metric.Meter) *Registry {
	requests, _ := meter.Int64Counter("evqueue_api_requests_total")
	exceptions, _ := meter.Int64Counter("evqueue_api_exceptions_total")
	return &Registry{
		handlers:   make(map[string]Handler),
		requests:   requests,
		exceptions: exceptions,
		tracer:     otel.Tracer("evqueue-wireapi"),
	}
}

// Register binds action to h, overwriting any previous binding.
func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

// Dispatch routes req to its registered handler, wrapping every outcome
// (including an unknown action or handler panic) in a single Response so
// the framed protocol's "exactly one response per request" contract always
// holds — a handler panic never terminates the connection.
func (r *Registry) Dispatch(ctx context.Context, req *Request) (resp *Response) {
	ctx, span := r.tracer.Start(ctx, "wireapi.dispatch", trace.WithAttributes(attribute.String("action", req.Action)))
	defer span.End()

	r.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("action", req.Action)))

	defer func() {
		if rec := recover(); rec != nil {
			r.exceptions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", req.Action)))
			slog.Error("handler panic", "action", req.Action, "recover", rec)
			resp = &Response{Status: "KO", Error: string(evqerr.EngineInternal)}
		}
	}()

	r.mu.RLock()
	h, ok := r.handlers[req.Action]
	r.mu.RUnlock()
	if !ok {
		r.exceptions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", req.Action)))
		return &Response{Status: "KO", Error: string(evqerr.InvalidParameter)}
	}
	return h(ctx, req)
}

// --- framing: 4-byte big-endian length prefix, then the XML payload ---

const maxFrameSize = 16 << 20

// WriteFrame writes a length-prefixed XML-encoded v to w.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := xml.Marshal(v)
	if err != nil {
		return evqerr.Wrap(evqerr.EngineInternal, "wireapi.write_frame", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return evqerr.Wrap(evqerr.EngineInternal, "wireapi.write_frame", err)
	}
	_, err = w.Write(body)
	return err
}

// ReadRequest reads one length-prefixed frame from r and decodes it as a
// Request.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, evqerr.New(evqerr.InvalidParameter, "wireapi.read_request", fmt.Sprintf("frame too large: %d bytes", n))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var req Request
	if err := xml.Unmarshal(buf, &req); err != nil {
		return nil, evqerr.Wrap(evqerr.InvalidParameter, "wireapi.read_request", err)
	}
	return &req, nil
}

// ServeConn drives one TCP connection: read a request frame, dispatch,
// write the response frame, repeat until the connection closes or ctx is
// cancelled.
func ServeConn(ctx context.Context, conn io.ReadWriter, registry *Registry) error {
	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		resp := registry.Dispatch(ctx, req)
		if err := WriteFrame(conn, resp); err != nil {
			return err
		}
	}
}

// ServeAuthenticatedConn drives one TCP connection through the challenge-
// response login handshake before admitting it to the action dispatch loop:
// a "login" request carrying the login attribute gets back a server nonce,
// then an "auth" request carrying the HMAC response either succeeds (and
// the connection falls through to the same framed dispatch loop ServeConn
// runs) or the connection is closed without ever reaching a handler.
func ServeAuthenticatedConn(ctx context.Context, conn io.ReadWriter, registry *Registry, verifier *auth.Verifier) error {
	r := bufio.NewReader(conn)

	loginReq, err := ReadRequest(r)
	if err != nil {
		return err
	}
	login, _ := loginReq.Attr("login")
	if loginReq.Action != "login" || login == "" {
		WriteFrame(conn, &Response{Status: "KO", Error: string(evqerr.InvalidParameter)})
		return evqerr.New(evqerr.InvalidParameter, "wireapi.authenticate", "expected login request")
	}
	challenge, err := verifier.IssueNonce(login)
	if err != nil {
		WriteFrame(conn, &Response{Status: "KO", Error: string(evqerr.EngineInternal)})
		return err
	}
	if err := WriteFrame(conn, &Response{Status: "OK", Body: "<nonce>" + challenge.Nonce + "</nonce>"}); err != nil {
		return err
	}

	authReq, err := ReadRequest(r)
	if err != nil {
		return err
	}
	response, _ := authReq.Attr("response")
	if authReq.Action != "auth" {
		WriteFrame(conn, &Response{Status: "KO", Error: string(evqerr.InvalidParameter)})
		return evqerr.New(evqerr.InvalidParameter, "wireapi.authenticate", "expected auth request")
	}
	if err := verifier.Verify(challenge, response); err != nil {
		WriteFrame(conn, Err(err))
		return err
	}
	if err := WriteFrame(conn, &Response{Status: "OK"}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		resp := registry.Dispatch(ctx, req)
		if err := WriteFrame(conn, resp); err != nil {
			return err
		}
	}
}
