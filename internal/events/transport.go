package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	nats "github.com/nats-io/nats.go"

	"github.com/evqueue/evqueue-go/internal/natsctx"
)

// wireEvent is the over-the-wire representation delivered to websocket
// sessions and published for cluster fan-out.
type wireEvent struct {
	ID          uint64 `json:"id"`
	Type        string `json:"type"`
	ObjectID    uint64 `json:"object_id"`
	APICmd      string `json:"api_cmd,omitempty"`
	Correlation string `json:"correlation_id,omitempty"`
	NeedResend  bool   `json:"need_resend,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

func toWire(ev *Event, origin string) wireEvent {
	return wireEvent{
		ID:          ev.ID,
		Type:        ev.Type.String(),
		ObjectID:    ev.ObjectID,
		APICmd:      ev.APICmd,
		Correlation: ev.Correlation,
		NeedResend:  ev.NeedResend,
		Origin:      origin,
	}
}

// Session binds one websocket connection to a subscriber id and streams
// every event delivered to that subscriber until the connection closes.
type Session struct {
	bus    *Bus
	subID  uint64
	conn   *websocket.Conn
	origin string

	mu     sync.Mutex
	notify chan struct{}
	closed bool
}

// NewSession wraps conn so that events delivered to the bus for subID are
// pushed out as JSON text frames. Wake must be called (typically from
// Bus.Publish's caller, via a post-publish hook) to prompt a drain; Run also
// polls defensively so a missed wake never wedges the session.
func NewSession(bus *Bus, subID uint64, conn *websocket.Conn, origin string) *Session {
	return &Session{bus: bus, subID: subID, conn: conn, origin: origin, notify: make(chan struct{}, 1)}
}

// Wake prompts the session's Run loop to drain pending events immediately,
// rather than waiting for its defensive poll interval.
func (s *Session) Wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run drains pending events to the websocket connection until ctx is
// cancelled or the connection errors. It reads client acknowledgements of
// the form {"ack": <event id>} from the same connection.
func (s *Session) Run(ctx context.Context) error {
	go s.readAcks(ctx)

	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		for _, ev := range s.bus.Get(s.subID) {
			if err := s.conn.WriteJSON(toWire(ev, s.origin)); err != nil {
				return err
			}
			s.bus.Ack(s.subID, ev.ID)
		}

		select {
		case <-ctx.Done():
			s.bus.Unsubscribe(s.subID)
			return ctx.Err()
		case <-s.notify:
		case <-poll.C:
		}
	}
}

func (s *Session) readAcks(ctx context.Context) {
	type ackMsg struct {
		Ack uint64 `json:"ack"`
	}
	for {
		var m ackMsg
		if err := s.conn.ReadJSON(&m); err != nil {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}
		s.bus.Ack(s.subID, m.Ack)
	}
}

// ClusterFanout publishes every event accepted by filter onto a NATS subject
// so the other nodes of the cluster observe it, and subscribes to that same
// subject so events originated by peers are republished onto the local bus
// (as new local events; the peer's origin is not kept on them).
type ClusterFanout struct {
	bus     *Bus
	nc      *nats.Conn
	subject string
	nodeName string
}

// NewClusterFanout wires bus to a NATS subject for cross-node delivery.
func NewClusterFanout(bus *Bus, nc *nats.Conn, subject, nodeName string) *ClusterFanout {
	return &ClusterFanout{bus: bus, nc: nc, subject: subject, nodeName: nodeName}
}

// Publish sends ev to the cluster subject, tagging it with this node's name
// so peers can avoid re-publishing it back to us.
func (f *ClusterFanout) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(toWire(ev, f.nodeName))
	if err != nil {
		return err
	}
	return natsctx.Publish(ctx, f.nc, f.subject, data)
}

// Listen subscribes to the cluster subject and re-publishes peer-originated
// events onto bus, skipping anything this node itself published.
func (f *ClusterFanout) Listen() (*nats.Subscription, error) {
	return natsctx.Subscribe(f.nc, f.subject, func(ctx context.Context, msg *nats.Msg) {
		var w wireEvent
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			slog.Warn("cluster event decode failed", "error", err)
			return
		}
		if w.Origin == f.nodeName {
			return
		}
		f.bus.Publish(typeFromString(w.Type), w.ObjectID, w.APICmd, w.Correlation)
	})
}

func typeFromString(s string) Type {
	for t, n := range names {
		if n == s {
			return t
		}
	}
	return None
}
