// Package hub serves the realtime channel: authenticated WebSocket sessions,
// topic fan-out from the event bus, and client-initiated commands dispatched
// into the engines.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/safeguardhq/safeguard/internal/ban"
	"github.com/safeguardhq/safeguard/internal/bus"
	"github.com/safeguardhq/safeguard/internal/event"
	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/identity"
	"github.com/safeguardhq/safeguard/internal/metrics"
	"github.com/safeguardhq/safeguard/internal/notify"
	"github.com/safeguardhq/safeguard/internal/store"
	"github.com/safeguardhq/safeguard/internal/visit"
)

// Close codes on the realtime channel.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
	CloseExpiredToken = 4003
	CloseRevoked      = 4004
	CloseUnauthorized = 4010
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 32 * 1024
	outboundBuffer = 256
)

// Inbound is one client frame.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound is one server frame: either a command reply, an error, or a
// topic-initiated push whose Type is the event type.
type Outbound struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Data      any         `json:"data,omitempty"`
	Error     *FrameError `json:"error,omitempty"`

	// closeCode, when set, instructs the writer to send a close frame and
	// tear the connection down after everything queued before it has gone
	// out. The writer is the only goroutine that touches the socket once the
	// handshake is done.
	closeCode   int
	closeReason string
}

type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hub owns the live connection set.
type Hub struct {
	identity *identity.Engine
	visits   *visit.Engine
	bans     *ban.Engine
	notify   *notify.Service
	bus      *bus.Bus
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func New(id *identity.Engine, visits *visit.Engine, bans *ban.Engine, nt *notify.Service, b *bus.Bus, log *slog.Logger) *Hub {
	return &Hub{
		identity: id,
		visits:   visits,
		bans:     bans,
		notify:   nt,
		bus:      b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers cannot set Authorization on WebSocket handshakes, so
			// cross-origin is expected; the token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   log.With("component", "hub"),
		conns: make(map[*conn]struct{}),
	}
}

type conn struct {
	id        string
	hub       *Hub
	ws        *websocket.Conn
	principal *identity.Principal
	sub       *bus.Subscription
	out       chan Outbound
	closeOnce sync.Once
	done      chan struct{}
}

// ServeWS upgrades the request and runs the connection until it drops. The
// access token comes from the `token` query parameter or a bearer header.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if token == "" {
		closeWith(ws, CloseMissingToken, "missing token")
		return
	}
	principal, err := h.identity.Verify(r.Context(), token)
	if err != nil {
		code := CloseInvalidToken
		if fe, ok := fault.As(err); ok {
			switch fe.Reason {
			case fault.ReasonTokenExpired:
				code = CloseExpiredToken
			case fault.ReasonSessionRevoked:
				code = CloseRevoked
			}
		}
		closeWith(ws, code, "authentication failed")
		return
	}

	u := principal.User
	topics := []string{event.UserTopic(u.ID)}
	if u.BuildingID != "" {
		topics = append(topics,
			event.BuildingTopic(u.BuildingID),
			event.RoleTopic(u.Role, u.BuildingID))
	}

	c := &conn{
		id:        uuid.NewString(),
		hub:       h,
		ws:        ws,
		principal: principal,
		sub:       h.bus.Subscribe(topics...),
		out:       make(chan Outbound, outboundBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.HubConnections.Inc()
	h.log.Info("connection opened", "user_id", u.ID, "role", u.Role)

	if u.BuildingID != "" {
		h.bus.Publish(event.Event{
			Type:    event.TypeUserOnline,
			Topics:  []string{event.BuildingTopic(u.BuildingID)},
			Payload: presencePayload(u),
		})
	}

	go c.writeLoop()
	c.reply(Outbound{Type: "hello", Data: map[string]any{
		"connection_id": c.id,
		"user_id":       u.ID,
		"topics":        topics,
	}})
	c.readLoop(r.Context())
	c.teardown()
}

func (c *conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		_ = c.ws.Close()

		h := c.hub
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		metrics.HubConnections.Dec()

		u := c.principal.User
		if u.BuildingID != "" {
			h.bus.Publish(event.Event{
				Type:    event.TypeUserOffline,
				Topics:  []string{event.BuildingTopic(u.BuildingID)},
				Payload: presencePayload(u),
			})
		}
		h.log.Info("connection closed", "user_id", u.ID)
	})
}

// Shutdown closes every open connection with a normal close code.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	open := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		open = append(open, c)
	}
	h.mu.RUnlock()
	for _, c := range open {
		c.requestClose(websocket.CloseNormalClosure, "server shutting down")
	}
}

// readLoop parses frames, enforces the per-connection message budget and
// dispatches commands. It returns when the connection drops.
func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := newTokenBucket(20, 10)
	for {
		var in Inbound
		if err := c.ws.ReadJSON(&in); err != nil {
			return
		}
		metrics.HubMessages.WithLabelValues("in").Inc()

		if !limiter.allow() {
			c.reply(Outbound{Type: "error", RequestID: in.RequestID, Error: &FrameError{
				Code: string(fault.RateLimit), Message: "too many messages",
			}})
			continue
		}

		if err := c.dispatch(ctx, in); err != nil {
			fe, _ := fault.As(err)
			if fe == nil {
				fe = fault.New(fault.Internal, "Internal", "internal error")
			}
			c.reply(Outbound{Type: "error", RequestID: in.RequestID, Error: &FrameError{
				Code: fe.Reason, Message: fe.Message,
			}})
			// An unauthorized command ends the session. The close goes
			// through the writer so the error frame above is flushed first.
			if fe.Class == fault.Authorization {
				c.requestClose(CloseUnauthorized, "unauthorized command")
				<-c.done
				return
			}
		}
	}
}

// writeLoop is the only goroutine that writes to the socket. It merges
// command replies, bus events and keepalive pings.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case out := <-c.out:
			if out.closeCode != 0 {
				closeWith(c.ws, out.closeCode, out.closeReason)
				c.teardown()
				return
			}
			if !c.write(out) {
				c.teardown()
				return
			}
		case ev, ok := <-c.sub.Events():
			if !ok {
				closeWith(c.ws, websocket.CloseNormalClosure, "bus closed")
				c.teardown()
				return
			}
			if c.sub.TookOverflow() {
				// The client lost events; tell it to resync via the HTTP API.
				if !c.write(Outbound{Type: string(event.TypeOverflow)}) {
					c.teardown()
					return
				}
			}
			if !c.write(Outbound{Type: string(ev.Type), Data: ev.Payload}) {
				c.teardown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown()
				return
			}
		}
	}
}

func (c *conn) write(out Outbound) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(out); err != nil {
		return false
	}
	metrics.HubMessages.WithLabelValues("out").Inc()
	return true
}

// reply enqueues a frame for the writer. A full outbound queue means the
// client is not draining; the frame is dropped rather than blocking the
// reader.
func (c *conn) reply(out Outbound) {
	select {
	case c.out <- out:
	case <-c.done:
	default:
	}
}

// requestClose hands the close to the writer, preserving the order of frames
// already queued. A writer that cannot take it is stuck, so the connection is
// torn down directly.
func (c *conn) requestClose(code int, reason string) {
	select {
	case c.out <- Outbound{closeCode: code, closeReason: reason}:
	case <-c.done:
	default:
		c.teardown()
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	_ = ws.Close()
}

func presencePayload(u *store.User) map[string]any {
	return map[string]any{"user_id": u.ID, "role": u.Role}
}

// tokenBucket is a minimal per-connection message limiter.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(capacity, perSecond float64) *tokenBucket {
	return &tokenBucket{tokens: capacity, capacity: capacity, rate: perSecond, last: time.Now()}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
