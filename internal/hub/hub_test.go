package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/safeguardhq/safeguard/internal/ban"
	"github.com/safeguardhq/safeguard/internal/bus"
	"github.com/safeguardhq/safeguard/internal/config"
	"github.com/safeguardhq/safeguard/internal/identity"
	"github.com/safeguardhq/safeguard/internal/notify"
	"github.com/safeguardhq/safeguard/internal/store"
	"github.com/safeguardhq/safeguard/internal/visit"
)

type fixture struct {
	hub      *Hub
	identity *identity.Engine
	visits   *visit.Engine
	bus      *bus.Bus
	store    store.Store
	ts       *httptest.Server
	b        *store.Building
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(log)
	t.Cleanup(b.Close)

	authCfg := config.AuthConfig{
		JWTSecret:  "0123456789abcdef0123456789abcdef",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		HashCost:   4,
	}
	ident := identity.NewEngine(s, authCfg, nil, log)
	nt := notify.NewService(s, 30, log)
	bans := ban.NewEngine(s, b, nt.Retention(), log)
	visits := visit.NewEngine(s, bans, b, time.Hour, nt.Retention(), log)
	h := New(ident, visits, bans, nt, b, log)
	t.Cleanup(h.Shutdown)

	ts := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(ts.Close)

	ctx := context.Background()
	building := &store.Building{ID: uuid.NewString(), Name: "Towers", LicenseQuota: 20, Active: true, CreatedAt: time.Now().UTC()}
	if err := s.CreateBuilding(ctx, building); err != nil {
		t.Fatal(err)
	}
	return &fixture{hub: h, identity: ident, visits: visits, bus: b, store: s, ts: ts, b: building}
}

var phoneSeq atomic.Int64

func nextPhone() string {
	return fmt.Sprintf("+23480%08d", phoneSeq.Add(1))
}

func (f *fixture) seedUser(t *testing.T, role string) *store.User {
	t.Helper()
	id := uuid.NewString()
	u := &store.User{
		ID: id, Email: id + "@test.local", EmailLower: id + "@test.local",
		Phone: nextPhone(), PasswordHash: "x",
		Role: role, BuildingID: f.b.ID, Apartment: "A1",
		Active: true, Verified: true, CreatedAt: time.Now().UTC(),
	}
	if err := f.store.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func (f *fixture) token(t *testing.T, u *store.User) string {
	t.Helper()
	pair, err := f.identity.StartSession(context.Background(), u, "test", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *FrameError     `json:"error"`
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var fr frame
	if err := ws.ReadJSON(&fr); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return fr
}

// readFrameOfType skips unrelated pushes (presence, etc.) until the wanted
// frame type arrives.
func readFrameOfType(t *testing.T, ws *websocket.Conn, want string) frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		fr := readFrame(t, ws)
		if fr.Type == want {
			return fr
		}
	}
	t.Fatalf("frame of type %q never arrived", want)
	return frame{}
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code != code {
					t.Fatalf("close code %d, want %d", ce.Code, code)
				}
				return
			}
			t.Fatalf("want close error, got %v", err)
		}
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "")
	expectClose(t, ws, CloseMissingToken)
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "not-a-jwt")
	expectClose(t, ws, CloseInvalidToken)
}

func TestHandshakeRejectsRevokedSession(t *testing.T) {
	f := newFixture(t)
	u := f.seedUser(t, store.RoleResident)
	token := f.token(t, u)
	if _, err := f.identity.LogoutAll(context.Background(), u.ID); err != nil {
		t.Fatal(err)
	}
	ws := f.dial(t, token)
	expectClose(t, ws, CloseRevoked)
}

func TestVisitCreateCommand(t *testing.T) {
	f := newFixture(t)
	host := f.seedUser(t, store.RoleResident)
	ws := f.dial(t, f.token(t, host))

	now := time.Now().UTC()
	payload, _ := json.Marshal(map[string]any{
		"purpose":        "dinner",
		"expected_start": now.Format(time.RFC3339),
		"expected_end":   now.Add(time.Hour).Format(time.RFC3339),
		"visitors":       []map[string]string{{"name": "Ada", "phone": nextPhone()}},
	})
	if err := ws.WriteJSON(Inbound{Type: "visit.create", RequestID: "r1", Payload: payload}); err != nil {
		t.Fatal(err)
	}

	// The reply and the topic push race on the socket; collect both.
	var reply, push *frame
	for i := 0; i < 10 && (reply == nil || push == nil); i++ {
		fr := readFrame(t, ws)
		switch fr.Type {
		case "visit.create":
			reply = &fr
		case "visit.created":
			push = &fr
		}
	}
	if reply == nil || push == nil {
		t.Fatalf("missing frames: reply=%v push=%v", reply, push)
	}
	if reply.RequestID != "r1" || reply.Error != nil {
		t.Fatalf("reply: %+v", reply)
	}
	var res struct {
		Visit struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"visit"`
		QR string `json:"qr"`
	}
	if err := json.Unmarshal(reply.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Visit.State != store.VisitPending || res.QR == "" {
		t.Fatalf("created visit: %+v", res)
	}
	if push.RequestID != "" {
		t.Fatalf("push should carry no request id: %+v", push)
	}
}

func TestEventPushToSecurity(t *testing.T) {
	f := newFixture(t)
	host := f.seedUser(t, store.RoleResident)
	guard := f.seedUser(t, store.RoleSecurity)
	ws := f.dial(t, f.token(t, guard))

	hello := readFrameOfType(t, ws, "hello")
	var hd struct {
		ConnectionID string `json:"connection_id"`
		UserID       string `json:"user_id"`
	}
	if err := json.Unmarshal(hello.Data, &hd); err != nil || hd.ConnectionID == "" || hd.UserID != guard.ID {
		t.Fatalf("hello frame: %+v %v", hello, err)
	}

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	now := time.Now().UTC()
	if _, err := f.visits.Create(context.Background(), host, visit.CreateInput{
		ExpectedStart: now,
		ExpectedEnd:   now.Add(time.Hour),
		Visitors:      []visit.VisitorInput{{Name: "Ada", Phone: nextPhone()}},
	}); err != nil {
		t.Fatal(err)
	}

	push := readFrameOfType(t, ws, "visit.created")
	var v store.Visit
	if err := json.Unmarshal(push.Data, &v); err != nil {
		t.Fatal(err)
	}
	if v.HostID != host.ID {
		t.Fatalf("push payload: %+v", v)
	}
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	f := newFixture(t)
	u := f.seedUser(t, store.RoleResident)
	ws := f.dial(t, f.token(t, u))

	if err := ws.WriteJSON(Inbound{Type: "time.travel", RequestID: "r1"}); err != nil {
		t.Fatal(err)
	}
	fr := readFrameOfType(t, ws, "error")
	if fr.Error == nil || fr.Error.Code != "InvalidInput" || fr.RequestID != "r1" {
		t.Fatalf("error frame: %+v", fr)
	}

	// The connection survives a validation error.
	payload, _ := json.Marshal(map[string]string{"phone": "+2348011112222"})
	if err := ws.WriteJSON(Inbound{Type: "visitor.ban_check", RequestID: "r2", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	reply := readFrameOfType(t, ws, "visitor.ban_check")
	if reply.RequestID != "r2" || reply.Error != nil {
		t.Fatalf("follow-up reply: %+v", reply)
	}
}

func TestUnauthorizedCommandDisconnects(t *testing.T) {
	f := newFixture(t)
	host := f.seedUser(t, store.RoleResident)

	now := time.Now().UTC()
	created, err := f.visits.Create(context.Background(), host, visit.CreateInput{
		ExpectedStart: now,
		ExpectedEnd:   now.Add(time.Hour),
		Visitors:      []visit.VisitorInput{{Name: "Ada", Phone: nextPhone()}},
	})
	if err != nil {
		t.Fatal(err)
	}

	ws := f.dial(t, f.token(t, host))
	payload, _ := json.Marshal(map[string]string{"code": created.QR, "action": "entry"})
	if err := ws.WriteJSON(Inbound{Type: "visit.scan", RequestID: "r1", Payload: payload}); err != nil {
		t.Fatal(err)
	}

	// Residents cannot scan: error frame, then the server hangs up.
	fr := readFrameOfType(t, ws, "error")
	if fr.Error == nil || fr.Error.Code != "AuthorizationDenied" {
		t.Fatalf("error frame: %+v", fr)
	}
	expectClose(t, ws, CloseUnauthorized)
}

func TestNotificationReadCommand(t *testing.T) {
	f := newFixture(t)
	u := f.seedUser(t, store.RoleResident)
	ctx := context.Background()

	n := &store.Notification{
		ID: uuid.NewString(), UserID: u.ID, BuildingID: f.b.ID,
		Type: "visit.created", Priority: "low", CreatedAt: time.Now().UTC(),
	}
	if err := f.store.CreateNotification(ctx, n); err != nil {
		t.Fatal(err)
	}

	ws := f.dial(t, f.token(t, u))
	payload, _ := json.Marshal(map[string]string{"notification_id": n.ID})
	if err := ws.WriteJSON(Inbound{Type: "notification.read", RequestID: "r1", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	reply := readFrameOfType(t, ws, "notification.read")
	if reply.Error != nil {
		t.Fatalf("reply: %+v", reply)
	}

	items, _, err := f.store.ListNotifications(ctx, u.ID, store.Page{})
	if err != nil || len(items) != 1 || !items[0].Read {
		t.Fatalf("notification not marked read: %+v %v", items, err)
	}
}
