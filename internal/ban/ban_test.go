package ban

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/safeguardhq/safeguard/internal/event"
	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/store"
)

// pubRecorder captures published events for assertions.
type pubRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *pubRecorder) Publish(ev event.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *pubRecorder) byType(t event.Type) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, store.Store, *pubRecorder) {
	t.Helper()
	s, err := store.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	pub := &pubRecorder{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(s, pub, 30*24*time.Hour, log), s, pub
}

func seedUser(t *testing.T, s store.Store, role string) *store.User {
	t.Helper()
	ctx := context.Background()
	b := &store.Building{ID: uuid.NewString(), Name: "Towers", LicenseQuota: 10, Active: true, CreatedAt: time.Now().UTC()}
	if err := s.CreateBuilding(ctx, b); err != nil {
		t.Fatal(err)
	}
	return seedUserIn(t, s, b.ID, role)
}

var phoneSeq atomic.Int64

func seedUserIn(t *testing.T, s store.Store, buildingID, role string) *store.User {
	t.Helper()
	id := uuid.NewString()
	u := &store.User{
		ID: id, Email: id + "@test.local", EmailLower: id + "@test.local",
		Phone: fmt.Sprintf("+23481%08d", phoneSeq.Add(1)), PasswordHash: "x",
		Role: role, BuildingID: buildingID, Apartment: "A1",
		Active: true, Verified: true, CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestBanCreatesNotificationAndEvent(t *testing.T) {
	e, s, pub := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)

	b, err := e.Ban(ctx, owner, Input{Phone: "+234 801 111 2222", Name: "Unwanted Guest", Reason: "trespassing"})
	if err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if b.Phone != "+2348011112222" {
		t.Fatalf("phone should be normalized: %s", b.Phone)
	}
	if b.Severity != SeverityMedium || b.BanType != TypeManual || !b.Active {
		t.Fatalf("defaults: %+v", b)
	}
	if b.ExpiresAt != nil {
		t.Fatal("no ttl means permanent")
	}

	events := pub.byType(event.TypeVisitorBanned)
	if len(events) != 1 {
		t.Fatalf("published events: %d", len(events))
	}
	if events[0].Topics[0] != event.UserTopic(owner.ID) {
		t.Fatalf("topics: %v", events[0].Topics)
	}

	items, _, err := s.ListNotifications(ctx, owner.ID, store.Page{})
	if err != nil || len(items) != 1 {
		t.Fatalf("notification row: %d %v", len(items), err)
	}
	if items[0].Type != string(event.TypeVisitorBanned) {
		t.Fatalf("notification type: %s", items[0].Type)
	}
}

func TestBanValidation(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)

	if _, err := e.Ban(ctx, owner, Input{Phone: "0801"}); fault.ClassOf(err) != fault.Validation {
		t.Fatalf("bad phone: %v", err)
	}
	if _, err := e.Ban(ctx, owner, Input{Phone: "+2348011112222", Severity: "extreme"}); fault.ClassOf(err) != fault.Validation {
		t.Fatalf("bad severity: %v", err)
	}
	if _, err := e.Ban(ctx, owner, Input{Phone: "+2348011112222", TTL: -time.Hour}); fault.ClassOf(err) != fault.Validation {
		t.Fatalf("negative ttl: %v", err)
	}
}

func TestBanDuplicate(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)

	first, err := e.Ban(ctx, owner, Input{Phone: "+2348011112222"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Ban(ctx, owner, Input{Phone: "+2348011112222", Severity: SeverityHigh})
	fe, ok := fault.As(err)
	if !ok || fe.Reason != fault.ReasonBanAlreadyExists {
		t.Fatalf("want BanAlreadyExists, got %v", err)
	}
	if fe.Details["ban_id"] != first.ID {
		t.Fatalf("conflict should name the existing ban: %v", fe.Details)
	}

	// A different resident may ban the same phone.
	other := seedUserIn(t, s, owner.BuildingID, store.RoleResident)
	if _, err := e.Ban(ctx, other, Input{Phone: "+2348011112222"}); err != nil {
		t.Fatalf("other owner: %v", err)
	}
}

func TestBanConcurrentSameTarget(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int64
		conflicts atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Ban(ctx, owner, Input{Phone: "+2348099990000"})
			switch {
			case err == nil:
				successes.Add(1)
			case fault.ClassOf(err) == fault.Conflict:
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly one writer wins; every loser is a conflict, never a 5xx.
	if successes.Load() != 1 || conflicts.Load() != workers-1 {
		t.Fatalf("successes=%d conflicts=%d", successes.Load(), conflicts.Load())
	}
	active, err := s.GetActiveBan(ctx, owner.ID, "+2348099990000", time.Now().UTC())
	if err != nil || active == nil {
		t.Fatalf("active ban: %+v %v", active, err)
	}
}

func TestBanTTL(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)

	b, err := e.Ban(ctx, owner, Input{Phone: "+2348011112222", TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if b.ExpiresAt == nil || time.Until(*b.ExpiresAt) > time.Hour+time.Minute {
		t.Fatalf("expires_at: %v", b.ExpiresAt)
	}
}

func TestUnban(t *testing.T) {
	e, s, pub := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)

	b, err := e.Ban(ctx, owner, Input{Phone: "+2348011112222"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := e.Unban(ctx, owner, b.ID, "made up")
	if err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if got.Active || got.UnbanReason != "made up" || got.UnbannedAt == nil {
		t.Fatalf("unbanned ban: %+v", got)
	}
	if len(pub.byType(event.TypeVisitorUnbanned)) != 1 {
		t.Fatal("unban event not published")
	}

	// Idempotence is a conflict, not a silent success.
	_, err = e.Unban(ctx, owner, b.ID, "again")
	if fe, ok := fault.As(err); !ok || fe.Reason != fault.ReasonInvalidTransition {
		t.Fatalf("second unban: %v", err)
	}

	if _, err := e.Unban(ctx, owner, uuid.NewString(), ""); fault.ClassOf(err) != fault.NotFound {
		t.Fatalf("unknown ban: %v", err)
	}
}

func TestUnbanAuthorization(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)
	neighbor := seedUserIn(t, s, owner.BuildingID, store.RoleResident)
	admin := seedUserIn(t, s, owner.BuildingID, store.RoleBuildingAdmin)
	foreignAdmin := seedUser(t, s, store.RoleBuildingAdmin)

	mk := func(phone string) *store.Ban {
		b, err := e.Ban(ctx, owner, Input{Phone: phone})
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	b1 := mk("+2348011110001")
	if _, err := e.Unban(ctx, neighbor, b1.ID, ""); fault.ClassOf(err) != fault.Authorization {
		t.Fatalf("neighbor unban: %v", err)
	}
	if _, err := e.Unban(ctx, foreignAdmin, b1.ID, ""); fault.ClassOf(err) != fault.Authorization {
		t.Fatalf("foreign admin unban: %v", err)
	}
	if _, err := e.Unban(ctx, admin, b1.ID, "admin override"); err != nil {
		t.Fatalf("own-building admin unban: %v", err)
	}
}

func TestCheck(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)
	neighbor := seedUserIn(t, s, owner.BuildingID, store.RoleResident)

	res, err := e.Check(ctx, owner, "+2348011112222")
	if err != nil {
		t.Fatal(err)
	}
	if res.Banned || res.Multiple {
		t.Fatalf("clean phone: %+v", res)
	}

	if _, err := e.Ban(ctx, owner, Input{Phone: "+2348011112222"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Ban(ctx, neighbor, Input{Phone: "+2348011112222", Severity: SeverityLow}); err != nil {
		t.Fatal(err)
	}

	res, err = e.Check(ctx, owner, "+234 801 111 2222")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Banned || !res.Multiple {
		t.Fatalf("check: %+v", res)
	}
	if res.UserBan == nil || res.UserBan.OwnerID != owner.ID {
		t.Fatalf("user ban: %+v", res.UserBan)
	}
	if len(res.BuildingBans) != 1 || res.BuildingBans[0].OwnerID != neighbor.ID {
		t.Fatalf("building bans: %+v", res.BuildingBans)
	}
}

func TestEvaluate(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	host := seedUser(t, s, store.RoleResident)
	neighbor := seedUserIn(t, s, host.BuildingID, store.RoleResident)
	now := time.Now().UTC()

	const phone = "+2348011112222"

	// Nothing on file: clean pass.
	reject, warn, err := e.Evaluate(ctx, s, host.ID, host.BuildingID, phone, now)
	if err != nil || reject != nil || len(warn) != 0 {
		t.Fatalf("clean: %v %v %v", reject, warn, err)
	}

	// A neighbor's low-severity ban only warns.
	if _, err := e.Ban(ctx, neighbor, Input{Phone: phone, Severity: SeverityLow}); err != nil {
		t.Fatal(err)
	}
	reject, warn, err = e.Evaluate(ctx, s, host.ID, host.BuildingID, phone, now)
	if err != nil || reject != nil {
		t.Fatalf("low severity should warn: %v %v", reject, err)
	}
	if len(warn) != 1 || warn[0].OwnerID != neighbor.ID {
		t.Fatalf("warnings: %+v", warn)
	}

	// A neighbor's medium ban rejects.
	other := seedUserIn(t, s, host.BuildingID, store.RoleResident)
	if _, err := e.Ban(ctx, other, Input{Phone: phone, Severity: SeverityMedium}); err != nil {
		t.Fatal(err)
	}
	reject, _, err = e.Evaluate(ctx, s, host.ID, host.BuildingID, phone, now)
	if err != nil || reject == nil || reject.OwnerID != other.ID {
		t.Fatalf("medium severity should reject: %+v %v", reject, err)
	}

	// The host's own ban rejects regardless of severity.
	if _, err := e.Ban(ctx, host, Input{Phone: "+2348011113333", Severity: SeverityLow}); err != nil {
		t.Fatal(err)
	}
	reject, _, err = e.Evaluate(ctx, s, host.ID, host.BuildingID, "+2348011113333", now)
	if err != nil || reject == nil || reject.OwnerID != host.ID {
		t.Fatalf("own low ban should reject: %+v %v", reject, err)
	}
}

func TestListBans(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	owner := seedUser(t, s, store.RoleResident)

	for i := 0; i < 3; i++ {
		if _, err := e.Ban(ctx, owner, Input{Phone: fmt.Sprintf("+23480111122%02d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	bans, info, err := e.List(ctx, owner, store.Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(bans) != 2 || info.Total != 3 || !info.HasNext {
		t.Fatalf("list: %d items, %+v", len(bans), info)
	}
}
