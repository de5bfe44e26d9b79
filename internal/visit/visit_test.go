package visit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/safeguardhq/safeguard/internal/ban"
	"github.com/safeguardhq/safeguard/internal/event"
	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/store"
)

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

type fixture struct {
	engine *Engine
	store  store.Store
	pub    *pubRecorder
	b      *store.Building
	host   *store.User
	guard  *store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &pubRecorder{}
	bans := ban.NewEngine(s, pub, 30*24*time.Hour, log)
	engine := NewEngine(s, bans, pub, 30*time.Minute, 30*24*time.Hour, log)

	ctx := context.Background()
	b := &store.Building{ID: uuid.NewString(), Name: "Towers", LicenseQuota: 20, Active: true, CreatedAt: time.Now().UTC()}
	if err := s.CreateBuilding(ctx, b); err != nil {
		t.Fatal(err)
	}

	f := &fixture{engine: engine, store: s, pub: pub, b: b}
	f.host = f.seedUser(t, store.RoleResident, b.ID)
	f.guard = f.seedUser(t, store.RoleSecurity, b.ID)
	return f
}

var phoneSeq atomic.Int64

func nextPhone() string {
	return fmt.Sprintf("+23480%08d", phoneSeq.Add(1))
}

func (f *fixture) seedUser(t *testing.T, role, buildingID string) *store.User {
	t.Helper()
	id := uuid.NewString()
	u := &store.User{
		ID: id, Email: id + "@test.local", EmailLower: id + "@test.local",
		Phone: nextPhone(), PasswordHash: "x",
		Role: role, BuildingID: buildingID, Apartment: "A1",
		Active: true, Verified: true, CreatedAt: time.Now().UTC(),
	}
	if err := f.store.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func (f *fixture) bans() *ban.Engine { return f.engine.bans }

func defaultInput(visitors ...VisitorInput) CreateInput {
	now := time.Now().UTC()
	if len(visitors) == 0 {
		visitors = []VisitorInput{{Name: "Ada", Phone: nextPhone()}}
	}
	return CreateInput{
		Purpose:       "dinner",
		ExpectedStart: now,
		ExpectedEnd:   now.Add(2 * time.Hour),
		Visitors:      visitors,
	}
}

func TestCreateVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput(
		VisitorInput{Name: "Ada", Phone: "+234 801 000 0001"},
		VisitorInput{Name: "Ben", Phone: "+2348010000002"},
	))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	v := res.Visit
	if v.State != store.VisitPending || v.BuildingID != f.b.ID || v.HostID != f.host.ID {
		t.Fatalf("visit: %+v", v)
	}
	if len(v.ShortCode) != shortCodeLen {
		t.Fatalf("short code: %q", v.ShortCode)
	}
	for _, c := range v.ShortCode {
		if !strings.ContainsRune(shortCodeAlphabet, c) {
			t.Fatalf("short code uses a forbidden symbol: %q", v.ShortCode)
		}
	}
	if res.QR == "" {
		t.Fatal("qr plaintext must be returned once")
	}
	if len(v.Visitors) != 2 || v.Visitors[0].Position != 0 || v.Visitors[1].Position != 1 {
		t.Fatalf("visitors: %+v", v.Visitors)
	}
	if v.Visitors[0].Phone != "+2348010000001" {
		t.Fatalf("visitor phone should be normalized: %s", v.Visitors[0].Phone)
	}

	if got := f.pub.byType(event.TypeVisitCreated); len(got) != 1 {
		t.Fatalf("created events: %d", len(got))
	}
	items, _, err := f.store.ListNotifications(ctx, f.host.ID, store.Page{})
	if err != nil || len(items) != 1 {
		t.Fatalf("durable notification: %d %v", len(items), err)
	}

	confirmed, err := f.engine.Create(ctx, f.host, func() CreateInput {
		in := defaultInput()
		in.Confirm = true
		return in
	}())
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Visit.State != store.VisitConfirmed {
		t.Fatalf("confirm on create: %s", confirmed.Visit.State)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"no visitors", func(in *CreateInput) { in.Visitors = nil }},
		{"too many visitors", func(in *CreateInput) {
			in.Visitors = nil
			for i := 0; i <= maxVisitorCount; i++ {
				in.Visitors = append(in.Visitors, VisitorInput{Name: "V", Phone: nextPhone()})
			}
		}},
		{"end before start", func(in *CreateInput) { in.ExpectedEnd = in.ExpectedStart.Add(-time.Hour) }},
		{"nameless visitor", func(in *CreateInput) { in.Visitors[0].Name = "  " }},
		{"bad phone", func(in *CreateInput) { in.Visitors[0].Phone = "0801234" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := defaultInput()
			tc.mutate(&in)
			if _, err := f.engine.Create(ctx, f.host, in); fault.ClassOf(err) != fault.Validation {
				t.Fatalf("want validation fault, got %v", err)
			}
		})
	}

	if _, err := f.engine.Create(ctx, f.guard, defaultInput()); fault.ClassOf(err) != fault.Authorization {
		t.Fatalf("security hosting: %v", err)
	}
	unverified := f.seedUser(t, store.RoleResident, f.b.ID)
	unverified.Verified = false
	if _, err := f.engine.Create(ctx, unverified, defaultInput()); fault.ClassOf(err) != fault.Authorization {
		t.Fatalf("unverified hosting: %v", err)
	}
}

func TestCreateWithBannedVisitor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	banned := nextPhone()
	if _, err := f.bans().Ban(ctx, f.host, ban.Input{Phone: banned}); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.Create(ctx, f.host, defaultInput(
		VisitorInput{Name: "Ada", Phone: nextPhone()},
		VisitorInput{Name: "Mallory", Phone: banned},
	))
	fe, ok := fault.As(err)
	if !ok || fe.Reason != fault.ReasonVisitorBanned {
		t.Fatalf("want VisitorBanned, got %v", err)
	}
	if !strings.Contains(fe.Details["phones"], banned) {
		t.Fatalf("details should name the banned phone: %v", fe.Details)
	}

	// Nothing was persisted for the rejected visit.
	visits, _, err := f.store.ListVisitsByHost(ctx, f.host.ID, store.Page{})
	if err != nil || len(visits) != 0 {
		t.Fatalf("rejected visit persisted: %d %v", len(visits), err)
	}
}

func TestCreateWarnsOnLowSeverityBan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	neighbor := f.seedUser(t, store.RoleResident, f.b.ID)

	phone := nextPhone()
	if _, err := f.bans().Ban(ctx, neighbor, ban.Input{Phone: phone, Severity: ban.SeverityLow}); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Create(ctx, f.host, defaultInput(VisitorInput{Name: "Ada", Phone: phone}))
	if err != nil {
		t.Fatalf("low severity should not reject: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], phone) {
		t.Fatalf("warnings: %v", res.Warnings)
	}
}

func TestScanEntryAndExitFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput(
		VisitorInput{Name: "Ada", Phone: nextPhone()},
		VisitorInput{Name: "Ben", Phone: nextPhone()},
	))
	if err != nil {
		t.Fatal(err)
	}

	// First entry activates the visit.
	scan, err := f.engine.Scan(ctx, f.guard, res.QR, ActionEntry)
	if err != nil {
		t.Fatalf("entry scan: %v", err)
	}
	if scan.Visit.State != store.VisitActive || scan.Visitor.Name != "Ada" {
		t.Fatalf("first entry: %+v", scan)
	}

	// Second entry admits the next visitor.
	scan, err = f.engine.Scan(ctx, f.guard, res.QR, ActionEntry)
	if err != nil || scan.Visitor.Name != "Ben" {
		t.Fatalf("second entry: %+v %v", scan, err)
	}

	// Everyone is inside.
	_, err = f.engine.Scan(ctx, f.guard, res.QR, ActionEntry)
	if fe, ok := fault.As(err); !ok || fe.Reason != fault.ReasonAllVisitorsProcessed {
		t.Fatalf("third entry: %v", err)
	}

	// First exit leaves the visit active.
	scan, err = f.engine.Scan(ctx, f.guard, res.QR, ActionExit)
	if err != nil || scan.Visit.State != store.VisitActive {
		t.Fatalf("first exit: %+v %v", scan, err)
	}

	// Last exit completes the visit and retires the codes.
	scan, err = f.engine.Scan(ctx, f.guard, res.QR, ActionExit)
	if err != nil || scan.Visit.State != store.VisitCompleted {
		t.Fatalf("last exit: %+v %v", scan, err)
	}
	_, err = f.engine.Scan(ctx, f.guard, res.QR, ActionEntry)
	if fe, ok := fault.As(err); !ok || fe.Reason != fault.ReasonScanTargetUnknown {
		t.Fatalf("scan after completion: %v", err)
	}

	if got := f.pub.byType(event.TypeVisitorEntered); len(got) != 2 {
		t.Fatalf("entered events: %d", len(got))
	}
	if got := f.pub.byType(event.TypeVisitCompleted); len(got) != 1 {
		t.Fatalf("completed events: %d", len(got))
	}
}

func TestScanConcurrentEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput(
		VisitorInput{Name: "Ada", Phone: nextPhone()},
	))
	if err != nil {
		t.Fatal(err)
	}

	const scanners = 20
	var (
		wg      sync.WaitGroup
		entered atomic.Int64
		losers  atomic.Int64
	)
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scan, err := f.engine.Scan(ctx, f.guard, res.QR, ActionEntry)
			if err == nil {
				if scan.Visitor.State != store.VisitorEntered {
					t.Errorf("winner state: %+v", scan.Visitor)
				}
				entered.Add(1)
				return
			}
			fe, ok := fault.As(err)
			if !ok || (fe.Reason != fault.ReasonAllVisitorsProcessed && fe.Reason != fault.ReasonInvalidTransition) {
				t.Errorf("loser error: %v", err)
				return
			}
			losers.Add(1)
		}()
	}
	wg.Wait()

	// One visitor, one admission, no matter how many gates race.
	if entered.Load() != 1 || losers.Load() != scanners-1 {
		t.Fatalf("entered=%d losers=%d", entered.Load(), losers.Load())
	}
	v, err := f.store.GetVisit(ctx, res.Visit.ID)
	if err != nil || v.State != store.VisitActive {
		t.Fatalf("visit after race: %+v %v", v, err)
	}
}

func TestScanShortCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput())
	if err != nil {
		t.Fatal(err)
	}

	// Short codes are case-insensitive at the gate.
	scan, err := f.engine.Scan(ctx, f.guard, strings.ToLower(res.Visit.ShortCode), ActionEntry)
	if err != nil {
		t.Fatalf("short code scan: %v", err)
	}
	if scan.Visit.ID != res.Visit.ID {
		t.Fatal("short code resolved the wrong visit")
	}

	if _, err := f.engine.Scan(ctx, f.guard, "NOPE99", ActionEntry); fault.ClassOf(err) != fault.NotFound {
		t.Fatalf("unknown code: %v", err)
	}
	if _, err := f.engine.Scan(ctx, f.guard, res.QR, "loiter"); fault.ClassOf(err) != fault.Validation {
		t.Fatalf("unknown action: %v", err)
	}
}

func TestScanAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Scan(ctx, f.host, res.QR, ActionEntry); fault.ClassOf(err) != fault.Authorization {
		t.Fatalf("resident scanning: %v", err)
	}

	otherBuilding := &store.Building{ID: uuid.NewString(), Name: "Elsewhere", LicenseQuota: 5, Active: true, CreatedAt: time.Now().UTC()}
	if err := f.store.CreateBuilding(ctx, otherBuilding); err != nil {
		t.Fatal(err)
	}
	foreignGuard := f.seedUser(t, store.RoleSecurity, otherBuilding.ID)
	if _, err := f.engine.Scan(ctx, foreignGuard, res.QR, ActionEntry); fault.ClassOf(err) != fault.Authorization {
		t.Fatalf("foreign guard scanning: %v", err)
	}
}

func TestScanExitRequiresActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput())
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.Scan(ctx, f.guard, res.QR, ActionExit)
	if fe, ok := fault.As(err); !ok || fe.Reason != fault.ReasonInvalidTransition {
		t.Fatalf("exit on pending: %v", err)
	}
}

func TestConfirmAndUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput())
	if err != nil {
		t.Fatal(err)
	}
	id := res.Visit.ID

	v, err := f.engine.Confirm(ctx, f.host, id)
	if err != nil || v.State != store.VisitConfirmed {
		t.Fatalf("Confirm: %+v %v", v, err)
	}
	if _, err := f.engine.Confirm(ctx, f.host, id); fault.ClassOf(err) != fault.Conflict {
		t.Fatalf("double confirm: %v", err)
	}

	purpose := "party"
	later := time.Now().UTC().Add(3 * time.Hour)
	v, err = f.engine.Update(ctx, f.host, id, UpdateInput{Purpose: &purpose, ExpectedEnd: &later})
	if err != nil || v.Purpose != "party" {
		t.Fatalf("Update: %+v %v", v, err)
	}

	bad := v.ExpectedStart.Add(-time.Hour)
	if _, err := f.engine.Update(ctx, f.host, id, UpdateInput{ExpectedEnd: &bad}); fault.ClassOf(err) != fault.Validation {
		t.Fatalf("shrunk window: %v", err)
	}

	// Once a visitor has entered, edits are closed.
	if _, err := f.engine.Scan(ctx, f.guard, res.QR, ActionEntry); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Update(ctx, f.host, id, UpdateInput{Purpose: &purpose}); fault.ClassOf(err) != fault.Conflict {
		t.Fatalf("edit while active: %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput())
	if err != nil {
		t.Fatal(err)
	}
	id := res.Visit.ID

	v, err := f.engine.Cancel(ctx, f.host, id)
	if err != nil || v.State != store.VisitCancelled {
		t.Fatalf("Cancel: %+v %v", v, err)
	}

	got, err := f.engine.Get(ctx, f.host, id)
	if err != nil {
		t.Fatal(err)
	}
	for _, vis := range got.Visitors {
		if vis.State != store.VisitorCancelled {
			t.Fatalf("open visitor after cancel: %+v", vis)
		}
	}

	// The codes are dead.
	if _, err := f.engine.Scan(ctx, f.guard, res.QR, ActionEntry); fault.ClassOf(err) != fault.NotFound {
		t.Fatalf("scan after cancel: %v", err)
	}
	// And cancelling again is a conflict.
	if _, err := f.engine.Cancel(ctx, f.host, id); fault.ClassOf(err) != fault.Conflict {
		t.Fatalf("double cancel: %v", err)
	}
}

func TestGetMasksDenialAsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Create(ctx, f.host, defaultInput())
	if err != nil {
		t.Fatal(err)
	}

	neighbor := f.seedUser(t, store.RoleResident, f.b.ID)
	if _, err := f.engine.Get(ctx, neighbor, res.Visit.ID); fault.ClassOf(err) != fault.NotFound {
		t.Fatalf("foreign resident get: %v", err)
	}

	if _, err := f.engine.Get(ctx, f.guard, res.Visit.ID); err != nil {
		t.Fatalf("building security get: %v", err)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	neighbor := f.seedUser(t, store.RoleResident, f.b.ID)

	for i := 0; i < 2; i++ {
		if _, err := f.engine.Create(ctx, f.host, defaultInput()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.engine.Create(ctx, neighbor, defaultInput()); err != nil {
		t.Fatal(err)
	}

	visits, _, err := f.engine.List(ctx, f.host, "", store.Page{})
	if err != nil || len(visits) != 2 {
		t.Fatalf("host list: %d %v", len(visits), err)
	}

	visits, _, err = f.engine.List(ctx, f.guard, "", store.Page{})
	if err != nil || len(visits) != 3 {
		t.Fatalf("guard sees the whole building: %d %v", len(visits), err)
	}

	if _, _, err := f.engine.List(ctx, f.host, f.b.ID, store.Page{}); fault.ClassOf(err) != fault.Authorization {
		t.Fatalf("resident with building filter: %v", err)
	}

	admin := f.seedUser(t, store.RoleBuildingAdmin, f.b.ID)
	visits, _, err = f.engine.List(ctx, admin, f.b.ID, store.Page{})
	if err != nil || len(visits) != 3 {
		t.Fatalf("admin building view: %d %v", len(visits), err)
	}
}

func TestExpireSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	overdue := defaultInput()
	overdue.ExpectedStart = now.Add(-3 * time.Hour)
	overdue.ExpectedEnd = now.Add(-2 * time.Hour) // past the 30m grace
	res, err := f.engine.Create(ctx, f.host, overdue)
	if err != nil {
		t.Fatal(err)
	}

	fresh := defaultInput()
	if _, err := f.engine.Create(ctx, f.host, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := f.engine.ExpireSweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: %d %v", n, err)
	}

	got, err := f.engine.Get(ctx, f.host, res.Visit.ID)
	if err != nil || got.State != store.VisitExpired {
		t.Fatalf("expired visit: %+v %v", got, err)
	}
	if len(f.pub.byType(event.TypeVisitExpired)) != 1 {
		t.Fatal("expiry event not published")
	}

	// Idempotent.
	n, err = f.engine.ExpireSweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: %d %v", n, err)
	}
}
