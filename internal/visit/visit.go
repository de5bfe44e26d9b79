// Package visit owns the visit lifecycle: creation with ban gating and code
// generation, entry/exit scans, confirmation, cancellation and expiry.
package visit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/safeguardhq/safeguard/internal/ban"
	"github.com/safeguardhq/safeguard/internal/bus"
	"github.com/safeguardhq/safeguard/internal/event"
	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/identity"
	"github.com/safeguardhq/safeguard/internal/metrics"
	"github.com/safeguardhq/safeguard/internal/phone"
	"github.com/safeguardhq/safeguard/internal/store"
)

// shortCodeAlphabet has 32 symbols: uppercase alphanumerics minus 0, O, 1
// and I, which misread at a gate. 32^6 codes per building.
const shortCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	shortCodeLen    = 6
	maxCodeRetries  = 5
	maxTxRetries    = 3
	maxVisitorCount = 10
	sweepBatchSize  = 100
)

// Scan actions.
const (
	ActionEntry = "entry"
	ActionExit  = "exit"
)

// Engine drives the visit state machine.
type Engine struct {
	store     store.Store
	bans      *ban.Engine
	bus       event.Publisher
	grace     time.Duration
	retention time.Duration
	log       *slog.Logger
}

func NewEngine(st store.Store, bans *ban.Engine, pub event.Publisher, grace, retention time.Duration, log *slog.Logger) *Engine {
	return &Engine{
		store:     st,
		bans:      bans,
		bus:       pub,
		grace:     grace,
		retention: retention,
		log:       log.With("component", "visit"),
	}
}

// VisitorInput is one expected person.
type VisitorInput struct {
	Name  string
	Phone string
}

// CreateInput describes a new visit. BuildingID is only consulted for super
// admins; everyone else hosts in their own building.
type CreateInput struct {
	BuildingID    string
	Purpose       string
	ExpectedStart time.Time
	ExpectedEnd   time.Time
	Visitors      []VisitorInput
	Confirm       bool
}

// CreateResult returns the stored visit plus the QR plaintext, which exists
// only in this reply, and any low-severity ban warnings.
type CreateResult struct {
	Visit    *store.Visit `json:"visit"`
	QR       string       `json:"qr"`
	Warnings []string     `json:"warnings,omitempty"`
}

// ScanResult is the outcome of one accepted scan.
type ScanResult struct {
	Visit   *store.Visit   `json:"visit"`
	Visitor *store.Visitor `json:"visitor"`
	Action  string         `json:"action"`
}

// Create builds a visit in pending (or confirmed) state. Runs the ban gate
// over every visitor phone inside the same transaction as the insert.
func (e *Engine) Create(ctx context.Context, actor *store.User, in CreateInput) (*CreateResult, error) {
	if err := identity.RequireHost(actor); err != nil {
		return nil, err
	}
	buildingID := actor.BuildingID
	if actor.Role == store.RoleSuperAdmin {
		buildingID = in.BuildingID
	}
	if buildingID == "" {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "building_id is required").
			WithDetails(map[string]string{"field": "building_id"})
	}
	if len(in.Visitors) == 0 {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "at least one visitor is required")
	}
	if len(in.Visitors) > maxVisitorCount {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput,
			fmt.Sprintf("at most %d visitors per visit", maxVisitorCount))
	}
	if !in.ExpectedEnd.After(in.ExpectedStart) {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "expected_end must be after expected_start")
	}

	visitors := make([]store.Visitor, len(in.Visitors))
	for i, vi := range in.Visitors {
		if strings.TrimSpace(vi.Name) == "" {
			return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "visitor name is required").
				WithDetails(map[string]string{"field": fmt.Sprintf("visitors[%d].name", i)})
		}
		normPhone, err := phone.Normalize(vi.Phone)
		if err != nil {
			return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "visitor phone must be E.164").
				WithDetails(map[string]string{"field": fmt.Sprintf("visitors[%d].phone", i)})
		}
		visitors[i] = store.Visitor{
			ID:       uuid.NewString(),
			Name:     strings.TrimSpace(vi.Name),
			Phone:    normPhone,
			Position: i,
			State:    store.VisitorExpected,
		}
	}

	state := store.VisitPending
	if in.Confirm {
		state = store.VisitConfirmed
	}

	var (
		result *CreateResult
		outEv  event.Event
	)
	err := e.withRetry(ctx, maxCodeRetries, func() error {
		now := time.Now().UTC()
		qrPlain, qrHash, err := newQRToken()
		if err != nil {
			return fault.Wrap(fault.Internal, fault.ReasonInvalidInput, "generate qr token", err)
		}
		code, err := newShortCode()
		if err != nil {
			return fault.Wrap(fault.Internal, fault.ReasonInvalidInput, "generate short code", err)
		}

		v := &store.Visit{
			ID:               uuid.NewString(),
			HostID:           actor.ID,
			BuildingID:       buildingID,
			Purpose:          in.Purpose,
			ExpectedStart:    in.ExpectedStart.UTC(),
			ExpectedEnd:      in.ExpectedEnd.UTC(),
			ShortCode:        code,
			QRHash:           qrHash,
			State:            state,
			CreatedAt:        now,
			LastTransitionAt: now,
		}
		for i := range visitors {
			visitors[i].VisitID = v.ID
		}
		v.Visitors = visitors

		ev := event.Event{
			Type:      event.TypeVisitCreated,
			Topics:    e.visitTopics(v),
			Payload:   v,
			Occurred:  now,
			Durable:   true,
			Recipient: actor.ID,
			Building:  buildingID,
			Title:     "Visit created",
			Body:      fmt.Sprintf("Visit %s is scheduled with %d visitor(s)", code, len(visitors)),
			Priority:  event.PriorityLow,
		}

		var warnings []string
		txErr := e.store.InTx(ctx, func(tx store.Store) error {
			warnings = warnings[:0]
			var bannedPhones []string
			for _, vis := range visitors {
				reject, warn, err := e.bans.Evaluate(ctx, tx, actor.ID, buildingID, vis.Phone, now)
				if err != nil {
					return err
				}
				if reject != nil {
					bannedPhones = append(bannedPhones, vis.Phone)
					continue
				}
				for _, w := range warn {
					warnings = append(warnings,
						fmt.Sprintf("%s has a low-severity ban by another resident", w.Phone))
				}
			}
			if len(bannedPhones) > 0 {
				return fault.New(fault.Conflict, fault.ReasonVisitorBanned, "one or more visitors are banned").
					WithDetails(map[string]string{"phones": strings.Join(bannedPhones, ",")})
			}
			if err := tx.CreateVisit(ctx, v); err != nil {
				return fault.Storage(err)
			}
			return fault.Storage(tx.CreateNotification(ctx, bus.NotificationFor(ev, e.retention)))
		})
		if txErr != nil {
			return txErr
		}
		result = &CreateResult{Visit: v, QR: qrPlain, Warnings: warnings}
		outEv = ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.bus.Publish(outEv)
	metrics.VisitTransitions.WithLabelValues(state).Inc()
	e.log.Info("visit created", "visit_id", result.Visit.ID, "host_id", actor.ID,
		"building_id", buildingID, "visitors", len(visitors), "state", state)
	return result, nil
}

// Scan processes an entry or exit against a QR payload or short code. Entry
// is valid while the visit is pending, confirmed or active; exit only while
// active. Visitor claims are conditional updates, so concurrent scanners
// cannot double-process anyone.
func (e *Engine) Scan(ctx context.Context, actor *store.User, code, action string) (*ScanResult, error) {
	if action != ActionEntry && action != ActionExit {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput,
			fmt.Sprintf("unknown scan action %q", action))
	}

	v, err := e.resolveCode(ctx, actor, code)
	if err != nil {
		return nil, err
	}
	if err := identity.RequireScanner(actor, v.BuildingID); err != nil {
		return nil, err
	}

	switch action {
	case ActionEntry:
		switch v.State {
		case store.VisitPending, store.VisitConfirmed, store.VisitActive:
		default:
			return nil, fault.New(fault.Conflict, fault.ReasonInvalidTransition,
				fmt.Sprintf("cannot enter a %s visit", v.State))
		}
	case ActionExit:
		if v.State != store.VisitActive {
			return nil, fault.New(fault.Conflict, fault.ReasonInvalidTransition,
				fmt.Sprintf("cannot exit a %s visit", v.State))
		}
	}

	var (
		result *ScanResult
		events []event.Event
	)
	err = e.withRetry(ctx, 1, func() error {
		events = events[:0]
		now := time.Now().UTC()
		return e.store.InTx(ctx, func(tx store.Store) error {
			if action == ActionEntry {
				return e.scanEntry(ctx, tx, v, now, &result, &events)
			}
			return e.scanExit(ctx, tx, v, now, &result, &events)
		})
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		e.bus.Publish(ev)
	}
	e.log.Info("scan processed", "visit_id", v.ID, "action", action,
		"visitor_id", result.Visitor.ID, "scanner_id", actor.ID)
	return result, nil
}

func (e *Engine) scanEntry(ctx context.Context, tx store.Store, v *store.Visit, now time.Time, result **ScanResult, events *[]event.Event) error {
	vis, err := tx.ClaimVisitorEntry(ctx, v.ID, now)
	if err != nil {
		return fault.Storage(err)
	}
	if vis == nil {
		return fault.New(fault.Conflict, fault.ReasonAllVisitorsProcessed, "every visitor has already entered")
	}

	becameActive := false
	if v.State != store.VisitActive {
		ok, err := tx.TransitionVisit(ctx, v.ID, store.VisitActive, store.VisitPending, store.VisitConfirmed)
		if err != nil {
			return fault.Storage(err)
		}
		becameActive = ok
	}

	ev := event.Event{
		Type:      event.TypeVisitorEntered,
		Topics:    e.visitTopics(v),
		Payload:   scanPayload(v, vis),
		Occurred:  now,
		Durable:   true,
		Recipient: v.HostID,
		Building:  v.BuildingID,
		Title:     "Visitor arrived",
		Body:      fmt.Sprintf("%s has entered", vis.Name),
		Priority:  event.PriorityHigh,
	}
	if err := tx.CreateNotification(ctx, bus.NotificationFor(ev, e.retention)); err != nil {
		return fault.Storage(err)
	}
	*events = append(*events, ev)
	if becameActive {
		metrics.VisitTransitions.WithLabelValues(store.VisitActive).Inc()
	}

	updated := *v
	updated.State = store.VisitActive
	*result = &ScanResult{Visit: &updated, Visitor: vis, Action: ActionEntry}
	return nil
}

func (e *Engine) scanExit(ctx context.Context, tx store.Store, v *store.Visit, now time.Time, result **ScanResult, events *[]event.Event) error {
	vis, err := tx.ClaimVisitorExit(ctx, v.ID, now)
	if err != nil {
		return fault.Storage(err)
	}
	if vis == nil {
		return fault.New(fault.Conflict, fault.ReasonAllVisitorsProcessed, "no visitor is inside")
	}

	*events = append(*events, event.Event{
		Type:     event.TypeVisitorExited,
		Topics:   e.visitTopics(v),
		Payload:  scanPayload(v, vis),
		Occurred: now,
	})

	open, err := tx.CountVisitorsInStates(ctx, v.ID,
		store.VisitorExpected, store.VisitorArrived, store.VisitorEntered)
	if err != nil {
		return fault.Storage(err)
	}

	finalState := store.VisitActive
	if open == 0 {
		ok, err := tx.TransitionVisit(ctx, v.ID, store.VisitCompleted, store.VisitActive)
		if err != nil {
			return fault.Storage(err)
		}
		if ok {
			if err := tx.RetireVisitCodes(ctx, v.ID); err != nil {
				return fault.Storage(err)
			}
			ev := event.Event{
				Type:      event.TypeVisitCompleted,
				Topics:    e.visitTopics(v),
				Payload:   scanPayload(v, vis),
				Occurred:  now,
				Durable:   true,
				Recipient: v.HostID,
				Building:  v.BuildingID,
				Title:     "Visit completed",
				Body:      "All visitors have left",
				Priority:  event.PriorityMedium,
			}
			if err := tx.CreateNotification(ctx, bus.NotificationFor(ev, e.retention)); err != nil {
				return fault.Storage(err)
			}
			*events = append(*events, ev)
			metrics.VisitTransitions.WithLabelValues(store.VisitCompleted).Inc()
			finalState = store.VisitCompleted
		}
	}

	updated := *v
	updated.State = finalState
	*result = &ScanResult{Visit: &updated, Visitor: vis, Action: ActionExit}
	return nil
}

// resolveCode matches a QR payload by hash first, then a building-scoped
// short code. Terminal visits do not resolve.
func (e *Engine) resolveCode(ctx context.Context, actor *store.User, code string) (*store.Visit, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "code is required")
	}

	sum := sha256.Sum256([]byte(code))
	v, err := e.store.GetVisitByQRHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, fault.Storage(err)
	}
	if v == nil && len(code) == shortCodeLen && actor.BuildingID != "" {
		v, err = e.store.GetVisitByShortCode(ctx, actor.BuildingID, strings.ToUpper(code))
		if err != nil {
			return nil, fault.Storage(err)
		}
	}
	if v == nil {
		return nil, fault.New(fault.NotFound, fault.ReasonScanTargetUnknown, "no active visit matches this code")
	}
	return v, nil
}

// Confirm moves a pending visit to confirmed.
func (e *Engine) Confirm(ctx context.Context, actor *store.User, id string) (*store.Visit, error) {
	v, err := e.loadForChange(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	ok, err := e.store.TransitionVisit(ctx, id, store.VisitConfirmed, store.VisitPending)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if !ok {
		return nil, fault.New(fault.Conflict, fault.ReasonInvalidTransition,
			fmt.Sprintf("cannot confirm a %s visit", v.State))
	}
	v.State = store.VisitConfirmed

	e.bus.Publish(event.Event{
		Type:     event.TypeVisitConfirmed,
		Topics:   e.visitTopics(v),
		Payload:  v,
		Occurred: time.Now().UTC(),
	})
	metrics.VisitTransitions.WithLabelValues(store.VisitConfirmed).Inc()
	return v, nil
}

// UpdateInput patches editable fields. Nil fields are left unchanged.
type UpdateInput struct {
	Purpose       *string
	ExpectedStart *time.Time
	ExpectedEnd   *time.Time
}

// Update edits purpose and the expected window. Only allowed before any
// visitor has entered.
func (e *Engine) Update(ctx context.Context, actor *store.User, id string, in UpdateInput) (*store.Visit, error) {
	v, err := e.loadForChange(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if v.State != store.VisitPending && v.State != store.VisitConfirmed {
		return nil, fault.New(fault.Conflict, fault.ReasonInvalidTransition,
			fmt.Sprintf("cannot edit a %s visit", v.State))
	}

	purpose := v.Purpose
	if in.Purpose != nil {
		purpose = *in.Purpose
	}
	start, end := v.ExpectedStart, v.ExpectedEnd
	if in.ExpectedStart != nil {
		start = in.ExpectedStart.UTC()
	}
	if in.ExpectedEnd != nil {
		end = in.ExpectedEnd.UTC()
	}
	if !end.After(start) {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "expected_end must be after expected_start")
	}

	if err := e.store.UpdateVisitDetails(ctx, id, purpose, start, end); err != nil {
		return nil, fault.Storage(err)
	}
	v.Purpose, v.ExpectedStart, v.ExpectedEnd = purpose, start, end
	return v, nil
}

// Cancel terminates a non-terminal visit, cancels its open visitors and
// retires its codes.
func (e *Engine) Cancel(ctx context.Context, actor *store.User, id string) (*store.Visit, error) {
	v, err := e.loadForChange(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ev := event.Event{
		Type:      event.TypeVisitCancelled,
		Topics:    e.visitTopics(v),
		Payload:   v,
		Occurred:  now,
		Durable:   true,
		Recipient: v.HostID,
		Building:  v.BuildingID,
		Title:     "Visit cancelled",
		Body:      fmt.Sprintf("Visit %s was cancelled", v.ShortCode),
		Priority:  event.PriorityMedium,
	}

	err = e.withRetry(ctx, 1, func() error {
		return e.store.InTx(ctx, func(tx store.Store) error {
			ok, err := tx.TransitionVisit(ctx, id, store.VisitCancelled,
				store.VisitPending, store.VisitConfirmed, store.VisitActive)
			if err != nil {
				return fault.Storage(err)
			}
			if !ok {
				return fault.New(fault.Conflict, fault.ReasonInvalidTransition,
					"visit is already terminal")
			}
			if err := tx.CancelOpenVisitors(ctx, id); err != nil {
				return fault.Storage(err)
			}
			if err := tx.RetireVisitCodes(ctx, id); err != nil {
				return fault.Storage(err)
			}
			return fault.Storage(tx.CreateNotification(ctx, bus.NotificationFor(ev, e.retention)))
		})
	})
	if err != nil {
		return nil, err
	}

	v.State = store.VisitCancelled
	e.bus.Publish(ev)
	metrics.VisitTransitions.WithLabelValues(store.VisitCancelled).Inc()
	e.log.Info("visit cancelled", "visit_id", id, "by", actor.ID)
	return v, nil
}

// Get returns one visit to its host, its building's staff, or a super admin.
func (e *Engine) Get(ctx context.Context, actor *store.User, id string) (*store.Visit, error) {
	v, err := e.store.GetVisit(ctx, id)
	if err != nil {
		return nil, fault.Storage(err)
	}
	// Absence and denial look the same to the caller.
	if v == nil {
		return nil, fault.New(fault.NotFound, fault.ReasonNotFound, "visit not found")
	}
	if v.HostID != actor.ID {
		if err := viewerAllowed(actor, v.BuildingID); err != nil {
			return nil, fault.New(fault.NotFound, fault.ReasonNotFound, "visit not found")
		}
	}
	return v, nil
}

// List pages visits. With a building filter it is an admin view; without one,
// residents see their own visits and staff see their building.
func (e *Engine) List(ctx context.Context, actor *store.User, buildingID string, page store.Page) ([]store.Visit, store.PageInfo, error) {
	if buildingID != "" {
		if err := identity.RequireBuildingAdmin(actor, buildingID); err != nil {
			return nil, store.PageInfo{}, err
		}
		visits, info, err := e.store.ListVisitsByBuilding(ctx, buildingID, page)
		return visits, info, fault.Storage(err)
	}
	switch actor.Role {
	case store.RoleSecurity, store.RoleBuildingAdmin:
		visits, info, err := e.store.ListVisitsByBuilding(ctx, actor.BuildingID, page)
		return visits, info, fault.Storage(err)
	default:
		visits, info, err := e.store.ListVisitsByHost(ctx, actor.ID, page)
		return visits, info, fault.Storage(err)
	}
}

// ExpireSweep transitions overdue visits to expired, one transaction per
// visit. Safe to re-run: terminal visits no longer match.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	candidates, err := e.store.ListExpiryCandidates(ctx, now.Add(-e.grace), sweepBatchSize)
	if err != nil {
		return 0, fault.Storage(err)
	}

	expired := 0
	for i := range candidates {
		v := &candidates[i]
		ev := event.Event{
			Type:      event.TypeVisitExpired,
			Topics:    e.visitTopics(v),
			Payload:   v,
			Occurred:  now,
			Durable:   true,
			Recipient: v.HostID,
			Building:  v.BuildingID,
			Title:     "Visit expired",
			Body:      fmt.Sprintf("Visit %s expired without completion", v.ShortCode),
			Priority:  event.PriorityLow,
		}
		err := e.store.InTx(ctx, func(tx store.Store) error {
			ok, err := tx.TransitionVisit(ctx, v.ID, store.VisitExpired,
				store.VisitPending, store.VisitConfirmed, store.VisitActive)
			if err != nil {
				return fault.Storage(err)
			}
			if !ok {
				return nil // raced with another transition
			}
			if err := tx.CancelOpenVisitors(ctx, v.ID); err != nil {
				return fault.Storage(err)
			}
			if err := tx.RetireVisitCodes(ctx, v.ID); err != nil {
				return fault.Storage(err)
			}
			if err := tx.CreateNotification(ctx, bus.NotificationFor(ev, e.retention)); err != nil {
				return fault.Storage(err)
			}
			v.State = store.VisitExpired
			return nil
		})
		if err != nil {
			e.log.Error("expire visit", "visit_id", v.ID, "error", err)
			continue
		}
		if v.State == store.VisitExpired {
			e.bus.Publish(ev)
			metrics.VisitTransitions.WithLabelValues(store.VisitExpired).Inc()
			expired++
		}
	}
	return expired, nil
}

// RunExpirySweeper blocks, sweeping at the given cadence until ctx ends.
func (e *Engine) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ExpireSweep(ctx)
			if err != nil {
				e.log.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				e.log.Info("expiry sweep", "expired", n)
			}
		}
	}
}

func (e *Engine) loadForChange(ctx context.Context, actor *store.User, id string) (*store.Visit, error) {
	v, err := e.store.GetVisit(ctx, id)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if v == nil {
		return nil, fault.New(fault.NotFound, fault.ReasonNotFound, "visit not found")
	}
	if err := identity.RequireVisitAccess(actor, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Engine) visitTopics(v *store.Visit) []string {
	return []string{
		event.UserTopic(v.HostID),
		event.BuildingTopic(v.BuildingID),
		event.RoleTopic(store.RoleSecurity, v.BuildingID),
	}
}

// withRetry re-runs fn on serialization failures with jittered backoff, and
// on unique-constraint conflicts up to codeRetries times to absorb short-code
// collisions.
func (e *Engine) withRetry(ctx context.Context, codeRetries int, fn func() error) error {
	serial, conflicts := 0, 0
	for {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrSerialization) && serial < maxTxRetries:
			serial++
		case errors.Is(err, store.ErrConflict) && conflicts < codeRetries-1:
			conflicts++
		default:
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(10+mrand.IntN(40)) * time.Millisecond):
		}
	}
}

func scanPayload(v *store.Visit, vis *store.Visitor) map[string]any {
	return map[string]any{
		"visit_id":    v.ID,
		"host_id":     v.HostID,
		"visitor":     vis,
		"visit_state": v.State,
	}
}

func viewerAllowed(u *store.User, buildingID string) error {
	if u.Role == store.RoleSuperAdmin {
		return nil
	}
	if u.BuildingID == buildingID &&
		(u.Role == store.RoleSecurity || u.Role == store.RoleBuildingAdmin) {
		return nil
	}
	return fault.New(fault.Authorization, fault.ReasonAuthorizationDenied, "not allowed")
}

func newShortCode() (string, error) {
	buf := make([]byte, shortCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, shortCodeLen)
	for i, b := range buf {
		out[i] = shortCodeAlphabet[int(b)%len(shortCodeAlphabet)]
	}
	return string(out), nil
}

func newQRToken() (plain, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plain = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(plain))
	return plain, hex.EncodeToString(sum[:]), nil
}
