// Package ban implements the visitor ban engine: per-resident bans, the
// building-wide view of them, and the gate decision visits consult.
package ban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/safeguardhq/safeguard/internal/bus"
	"github.com/safeguardhq/safeguard/internal/event"
	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/phone"
	"github.com/safeguardhq/safeguard/internal/store"
)

// Severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Ban types.
const (
	TypeManual    = "manual"
	TypeAutomatic = "automatic"
)

const maxTxRetries = 3

// Engine owns ban writes and the gate decision.
type Engine struct {
	store     store.Store
	bus       event.Publisher
	retention time.Duration
	log       *slog.Logger
}

func NewEngine(st store.Store, pub event.Publisher, retention time.Duration, log *slog.Logger) *Engine {
	return &Engine{store: st, bus: pub, retention: retention, log: log.With("component", "ban")}
}

// Input is a ban request. TTL zero means permanent.
type Input struct {
	Phone    string
	Name     string
	Reason   string
	Severity string
	TTL      time.Duration
}

// CheckResult is the answer to "is this phone banned for me or my building".
type CheckResult struct {
	Banned       bool        `json:"banned"`
	UserBan      *store.Ban  `json:"user_ban,omitempty"`
	BuildingBans []store.Ban `json:"building_bans,omitempty"`
	Multiple     bool        `json:"multiple"`
}

// Ban records an active ban owned by the actor. One active ban per
// owner/phone pair; banning again is a conflict, not an update.
func (e *Engine) Ban(ctx context.Context, actor *store.User, in Input) (*store.Ban, error) {
	normPhone, err := phone.Normalize(in.Phone)
	if err != nil {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "phone must be E.164").
			WithDetails(map[string]string{"field": "phone"})
	}
	severity := in.Severity
	if severity == "" {
		severity = SeverityMedium
	}
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput,
			fmt.Sprintf("unknown severity %q", in.Severity))
	}
	if in.TTL < 0 {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "ttl must not be negative")
	}

	now := time.Now().UTC()
	b := &store.Ban{
		ID:        uuid.NewString(),
		OwnerID:   actor.ID,
		Phone:     normPhone,
		Name:      in.Name,
		Reason:    in.Reason,
		Severity:  severity,
		BanType:   TypeManual,
		CreatedAt: now,
		Active:    true,
	}
	if in.TTL > 0 {
		t := now.Add(in.TTL)
		b.ExpiresAt = &t
	}

	ev := event.Event{
		Type:      event.TypeVisitorBanned,
		Topics:    []string{event.UserTopic(actor.ID), event.RoleTopic(store.RoleSecurity, actor.BuildingID)},
		Payload:   b,
		Occurred:  now,
		Durable:   true,
		Recipient: actor.ID,
		Building:  actor.BuildingID,
		Title:     "Visitor banned",
		Body:      fmt.Sprintf("%s is now banned from visiting you", displayName(b)),
		Priority:  event.PriorityMedium,
	}

	err = e.withRetry(ctx, func() error {
		return e.store.InTx(ctx, func(tx store.Store) error {
			existing, err := tx.GetActiveBan(ctx, actor.ID, normPhone, now)
			if err != nil {
				return fault.Storage(err)
			}
			if existing != nil {
				return fault.New(fault.Conflict, fault.ReasonBanAlreadyExists, "an active ban for this phone already exists").
					WithDetails(map[string]string{"ban_id": existing.ID})
			}
			if err := tx.CreateBan(ctx, b); err != nil {
				return fault.Storage(err)
			}
			return fault.Storage(tx.CreateNotification(ctx, bus.NotificationFor(ev, e.retention)))
		})
	})
	if err != nil {
		// The partial unique index catches the race where both writers pass
		// the pre-check; the loser is a conflict, not a storage outage.
		if errors.Is(err, store.ErrConflict) {
			return nil, fault.Wrap(fault.Conflict, fault.ReasonBanAlreadyExists,
				"an active ban for this phone already exists", err)
		}
		return nil, err
	}

	e.bus.Publish(ev)
	e.log.Info("visitor banned", "ban_id", b.ID, "owner_id", actor.ID, "severity", severity)
	return b, nil
}

// Unban deactivates a ban. Only the owner or a building admin may do it, and
// only once; a second unban is an invalid transition.
func (e *Engine) Unban(ctx context.Context, actor *store.User, banID, reason string) (*store.Ban, error) {
	b, err := e.store.GetBan(ctx, banID)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if b == nil {
		return nil, fault.New(fault.NotFound, fault.ReasonNotFound, "ban not found")
	}
	if actor.ID != b.OwnerID {
		owner, err := e.store.GetUserByID(ctx, b.OwnerID)
		if err != nil {
			return nil, fault.Storage(err)
		}
		if owner == nil {
			return nil, fault.New(fault.NotFound, fault.ReasonNotFound, "ban not found")
		}
		if actor.Role != store.RoleSuperAdmin &&
			!(actor.Role == store.RoleBuildingAdmin && actor.BuildingID == owner.BuildingID) {
			return nil, fault.New(fault.Authorization, fault.ReasonAuthorizationDenied, "not allowed")
		}
	}

	now := time.Now().UTC()
	ok, err := e.store.DeactivateBan(ctx, banID, reason, now)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if !ok {
		return nil, fault.New(fault.Conflict, fault.ReasonInvalidTransition, "ban is not active")
	}
	b.Active = false
	b.UnbanReason = reason
	b.UnbannedAt = &now

	e.bus.Publish(event.Event{
		Type:     event.TypeVisitorUnbanned,
		Topics:   []string{event.UserTopic(b.OwnerID)},
		Payload:  b,
		Occurred: now,
	})
	e.log.Info("visitor unbanned", "ban_id", b.ID, "by", actor.ID)
	return b, nil
}

// Check answers the ban question from the actor's point of view: their own
// ban if any, plus active bans by other residents of their building.
func (e *Engine) Check(ctx context.Context, actor *store.User, rawPhone string) (*CheckResult, error) {
	normPhone, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "phone must be E.164").
			WithDetails(map[string]string{"field": "phone"})
	}
	now := time.Now().UTC()

	res := &CheckResult{}
	res.UserBan, err = e.store.GetActiveBan(ctx, actor.ID, normPhone, now)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if actor.BuildingID != "" {
		all, err := e.store.ListActiveBansByBuildingPhone(ctx, actor.BuildingID, normPhone, now)
		if err != nil {
			return nil, fault.Storage(err)
		}
		for _, b := range all {
			if b.OwnerID != actor.ID {
				res.BuildingBans = append(res.BuildingBans, b)
			}
		}
	}
	total := len(res.BuildingBans)
	if res.UserBan != nil {
		total++
	}
	res.Banned = total > 0
	res.Multiple = total > 1
	return res, nil
}

// List returns the actor's own bans, newest first, active and historical.
func (e *Engine) List(ctx context.Context, actor *store.User, page store.Page) ([]store.Ban, store.PageInfo, error) {
	bans, info, err := e.store.ListBansByOwner(ctx, actor.ID, page)
	if err != nil {
		return nil, store.PageInfo{}, fault.Storage(err)
	}
	return bans, info, nil
}

// Evaluate is the gate decision for a visit the host wants to create. The
// host's own ban always rejects. Bans by other residents of the building
// reject at medium severity and above; low severity only warns.
func (e *Engine) Evaluate(ctx context.Context, tx store.Store, hostID, buildingID, normPhone string, now time.Time) (reject *store.Ban, warn []store.Ban, err error) {
	own, err := tx.GetActiveBan(ctx, hostID, normPhone, now)
	if err != nil {
		return nil, nil, fault.Storage(err)
	}
	if own != nil {
		return own, nil, nil
	}
	others, err := tx.ListActiveBansByBuildingPhone(ctx, buildingID, normPhone, now)
	if err != nil {
		return nil, nil, fault.Storage(err)
	}
	for i := range others {
		b := others[i]
		if b.OwnerID == hostID {
			continue
		}
		if b.Severity == SeverityLow {
			warn = append(warn, b)
			continue
		}
		return &others[i], nil, nil
	}
	return nil, warn, nil
}

// withRetry re-runs fn on serialization failures with jittered backoff.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, store.ErrSerialization) || attempt >= maxTxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(10+mrand.IntN(40)) * time.Millisecond):
		}
	}
}

func displayName(b *store.Ban) string {
	if b.Name != "" {
		return b.Name
	}
	return b.Phone
}
