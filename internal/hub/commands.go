package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safeguardhq/safeguard/internal/ban"
	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/visit"
)

// Command payloads mirror the HTTP request bodies.

type visitCreateCmd struct {
	BuildingID    string    `json:"building_id,omitempty"`
	Purpose       string    `json:"purpose"`
	ExpectedStart time.Time `json:"expected_start"`
	ExpectedEnd   time.Time `json:"expected_end"`
	Confirm       bool      `json:"confirm,omitempty"`
	Visitors      []struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"visitors"`
}

type visitScanCmd struct {
	Code   string `json:"code"`
	Action string `json:"action"`
}

type visitIDCmd struct {
	VisitID string `json:"visit_id"`
}

type banCmd struct {
	Phone      string `json:"phone"`
	Name       string `json:"name,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Severity   string `json:"severity,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type unbanCmd struct {
	BanID  string `json:"ban_id"`
	Reason string `json:"reason,omitempty"`
}

type banCheckCmd struct {
	Phone string `json:"phone"`
}

type notificationReadCmd struct {
	NotificationID string `json:"notification_id"`
}

// dispatch routes one inbound frame to its engine and enqueues the reply.
func (c *conn) dispatch(ctx context.Context, in Inbound) error {
	actor := c.principal.User
	switch in.Type {
	case "visit.create":
		var cmd visitCreateCmd
		if err := decode(in.Payload, &cmd); err != nil {
			return err
		}
		visitors := make([]visit.VisitorInput, len(cmd.Visitors))
		for i, v := range cmd.Visitors {
			visitors[i] = visit.VisitorInput{Name: v.Name, Phone: v.Phone}
		}
		res, err := c.hub.visits.Create(ctx, actor, visit.CreateInput{
			BuildingID:    cmd.BuildingID,
			Purpose:       cmd.Purpose,
			ExpectedStart: cmd.ExpectedStart,
			ExpectedEnd:   cmd.ExpectedEnd,
			Visitors:      visitors,
			Confirm:       cmd.Confirm,
		})
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: in.Type, RequestID: in.RequestID, Data: res})

	case "visit.scan":
		var cmd visitScanCmd
		if err := decode(in.Payload, &cmd); err != nil {
			return err
		}
		res, err := c.hub.visits.Scan(ctx, actor, cmd.Code, cmd.Action)
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: in.Type, RequestID: in.RequestID, Data: res})

	case "visit.cancel":
		var cmd visitIDCmd
		if err := decode(in.Payload, &cmd); err != nil {
			return err
		}
		v, err := c.hub.visits.Cancel(ctx, actor, cmd.VisitID)
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: in.Type, RequestID: in.RequestID, Data: v})

	case "visit.confirm":
		var cmd visitIDCmd
		if err := decode(in.Payload, &cmd); err != nil {
			return err
		}
		v, err := c.hub.visits.Confirm(ctx, actor, cmd.VisitID)
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: in.Type, RequestID: in.RequestID, Data: v})

	case "visitor.ban":
		var cmd banCmd
		if err := decode(in.Payload, &cmd); err != nil {
			return err
		}
		b, err := c.hub.bans.Ban(ctx, actor, ban.Input{
			Phone:    cmd.Phone,
			Name:     cmd.Name,
			Reason:   cmd.Reason,
			Severity: cmd.Severity,
			TTL:      time.Duration(cmd.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: in.Type, RequestID: in.RequestID, Data: b})

	case "visitor.unban":
		var cmd unbanCmd
		if err := decode(in.Payload, &cmd); err != nil {
			return err
		}
		b, err := c.hub.bans.Unban(ctx, actor, cmd.BanID, cmd.Reason)
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: in.Type, RequestID: in.RequestID, Data: b})

	case "visitor.ban_check":
		var cmd banCheckCmd
		if err := decode(in.Payload, &cmd); err != nil {
			return err
		}
		res, err := c.hub.bans.Check(ctx, actor, cmd.Phone)
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: in.Type, RequestID: in.RequestID, Data: res})

	case "notification.read":
		var cmd notificationReadCmd
		if err := decode(in.Payload, &cmd); err != nil {
			return err
		}
		if err := c.hub.notify.MarkRead(ctx, actor, cmd.NotificationID); err != nil {
			return err
		}
		c.reply(Outbound{Type: in.Type, RequestID: in.RequestID, Data: map[string]bool{"read": true}})

	default:
		return fault.New(fault.Validation, fault.ReasonInvalidInput,
			fmt.Sprintf("unknown command %q", in.Type))
	}
	return nil
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fault.New(fault.Validation, fault.ReasonInvalidInput, "payload is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fault.Wrap(fault.Validation, fault.ReasonInvalidInput, "malformed payload", err)
	}
	return nil
}
