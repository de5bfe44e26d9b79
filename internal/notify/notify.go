// Package notify serves the durable notification inbox and its retention
// sweeper. Rows are written by the engines; this package only reads, marks
// and purges.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/store"
)

// Read notifications are kept for a week; unread ones for the configured
// retention period.
const readRetention = 7 * 24 * time.Hour

type Service struct {
	store     store.Store
	retention time.Duration
	log       *slog.Logger
}

func NewService(st store.Store, retentionDays int, log *slog.Logger) *Service {
	return &Service{
		store:     st,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log.With("component", "notify"),
	}
}

// Retention is the lifetime of an unread notification.
func (s *Service) Retention() time.Duration { return s.retention }

// List pages the actor's inbox, newest first.
func (s *Service) List(ctx context.Context, actor *store.User, page store.Page) ([]store.Notification, store.PageInfo, error) {
	items, info, err := s.store.ListNotifications(ctx, actor.ID, page)
	if err != nil {
		return nil, store.PageInfo{}, fault.Storage(err)
	}
	return items, info, nil
}

// MarkRead flags one notification read. Only the recipient can; anyone else
// sees not-found.
func (s *Service) MarkRead(ctx context.Context, actor *store.User, id string) error {
	ok, err := s.store.MarkNotificationRead(ctx, id, actor.ID)
	if err != nil {
		return fault.Storage(err)
	}
	if !ok {
		return fault.New(fault.NotFound, fault.ReasonNotFound, "notification not found")
	}
	return nil
}

// PurgeSweep deletes notifications past retention, and read ones older than a
// week.
func (s *Service) PurgeSweep(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	n, err := s.store.PurgeNotifications(ctx, now.Add(-s.retention), now.Add(-readRetention))
	if err != nil {
		return 0, fault.Storage(err)
	}
	return n, nil
}

// RunRetentionSweeper blocks, purging at the given cadence until ctx ends.
func (s *Service) RunRetentionSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeSweep(ctx)
			if err != nil {
				s.log.Error("notification purge failed", "error", err)
			} else if n > 0 {
				s.log.Info("notification purge", "deleted", n)
			}
		}
	}
}
