// Package cache provides an optional Redis read-through cache for session
// rows. The database stays the source of truth; every cache failure is
// treated as a miss.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safeguardhq/safeguard/internal/config"
	"github.com/safeguardhq/safeguard/internal/store"
)

const sessionTTL = 60 * time.Second

// Sessions caches session rows under a short TTL. Revocations are written to
// the database first, so a stale cached copy can outlive a revocation by at
// most the TTL; Invalidate shortens that window for the common paths.
type Sessions struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewSessions connects to Redis. Returns nil (cache disabled) when no
// address is configured.
func NewSessions(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (*Sessions, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Sessions{rdb: rdb, log: log.With("component", "cache")}, nil
}

func sessionKey(id string) string { return "sg:session:" + id }

// sessionEntry is the cache wire form. The store type hides token hashes from
// its JSON form; here they must round-trip or verification would reject every
// cache hit.
type sessionEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"uid"`
	AccessHash       string    `json:"ah"`
	RefreshHash      string    `json:"rh"`
	IssuedAt         time.Time `json:"iat"`
	ExpiresAt        time.Time `json:"exp"`
	RefreshExpiresAt time.Time `json:"rexp"`
	Device           string    `json:"dev,omitempty"`
	IP               string    `json:"ip,omitempty"`
	Revoked          bool      `json:"rev"`
}

func (c *Sessions) GetSession(ctx context.Context, id string) (*store.Session, bool) {
	raw, err := c.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("session cache read failed", "error", err)
		}
		return nil, false
	}
	var e sessionEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn("session cache entry corrupt", "session_id", id, "error", err)
		_ = c.rdb.Del(ctx, sessionKey(id)).Err()
		return nil, false
	}
	return &store.Session{
		ID: e.ID, UserID: e.UserID, AccessHash: e.AccessHash, RefreshHash: e.RefreshHash,
		IssuedAt: e.IssuedAt, ExpiresAt: e.ExpiresAt, RefreshExpiresAt: e.RefreshExpiresAt,
		Device: e.Device, IP: e.IP, Revoked: e.Revoked,
	}, true
}

func (c *Sessions) PutSession(ctx context.Context, s *store.Session) {
	raw, err := json.Marshal(sessionEntry{
		ID: s.ID, UserID: s.UserID, AccessHash: s.AccessHash, RefreshHash: s.RefreshHash,
		IssuedAt: s.IssuedAt, ExpiresAt: s.ExpiresAt, RefreshExpiresAt: s.RefreshExpiresAt,
		Device: s.Device, IP: s.IP, Revoked: s.Revoked,
	})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, sessionKey(s.ID), raw, sessionTTL).Err(); err != nil {
		c.log.Warn("session cache write failed", "error", err)
	}
}

func (c *Sessions) Invalidate(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, sessionKey(id)).Err(); err != nil {
		c.log.Warn("session cache delete failed", "error", err)
	}
}

func (c *Sessions) Close() error { return c.rdb.Close() }
