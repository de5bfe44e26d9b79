package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/safeguardhq/safeguard/internal/config"
	"github.com/safeguardhq/safeguard/internal/store"
)

func newTestCache(t *testing.T) (*Sessions, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewSessions(context.Background(), config.RedisConfig{Addr: mr.Addr()}, log)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestDisabledWithoutAddr(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewSessions(context.Background(), config.RedisConfig{}, log)
	if err != nil || c != nil {
		t.Fatalf("empty addr should disable the cache: %v %v", c, err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sess := &store.Session{
		ID: "s1", UserID: "u1",
		AccessHash: "ah", RefreshHash: "rh",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour), RefreshExpiresAt: now.Add(24 * time.Hour),
		Device: "phone", IP: "127.0.0.1",
	}
	c.PutSession(ctx, sess)

	got, ok := c.GetSession(ctx, "s1")
	if !ok {
		t.Fatal("want hit")
	}
	// Token hashes must round-trip; Verify compares against them.
	if got.AccessHash != "ah" || got.RefreshHash != "rh" {
		t.Fatalf("hashes lost: %+v", got)
	}
	if got.UserID != "u1" || !got.ExpiresAt.Equal(sess.ExpiresAt) || got.Revoked {
		t.Fatalf("round trip: %+v", got)
	}

	if _, ok := c.GetSession(ctx, "unknown"); ok {
		t.Fatal("unknown id should miss")
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.PutSession(ctx, &store.Session{ID: "s1", UserID: "u1"})
	c.Invalidate(ctx, "s1")
	if _, ok := c.GetSession(ctx, "s1"); ok {
		t.Fatal("invalidated entry should miss")
	}
	c.Invalidate(ctx, "s1") // idempotent
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.PutSession(ctx, &store.Session{ID: "s1", UserID: "u1"})
	mr.FastForward(sessionTTL + time.Second)
	if _, ok := c.GetSession(ctx, "s1"); ok {
		t.Fatal("entry should age out at the ttl")
	}
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.Set(sessionKey("s1"), "{not json")
	if _, ok := c.GetSession(ctx, "s1"); ok {
		t.Fatal("corrupt entry should miss")
	}
	// And it is dropped so it cannot keep failing.
	if mr.Exists(sessionKey("s1")) {
		t.Fatal("corrupt entry should be deleted")
	}
}
