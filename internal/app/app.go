// Package app composes the process: store, engines, bus, hub and HTTP server
// are built in dependency order and run under one errgroup.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/safeguardhq/safeguard/internal/api"
	"github.com/safeguardhq/safeguard/internal/ban"
	"github.com/safeguardhq/safeguard/internal/bus"
	"github.com/safeguardhq/safeguard/internal/cache"
	"github.com/safeguardhq/safeguard/internal/config"
	"github.com/safeguardhq/safeguard/internal/hub"
	"github.com/safeguardhq/safeguard/internal/identity"
	"github.com/safeguardhq/safeguard/internal/notify"
	"github.com/safeguardhq/safeguard/internal/store"
	"github.com/safeguardhq/safeguard/internal/visit"
)

const shutdownTimeout = 10 * time.Second

// App is the assembled service.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	store    store.Store
	sessions *cache.Sessions
	bus      *bus.Bus
	visits   *visit.Engine
	notify   *notify.Service
	hub      *hub.Hub
	server   *http.Server
}

// New builds the service from configuration. Everything is wired here; no
// component reaches for globals.
func New(ctx context.Context, cfg *config.Config, version string, log *slog.Logger) (*App, error) {
	var st store.Store
	var err error
	switch cfg.DB.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.DB.DSN)
	default:
		st, err = store.NewPostgres(ctx, cfg.DB.ConnString(), cfg.DB.PoolMax)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sessions, err := cache.NewSessions(ctx, cfg.Redis, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	var sessionCache identity.SessionCache
	if sessions != nil {
		sessionCache = sessions
		log.Info("session cache enabled", "addr", cfg.Redis.Addr)
	}

	b := bus.New(log)
	ident := identity.NewEngine(st, cfg.Auth, sessionCache, log)
	nt := notify.NewService(st, cfg.Notify.RetentionDays, log)
	bans := ban.NewEngine(st, b, nt.Retention(), log)
	visits := visit.NewEngine(st, bans, b, cfg.Visits.ExpiryGrace, nt.Retention(), log)
	h := hub.New(ident, visits, bans, nt, b, log)
	server := api.NewServer(cfg, st, ident, visits, bans, nt, h, version, log)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		sessions: sessions,
		bus:      b,
		visits:   visits,
		notify:   nt,
		hub:      h,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           server.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled, then shuts down in reverse order.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.visits.RunExpirySweeper(ctx, a.cfg.Visits.SweepInterval)
		return nil
	})

	g.Go(func() error {
		a.notify.RunRetentionSweeper(ctx, time.Hour)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Error("http shutdown", "error", err)
		}
		a.hub.Shutdown()
		a.bus.Close()
		if a.sessions != nil {
			_ = a.sessions.Close()
		}
		if err := a.store.Close(); err != nil {
			a.log.Error("store close", "error", err)
		}
		return nil
	})

	return g.Wait()
}
