// Package api is the HTTP surface: JSON in, JSON out, uniform envelope,
// bearer authentication, and the WebSocket upgrade endpoint.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safeguardhq/safeguard/internal/ban"
	"github.com/safeguardhq/safeguard/internal/config"
	"github.com/safeguardhq/safeguard/internal/hub"
	"github.com/safeguardhq/safeguard/internal/identity"
	"github.com/safeguardhq/safeguard/internal/notify"
	"github.com/safeguardhq/safeguard/internal/store"
	"github.com/safeguardhq/safeguard/internal/visit"
)

// Server wires the engines to routes.
type Server struct {
	cfg      *config.Config
	store    store.Store
	identity *identity.Engine
	visits   *visit.Engine
	bans     *ban.Engine
	notify   *notify.Service
	hub      *hub.Hub
	validate *validator.Validate
	log      *slog.Logger
	started  time.Time
	version  string
}

func NewServer(cfg *config.Config, st store.Store, id *identity.Engine, visits *visit.Engine,
	bans *ban.Engine, nt *notify.Service, h *hub.Hub, version string, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		identity: id,
		visits:   visits,
		bans:     bans,
		notify:   nt,
		hub:      h,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With("component", "api"),
		started:  time.Now(),
		version:  version,
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByRealIP(s.cfg.RateLimit.MaxRequests, s.cfg.RateLimit.Window))
	if len(s.cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/logout", s.handleLogout)
				r.Get("/profile", s.handleProfile)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Route("/visits", func(r chi.Router) {
				r.Post("/", s.handleVisitCreate)
				r.Get("/", s.handleVisitList)
				r.Post("/scan", s.handleVisitScan)
				r.Get("/{id}", s.handleVisitGet)
				r.Patch("/{id}", s.handleVisitUpdate)
				r.Delete("/{id}", s.handleVisitCancel)
				r.Post("/{id}/confirm", s.handleVisitConfirm)
			})

			r.Route("/bans", func(r chi.Router) {
				r.Post("/", s.handleBanCreate)
				r.Get("/", s.handleBanList)
				r.Delete("/{id}", s.handleUnban)
				r.Get("/check/{phone}", s.handleBanCheck)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.handleNotificationList)
				r.Post("/{id}/read", s.handleNotificationRead)
			})

			r.Route("/buildings", func(r chi.Router) {
				r.Get("/", s.handleBuildingList)
				r.Post("/", s.handleBuildingCreate)
			})

			r.Route("/users", func(r chi.Router) {
				r.Get("/pending", s.handlePendingUsers)
				r.Post("/{id}/approve", s.handleApproveUser)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeEnvelope(w, code, envelope{Success: code == http.StatusOK, Data: map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"version":        s.version,
	}})
}
