package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prudhvinik1/medsync/internal/middleware"
	"github.com/prudhvinik1/medsync/internal/services"
)

type RouterConfig struct {
	Cloud          *services.CloudSyncService
	Conflicts      *services.ConflictService
	Instances      *services.InstanceService
	Logger         *slog.Logger
	RateLimitRPS   float64
	RateLimitBurst int
	// AccessLog enables chi's request logger.
	AccessLog bool
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rps, burst := cfg.RateLimitRPS, cfg.RateLimitBurst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}

	syncHandler := NewSyncHandler(cfg.Cloud, cfg.Conflicts, logger)
	authHandler := NewAuthHandler(cfg.Instances, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if cfg.AccessLog {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(rps, burst))
		r.Post("/auth/token", authHandler.HandleToken)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Use(middleware.InstanceAuth(cfg.Instances, logger))
		r.Use(middleware.RateLimit(rps, burst))

		r.Post("/push", syncHandler.HandlePush)
		r.Get("/pull", syncHandler.HandlePull)
		r.Get("/status", syncHandler.HandleStatus)
		r.Get("/conflicts", syncHandler.HandleListConflicts)
		r.Post("/conflicts/{conflict_id}/resolve", syncHandler.HandleResolveConflict)
	})

	return r
}
