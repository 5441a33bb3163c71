package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/butlerdotdev/butler-registry/internal/config"
	"github.com/butlerdotdev/butler-registry/internal/version"
)

// Pinger is implemented by the storage backend (Postgres or SQLite dialect)
// so readiness and status checks don't need to know which one is active.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP server dependencies. Domain handlers are mounted on
// APIRouter (the "/v1" sub-router) and BYOCRouter (the "/byoc" sub-router,
// which authenticates with callback tokens rather than registry API tokens)
// by the caller after NewServer returns.
type Server struct {
	Router     *chi.Mux
	APIRouter  chi.Router
	BYOCRouter chi.Router
	Logger     *slog.Logger
	Store      Pinger
	Redis      *redis.Client // nil when the expiry sweeper's leader lock is disabled
	Metrics    *prometheus.Registry
	startedAt  time.Time
}

// NewServer creates an HTTP server with ambient middleware, health/ready/metrics
// endpoints, and empty "/v1" and "/byoc" sub-routers for the caller to mount
// domain handlers onto.
func NewServer(cfg *config.Config, logger *slog.Logger, store Pinger, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Store:     store,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Registry-Token", "X-Callback-Token", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.HandleStatus)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		s.APIRouter = r
	})
	s.Router.Route("/byoc", func(r chi.Router) {
		s.BYOCRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.Store.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: storage ping failed", "error", err)
		Respond(w, http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "storage not ready"})
		return
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			Respond(w, http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "redis not ready"})
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	CommitSHA     string `json:"commit_sha"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Storage       string `json:"storage"`
	Redis         string `json:"redis,omitempty"`
}

// HandleStatus reports build version, uptime, and storage/Redis connectivity.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	if err := s.Store.Ping(ctx); err != nil {
		s.Logger.Error("status check: storage ping failed", "error", err)
		resp.Storage = "error"
	} else {
		resp.Storage = "ok"
	}

	resp.Status = resp.Storage

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("status check: redis ping failed", "error", err)
			resp.Redis = "error"
			resp.Status = "degraded"
		} else {
			resp.Redis = "ok"
		}
	}

	Respond(w, http.StatusOK, resp)
}
