// Package api implements the HTTP layer for the click tracker.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nyashahama/click-tracker-backend/internal/email"
	"github.com/nyashahama/click-tracker-backend/internal/metrics"
	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// BaseURL is the public origin of this service, used to build tracking
	// links, e.g. "https://t.example.com".
	BaseURL string

	// FrontendURL is where a tracked click is redirected after recording.
	FrontendURL string

	// CORSOrigins lists origins allowed to call /api. Empty means any origin
	// outside production and none in production.
	CORSOrigins []string

	// Env is "production", "staging", or "development".
	Env string
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	// repo is the Email Record Store. Reads go to it directly.
	repo tracking.Repository

	// recorder applies clicks. It wraps repo and owns the click timestamp.
	recorder *tracking.Recorder

	// stats derives aggregate numbers from repo on every request.
	stats *tracking.Aggregator

	// mailer delivers the tracked email.
	mailer email.Sender

	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server. m and gatherer may be nil, in
// which case /metrics is not mounted.
func NewServer(
	repo tracking.Repository,
	recorder *tracking.Recorder,
	mailer email.Sender,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	s := &Server{
		repo:     repo,
		recorder: recorder,
		stats:    tracking.NewAggregator(repo),
		mailer:   mailer,
		metrics:  m,
		gatherer: gatherer,
		cfg:      cfg,
		logger:   logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware())
	r.Use(middleware.Timeout(30 * time.Second))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	// ── Tracking link ─────────────────────────────────────────────────────────
	// Hit by recipients' mail clients. Always redirects, never renders JSON.
	r.Get("/track/{trackingID}", s.handleTrack)

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {
		r.Post("/send-email", s.handleSendEmail)
		r.Get("/track-info/{trackingID}", s.handleTrackInfo)
		r.Get("/stats", s.handleListStats)
		r.Get("/stats/summary", s.handleStatsSummary)
	})

	return r
}
