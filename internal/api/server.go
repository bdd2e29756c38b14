// Package api is the HTTP control plane: scenario CRUD, execution triggers,
// health, and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/api/middleware"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/metrics"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/scenario"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	store    *scenario.Store
	runner   *scenario.Runner
	stats    metrics.CallStatsProvider
	gatherer prometheus.Gatherer
	limiter  *middleware.IPRateLimiter
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. stats and
// gatherer may be nil in tests.
func NewServer(store *scenario.Store, runner *scenario.Runner, stats metrics.CallStatsProvider, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		store:    store,
		runner:   runner,
		stats:    stats,
		gatherer: gatherer,
		limiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		logger:   logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's background cleanup.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures the middleware stack and mounts all routes.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.RateLimit(s.limiter))

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", s.handleListScenarios)
			r.Post("/", s.handleCreateScenario)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScenario)
				r.Put("/", s.handleUpdateScenario)
				r.Delete("/", s.handleDeleteScenario)
				r.Post("/run", s.handleRunScenario)
			})
		})

		r.Get("/executions/{id}", s.handleGetExecution)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	if s.stats != nil {
		health["active_calls"] = s.stats.ActiveCallCount()
		health["rtp_ports_allocated"] = s.stats.PortsAllocated()
		health["rtp_ports_capacity"] = s.stats.PortCapacity()
	}
	writeJSON(w, http.StatusOK, health)
}
