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

	"github.com/filemesh/ingester/internal/model"
)

// RegistryPinger is the Registry reachability check for /health/ready.
type RegistryPinger interface {
	Ping(ctx context.Context) error
}

// AdminPinger is the Admin reachability check for /health/ready.
type AdminPinger interface {
	Ping(ctx context.Context) error
}

// SEMapSource exposes the reloader's current SE map to the readiness check.
type SEMapSource interface {
	Current() map[string]model.StorageElement
}

// HealthSource reads a single SE's last-known health entry.
type HealthSource interface {
	GetHealth(ctx context.Context, elementID string) (model.HealthEntry, error)
}

// CoreUnavailableNotifier pages operators when /health/ready fails because
// neither Registry nor Admin is reachable.
type CoreUnavailableNotifier interface {
	NotifyCoreUnavailable(ctx context.Context, detail string)
}

// ReadyChecker implements spec.md §6.1's /health/ready predicate: Registry
// reachable OR Admin reachable, AND at least one writable SE is known and
// healthy.
type ReadyChecker struct {
	Registry RegistryPinger
	Admin    AdminPinger
	SEMap    SEMapSource
	Health   HealthSource
	Notifier CoreUnavailableNotifier
}

// Check reports true when ready, or false with a diagnostic reason naming
// which predicate failed. A failure of the registry-or-admin predicate
// pages operators via Notifier, since it turns every upload into a 503.
func (c *ReadyChecker) Check(ctx context.Context) (ready bool, reason string) {
	registryOK := c.Registry != nil && c.Registry.Ping(ctx) == nil
	adminOK := c.Admin != nil && c.Admin.Ping(ctx) == nil
	if !registryOK && !adminOK {
		reason = "neither registry nor admin is reachable"
		if c.Notifier != nil {
			c.Notifier.NotifyCoreUnavailable(ctx, reason)
		}
		return false, reason
	}

	hasHealthyWritable := false
	if c.SEMap != nil {
		for _, el := range c.SEMap.Current() {
			if !el.Mode.Writable() {
				continue
			}
			if c.Health == nil {
				hasHealthyWritable = true
				break
			}
			if entry, err := c.Health.GetHealth(ctx, el.ElementID); err == nil && entry.HealthStatus == model.HealthHealthy {
				hasHealthyWritable = true
				break
			}
		}
	}
	if !hasHealthyWritable {
		return false, "no writable storage element is known and healthy"
	}

	return true, ""
}

// Server holds the HTTP server dependencies: the chi router plus the
// health/metrics endpoints every Ingester replica exposes regardless of
// which domain handlers (pkg/api) are mounted on top.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // /api/v1, where pkg/api mounts upload/finalize handlers
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	ready     *ReadyChecker
	startedAt time.Time
}

// Config configures CORS for NewServer.
type Config struct {
	CORSAllowedOrigins []string
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints mounted. Domain handlers (pkg/api) should be mounted on
// APIRouter after calling NewServer.
func NewServer(cfg Config, logger *slog.Logger, metricsReg *prometheus.Registry, ready *ReadyChecker) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		ready:     ready,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/health/live", s.handleLive)
	s.Router.Get("/health/ready", s.handleReady)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	ready, reason := s.ready.Check(r.Context())
	if !ready {
		s.Logger.Warn("readiness check failed", "reason", reason)
		Respond(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": reason,
		})
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
