package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/config"
	"github.com/JakeFAU/statcache/internal/metrics"
	"github.com/JakeFAU/statcache/internal/statcache"
)

const defaultRequestTimeout = 60 * time.Second

// Lookup resolves keys, refreshing them when needed.
type Lookup interface {
	GetOrRefresh(ctx context.Context, key string) (statcache.Entry, error)
	Mode() statcache.Mode
	Refreshing(key string) bool
	RefreshingKeys() []string
}

// RefreshHistory lists recent refresh audit rows for a key.
type RefreshHistory interface {
	RecentRefreshes(ctx context.Context, key string, limit int) ([]statcache.RefreshRecord, error)
}

// EventFeed exposes refresh notifications retained in process.
type EventFeed interface {
	Events(key string) []statcache.RefreshEvent
}

// Server wires HTTP handlers to the coordinator and store.
type Server struct {
	router  chi.Router
	lookup  Lookup
	store   statcache.Store
	clock   statcache.Clock
	history RefreshHistory
	events  EventFeed
	ready   func() bool
	cfg     config.Config
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithHistory enables refresh history on /debug/keys/{key}.
func WithHistory(h RefreshHistory) Option {
	return func(s *Server) { s.history = h }
}

// WithEvents enables /debug/events.
func WithEvents(feed EventFeed) Option {
	return func(s *Server) { s.events = feed }
}

// WithReadiness sets the /readyz probe.
func WithReadiness(ready func() bool) Option {
	return func(s *Server) { s.ready = ready }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	lookup Lookup,
	store statcache.Store,
	clock statcache.Clock,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		lookup: lookup,
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("api"),
		ready:  func() bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(deadlineMiddleware(timeout))
		r.Get("/entries/{key}", s.getEntry)
		r.Get("/predlist/today", s.getTodayPredlist)
	})

	r.Route("/debug", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/keys", s.listKeys)
		r.Get("/keys/{key}", s.inspectKey)
		r.Get("/summary", s.summary)
		r.Get("/events", s.listEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
