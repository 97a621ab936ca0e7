// Package httpapi serves the gateway's HTTP surfaces: the ElevenLabs-shaped
// /v1 API, the compact embedded-device /api routes, the /admin/api key and
// credential management routes, and the operational /health, /ready and
// /metrics endpoints.
//
// Every authenticated request passes the same pipeline in order: key
// extraction and validation, rate limiting, usage metering, then the route
// handler. Admin routes reuse the pipeline with the admin flag required.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/openvoiceproxy/openvoiceproxy/internal/config"
	"github.com/openvoiceproxy/openvoiceproxy/internal/credstore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/engine"
	"github.com/openvoiceproxy/openvoiceproxy/internal/health"
	"github.com/openvoiceproxy/openvoiceproxy/internal/keystore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/observe"
	"github.com/openvoiceproxy/openvoiceproxy/internal/ratelimit"
	"github.com/openvoiceproxy/openvoiceproxy/internal/usage"
	"github.com/openvoiceproxy/openvoiceproxy/internal/voice"
)

// ipBurstLimit caps per-address request bursts ahead of key-based limiting,
// shielding the auth path from unauthenticated floods.
const ipBurstLimit = 120

// SessionHandler serves an upgraded streaming connection. Implemented by
// the stream package; injected to keep the route table in one place.
type SessionHandler interface {
	ServeSession(w http.ResponseWriter, r *http.Request)
}

// Server wires every HTTP surface over the shared subsystems.
type Server struct {
	keys     keystore.Store
	creds    *credstore.Store
	limiter  *ratelimit.Limiter
	usage    *usage.Tracker
	registry *engine.Registry
	resolver *voice.Resolver
	health   *health.Handler
	metrics  *observe.Metrics
	sessions SessionHandler

	adminKey       string
	defaultEngine  string
	defaultLimit   keystore.RateLimit
	maxTextLen     int
	maxEmbeddedLen int
	embedded       config.EmbeddedConfig
	maxRequestSize int64
	corsOrigin     string
	trustProxy     bool
	allowedIPs     map[string]struct{}
	blockedIPs     map[string]struct{}

	providerTimeout   time.Duration
	silentMP3Fallback bool
	synthAlignment    bool

	started time.Time
}

// Deps bundles the subsystems a Server needs.
type Deps struct {
	Keys     keystore.Store
	Creds    *credstore.Store
	Limiter  *ratelimit.Limiter
	Usage    *usage.Tracker
	Registry *engine.Registry
	Resolver *voice.Resolver
	Metrics  *observe.Metrics
	Sessions SessionHandler
}

// New builds a Server from configuration and its dependencies.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		keys:     deps.Keys,
		creds:    deps.Creds,
		limiter:  deps.Limiter,
		usage:    deps.Usage,
		registry: deps.Registry,
		resolver: deps.Resolver,
		metrics:  deps.Metrics,
		sessions: deps.Sessions,

		adminKey:      cfg.Keys.AdminKey,
		defaultEngine: cfg.Embedded.DefaultEngine,
		defaultLimit: keystore.RateLimit{
			Requests: cfg.RateLimit.Requests,
			WindowMS: cfg.RateLimit.Window.Milliseconds(),
		},
		maxTextLen:     cfg.Synthesis.MaxTextLength,
		maxEmbeddedLen: cfg.Embedded.MaxTextLength,
		embedded:       cfg.Embedded,
		maxRequestSize: cfg.Server.MaxRequestSize,
		corsOrigin:     cfg.Server.CORSOrigin,
		trustProxy:     cfg.Server.TrustProxy,
		allowedIPs:     toSet(cfg.Server.AllowedIPs),
		blockedIPs:     toSet(cfg.Server.BlockedIPs),

		providerTimeout:   cfg.Synthesis.ProviderTimeout,
		silentMP3Fallback: cfg.Synthesis.SilentMP3Fallback,
		synthAlignment:    cfg.Synthesis.SynthesizedAlignment,

		started: time.Now(),
	}
	s.health = health.New(deps.Registry)
	return s
}

// SetSessionHandler attaches the streaming session handler. Called after
// construction because the handler authenticates through this server.
func (s *Server) SetSessionHandler(h SessionHandler) {
	s.sessions = h
}

// Router assembles the chi route tree with the full middleware pipeline.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(s.cors)
	r.Use(observe.Middleware(s.metrics))
	r.Use(s.ipFilter)
	r.Use(httprate.LimitByIP(ipBurstLimit, time.Minute))
	if s.maxRequestSize > 0 {
		r.Use(chimiddleware.RequestSize(s.maxRequestSize))
	}

	// Operational endpoints skip the pipeline entirely.
	r.Get("/health", s.health.Health)
	r.Get("/ready", s.health.Ready)
	r.Get("/metrics", s.handleMetricsJSON)
	r.Handle("/metrics/prometheus", prometheusHandler())

	// Streaming sessions authenticate at upgrade inside the handler.
	if s.sessions != nil {
		r.Get("/ws", s.sessions.ServeSession)
		r.Get("/api/ws", s.sessions.ServeSession)
	}

	// Key-authenticated surfaces.
	r.Group(func(r chi.Router) {
		r.Use(s.requireKey(false))
		r.Use(s.rateLimit)
		r.Use(s.meterUsage)

		r.Get("/v1/voices", s.handleListVoices)
		r.Post("/v1/text-to-speech/{voiceID}", s.handleTextToSpeech)
		r.Post("/v1/text-to-speech/{voiceID}/stream", s.handleTextToSpeech)
		r.Post("/v1/text-to-speech/{voiceID}/stream/with-timestamps", s.handleTimestamped)
		r.Get("/v1/user", s.handleUser)
		r.Get("/v1/models", s.handleModels)

		r.Post("/api/speak", s.handleSpeak)
		r.Get("/api/voices", s.handleEmbeddedVoices)
		r.Get("/api/engines", s.handleEngines)
	})

	// Admin surface.
	r.Route("/admin/api", func(r chi.Router) {
		r.Use(s.requireKey(true))
		r.Use(s.rateLimit)
		r.Use(s.meterUsage)

		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleCreateKey)
		r.Get("/keys/{id}", s.handleGetKey)
		r.Patch("/keys/{id}", s.handleUpdateKey)
		r.Put("/keys/{id}", s.handleUpdateKey)
		r.Delete("/keys/{id}", s.handleDeleteKey)
		r.Get("/keys/{id}/engines", s.handleGetEngineConfig)
		r.Put("/keys/{id}/engines", s.handleSetEngineConfig)
		r.Get("/credentials", s.handleGetCredentials)
		r.Put("/credentials", s.handleSetCredentials)
		r.Get("/usage", s.handleUsage)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, errNotFound, "unknown route")
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("http server draining")
	return srv.Shutdown(shutdownCtx)
}

func toSet(list []string) map[string]struct{} {
	if len(list) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set
}
