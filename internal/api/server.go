package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/ciphershare/internal/ratelimit"
	"github.com/org/ciphershare/internal/secret"
	"github.com/org/ciphershare/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr   string
	TLSCertFile  string
	TLSKeyFile   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	CORSOrigins  []string
	RateLimit    RateLimitConfig
}

// RateLimitConfig sets per-client limits for each route class.
type RateLimitConfig struct {
	Enabled          bool
	InspectPerWindow int
	ViewPerWindow    int
	DefaultPerWindow int
}

// Lifecycle is what the gateway needs from the secret engine.
type Lifecycle interface {
	Create(ctx context.Context, req secret.CreateRequest) (*models.Secret, error)
	Inspect(ctx context.Context, token string) (*secret.Info, error)
	View(ctx context.Context, token string, pinDigest []byte) (*models.Secret, error)
	Delete(ctx context.Context, token string) error
	Cleanup(ctx context.Context) (int64, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the API server.
type Server struct {
	secrets Lifecycle
	health  Pinger
	limiter ratelimit.Limiter
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server. A nil limiter with throttling enabled falls
// back to an in-process one-minute window.
func NewServer(secrets Lifecycle, health Pinger, limiter ratelimit.Limiter, cfg Config) *Server {
	if limiter == nil && cfg.RateLimit.Enabled {
		limiter = ratelimit.NewInMemory(time.Minute)
	}
	return &Server{
		secrets: secrets,
		health:  health,
		limiter: limiter,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware(s.cfg.CORSOrigins))
	r.Use(bodyLimitMiddleware(s.cfg.MaxBodyBytes))

	r.Handle("/metrics", MetricsHandler())
	r.Get("/healthz", s.HealthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", s.RootHandler)

		r.With(s.throttle("create", s.cfg.RateLimit.DefaultPerWindow)).Post("/secrets", s.CreateSecretHandler)
		r.With(s.throttle("inspect", s.cfg.RateLimit.InspectPerWindow)).Get("/secrets/{id}", s.InspectSecretHandler)
		r.With(s.throttle("view", s.cfg.RateLimit.ViewPerWindow)).Post("/secrets/{id}/view", s.ViewSecretHandler)
		r.With(s.throttle("delete", s.cfg.RateLimit.DefaultPerWindow)).Delete("/secrets/{id}", s.DeleteSecretHandler)
		r.With(s.throttle("cleanup", s.cfg.RateLimit.DefaultPerWindow)).Post("/cleanup", s.CleanupHandler)
	})

	return r
}

func (s *Server) throttle(class string, limit int) func(http.Handler) http.Handler {
	if !s.cfg.RateLimit.Enabled || s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return throttle(s.limiter, class, limit)
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
