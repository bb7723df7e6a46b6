package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"livecall/internal/api"
	"livecall/internal/events"
	"livecall/internal/observability/logging"
	"livecall/internal/observability/metrics"
	"livecall/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	// ControlToken, when set, must be presented as a bearer token on every
	// /v1 route.
	ControlToken string
	// Events, when set, is served as a websocket stream at /v1/call/events.
	Events          *events.Hub
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil || handler.Controller == nil {
		return nil, fmt.Errorf("handler with a controller is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	if handler.Logger == nil {
		handler.Logger = logger
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return requestIDMiddleware(handler.Controller, logger, next)
	})
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	router.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, next)
	})
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return securityHeadersMiddleware(cfg.Security, next)
	})

	router.Get("/healthz", handler.Health)
	router.Handle("/metrics", recorder.Handler())

	limiter := newRateLimiter(cfg.RateLimit)
	token := strings.TrimSpace(cfg.ControlToken)
	router.Route("/v1/call", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return authMiddleware(token, next)
		})
		r.Get("/", handler.CurrentCall)
		r.Get("/liveness", handler.Liveness)
		r.Get("/journal", handler.ListJournal)
		r.Get("/rtmp-url", handler.RTMPURL)
		r.Post("/time", handler.StreamTime)
		if cfg.Events != nil {
			r.Get("/events", cfg.Events.HandleConnection)
		}

		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return rateLimitMiddleware(limiter, next)
			})
			r.Post("/join", handler.Join)
			r.Post("/leave", handler.Leave)
			r.Post("/rejoin", handler.Rejoin)
			r.Put("/state", handler.SetState)
			r.Put("/pip", handler.SetPIP)
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Joins chain several gateway round trips.
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:          logging.WithComponent(logger, "server"),
		tls:             serverutil.TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)},
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Handler exposes the routed middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down and runs hooks.
func (s *Server) Run(ctx context.Context, ready func(net.Addr), hooks ...serverutil.ShutdownHook) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		Hooks:           hooks,
		Logger:          s.logger,
	})
}

func authMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	expected := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
		if subtle.ConstantTimeCompare(presented, expected) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="livecall"`)
			api.WriteError(w, http.StatusUnauthorized, fmt.Errorf("missing or invalid control token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := rl.AllowControl()
		if !allowed {
			seconds := int(retryAfter.Seconds() + 0.999)
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("control rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
