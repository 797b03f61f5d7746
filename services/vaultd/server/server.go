// Package server exposes the vault over HTTP and a websocket event stream.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"xusd/observability"
	"xusd/services/vaultd/config"
	"xusd/services/vaultd/journal"
	"xusd/services/vaultd/runtime"
)

const (
	groupPublic = "public"
	groupUser   = "user"
	groupAdmin  = "admin"

	maxBodyBytes = 1 << 20
)

// Server hosts the vault API.
type Server struct {
	cfg     config.Config
	rt      *runtime.Runtime
	journal *journal.Journal
	hub     *Hub
	auth    *Authenticator
	limiter *RateLimiter
	quotas  *Quotas
	logger  *slog.Logger
}

// New constructs a server. journal may be nil, in which case event listing
// and stream backlog are unavailable.
func New(cfg config.Config, rt *runtime.Runtime, j *journal.Journal, hub *Hub, logger *slog.Logger) (*Server, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Server{
		cfg:     cfg,
		rt:      rt,
		journal: j,
		hub:     hub,
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RateLimits),
		quotas:  NewQuotas(cfg.Quota),
		logger:  logger,
	}, nil
}

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(groupPublic))
			r.Get("/supply", s.handleSupply)
			r.Get("/config", s.handleConfig)
			r.Get("/accounts/{address}", s.handleAccount)
			r.Get("/accounts/{owner}/allowances/{spender}", s.handleAllowance)
			r.Get("/assets", s.handleAssets)
			r.Get("/strategies", s.handleStrategies)
			r.Get("/redeem/preview", s.handleRedeemPreview)
			r.Get("/oracle/health", s.handleOracleHealth)
			r.Get("/events", s.handleEvents)
			r.Get("/events/stream", s.handleStream)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeWrite))
			r.Use(s.limiter.Middleware(groupUser))
			r.Post("/mint", s.handleMint)
			r.Post("/redeem", s.handleRedeem)
			r.Post("/redeem-all", s.handleRedeemAll)
			r.Post("/transfer", s.handleTransfer)
			r.Post("/transfer-from", s.handleTransferFrom)
			r.Post("/approve", s.handleApprove)
			r.Post("/allowance/increase", s.handleIncreaseAllowance)
			r.Post("/allowance/decrease", s.handleDecreaseAllowance)
			r.Post("/opt-in", s.handleOptIn)
			r.Post("/opt-out", s.handleOptOut)
			r.Post("/rebase", s.handleRebase)
			r.Post("/allocate", s.handleAllocate)
			r.Post("/dev/faucet", s.handleFaucet)
			r.Post("/dev/accrue", s.handleAccrue)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeAdmin))
			r.Use(s.limiter.Middleware(groupAdmin))
			r.Post("/admin/{action}", s.handleAdmin)
		})
	})
	return otelhttp.NewHandler(r, "vaultd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("vaultd http server listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes the websocket upgrade through to the underlying writer.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		observability.ModuleMetrics().Observe(route, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"capitalPaused": s.rt.Engine.CapitalPaused(),
		"rebasePaused":  s.rt.Engine.RebasePaused(),
		"subscribers":   s.hub.Subscribers(),
		"droppedFrames": s.hub.Dropped(),
	})
}
