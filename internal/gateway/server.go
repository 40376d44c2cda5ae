package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/isometry/ldapgw/internal/config"
	ldapclient "github.com/isometry/ldapgw/internal/ldap"
	"github.com/isometry/ldapgw/internal/ratelimit"
)

// Server wires the search pipeline to an HTTP listener.
//
// Endpoints:
//   - GET {route_prefix}?query=...: Directory search
//   - GET /healthz: Liveness probe
//   - GET /readyz: Readiness probe
//   - GET /metrics: Prometheus metrics (when enabled)
//
// The server is created in a stopped state. Call Run to begin serving requests.
type Server struct {
	config    *config.Config
	connector *ldapclient.Connector
	limiter   *ratelimit.Limiter
	handler   http.Handler
}

// NewServer builds every component from cfg. reg receives the gateway metrics
// when cfg.Metrics.Enabled is set and may be nil otherwise.
func NewServer(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (*Server, error) {
	connConfig, err := cfg.ConnectionConfig()
	if err != nil {
		return nil, err
	}

	connector, err := ldapclient.NewConnector(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create LDAP connector: %w", err)
	}

	return newServer(ctx, cfg, connector, reg)
}

func newServer(ctx context.Context, cfg *config.Config, connector *ldapclient.Connector, reg *prometheus.Registry) (*Server, error) {
	projector, err := cfg.Projector()
	if err != nil {
		return nil, err
	}

	var (
		metrics  *Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		metrics = NewMetrics(reg)
		RegisterSessionStats(reg, connector.Stats)
		gatherer = reg
	}

	limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.PerDay)

	service, err := NewService(limiter, connector, projector, cfg.MatchPolicy(), metrics)
	if err != nil {
		return nil, err
	}

	handler := NewRouter(RouterConfig{
		RoutePrefix:    cfg.Server.RoutePrefix,
		TrustProxy:     cfg.Server.TrustProxy,
		RequestTimeout: cfg.Server.RequestTimeout,
		Search:         NewSearchHandler(service, NewRedactor(metrics)),
		Health:         NewHealthHandler(connector),
		Gatherer:       gatherer,
	})

	tflog.SubsystemInfo(ctx, Subsystem, "Gateway configured", map[string]any{
		"listen":          cfg.Server.Listen,
		"route_prefix":    cfg.Server.RoutePrefix,
		"trust_proxy":     cfg.Server.TrustProxy,
		"rate_per_minute": cfg.RateLimit.PerMinute,
		"rate_per_day":    cfg.RateLimit.PerDay,
		"match_mode":      cfg.Match.Mode,
		"fields":          projector.Fields(),
		"metrics":         cfg.Metrics.Enabled,
	})

	return &Server{
		config:    cfg,
		connector: connector,
		limiter:   limiter,
		handler:   handler,
	}, nil
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within the configured shutdown timeout. The rate limiter sweeper
// runs for the lifetime of the server.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.Server.ReadHeaderTimeout,
		// Request handlers log through the root logger carried in ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tflog.SubsystemInfo(ctx, Subsystem, "Gateway listening", map[string]any{
			"address": ln.Addr().String(),
			"ldap":    s.connector.String(),
		})
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.limiter.Run(gctx, s.config.RateLimit.SweepInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		tflog.SubsystemInfo(ctx, Subsystem, "Shutting down gateway")

		// ctx is already cancelled here
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownTimeout)
		defer cancel()

		start := time.Now()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}

		tflog.SubsystemInfo(ctx, Subsystem, "Gateway stopped gracefully", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil
	})

	return g.Wait()
}
