package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
	"github.com/isometry/ldapgw/internal/ratelimit"
)

// RouterConfig holds the handlers and options for NewRouter.
type RouterConfig struct {
	// RoutePrefix is the path of the search endpoint.
	RoutePrefix string
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxy bool
	// RequestTimeout bounds the handling of one request.
	RequestTimeout time.Duration

	Search *SearchHandler
	Health *HealthHandler
	// Gatherer serves /metrics when non-nil.
	Gatherer prometheus.Gatherer
}

// NewRouter creates the chi router with middleware and routes.
//
// Routes:
//   - GET {RoutePrefix}?query=... - Directory search
//   - GET /healthz - Liveness probe
//   - GET /readyz - Readiness probe
//   - GET /metrics - Prometheus metrics (when enabled)
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/healthz", cfg.Health.Liveness)
	r.Get("/readyz", cfg.Health.Readiness)

	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	prefix := cfg.RoutePrefix
	if prefix == "" {
		prefix = "/"
	}
	r.Method(http.MethodGet, prefix, cfg.Search)

	return r
}

// requestLogger logs each request through tflog and attaches the request ID
// to every log line written while handling it.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ctx := withRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		fields := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
		}

		// Probes are logged at DEBUG to keep access logs readable
		if isProbePath(r.URL.Path) {
			tflog.SubsystemDebug(ctx, Subsystem, "Request completed", fields)
		} else {
			tflog.SubsystemInfo(ctx, Subsystem, "Request completed", fields)
		}
	})
}

func withRequestID(ctx context.Context, requestID string) context.Context {
	ctx = tflog.SetField(ctx, "request_id", requestID)
	for _, subsystem := range []string{Subsystem, ldapclient.Subsystem, ratelimit.Subsystem} {
		ctx = tflog.SubsystemSetField(ctx, subsystem, "request_id", requestID)
	}
	return ctx
}

func isProbePath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}
