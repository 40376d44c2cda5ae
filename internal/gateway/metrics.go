package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
	"github.com/isometry/ldapgw/internal/ratelimit"
)

// kindOK labels successful requests in ldapgw_requests_total.
const kindOK = "ok"

// Metrics tracks gateway Prometheus metrics.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// RequestsTotal counts search requests by outcome kind
	RequestsTotal *prometheus.CounterVec

	// RateLimitedTotal counts rejections by exhausted window
	RateLimitedTotal *prometheus.CounterVec

	// SearchDuration tracks upstream session latency, bind included
	SearchDuration prometheus.Histogram
}

// NewMetrics creates gateway metrics with the ldapgw_ prefix and registers them on reg.
// Panics if registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldapgw_requests_total",
				Help: "Total search requests by outcome kind",
			},
			[]string{"kind"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldapgw_rate_limited_total",
				Help: "Total requests rejected by the rate limiter by window",
			},
			[]string{"window"},
		),
		SearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ldapgw_upstream_search_duration_seconds",
				Help:    "Upstream session duration in seconds, from dial to unbind",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RateLimitedTotal,
		m.SearchDuration,
	)

	return m
}

// RegisterSessionStats exports connector session counters as metrics.
func RegisterSessionStats(reg prometheus.Registerer, stats func() ldapclient.SessionStats) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ldapgw_ldap_sessions_active",
				Help: "Upstream sessions currently open",
			},
			func() float64 { return float64(stats().Active) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "ldapgw_ldap_sessions_opened_total",
				Help: "Total upstream sessions opened",
			},
			func() float64 { return float64(stats().Opened) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "ldapgw_ldap_sessions_failed_total",
				Help: "Total upstream sessions that ended in an error",
			},
			func() float64 { return float64(stats().Failed) },
		),
	)
}

// Request records one finished request.
func (m *Metrics) Request(kind ErrorKind) {
	if m == nil {
		return
	}
	label := string(kind)
	if label == "" {
		label = kindOK
	}
	m.RequestsTotal.WithLabelValues(label).Inc()
}

// RateLimited records one rejection.
func (m *Metrics) RateLimited(window ratelimit.Window) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(string(window)).Inc()
}

// ObserveSearch records one upstream session duration.
func (m *Metrics) ObserveSearch(d time.Duration) {
	if m == nil {
		return
	}
	m.SearchDuration.Observe(d.Seconds())
}
