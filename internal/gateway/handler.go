package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
)

// IncidentHeader carries the incident ID of a failed request.
const IncidentHeader = "X-Incident-ID"

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Checker verifies upstream reachability for readiness probes.
type Checker interface {
	Check(ctx context.Context) error
}

// SearchHandler serves GET ?query=... requests.
type SearchHandler struct {
	service  *Service
	redactor *Redactor
}

// NewSearchHandler returns a handler for the search endpoint.
func NewSearchHandler(service *Service, redactor *Redactor) *SearchHandler {
	return &SearchHandler{service: service, redactor: redactor}
}

func (h *SearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	results, err := h.service.Search(ctx, clientKey(r), r.URL.Query().Get("query"))
	if err != nil {
		writeError(w, h.redactor.Redact(ctx, err))
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	checker Checker
}

// NewHealthHandler returns a HealthHandler. checker may be nil, in which case
// readiness always succeeds.
func NewHealthHandler(checker Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Liveness always reports ok while the process serves HTTP.
func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness reports whether an upstream session can be opened and bound.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.checker != nil {
		if err := h.checker.Check(r.Context()); err != nil {
			tflog.SubsystemWarn(r.Context(), Subsystem, "Readiness check failed", ldapclient.ErrorFields(err, nil))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, rec ErrorRecord) {
	if rec.IncidentID != "" {
		w.Header().Set(IncidentHeader, rec.IncidentID)
	}
	if rec.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rec.RetryAfter))
	}
	writeJSON(w, rec.Status, errorBody{Error: rec.PublicMessage, RetryAfter: rec.RetryAfter})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
