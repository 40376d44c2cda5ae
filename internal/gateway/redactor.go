package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
)

// Public messages. Nothing else from an error ever reaches a caller.
const (
	MessageNoQuery         = "No query provided"
	MessageTooManyRequests = "Too many requests"
	MessageInternal        = "An internal error occurred"
)

// ErrorRecord is the redacted form of a pipeline failure.
type ErrorRecord struct {
	Kind ErrorKind
	// Detail is the full error text. It is logged and never serialized.
	Detail        string
	PublicMessage string
	Status        int
	// RetryAfter is whole seconds, set for KindRateLimitExceeded only.
	RetryAfter int
	IncidentID string
}

// Redactor classifies failures, logs them in full and produces the public record.
type Redactor struct {
	metrics *Metrics
}

// NewRedactor returns a Redactor. metrics may be nil.
func NewRedactor(metrics *Metrics) *Redactor {
	return &Redactor{metrics: metrics}
}

// Classify maps err to an ErrorKind. Upstream failures are classified by the
// session stage they happened in.
func Classify(err error) ErrorKind {
	var rateErr *RateLimitError

	switch {
	case errors.Is(err, ErrNoQuery):
		return KindValidation
	case errors.As(err, &rateErr):
		return KindRateLimitExceeded
	}

	switch ldapclient.FailedOperation(err) {
	case ldapclient.OperationNegotiate:
		return KindTLS
	case ldapclient.OperationBind:
		return KindConnection
	case ldapclient.OperationSearch:
		return KindSearch
	}

	return KindInternal
}

// Redact turns err into an ErrorRecord and logs the detail.
func (r *Redactor) Redact(ctx context.Context, err error) ErrorRecord {
	if err == nil {
		err = errors.New("redact called without an error")
	}

	rec := ErrorRecord{
		Kind:       Classify(err),
		Detail:     err.Error(),
		IncidentID: uuid.NewString(),
	}

	fields := map[string]any{
		"kind":        string(rec.Kind),
		"incident_id": rec.IncidentID,
	}

	switch rec.Kind {
	case KindValidation:
		rec.Status = http.StatusBadRequest
		rec.PublicMessage = MessageNoQuery
		fields["error"] = rec.Detail
		tflog.SubsystemDebug(ctx, Subsystem, "Rejected invalid request", fields)

	case KindRateLimitExceeded:
		var rateErr *RateLimitError
		errors.As(err, &rateErr)

		rec.Status = http.StatusTooManyRequests
		rec.PublicMessage = MessageTooManyRequests
		rec.RetryAfter = max(int(math.Ceil(rateErr.RetryAfter.Seconds())), 1)

		fields["client"] = rateErr.Client
		fields["window"] = string(rateErr.Window)
		fields["retry_after_s"] = rec.RetryAfter
		tflog.SubsystemWarn(ctx, Subsystem, "Client rate limited", fields)
		r.metrics.RateLimited(rateErr.Window)

	default:
		rec.Status = http.StatusInternalServerError
		rec.PublicMessage = MessageInternal
		tflog.SubsystemError(ctx, Subsystem, "Request failed", ldapclient.ErrorFields(err, fields))
	}

	r.metrics.Request(rec.Kind)

	return rec
}
