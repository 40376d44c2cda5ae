package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/isometry/ldapgw/internal/ratelimit"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	KindValidation        ErrorKind = "ValidationError"
	KindRateLimitExceeded ErrorKind = "RateLimitExceeded"
	KindTLS               ErrorKind = "TLSError"
	KindConnection        ErrorKind = "ConnectionError"
	KindSearch            ErrorKind = "SearchError"
	KindInternal          ErrorKind = "InternalError"
)

// ErrNoQuery is returned when the query parameter is missing or empty.
var ErrNoQuery = errors.New("no query provided")

// RateLimitError is returned when a client has exhausted a window.
type RateLimitError struct {
	Client     string
	Window     ratelimit.Window
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("client %s exceeded the per-%s limit, retry after %s", e.Client, e.Window, e.RetryAfter)
}
