package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Session operations that can fail. Each maps to one stage of the session lifecycle.
const (
	OperationNegotiate = "negotiate"
	OperationBind      = "bind"
	OperationSearch    = "search"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryTLS            ErrorCategory = "tls"
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryTimeout        ErrorCategory = "timeout"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryFilter         ErrorCategory = "filter"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for a failed session operation.
// Its text may contain upstream hostnames and server diagnostics, so it is for logs only.
type LDAPError struct {
	Operation string        // The session operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError creates a new LDAP error for the given operation.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.ResultCode != ldap.ErrorNetwork {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Message = codeMessage(resultErr.ResultCode)
		return ldapErr
	}

	ldapErr.Category = categorizeGenericError(err)
	ldapErr.Message = err.Error()
	return ldapErr
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired,
		ldap.LDAPResultAuthMethodNotSupported:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject:
		return ErrorCategoryNotFound

	case ldap.LDAPResultFilterError,
		ldap.LDAPResultInappropriateMatching,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryFilter

	case ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultTimeout:
		return ErrorCategoryTimeout

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultAdminLimitExceeded,
		ldap.LDAPResultOperationsError:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors by type.
func categorizeGenericError(err error) ErrorCategory {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownCA    x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidCert  x509.CertificateInvalidError
		recordHdrErr tls.RecordHeaderError
		alertErr     tls.AlertError
		netErr       net.Error
	)

	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &unknownCA),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert),
		errors.As(err, &recordHdrErr),
		errors.As(err, &alertErr):
		return ErrorCategoryTLS
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryConnection
	}

	return ErrorCategoryUnknown
}

// codeMessage returns a human-readable message for an LDAP result code.
func codeMessage(code uint16) string {
	if msg, ok := ldap.LDAPResultCodeMap[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown LDAP error (code %d)", code)
}

// FailedOperation returns the session operation an error originated from,
// or an empty string when err did not come from a session.
func FailedOperation(err error) string {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Operation
	}
	return ""
}
