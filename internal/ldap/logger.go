package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem is the tflog subsystem used by this package.
const Subsystem = "ldap"

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", SanitizeFields(fields))

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		tflog.SubsystemError(ctx, subsystem, "Operation failed", ErrorFields(err, fields))
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", SanitizeFields(fields))
	}

	return err
}

// ErrorFields adds LDAP-specific error information to fields and returns a
// sanitized copy suitable for logging. Server diagnostics can echo request
// data, so they go through SanitizeFields like everything else.
func ErrorFields(err error, fields map[string]any) map[string]any {
	if fields == nil {
		fields = make(map[string]any)
	}
	if err == nil {
		return fields
	}

	fields["error"] = err.Error()

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		fields["ldap_operation"] = ldapErr.Operation
		fields["error_category"] = string(ldapErr.Category)
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		fields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = resultErr.MatchedDN
		}
		if resultErr.Err != nil {
			fields["ldap_diagnostic_message"] = resultErr.Err.Error()
		}
	}

	return SanitizeFields(fields)
}

// LogSessionEvent logs session lifecycle events.
func LogSessionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event
	fields = SanitizeFields(fields)

	switch event {
	case "negotiation_failed", "bind_failed":
		tflog.SubsystemWarn(ctx, Subsystem, "Session event", fields)
	case "session_opened", "session_closed":
		tflog.SubsystemDebug(ctx, Subsystem, "Session event", fields)
	default:
		tflog.SubsystemTrace(ctx, Subsystem, "Session event", fields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":      true,
		"bind_password": true,
		"passwd":        true,
		"secret":        true,
		"token":         true,
		"key":           true,
		"private_key":   true,
		"credential":    true,
		"credentials":   true,
	}

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
