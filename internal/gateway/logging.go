package gateway

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
	"github.com/isometry/ldapgw/internal/ratelimit"
)

// Subsystem is the tflog subsystem used by this package.
const Subsystem = "gateway"

// sensitiveFields are masked in every log line.
var sensitiveFields = []string{"bind_password", "password", "kerberos_password"}

// InitializeLogging registers the gateway, ldap and ratelimit subsystems on
// the root logger in ctx. Levels can be raised per subsystem with
// LDAPGW_LOG_GATEWAY, LDAPGW_LOG_LDAP and LDAPGW_LOG_RATELIMIT.
func InitializeLogging(ctx context.Context) context.Context {
	ctx = tflog.SetField(ctx, "service", "ldapgw")
	ctx = tflog.MaskFieldValuesWithFieldKeys(ctx, sensitiveFields...)

	for subsystem, env := range map[string]string{
		Subsystem:            "LDAPGW_LOG_GATEWAY",
		ldapclient.Subsystem: "LDAPGW_LOG_LDAP",
		ratelimit.Subsystem:  "LDAPGW_LOG_RATELIMIT",
	} {
		ctx = tflog.NewSubsystem(ctx, subsystem, tflog.WithLevelFromEnv(env))
		ctx = tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, subsystem, sensitiveFields...)
	}

	return ctx
}
