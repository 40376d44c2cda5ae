package ldap

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

// runtimeKrb5Config builds a Kerberos configuration for hosts without a
// krb5.conf. KDCs are found through DNS SRV records for the realm.
func runtimeKrb5Config(ctx context.Context, cfg *ConnectionConfig, realm string) (*krb5config.Config, error) {
	if realm == "" {
		return nil, fmt.Errorf("kerberos realm is required for auto-discovery")
	}
	realm = strings.ToUpper(realm)

	domain := strings.ToLower(cfg.Domain)
	if domain == "" {
		domain = domainFromBaseDN(cfg.BaseDN)
	}
	if domain == "" {
		domain = strings.ToLower(realm)
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Generating runtime krb5.conf", map[string]any{
		"realm":  realm,
		"domain": domain,
	})

	return krb5config.NewFromString(fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain))
}
