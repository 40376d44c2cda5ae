package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// kerberosBind binds the service identity over GSSAPI.
func kerberosBind(ctx context.Context, conn Conn, cfg *ConnectionConfig, server *ServerInfo) error {
	principal, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return &ConfigError{Field: "kerberos", Message: err.Error()}
	}

	client, err := createGSSAPIClient(ctx, cfg, principal, realm)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, server)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	return conn.GSSAPIBind(client, spn, "")
}

// createGSSAPIClient creates a GSSAPI client based on the configuration.
// Priority order: credential cache → keytab → password.
func createGSSAPIClient(ctx context.Context, cfg *ConnectionConfig, principal, realm string) (ldap.GSSAPIClient, error) {
	krb5conf, err := loadKrb5Config(ctx, cfg, realm)
	if err != nil {
		return nil, err
	}

	settings := krb5client.DisablePAFXFAST(true)

	switch {
	case cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache):
		tflog.SubsystemDebug(ctx, Subsystem, "Using Kerberos credential cache", map[string]any{"ccache": cfg.KerberosCCache})
		ccache, err := credentials.LoadCCache(cfg.KerberosCCache)
		if err != nil {
			return nil, fmt.Errorf("failed to load credential cache: %w", err)
		}
		client, err := krb5client.NewFromCCache(ccache, krb5conf, settings)
		if err != nil {
			return nil, err
		}
		return &gssapi.Client{Client: client}, nil

	case cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab):
		tflog.SubsystemDebug(ctx, Subsystem, "Using Kerberos keytab", map[string]any{"keytab": cfg.KerberosKeytab})
		kt, err := keytab.Load(cfg.KerberosKeytab)
		if err != nil {
			return nil, fmt.Errorf("failed to load keytab: %w", err)
		}
		return &gssapi.Client{Client: krb5client.NewWithKeytab(principal, realm, kt, krb5conf, settings)}, nil

	case cfg.BindPassword != "":
		return &gssapi.Client{Client: krb5client.NewWithPassword(principal, realm, cfg.BindPassword, krb5conf, settings)}, nil
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// loadKrb5Config loads the configured krb5.conf, then the system one, and
// otherwise generates a DNS-discovery configuration for realm.
func loadKrb5Config(ctx context.Context, cfg *ConnectionConfig, realm string) (*krb5config.Config, error) {
	if cfg.KerberosConfig != "" {
		if !fileExists(cfg.KerberosConfig) {
			return nil, fmt.Errorf("kerberos configuration file not found at %s", cfg.KerberosConfig)
		}
		return krb5config.Load(cfg.KerberosConfig)
	}

	if fileExists(defaultKrb5Conf) {
		return krb5config.Load(defaultKrb5Conf)
	}

	return runtimeKrb5Config(ctx, cfg, realm)
}

// validateKerberos checks at startup what a GSSAPI bind needs: a realm, an
// existing krb5.conf when one is named, and at least one usable credential.
func validateKerberos(cfg *ConnectionConfig) error {
	if _, _, err := kerberosPrincipal(cfg); err != nil {
		return &ConfigError{Field: "kerberos_realm", Message: err.Error()}
	}

	if cfg.KerberosConfig != "" && !fileExists(cfg.KerberosConfig) {
		return &ConfigError{Field: "kerberos_config", Message: "file not found at " + cfg.KerberosConfig}
	}

	hasCCache := cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache)
	hasKeytab := cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab)
	if !hasCCache && !hasKeytab && cfg.BindPassword == "" {
		return &ConfigError{Field: "kerberos", Message: "a readable keytab, credential cache or bind password is required"}
	}

	return nil
}

// kerberosPrincipal splits the service identity into principal and realm.
// A realm in BindDN (user@REALM) is used when KerberosRealm is unset.
func kerberosPrincipal(cfg *ConnectionConfig) (string, string, error) {
	principal := cfg.BindDN
	realm := cfg.KerberosRealm

	if at := strings.LastIndex(principal, "@"); at > 0 {
		if realm == "" {
			realm = principal[at+1:]
		}
		principal = principal[:at]
	}

	if realm == "" {
		return "", "", fmt.Errorf("kerberos realm is required (set kerberos_realm or include realm in bind_dn)")
	}
	if principal == "" {
		return "", "", fmt.Errorf("bind_dn (principal) is required for Kerberos authentication")
	}

	return principal, strings.ToUpper(realm), nil
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// If cfg.KerberosSPN is set, it overrides the automatic SPN construction.
func buildServicePrincipal(cfg *ConnectionConfig, server *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if server == nil || server.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return "ldap/" + server.Host, nil
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}
