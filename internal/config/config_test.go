package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
)

const minimalYAML = `
ldap:
  url: ldaps://ldap.example.org
  base_dn: dc=example,dc=org
  bind_dn: cn=gateway,ou=services,dc=example,dc=org
  bind_password: secret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "/", cfg.Server.RoutePrefix)
	assert.False(t, cfg.Server.TrustProxy)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "simple", cfg.LDAP.BindMethod)
	assert.Equal(t, 10*time.Second, cfg.LDAP.Timeout)
	assert.Equal(t, 50, cfg.LDAP.SizeLimit)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, 2000, cfg.RateLimit.PerDay)
	assert.Equal(t, []string{"uid", "mail"}, cfg.Match.Attributes)
	assert.Equal(t, "prefix", cfg.Match.Mode)
	assert.Equal(t, []string{"username", "cn", "email"}, cfg.Response.Fields)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
server:
  route_prefix: /ldap-search/
  trust_proxy: true
rate_limit:
  per_minute: 5
  per_day: 100
match:
  attributes: [uid]
  mode: exact
  exclude_suffixes: [adm, sa, test]
response:
  fields: [username, displayName, sid]
  attribute_map:
    username: sAMAccountName
metrics:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, "/ldap-search/", cfg.Server.RoutePrefix)
	assert.True(t, cfg.Server.TrustProxy)
	assert.Equal(t, 5, cfg.RateLimit.PerMinute)
	assert.Equal(t, []string{"uid"}, cfg.Match.Attributes, "lists replace defaults")
	assert.Equal(t, []string{"adm", "sa", "test"}, cfg.Match.ExcludeSuffixes)
	assert.True(t, cfg.Metrics.Enabled)

	policy := cfg.MatchPolicy()
	assert.Equal(t, ldapclient.MatchExact, policy.Mode)

	projector, err := cfg.Projector()
	require.NoError(t, err)
	assert.Equal(t, []string{"sAMAccountName", "displayName", "objectSid"}, projector.Attributes())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("LDAPGW_LDAP_URL", "ldap://ldap.internal:3389")
	t.Setenv("LDAPGW_LDAP_BASE_DN", "dc=internal")
	t.Setenv("LDAPGW_LDAP_BIND_DN", "cn=svc,dc=internal")
	t.Setenv("LDAPGW_LDAP_BIND_PASSWORD", "from-env")
	t.Setenv("LDAPGW_LDAP_TIMEOUT", "3s")
	t.Setenv("LDAPGW_RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("LDAPGW_MATCH_ATTRIBUTES", "cn,mail")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ldap://ldap.internal:3389", cfg.LDAP.URL)
	assert.Equal(t, "from-env", cfg.LDAP.BindPassword)
	assert.Equal(t, 3*time.Second, cfg.LDAP.Timeout)
	assert.Equal(t, 7, cfg.RateLimit.PerMinute)
	assert.Equal(t, []string{"cn", "mail"}, cfg.Match.Attributes)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("LDAPGW_LDAP_BASE_DN", "dc=override,dc=org")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "dc=override,dc=org", cfg.LDAP.BaseDN)
}

func TestLoad_BindPasswordFile(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "bind-password")
	require.NoError(t, os.WriteFile(secret, []byte("from-file\n"), 0o600))

	cfg, err := Load(writeConfig(t, `
ldap:
  url: ldaps://ldap.example.org
  base_dn: dc=example,dc=org
  bind_dn: cn=gateway,dc=example,dc=org
  bind_password_file: `+secret+`
`))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.LDAP.BindPassword)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "missing ldap section",
			content: "log_level: debug\n",
			errMsg:  "BaseDN",
		},
		{
			name:    "neither url nor domain",
			content: `ldap: {base_dn: "dc=x", bind_dn: "cn=y", bind_password: "z"}`,
			errMsg:  "ldap.url or ldap.domain",
		},
		{
			name: "missing password",
			content: `
ldap:
  url: ldaps://ldap.example.org
  base_dn: dc=example,dc=org
  bind_dn: cn=gateway,dc=example,dc=org
`,
			errMsg: "bind_password",
		},
		{
			name:    "unsupported scheme",
			content: `ldap: {url: "https://ldap.example.org", base_dn: "dc=x", bind_dn: "cn=y", bind_password: "z"}`,
			errMsg:  "ldap.url",
		},
		{
			name:    "bad match attribute",
			content: minimalYAML + "match:\n  attributes: [\"uid)(cn\"]\n",
			errMsg:  "match.attributes",
		},
		{
			name:    "unknown response field",
			content: minimalYAML + "response:\n  fields: [password]\n",
			errMsg:  "Fields",
		},
		{
			name:    "bad log level",
			content: minimalYAML + "log_level: verbose\n",
			errMsg:  "LogLevel",
		},
		{
			name:    "request timeout not longer than ldap timeout",
			content: minimalYAML + "  timeout: 30s\nserver:\n  request_timeout: 30s\n",
			errMsg:  "server.request_timeout (30s) must be longer than ldap.timeout (30s)",
		},
		{
			name: "kerberos without realm",
			content: `
ldap:
  url: ldaps://ldap.example.org
  base_dn: dc=example,dc=org
  bind_method: kerberos
  bind_dn: svc-ldapgw
  bind_password: secret
`,
			errMsg: "invalid kerberos_realm",
		},
		{
			name: "kerberos without credentials",
			content: `
ldap:
  url: ldaps://ldap.example.org
  base_dn: dc=example,dc=org
  bind_method: kerberos
  bind_dn: svc-ldapgw@EXAMPLE.ORG
`,
			errMsg: "keytab, credential cache or bind password is required",
		},
		{
			name: "kerberos with missing credential cache",
			content: `
ldap:
  url: ldaps://ldap.example.org
  base_dn: dc=example,dc=org
  bind_method: kerberos
  bind_dn: svc-ldapgw
  kerberos:
    realm: EXAMPLE.ORG
    ccache: /nonexistent/krb5cc
`,
			errMsg: "keytab, credential cache or bind password is required",
		},
		{
			name: "kerberos config file missing",
			content: `
ldap:
  url: ldaps://ldap.example.org
  base_dn: dc=example,dc=org
  bind_method: kerberos
  bind_dn: svc-ldapgw
  bind_password: secret
  kerberos:
    realm: EXAMPLE.ORG
    config: /nonexistent/krb5.conf
`,
			errMsg: "Kerberos.Config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_ConnectionConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
  bind_method: kerberos
  kerberos:
    realm: EXAMPLE.ORG
    keytab: ""
    spn: ldap/dc01.example.org
`))
	require.NoError(t, err)

	cc, err := cfg.ConnectionConfig()
	require.NoError(t, err)
	assert.Equal(t, ldapclient.BindMethodKerberos, cc.BindMethod)
	assert.Equal(t, "EXAMPLE.ORG", cc.KerberosRealm)
	assert.Equal(t, "ldap/dc01.example.org", cc.KerberosSPN)
	assert.Equal(t, "dc=example,dc=org", cc.BaseDN)
	assert.Equal(t, 50, cc.SizeLimit)
	assert.NotNil(t, cc.TLSConfig)
}

func TestLoad_KerberosKeytab(t *testing.T) {
	keytab := filepath.Join(t.TempDir(), "ldapgw.keytab")
	require.NoError(t, os.WriteFile(keytab, []byte{0x05, 0x02}, 0o600))

	cfg, err := Load(writeConfig(t, `
ldap:
  url: ldaps://ldap.example.org
  base_dn: dc=example,dc=org
  bind_method: gssapi
  bind_dn: svc-ldapgw@example.org
  kerberos:
    keytab: `+keytab+`
`))
	require.NoError(t, err)

	cc, err := cfg.ConnectionConfig()
	require.NoError(t, err)
	assert.Equal(t, ldapclient.BindMethodKerberos, cc.BindMethod)
	assert.Equal(t, keytab, cc.KerberosKeytab)
	assert.Empty(t, cc.BindPassword)
}

func TestLoad_DomainDiscovery(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ldap:
  domain: example.org
  base_dn: dc=example,dc=org
  bind_dn: cn=gateway,dc=example,dc=org
  bind_password: secret
`))
	require.NoError(t, err)

	cc, err := cfg.ConnectionConfig()
	require.NoError(t, err)
	assert.Empty(t, cc.URL)
	assert.Equal(t, "example.org", cc.Domain)
}
