package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records the calls a session makes.
type fakeConn struct {
	calls []string

	bindErr   error
	searchErr error
	result    *ldap.SearchResult
	onSearch  func(*ldap.SearchRequest)
}

func (f *fakeConn) Bind(username, password string) error {
	f.calls = append(f.calls, "bind")
	return f.bindErr
}

func (f *fakeConn) GSSAPIBind(ldap.GSSAPIClient, string, string) error {
	f.calls = append(f.calls, "gssapi_bind")
	return f.bindErr
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.calls = append(f.calls, "search")
	if f.onSearch != nil {
		f.onSearch(req)
	}
	if f.result == nil {
		f.result = &ldap.SearchResult{}
	}
	if f.searchErr != nil {
		return f.result, f.searchErr
	}
	return f.result, nil
}

func (f *fakeConn) Unbind() error {
	f.calls = append(f.calls, "unbind")
	return nil
}

func (f *fakeConn) Close() {
	f.calls = append(f.calls, "close")
}

func testConfig(dialer Dialer) *ConnectionConfig {
	cfg := DefaultConfig()
	cfg.URL = "ldaps://ldap.example.org"
	cfg.BaseDN = "dc=example,dc=org"
	cfg.BindDN = "cn=gateway,ou=services,dc=example,dc=org"
	cfg.BindPassword = "secret"
	cfg.Dialer = dialer
	return cfg
}

func fakeDialer(conn *fakeConn, dialErr error) DialerFunc {
	return func(context.Context, *ServerInfo, *tls.Config, time.Duration) (Conn, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
}

func categoryOf(t *testing.T, err error) ErrorCategory {
	t.Helper()

	var ldapErr *LDAPError
	require.ErrorAs(t, err, &ldapErr)
	return ldapErr.Category
}

func TestConnector_Search(t *testing.T) {
	conn := &fakeConn{
		result: &ldap.SearchResult{Entries: []*ldap.Entry{
			ldap.NewEntry("uid=jdoe,dc=example,dc=org", map[string][]string{"uid": {"jdoe"}}),
		}},
	}

	var captured *ldap.SearchRequest
	conn.onSearch = func(req *ldap.SearchRequest) { captured = req }

	connector, err := NewConnector(context.Background(), testConfig(fakeDialer(conn, nil)))
	require.NoError(t, err)

	entries, err := connector.Search(context.Background(), "(uid=jdoe*)", []string{"uid", "mail"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "jdoe", entries[0].GetAttributeValue("uid"))

	assert.Equal(t, []string{"bind", "search", "unbind", "close"}, conn.calls)

	require.NotNil(t, captured)
	assert.Equal(t, "dc=example,dc=org", captured.BaseDN)
	assert.Equal(t, ldap.ScopeWholeSubtree, captured.Scope)
	assert.Equal(t, "(uid=jdoe*)", captured.Filter)
	assert.Equal(t, []string{"uid", "mail"}, captured.Attributes)
	assert.Equal(t, 50, captured.SizeLimit)
	assert.Equal(t, 5, captured.TimeLimit)

	stats := connector.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Opened)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestConnector_SearchFaultUnbindsBeforeReturning(t *testing.T) {
	conn := &fakeConn{searchErr: ldap.NewError(ldap.LDAPResultUnavailable, errors.New("server unavailable"))}

	connector, err := NewConnector(context.Background(), testConfig(fakeDialer(conn, nil)))
	require.NoError(t, err)

	entries, err := connector.Search(context.Background(), "(uid=x*)", []string{"uid"})
	require.Error(t, err)
	assert.Nil(t, entries)

	// The authenticated session was released before Search returned.
	assert.Equal(t, []string{"bind", "search", "unbind", "close"}, conn.calls)
	assert.Equal(t, OperationSearch, FailedOperation(err))
	assert.Equal(t, ErrorCategoryServer, categoryOf(t, err))

	stats := connector.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestConnector_BindFailureClosesWithoutUnbind(t *testing.T) {
	conn := &fakeConn{bindErr: ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("80090308: LdapErr"))}

	connector, err := NewConnector(context.Background(), testConfig(fakeDialer(conn, nil)))
	require.NoError(t, err)

	_, err = connector.Search(context.Background(), "(uid=x*)", []string{"uid"})
	require.Error(t, err)

	assert.Equal(t, []string{"bind", "close"}, conn.calls)
	assert.Equal(t, OperationBind, FailedOperation(err))
	assert.Equal(t, ErrorCategoryAuthentication, categoryOf(t, err))
	assert.Equal(t, int64(0), connector.Stats().Active)
}

func TestConnector_NegotiationFailure(t *testing.T) {
	dialErr := ldap.NewError(ldap.ErrorNetwork, errors.New("tls: handshake failure"))

	connector, err := NewConnector(context.Background(), testConfig(fakeDialer(nil, dialErr)))
	require.NoError(t, err)

	_, err = connector.Search(context.Background(), "(uid=x*)", []string{"uid"})
	require.Error(t, err)
	assert.Equal(t, OperationNegotiate, FailedOperation(err))
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, int64(0), connector.Stats().Active)
}

func TestConnector_SizeLimitReturnsPartialEntries(t *testing.T) {
	conn := &fakeConn{
		searchErr: ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded")),
		result: &ldap.SearchResult{Entries: []*ldap.Entry{
			ldap.NewEntry("uid=a", map[string][]string{"uid": {"a"}}),
			ldap.NewEntry("uid=b", map[string][]string{"uid": {"b"}}),
		}},
	}

	connector, err := NewConnector(context.Background(), testConfig(fakeDialer(conn, nil)))
	require.NoError(t, err)

	entries, err := connector.Search(context.Background(), "(uid=*)", []string{"uid"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, []string{"bind", "search", "unbind", "close"}, conn.calls)
}

func TestConnector_SessionTimeout(t *testing.T) {
	var deadline time.Time
	dialer := DialerFunc(func(ctx context.Context, _ *ServerInfo, _ *tls.Config, timeout time.Duration) (Conn, error) {
		deadline, _ = ctx.Deadline()
		<-ctx.Done()
		return nil, ldap.NewError(ldap.ErrorNetwork, ctx.Err())
	})

	cfg := testConfig(dialer)
	cfg.Timeout = 20 * time.Millisecond

	connector, err := NewConnector(context.Background(), cfg)
	require.NoError(t, err)

	start := time.Now()
	err = connector.Check(context.Background())
	require.Error(t, err)
	assert.False(t, deadline.IsZero())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ErrorCategoryTimeout, categoryOf(t, err))
}

func TestConnector_Check(t *testing.T) {
	conn := &fakeConn{}

	connector, err := NewConnector(context.Background(), testConfig(fakeDialer(conn, nil)))
	require.NoError(t, err)

	require.NoError(t, connector.Check(context.Background()))
	assert.Equal(t, []string{"bind", "unbind", "close"}, conn.calls)
}

func TestNewConnector_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ConnectionConfig)
		field  string
	}{
		{"missing url", func(c *ConnectionConfig) { c.URL = "" }, "url"},
		{"plain http url", func(c *ConnectionConfig) { c.URL = "http://ldap.example.org" }, "url"},
		{"missing base dn", func(c *ConnectionConfig) { c.BaseDN = "" }, "base_dn"},
		{"malformed base dn", func(c *ConnectionConfig) { c.BaseDN = "not a dn" }, "base_dn"},
		{"missing bind dn", func(c *ConnectionConfig) { c.BindDN = "" }, "bind_dn"},
		{"missing password", func(c *ConnectionConfig) { c.BindPassword = "" }, "bind_password"},
		{"zero timeout", func(c *ConnectionConfig) { c.Timeout = 0 }, "timeout"},
		{"missing ca file", func(c *ConnectionConfig) { c.TLSCACertFile = "/nonexistent/ca.pem" }, "tls_ca_cert_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(nil)
			tt.mutate(cfg)

			_, err := NewConnector(context.Background(), cfg)
			require.Error(t, err)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestBuildTLSConfig(t *testing.T) {
	server := &ServerInfo{Host: "ldap.example.org", Port: 636, UseTLS: true}

	t.Run("verification is always on", func(t *testing.T) {
		cfg := testConfig(nil)
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS10} //nolint:gosec

		tlsConfig, err := buildTLSConfig(cfg, server)
		require.NoError(t, err)
		assert.False(t, tlsConfig.InsecureSkipVerify)
		assert.Equal(t, uint16(tls.VersionTLS12), tlsConfig.MinVersion)
		assert.Equal(t, "ldap.example.org", tlsConfig.ServerName)
		assert.True(t, cfg.TLSConfig.InsecureSkipVerify, "caller config must not be mutated")
	})

	t.Run("server name override", func(t *testing.T) {
		cfg := testConfig(nil)
		cfg.ServerName = "dc01.example.org"

		tlsConfig, err := buildTLSConfig(cfg, server)
		require.NoError(t, err)
		assert.Equal(t, "dc01.example.org", tlsConfig.ServerName)
	})

	t.Run("ca file without certificates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

		cfg := testConfig(nil)
		cfg.TLSCACertFile = path

		_, err := buildTLSConfig(cfg, server)
		require.Error(t, err)
	})
}

// An upstream presenting a certificate from an untrusted CA fails during
// negotiation, before any credentials are sent.
func TestConnector_UntrustedCertificate(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	cfg := testConfig(nil)
	cfg.URL = "ldaps://" + u.Host
	cfg.Timeout = 5 * time.Second

	connector, err := NewConnector(context.Background(), cfg)
	require.NoError(t, err)

	err = connector.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, OperationNegotiate, FailedOperation(err))
	assert.Equal(t, ErrorCategoryTLS, categoryOf(t, err))
	assert.Equal(t, int64(1), connector.Stats().Failed)
}
