package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
	"github.com/isometry/ldapgw/internal/ratelimit"
)

// fakeConn stands in for an upstream connection and records the calls made on it.
type fakeConn struct {
	mu    sync.Mutex
	calls []string

	bindErr   error
	searchErr error
	entries   []*ldap.Entry
	filters   []string
}

func (f *fakeConn) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeConn) Bind(string, string) error {
	f.record("bind")
	return f.bindErr
}

func (f *fakeConn) GSSAPIBind(ldap.GSSAPIClient, string, string) error {
	f.record("gssapi_bind")
	return f.bindErr
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.record("search")
	f.mu.Lock()
	f.filters = append(f.filters, req.Filter)
	f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeConn) Unbind() error {
	f.record("unbind")
	return nil
}

func (f *fakeConn) Close() {
	f.record("close")
}

func (f *fakeConn) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// testEnv is a router wired to a real connector over a fake upstream.
type testEnv struct {
	conn          *fakeConn
	searchHandler *SearchHandler
	connector     *ldapclient.Connector
	limiter       *ratelimit.Limiter
	registry      *prometheus.Registry
	router        http.Handler
	logs          *bytes.Buffer
	ctx           context.Context
}

type envOption func(*envOptions)

type envOptions struct {
	dialErr   error
	perMinute int
	perDay    int
	policy    ldapclient.MatchPolicy
	fields    []string
}

func withDialError(err error) envOption {
	return func(o *envOptions) { o.dialErr = err }
}

func withLimits(perMinute, perDay int) envOption {
	return func(o *envOptions) { o.perMinute, o.perDay = perMinute, perDay }
}

func newTestEnv(t *testing.T, conn *fakeConn, opts ...envOption) *testEnv {
	t.Helper()

	o := envOptions{
		perMinute: 60,
		perDay:    2000,
		policy:    ldapclient.DefaultMatchPolicy(),
		fields:    ldapclient.DefaultFields,
	}
	for _, opt := range opts {
		opt(&o)
	}

	logs := &bytes.Buffer{}
	ctx := InitializeLogging(tflogtest.RootLogger(context.Background(), logs))

	cfg := ldapclient.DefaultConfig()
	cfg.URL = "ldaps://ldap.example.org"
	cfg.BaseDN = "dc=example,dc=org"
	cfg.BindDN = "cn=gateway,ou=services,dc=example,dc=org"
	cfg.BindPassword = "secret"
	cfg.Dialer = ldapclient.DialerFunc(func(context.Context, *ldapclient.ServerInfo, *tls.Config, time.Duration) (ldapclient.Conn, error) {
		if o.dialErr != nil {
			return nil, o.dialErr
		}
		return conn, nil
	})

	connector, err := ldapclient.NewConnector(ctx, cfg)
	require.NoError(t, err)

	projector, err := ldapclient.NewProjector(o.fields, nil)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	RegisterSessionStats(registry, connector.Stats)

	limiter := ratelimit.New(o.perMinute, o.perDay)
	service, err := NewService(limiter, connector, projector, o.policy, metrics)
	require.NoError(t, err)

	searchHandler := NewSearchHandler(service, NewRedactor(metrics))
	router := NewRouter(RouterConfig{
		RoutePrefix:    "/",
		RequestTimeout: 5 * time.Second,
		Search:         searchHandler,
		Health:         NewHealthHandler(connector),
		Gatherer:       registry,
	})

	logs.Reset()

	return &testEnv{
		conn:          conn,
		searchHandler: searchHandler,
		connector:     connector,
		limiter:       limiter,
		registry:      registry,
		router:        router,
		logs:          logs,
		ctx:           ctx,
	}
}

// search issues GET /?query=q from the default httptest client address.
func (e *testEnv) search(t *testing.T, q string) *httptest.ResponseRecorder {
	t.Helper()
	return e.get(t, "/?query="+url.QueryEscape(q))
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return e.getFrom(t, target, "")
}

// getFrom issues a GET from remoteAddr, or the httptest default when empty.
func (e *testEnv) getFrom(t *testing.T, target, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(e.ctx)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// logEntries decodes every JSON log line written so far.
func (e *testEnv) logEntries(t *testing.T) []map[string]any {
	t.Helper()
	entries, err := tflogtest.MultilineJSONDecode(bytes.NewReader(e.logs.Bytes()))
	require.NoError(t, err)
	return entries
}

// findLog returns the first log entry with the given message.
func findLog(entries []map[string]any, message string) map[string]any {
	for _, entry := range entries {
		if entry["@message"] == message {
			return entry
		}
	}
	return nil
}

func userEntry(dn string, attrs map[string][]string) *ldap.Entry {
	return ldap.NewEntry(dn, attrs)
}
