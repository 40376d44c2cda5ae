package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for upstream directory sessions.
type ConnectionConfig struct {
	// Connection settings
	URL        string        // ldaps://host[:port] or ldap://host[:port] (StartTLS is mandatory)
	Domain     string        // DNS domain whose SRV records list the servers; used when URL is empty
	BaseDN     string        // Base DN for searches
	Timeout    time.Duration // Bound on negotiation, bind and search for one session
	ServerName string        // Overrides the TLS server name (defaults to the URL host)

	// Service identity
	BindMethod     BindMethod
	BindDN         string // DN or UPN of the service account
	BindPassword   string // Password for simple bind
	KerberosRealm  string // Kerberos realm for GSSAPI bind
	KerberosKeytab string // Path to the service keytab
	KerberosConfig string // Path to krb5.conf
	KerberosCCache string // Path to a credential cache
	KerberosSPN    string // Overrides the ldap/<host> service principal

	// TLS settings
	TLSConfig     *tls.Config // Base TLS configuration; verification cannot be disabled
	TLSCACertFile string      // Path to a PEM CA bundle trusted in addition to the system pool

	// Search limits
	SizeLimit int           // Maximum entries returned by one search (0 = server default)
	TimeLimit time.Duration // Server-side time limit for one search

	// Dialer exists to enable testing. When nil, a TLS dialer is used.
	Dialer Dialer
	// Resolver exists to enable testing. When nil, net.DefaultResolver is used.
	Resolver Resolver
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:    10 * time.Second,
		BindMethod: BindMethodSimple,
		SizeLimit:  50,
		TimeLimit:  5 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// ServerInfo contains information about the upstream LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool   // true for ldaps://, false for ldap:// upgraded with StartTLS
	Priority int    // SRV priority, lower is preferred
	Weight   int    // SRV weight within a priority
	Source   string // "srv" or "fallback" for discovered servers
}

// Conn abstracts one upstream LDAP connection (mostly for testing).
// It is the subset of *ldap.Conn the session state machine needs.
type Conn interface {
	Bind(username, password string) error
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Unbind() error
	Close()
}

// Dialer opens a TLS-secured Conn to the upstream server.
type Dialer interface {
	Dial(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config, timeout time.Duration) (Conn, error)
}

// DialerFunc makes it easy to use a func as a Dialer.
type DialerFunc func(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config, timeout time.Duration) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
	return f(ctx, server, tlsConfig, timeout)
}

// SessionStats provides statistics about upstream sessions.
type SessionStats struct {
	Active  int64         // Sessions currently open
	Opened  int64         // Total sessions opened
	Failed  int64         // Sessions that ended with an error
	Uptime  time.Duration // Connector uptime
}

// BindMethod defines how the service identity authenticates.
type BindMethod int

const (
	BindMethodSimple   BindMethod = iota // DN/UPN and password
	BindMethodKerberos                   // GSSAPI with keytab, ccache or password
)

// String returns string representation of the bind method.
func (b BindMethod) String() string {
	switch b {
	case BindMethodSimple:
		return "simple"
	case BindMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// ParseBindMethod converts a configuration string into a BindMethod.
func ParseBindMethod(s string) (BindMethod, error) {
	switch s {
	case "", "simple":
		return BindMethodSimple, nil
	case "kerberos", "gssapi":
		return BindMethodKerberos, nil
	default:
		return BindMethodSimple, &ConfigError{Field: "bind_method", Message: "unsupported bind method " + s}
	}
}

// Validate reports the first problem that would stop a Connector from being
// created or from binding.
func (c *ConnectionConfig) Validate() error {
	return validateConfig(c)
}

// ConfigError reports an invalid connector configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}
