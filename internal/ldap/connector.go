package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Connector owns the upstream session lifecycle. Every call gets a fresh
// Session that is closed before the call returns.
type Connector struct {
	config  *ConnectionConfig
	targets []target
	dialer  Dialer

	created time.Time
	active  atomic.Int64
	opened  atomic.Int64
	failed  atomic.Int64
}

// target is one candidate server with the TLS settings for its host name.
type target struct {
	server *ServerInfo
	tls    *tls.Config
}

// NewConnector validates config and prepares the TLS settings shared by all
// sessions. With a Domain and no URL the candidate servers are discovered
// once, here, and tried in order by every session.
func NewConnector(ctx context.Context, config *ConnectionConfig) (*Connector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	servers, err := resolveServers(ctx, config)
	if err != nil {
		return nil, err
	}

	targets := make([]target, 0, len(servers))
	for _, server := range servers {
		tlsConfig, err := buildTLSConfig(config, server)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target{server: server, tls: tlsConfig})
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = DialerFunc(dialTLS)
	}

	primary := servers[0]
	tflog.SubsystemInfo(ctx, Subsystem, "LDAP connector created", map[string]any{
		"server":      ServerInfoToURL(primary),
		"servers":     len(servers),
		"base_dn":     config.BaseDN,
		"bind_method": config.BindMethod.String(),
		"start_tls":   !primary.UseTLS,
		"timeout_ms":  config.Timeout.Milliseconds(),
	})

	return &Connector{
		config:  config,
		targets: targets,
		dialer:  dialer,
		created: time.Now(),
	}, nil
}

func resolveServers(ctx context.Context, config *ConnectionConfig) ([]*ServerInfo, error) {
	if config.URL != "" {
		server, err := ParseLDAPURL(config.URL)
		if err != nil {
			return nil, &ConfigError{Field: "url", Message: err.Error()}
		}
		return []*ServerInfo{server}, nil
	}

	servers, err := NewSRVDiscovery(config.Resolver).DiscoverServers(ctx, config.Domain)
	if err != nil {
		return nil, &ConfigError{Field: "domain", Message: err.Error()}
	}
	return servers, nil
}

func validateConfig(config *ConnectionConfig) error {
	switch {
	case config.URL == "" && config.Domain == "":
		return &ConfigError{Field: "url", Message: "is required when no domain is set"}
	case config.BaseDN == "":
		return &ConfigError{Field: "base_dn", Message: "is required"}
	case config.BindDN == "":
		return &ConfigError{Field: "bind_dn", Message: "is required"}
	case config.Timeout <= 0:
		return &ConfigError{Field: "timeout", Message: "must be positive"}
	case config.SizeLimit < 0:
		return &ConfigError{Field: "size_limit", Message: "cannot be negative"}
	case config.BindMethod == BindMethodSimple && config.BindPassword == "":
		return &ConfigError{Field: "bind_password", Message: "is required for simple bind"}
	}

	if _, err := ldap.ParseDN(config.BaseDN); err != nil {
		return &ConfigError{Field: "base_dn", Message: err.Error()}
	}

	if config.BindMethod == BindMethodKerberos {
		return validateKerberos(config)
	}

	return nil
}

// buildTLSConfig derives the session TLS settings. Certificate verification
// cannot be turned off.
func buildTLSConfig(config *ConnectionConfig, server *ServerInfo) (*tls.Config, error) {
	var tlsConfig *tls.Config
	if config.TLSConfig != nil {
		tlsConfig = config.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}

	tlsConfig.InsecureSkipVerify = false
	if tlsConfig.MinVersion < tls.VersionTLS12 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	tlsConfig.ServerName = config.ServerName
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = server.Host
	}

	if config.TLSCACertFile != "" {
		pem, err := os.ReadFile(config.TLSCACertFile)
		if err != nil {
			return nil, &ConfigError{Field: "tls_ca_cert_file", Message: err.Error()}
		}

		pool := tlsConfig.RootCAs
		if pool == nil {
			pool, err = x509.SystemCertPool()
			if err != nil {
				pool = x509.NewCertPool()
			}
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &ConfigError{Field: "tls_ca_cert_file", Message: "no certificates found in " + config.TLSCACertFile}
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// withSession opens a session, binds it and runs fn. The session is
// unbound and closed on every path out of withSession.
func (c *Connector) withSession(ctx context.Context, fn func(context.Context, *Session) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var session *Session
	start := time.Now()
	c.opened.Add(1)
	c.active.Add(1)
	LogSessionEvent(ctx, "session_opened", map[string]any{"candidates": len(c.targets)})

	defer func() {
		// ctx may already be past its deadline; Close does not depend on it.
		if session != nil {
			session.Close(ctx)
		}
		c.active.Add(-1)
		if err != nil {
			c.failed.Add(1)
		}
		LogSessionEvent(ctx, "session_closed", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"failed":      err != nil,
		})
	}()

	if session, err = c.negotiate(ctx); err != nil {
		return err
	}
	if err = session.bind(ctx); err != nil {
		return err
	}

	return fn(ctx, session)
}

// negotiate tries each candidate server in order and returns the first
// session whose connection and TLS handshake succeed.
func (c *Connector) negotiate(ctx context.Context) (*Session, error) {
	var err error
	for i, t := range c.targets {
		session := newSession(c.config, t.server, t.tls, c.dialer)
		if err = session.negotiate(ctx); err == nil {
			return session, nil
		}
		session.Close(ctx)

		if ctx.Err() != nil || i == len(c.targets)-1 {
			break
		}
		tflog.SubsystemWarn(ctx, Subsystem, "Trying next server", map[string]any{
			"failed_server": t.server.Address(),
			"next_server":   c.targets[i+1].server.Address(),
		})
	}
	return nil, err
}

// Search executes filter under the configured base DN, requesting only attributes.
func (c *Connector) Search(ctx context.Context, filter string, attributes []string) ([]*ldap.Entry, error) {
	var entries []*ldap.Entry

	err := LogOperation(ctx, Subsystem, OperationSearch, map[string]any{
		"base_dn":    c.config.BaseDN,
		"attributes": attributes,
	}, func() error {
		return c.withSession(ctx, func(ctx context.Context, s *Session) error {
			var err error
			entries, err = s.Search(ctx, filter, attributes)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Check verifies that a session can be negotiated and bound.
func (c *Connector) Check(ctx context.Context) error {
	return c.withSession(ctx, func(context.Context, *Session) error {
		return nil
	})
}

// Stats returns session counters.
func (c *Connector) Stats() SessionStats {
	return SessionStats{
		Active: c.active.Load(),
		Opened: c.opened.Load(),
		Failed: c.failed.Load(),
		Uptime: time.Since(c.created),
	}
}

// Server returns the preferred upstream address.
func (c *Connector) Server() ServerInfo {
	return *c.targets[0].server
}

// Servers returns every candidate upstream address in preference order.
func (c *Connector) Servers() []ServerInfo {
	servers := make([]ServerInfo, len(c.targets))
	for i, t := range c.targets {
		servers[i] = *t.server
	}
	return servers
}

func (c *Connector) String() string {
	if len(c.targets) > 1 {
		return fmt.Sprintf("Connector(%s +%d)", ServerInfoToURL(c.targets[0].server), len(c.targets)-1)
	}
	return fmt.Sprintf("Connector(%s)", ServerInfoToURL(c.targets[0].server))
}
