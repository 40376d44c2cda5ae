package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SessionState is the lifecycle position of a Session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateNegotiating
	StateBound
	StateSearching
	StateUnbound
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNegotiating:
		return "negotiating"
	case StateBound:
		return "bound"
	case StateSearching:
		return "searching"
	case StateUnbound:
		return "unbound"
	default:
		return "unknown"
	}
}

// Session is one TLS-secured, authenticated link to the directory.
// It is owned by a single request and never shared or reused.
type Session struct {
	config *ConnectionConfig
	server *ServerInfo
	tls    *tls.Config
	dialer Dialer

	conn  Conn
	state SessionState
}

func newSession(config *ConnectionConfig, server *ServerInfo, tlsConfig *tls.Config, dialer Dialer) *Session {
	return &Session{
		config: config,
		server: server,
		tls:    tlsConfig,
		dialer: dialer,
		state:  StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) transition(ctx context.Context, to SessionState) {
	tflog.SubsystemTrace(ctx, Subsystem, "Session state transition", map[string]any{
		"from": s.state.String(),
		"to":   to.String(),
	})
	s.state = to
}

// negotiate opens the connection and completes the TLS handshake.
func (s *Session) negotiate(ctx context.Context) error {
	if s.state != StateDisconnected {
		return fmt.Errorf("cannot negotiate from state %s", s.state)
	}
	s.transition(ctx, StateNegotiating)

	conn, err := s.dialer.Dial(ctx, s.server, s.tls, s.config.Timeout)
	if err != nil {
		ldapErr := NewLDAPError(OperationNegotiate, err)
		LogSessionEvent(ctx, "negotiation_failed", ErrorFields(ldapErr, map[string]any{
			"server": s.server.Address(),
		}))
		return ldapErr
	}
	s.conn = conn

	return nil
}

// bind authenticates the service identity.
func (s *Session) bind(ctx context.Context) error {
	if s.state != StateNegotiating || s.conn == nil {
		return fmt.Errorf("cannot bind from state %s", s.state)
	}

	var err error
	switch s.config.BindMethod {
	case BindMethodKerberos:
		err = kerberosBind(ctx, s.conn, s.config, s.server)
	default:
		err = s.conn.Bind(s.config.BindDN, s.config.BindPassword)
	}
	if err != nil {
		ldapErr := NewLDAPError(OperationBind, err)
		LogSessionEvent(ctx, "bind_failed", ErrorFields(ldapErr, map[string]any{
			"bind_dn":     s.config.BindDN,
			"bind_method": s.config.BindMethod.String(),
		}))
		return ldapErr
	}

	s.transition(ctx, StateBound)
	return nil
}

// Search runs filter under the base DN and returns the matching entries.
// A size-limit response still yields the entries received before the limit.
func (s *Session) Search(ctx context.Context, filter string, attributes []string) ([]*ldap.Entry, error) {
	if s.state != StateBound {
		return nil, NewLDAPError(OperationSearch, fmt.Errorf("cannot search from state %s", s.state))
	}
	s.transition(ctx, StateSearching)

	req := ldap.NewSearchRequest(
		s.config.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		s.config.SizeLimit,
		int(s.config.TimeLimit/time.Second),
		false,
		filter,
		attributes,
		nil,
	)

	result, err := s.conn.Search(req)
	if err != nil {
		if result != nil && ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			tflog.SubsystemWarn(ctx, Subsystem, "Search truncated by size limit", map[string]any{
				"size_limit": s.config.SizeLimit,
				"entries":    len(result.Entries),
			})
			return result.Entries, nil
		}
		return nil, NewLDAPError(OperationSearch, err)
	}

	return result.Entries, nil
}

// Close releases the session from whatever state it is in.
// An authenticated session is unbound first; the socket is always closed.
func (s *Session) Close(ctx context.Context) {
	if s.state == StateUnbound {
		return
	}

	if s.conn != nil {
		if s.state == StateBound || s.state == StateSearching {
			if err := s.conn.Unbind(); err != nil {
				tflog.SubsystemDebug(ctx, Subsystem, "Unbind failed", ErrorFields(err, nil))
			}
		}
		s.conn.Close()
	}

	s.transition(ctx, StateUnbound)
}

// dialTLS is the default Dialer. ldaps:// handshakes immediately; ldap://
// is upgraded with StartTLS before anything else is sent.
func dialTLS(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
	var (
		c   net.Conn
		err error
	)

	if server.UseTLS {
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: timeout},
			Config:    tlsConfig,
		}
		c, err = dialer.DialContext(ctx, "tcp", server.Address())
	} else {
		dialer := &net.Dialer{Timeout: timeout}
		c, err = dialer.DialContext(ctx, "tcp", server.Address())
	}
	if err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(deadline)
	}

	conn := ldap.NewConn(c, server.UseTLS)
	conn.SetTimeout(timeout)
	conn.Start()

	if !server.UseTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return &ldapConn{conn: conn}, nil
}

// ldapConn adapts *ldap.Conn to Conn.
type ldapConn struct {
	conn *ldap.Conn
}

func (c *ldapConn) Bind(username, password string) error {
	return c.conn.Bind(username, password)
}

func (c *ldapConn) GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error {
	return c.conn.GSSAPIBind(client, servicePrincipal, authzid)
}

func (c *ldapConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return c.conn.Search(req)
}

func (c *ldapConn) Unbind() error {
	return c.conn.Unbind()
}

func (c *ldapConn) Close() {
	c.conn.Close()
}
