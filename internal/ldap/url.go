package ldap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-ldap/ldap/v3"
)

// ParseLDAPURL parses an LDAP URL into ServerInfo.
// Only ldaps:// and ldap:// are accepted; plain ldap:// is always upgraded with StartTLS.
func ParseLDAPURL(rawURL string) (*ServerInfo, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL: %w", err)
	}

	server := &ServerInfo{Host: u.Hostname()}
	defaultPort := ldap.DefaultLdapPort

	switch u.Scheme {
	case "ldaps":
		server.UseTLS = true
		defaultPort = ldap.DefaultLdapsPort
	case "ldap":
		server.UseTLS = false
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap:// or ldaps://", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	server.Port, err = strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port number: %s", port)
	}

	return server, ValidateServerInfo(server)
}

// ValidateServerInfo validates server information.
func ValidateServerInfo(server *ServerInfo) error {
	if server == nil {
		return fmt.Errorf("server info cannot be nil")
	}

	if server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", server.Port)
	}

	return nil
}

// Address returns host:port for dialing.
func (s *ServerInfo) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ServerInfoToURL converts ServerInfo back to an LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, server.Address())
}
