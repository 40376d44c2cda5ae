/*
Package ldap implements the directory side of the search gateway.

# Query Construction

Search terms arrive from untrusted callers and pass through two steps before
they reach the server:

  - Sanitize strips filter metacharacters and control characters and bounds the length
  - BuildFilter places the sanitized term into a fixed template chosen by a MatchPolicy

The term is only ever used as an assertion value. Attribute names come from
configuration and are validated at startup.

# Sessions

Connector opens a fresh Session for every search. A Session moves through

	disconnected → negotiating → bound → searching → unbound

and is closed on every exit path, including timeouts and failed binds. There
is no pooling: one request's TLS or bind failure cannot affect another.

Transport security is mandatory. ldaps:// URLs handshake immediately and
ldap:// URLs are upgraded with StartTLS before the bind. Certificate
verification cannot be disabled.

The service identity binds with a password (simple bind) or with Kerberos
(GSSAPI) using a keytab, a credential cache or a password. Without a
krb5.conf a minimal configuration is generated that locates KDCs via DNS.

When no URL is configured, servers are discovered once at startup from the
_ldaps._tcp and _ldap._tcp SRV records of the domain. Each session tries them
in priority order until one negotiates.

# Projection

Projector copies whitelisted attributes into DirectoryEntry values. Absent
attributes stay nil and are omitted from JSON. Binary objectSid and
objectGUID values are rendered as their string forms.

# Error Handling

Failures are returned as *LDAPError, which records the session operation that
failed (negotiate, bind or search) alongside a category derived from the LDAP
result code or the underlying network or TLS error. LDAPError text can contain
server diagnostics and must not be shown to callers.

# Example Usage

	connector, err := ldap.NewConnector(ctx, &ldap.ConnectionConfig{
		URL:          "ldaps://ldap.example.org",
		BaseDN:       "dc=example,dc=org",
		BindDN:       "cn=gateway,ou=services,dc=example,dc=org",
		BindPassword: password,
		Timeout:      10 * time.Second,
	})
	if err != nil {
		return err
	}

	query := ldap.NewSearchQuery(raw)
	filter, err := ldap.BuildFilter(query.Sanitized, ldap.DefaultMatchPolicy())
	if err != nil {
		return err
	}

	projector, _ := ldap.NewProjector(nil, nil)
	entries, err := connector.Search(ctx, filter, projector.Attributes())
	if err != nil {
		return err
	}
	results := projector.Project(entries)
*/
package ldap
