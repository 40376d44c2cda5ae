package ldap

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Resolver looks up DNS SRV records. *net.Resolver satisfies it.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVDiscovery finds directory servers for a domain from DNS SRV records.
type SRVDiscovery struct {
	resolver Resolver
}

// NewSRVDiscovery creates a discovery instance. A nil resolver uses net.DefaultResolver.
func NewSRVDiscovery(resolver Resolver) *SRVDiscovery {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &SRVDiscovery{resolver: resolver}
}

// DiscoverServers returns the servers for domain in preference order:
//  1. _ldaps._tcp.<domain> (LDAPS)
//  2. _ldap._tcp.<domain> (LDAP upgraded with StartTLS)
//
// Global catalog records are not consulted; a global catalog does not hold
// every attribute a search may request. When no record is found the domain
// name itself is tried on the standard ports.
func (d *SRVDiscovery) DiscoverServers(ctx context.Context, domain string) ([]*ServerInfo, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	start := time.Now()

	for _, record := range []struct {
		service string
		useTLS  bool
	}{
		{"ldaps", true},
		{"ldap", false},
	} {
		servers, err := d.lookupSRV(ctx, record.service, domain, record.useTLS)
		if err != nil {
			tflog.SubsystemDebug(ctx, Subsystem, "SRV lookup failed, continuing to next service", map[string]any{
				"service": "_" + record.service + "._tcp." + domain,
				"error":   err.Error(),
			})
			continue
		}

		sortServersByPriority(servers)

		tflog.SubsystemDebug(ctx, Subsystem, "Server discovery completed", map[string]any{
			"domain":       domain,
			"duration_ms":  time.Since(start).Milliseconds(),
			"server_count": len(servers),
		})
		return servers, nil
	}

	tflog.SubsystemWarn(ctx, Subsystem, "No SRV records found, using domain name", map[string]any{
		"domain": domain,
	})
	return fallbackServers(domain), nil
}

func (d *SRVDiscovery) lookupSRV(ctx context.Context, service, domain string, useTLS bool) ([]*ServerInfo, error) {
	_, records, err := d.resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for _%s._tcp.%s", service, domain)
	}

	servers := make([]*ServerInfo, 0, len(records))
	for _, srv := range records {
		server := &ServerInfo{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			UseTLS:   useTLS,
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
			Source:   "srv",
		}
		// RFC 2782: a target of "." means the service is decidedly not available
		if ValidateServerInfo(server) != nil {
			continue
		}
		servers = append(servers, server)
	}

	if len(servers) == 0 {
		return nil, fmt.Errorf("no usable SRV records for _%s._tcp.%s", service, domain)
	}
	return servers, nil
}

func fallbackServers(domain string) []*ServerInfo {
	return []*ServerInfo{
		{Host: domain, Port: 636, UseTLS: true, Priority: 0, Weight: 100, Source: "fallback"},
		{Host: domain, Port: 389, UseTLS: false, Priority: 1, Weight: 100, Source: "fallback"},
	}
}

// sortServersByPriority orders by ascending priority, then descending weight (RFC 2782).
func sortServersByPriority(servers []*ServerInfo) {
	slices.SortStableFunc(servers, func(a, b *ServerInfo) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
}

// domainFromBaseDN derives a DNS domain from the dc= components of a DN,
// e.g. "ou=people,dc=example,dc=org" gives "example.org".
func domainFromBaseDN(baseDN string) string {
	dn, err := ldap.ParseDN(baseDN)
	if err != nil {
		return ""
	}

	var labels []string
	for _, rdn := range dn.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, "dc") {
				labels = append(labels, attr.Value)
			}
		}
	}
	return strings.ToLower(strings.Join(labels, "."))
}
