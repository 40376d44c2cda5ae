package ldap

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// MatchMode selects how the search term is compared to attribute values.
type MatchMode string

const (
	MatchPrefix MatchMode = "prefix" // (attr=term*)
	MatchExact  MatchMode = "exact"  // (attr=term)
)

// matchNothing is a filter no entry satisfies.
const matchNothing = "(!(objectClass=*))"

// attributeNamePattern accepts an LDAP attribute descriptor or a numeric OID.
var attributeNamePattern = regexp.MustCompile(`^(?:[A-Za-z][A-Za-z0-9-]*|[0-9]+(?:\.[0-9]+)+)$`)

// MatchPolicy describes which attributes a search term is matched against.
type MatchPolicy struct {
	// Attributes are OR-ed together; at least one is required.
	Attributes []string
	Mode       MatchMode

	// ExcludeSuffixes drops entries whose first attribute ends in any suffix,
	// e.g. "adm" excludes admin accounts with (!(uid=*adm)).
	ExcludeSuffixes []string

	// ObjectClass, when set, restricts matches to one object class.
	ObjectClass string
}

// DefaultMatchPolicy matches a prefix of either the identifier or the email address.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		Attributes: []string{"uid", "mail"},
		Mode:       MatchPrefix,
	}
}

// Validate reports a policy that cannot produce a well-formed filter.
func (p MatchPolicy) Validate() error {
	if len(p.Attributes) == 0 {
		return &ConfigError{Field: "match.attributes", Message: "at least one attribute is required"}
	}
	for _, attr := range p.Attributes {
		if !attributeNamePattern.MatchString(attr) {
			return &ConfigError{Field: "match.attributes", Message: fmt.Sprintf("invalid attribute name %q", attr)}
		}
	}

	switch p.Mode {
	case "", MatchPrefix, MatchExact:
	default:
		return &ConfigError{Field: "match.mode", Message: fmt.Sprintf("unknown mode %q", p.Mode)}
	}

	for _, suffix := range p.ExcludeSuffixes {
		if suffix == "" {
			return &ConfigError{Field: "match.exclude_suffixes", Message: "suffix cannot be empty"}
		}
	}

	if p.ObjectClass != "" && !attributeNamePattern.MatchString(p.ObjectClass) {
		return &ConfigError{Field: "match.object_class", Message: fmt.Sprintf("invalid object class %q", p.ObjectClass)}
	}

	return nil
}

// BuildFilter composes a filter from a sanitized term and policy. The term is
// only ever placed in assertion values and is escaped on the way in.
//
// An empty term is a deliberate policy: in prefix mode it becomes a presence
// match on every configured attribute, in exact mode it matches nothing.
func BuildFilter(term string, policy MatchPolicy) (string, error) {
	if err := policy.Validate(); err != nil {
		return "", err
	}

	mode := policy.Mode
	if mode == "" {
		mode = MatchPrefix
	}

	if term == "" && mode == MatchExact {
		return matchNothing, nil
	}

	value := ldap.EscapeFilter(term)
	if mode == MatchPrefix {
		value += "*"
	}

	var match string
	if len(policy.Attributes) == 1 {
		match = assertion(policy.Attributes[0], value)
	} else {
		var b strings.Builder
		b.WriteString("(|")
		for _, attr := range policy.Attributes {
			b.WriteString(assertion(attr, value))
		}
		b.WriteString(")")
		match = b.String()
	}

	parts := make([]string, 0, 2+len(policy.ExcludeSuffixes))
	if policy.ObjectClass != "" {
		parts = append(parts, assertion("objectClass", ldap.EscapeFilter(policy.ObjectClass)))
	}
	parts = append(parts, match)
	for _, suffix := range policy.ExcludeSuffixes {
		parts = append(parts, "(!"+assertion(policy.Attributes[0], "*"+ldap.EscapeFilter(suffix))+")")
	}

	filter := match
	if len(parts) > 1 {
		filter = "(&" + strings.Join(parts, "") + ")"
	}

	if _, err := ldap.CompileFilter(filter); err != nil {
		return "", fmt.Errorf("built filter does not compile: %w", err)
	}

	return filter, nil
}

func assertion(attr, value string) string {
	return "(" + attr + "=" + value + ")"
}
