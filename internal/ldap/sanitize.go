package ldap

import (
	"strings"
	"unicode"
)

// MaxQueryLength is the maximum number of runes kept from a search term.
const MaxQueryLength = 100

// reservedChars have meaning in filter syntax or are unsafe in request paths.
const reservedChars = `()\/*&|<>~=`

// SearchQuery is one caller-supplied search term.
type SearchQuery struct {
	Raw       string
	Sanitized string
}

// NewSearchQuery sanitizes raw. Only Sanitized may be used to build filters.
func NewSearchQuery(raw string) SearchQuery {
	return SearchQuery{Raw: raw, Sanitized: Sanitize(raw)}
}

// Sanitize removes reserved filter characters and control characters from raw
// and truncates the result to MaxQueryLength runes. It never fails; the result
// may be empty.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(min(len(raw), MaxQueryLength*4))

	n := 0
	for _, r := range raw {
		if n == MaxQueryLength {
			break
		}
		if r == unicode.ReplacementChar || unicode.IsControl(r) || strings.ContainsRune(reservedChars, r) {
			continue
		}
		b.WriteRune(r)
		n++
	}

	return b.String()
}
