package ldap

import (
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// minSIDLength is the size of a binary SID with no sub-authorities.
const minSIDLength = 8

// entrySID extracts objectSid from an entry as an S-1-... string.
// Active Directory returns the binary form; directories that already store the
// string form are passed through. The boolean is false when no usable SID exists.
func entrySID(entry *ldap.Entry, attribute string) (string, bool) {
	raw := entry.GetEqualFoldRawAttributeValue(attribute)
	if len(raw) == 0 {
		return "", false
	}

	if s := string(raw); strings.HasPrefix(s, "S-") {
		return s, true
	}

	if len(raw) < minSIDLength || int(raw[1])*4+minSIDLength != len(raw) {
		return "", false
	}

	return objectsid.Decode(raw).String(), true
}
