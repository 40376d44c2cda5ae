package ldap

import (
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// guidLength is the size of a binary objectGUID.
const guidLength = 16

// entryGUID extracts a GUID from an entry in canonical hyphenated form.
// Active Directory returns objectGUID as 16 bytes whose first three groups are
// little-endian; directories with a textual identifier (OpenLDAP entryUUID)
// are parsed as-is. The boolean is false when no usable GUID exists.
func entryGUID(entry *ldap.Entry, attribute string) (string, bool) {
	raw := entry.GetEqualFoldRawAttributeValue(attribute)

	switch len(raw) {
	case 0:
		return "", false
	case guidLength:
		id, err := uuid.FromBytes(adGUIDToRFC4122(raw))
		if err != nil {
			return "", false
		}
		return id.String(), true
	}

	id, err := uuid.Parse(string(raw))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// adGUIDToRFC4122 reorders the little-endian Data1, Data2 and Data3 groups of
// an Active Directory GUID into network byte order. Data4 is unchanged.
func adGUIDToRFC4122(b []byte) []byte {
	return []byte{
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15],
	}
}
