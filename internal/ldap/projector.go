package ldap

import (
	"fmt"
	"slices"

	"github.com/go-ldap/ldap/v3"
)

// Response fields a DirectoryEntry can carry.
const (
	FieldUsername    = "username"
	FieldUIDNumber   = "uidNumber"
	FieldDisplayName = "displayName"
	FieldCN          = "cn"
	FieldEmail       = "email"
	FieldSID         = "sid"
	FieldGUID        = "guid"
)

// KnownFields lists every field in response order.
var KnownFields = []string{FieldUsername, FieldUIDNumber, FieldDisplayName, FieldCN, FieldEmail, FieldSID, FieldGUID}

// DefaultAttributeMap maps response fields to upstream attribute names.
var DefaultAttributeMap = map[string]string{
	FieldUsername:    "uid",
	FieldUIDNumber:   "uidNumber",
	FieldDisplayName: "displayName",
	FieldCN:          "cn",
	FieldEmail:       "mail",
	FieldSID:         "objectSid",
	FieldGUID:        "objectGUID",
}

// DefaultFields is the whitelist used when none is configured.
var DefaultFields = []string{FieldUsername, FieldCN, FieldEmail}

// DirectoryEntry is the public projection of one upstream record.
// A nil field was not present upstream and is omitted from JSON.
type DirectoryEntry struct {
	Username    *string `json:"username,omitempty"`
	UIDNumber   *string `json:"uidNumber,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
	CN          *string `json:"cn,omitempty"`
	Email       *string `json:"email,omitempty"`
	SID         *string `json:"sid,omitempty"`
	GUID        *string `json:"guid,omitempty"`
}

// Projector copies whitelisted attributes from upstream entries.
type Projector struct {
	fields     []string
	attributes map[string]string
}

// NewProjector builds a projector for fields. overrides replaces upstream
// attribute names from DefaultAttributeMap, e.g. {"username": "sAMAccountName"}.
func NewProjector(fields []string, overrides map[string]string) (*Projector, error) {
	if len(fields) == 0 {
		fields = DefaultFields
	}

	attributes := make(map[string]string, len(DefaultAttributeMap))
	for field, attr := range DefaultAttributeMap {
		attributes[field] = attr
	}
	for field, attr := range overrides {
		if !slices.Contains(KnownFields, field) {
			return nil, &ConfigError{Field: "attribute_map", Message: fmt.Sprintf("unknown field %q", field)}
		}
		if !attributeNamePattern.MatchString(attr) {
			return nil, &ConfigError{Field: "attribute_map", Message: fmt.Sprintf("invalid attribute name %q", attr)}
		}
		attributes[field] = attr
	}

	selected := make([]string, 0, len(fields))
	for _, field := range KnownFields {
		if slices.Contains(fields, field) {
			selected = append(selected, field)
		}
	}
	for _, field := range fields {
		if !slices.Contains(KnownFields, field) {
			return nil, &ConfigError{Field: "fields", Message: fmt.Sprintf("unknown field %q", field)}
		}
	}

	return &Projector{fields: selected, attributes: attributes}, nil
}

// Fields returns the whitelisted response fields.
func (p *Projector) Fields() []string {
	return slices.Clone(p.fields)
}

// Attributes returns the upstream attributes to request.
func (p *Projector) Attributes() []string {
	attrs := make([]string, 0, len(p.fields))
	for _, field := range p.fields {
		attrs = append(attrs, p.attributes[field])
	}
	return attrs
}

// Project maps entries in order. The result is never nil.
func (p *Projector) Project(entries []*ldap.Entry) []DirectoryEntry {
	out := make([]DirectoryEntry, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		out = append(out, p.project(entry))
	}
	return out
}

func (p *Projector) project(entry *ldap.Entry) DirectoryEntry {
	var de DirectoryEntry

	for _, field := range p.fields {
		attr := p.attributes[field]

		switch field {
		case FieldSID:
			if sid, ok := entrySID(entry, attr); ok {
				de.SID = &sid
			}
			continue
		case FieldGUID:
			if guid, ok := entryGUID(entry, attr); ok {
				de.GUID = &guid
			}
			continue
		}

		value := entry.GetEqualFoldAttributeValue(attr)
		if value == "" {
			continue
		}

		switch field {
		case FieldUsername:
			de.Username = &value
		case FieldUIDNumber:
			de.UIDNumber = &value
		case FieldDisplayName:
			de.DisplayName = &value
		case FieldCN:
			de.CN = &value
		case FieldEmail:
			de.Email = &value
		}
	}

	return de
}
