// internal/tags/rules.go
package tags

import (
	"strings"
)

// MappingType selects how a Rule decides whether its tag applies.
type MappingType string

const (
	PathSelector            MappingType = "path_selector"
	PathSelectorTrue        MappingType = "path_selector_true"
	PathSelectorFalse       MappingType = "path_selector_false"
	PathSelectorValueEquals MappingType = "path_selector_value_equals"
	PathSelectorValueIn     MappingType = "path_selector_value_in"
	CustomFieldPopulated    MappingType = "custom_field_populated"
	CustomFieldValue        MappingType = "custom_field_value"
)

// Tag prefixes for derived tags.
const (
	PrefixCustomType = "custom_type:"
	PrefixComponent  = "component:"
	PrefixCustomTag  = "custom_tag:"
)

// Rule is one declarative tag mapping configured on a work items source.
//
// Selector is a gjson path evaluated against the raw document. FieldName
// names a custom field and is resolved to its id through the source's
// custom field metadata.
type Rule struct {
	Name        string      `json:"name"`
	MappingType MappingType `json:"mapping_type"`
	Selector    string      `json:"selector,omitempty"`
	Value       any         `json:"value,omitempty"`
	Values      []any       `json:"values,omitempty"`
	FieldName   string      `json:"field_name,omitempty"`
}

// normalizedType accepts both "path-selector" and "path_selector" spellings.
func (r Rule) normalizedType() MappingType {
	t := strings.ToLower(strings.TrimSpace(string(r.MappingType)))
	return MappingType(strings.ReplaceAll(t, "-", "_"))
}

// CustomField is the metadata a tracker reports for one custom field.
type CustomField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
}

// FieldID resolves a custom field name to its id. Exact name matches win over
// case-insensitive ones. An id passed as name is accepted as-is.
func FieldID(fields []CustomField, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, f := range fields {
		if f.Name == name {
			return f.ID, true
		}
	}
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return f.ID, true
		}
	}
	for _, f := range fields {
		if f.ID == name || (f.Key != "" && f.Key == name) {
			return f.ID, true
		}
	}
	return "", false
}

// CanonicalTypes are the work item types that do not produce a custom_type tag.
var CanonicalTypes = map[string]bool{
	"story":    true,
	"task":     true,
	"sub-task": true,
	"subtask":  true,
	"bug":      true,
	"epic":     true,
	"feature":  true,
	"issue":    true,
}

// IsCanonicalType reports whether t is one of CanonicalTypes, ignoring case.
func IsCanonicalType(t string) bool {
	return CanonicalTypes[strings.ToLower(strings.TrimSpace(t))]
}
