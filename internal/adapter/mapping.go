// Package adapter maps raw upstream payloads onto the canonical property
// record. Each source has its own adapter; both produce the same shape so
// downstream validation and storage never care where a record came from.
package adapter

import (
	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed mappings.yaml
var mappingsYAML []byte

// FieldMap resolves a canonical field name to an ordered list of candidate
// raw field names. Candidates are tried in order.
type FieldMap map[string][]string

var sourceMappings map[string]FieldMap

func init() {
	if err := yaml.Unmarshal(mappingsYAML, &sourceMappings); err != nil {
		panic("adapter: bad embedded mapping table: " + err.Error())
	}
}

// MappingFor returns the field mapping for a source tag, or an empty map
// when the source has no structural mapping (the MLS source maps through
// the HTML parser instead).
func MappingFor(source string) FieldMap {
	if m, ok := sourceMappings[source]; ok {
		return m
	}
	return FieldMap{}
}

// lookup returns the first candidate value present and non-null in raw.
func (m FieldMap) lookup(raw map[string]any, field string) (any, bool) {
	for _, key := range m[field] {
		if v, ok := raw[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (m FieldMap) str(raw map[string]any, field string) string {
	v, ok := m.lookup(raw, field)
	if !ok {
		return ""
	}
	return asString(v)
}
