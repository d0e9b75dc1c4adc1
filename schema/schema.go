// Package schema describes and validates the shape of records.
//
// A schema is a mapping from field name to a FieldSpec: scalar type, mandatory
// flag, default, index hint, or taxonomy binding. Schemas are compiled once
// per open; the compiled form drives validation, default materialization and
// index maintenance.
//
// Taxonomy-bound fields reference a taxonomy by name; the reference is
// resolved against the header's taxonomy set at validation time, never stored
// as a back-reference.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FieldType enumerates the supported field types.
type FieldType string

const (
	// TypeStr is a UTF-8 string field.
	TypeStr FieldType = "str"
	// TypeInt is a 64-bit integer field.
	TypeInt FieldType = "int"
	// TypeFloat is a 64-bit float field.
	TypeFloat FieldType = "float"
	// TypeBool is a boolean field.
	TypeBool FieldType = "bool"
	// TypeDateTime is a point-in-time field, serialized as RFC 3339.
	TypeDateTime FieldType = "datetime"
	// TypeObject is a nested object field with its own Fields.
	TypeObject FieldType = "object"
	// TypeList is a homogeneous list field described by Items.
	TypeList FieldType = "list"
)

// Scalar reports whether the type is one of the scalar kinds.
func (t FieldType) Scalar() bool {
	switch t {
	case TypeStr, TypeInt, TypeFloat, TypeBool, TypeDateTime:
		return true
	default:
		return false
	}
}

// TaxonomyMode controls how a taxonomy-bound field references keys.
type TaxonomyMode string

const (
	// ModeSingle binds a scalar field to exactly one taxonomy key.
	ModeSingle TaxonomyMode = "single"
	// ModeMulti binds a list field to a set of taxonomy keys.
	ModeMulti TaxonomyMode = "multi"
)

// FieldSpec describes a single field. The JSON shape matches the schema line
// of the file header.
type FieldSpec struct {
	Type            FieldType    `json:"type"`
	Mandatory       bool         `json:"mandatory,omitempty"`
	Default         any          `json:"default,omitempty"`
	Index           bool         `json:"index,omitempty"`
	Taxonomy        string       `json:"taxonomy,omitempty"`
	TaxonomyMode    TaxonomyMode `json:"taxonomy_mode,omitempty"`
	Strict          bool         `json:"strict,omitempty"`
	IndexMembership bool         `json:"index_membership,omitempty"`
	Items           *FieldSpec   `json:"items,omitempty"`
	Fields          Fields       `json:"fields,omitempty"`
}

// Fields maps field names to their specs.
type Fields map[string]FieldSpec

// DefinitionError reports a malformed schema definition.
type DefinitionError struct {
	Field  string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("schema definition error at %q: %s", e.Field, e.Reason)
}

// IndexedField is a scalar field flagged for secondary indexing.
type IndexedField struct {
	Path string
	Type FieldType
}

// MembershipField is a taxonomy-bound field flagged for reverse-membership
// indexing.
type MembershipField struct {
	Path     string
	Taxonomy string
	Mode     TaxonomyMode
}

// Schema is a compiled, internally-consistent field set.
type Schema struct {
	fields     Fields
	indexed    []IndexedField
	membership []MembershipField
	taxonomies []taxonomyRef
}

type taxonomyRef struct {
	path string
	name string
}

// Compile validates the field definitions and returns a compiled schema.
func Compile(fields Fields) (*Schema, error) {
	s := &Schema{fields: fields}
	if err := s.compileFields("", fields); err != nil {
		return nil, err
	}
	sort.Slice(s.indexed, func(i, j int) bool { return s.indexed[i].Path < s.indexed[j].Path })
	sort.Slice(s.membership, func(i, j int) bool { return s.membership[i].Path < s.membership[j].Path })
	return s, nil
}

func (s *Schema) compileFields(prefix string, fields Fields) error {
	for name, spec := range fields {
		if name == "" || strings.Contains(name, "/") {
			return &DefinitionError{Field: joinPath(prefix, name), Reason: "invalid field name"}
		}
		path := joinPath(prefix, name)
		switch spec.Type {
		case TypeStr, TypeInt, TypeFloat, TypeBool, TypeDateTime:
			if spec.Index {
				s.indexed = append(s.indexed, IndexedField{Path: path, Type: spec.Type})
			}
			if spec.Taxonomy != "" {
				if spec.TaxonomyMode != "" && spec.TaxonomyMode != ModeSingle {
					return &DefinitionError{Field: path, Reason: "scalar taxonomy field must use taxonomy_mode single"}
				}
				if spec.Type != TypeStr {
					return &DefinitionError{Field: path, Reason: "taxonomy binding requires a str field"}
				}
				s.taxonomies = append(s.taxonomies, taxonomyRef{path: path, name: spec.Taxonomy})
				s.membership = append(s.membership, MembershipField{Path: path, Taxonomy: spec.Taxonomy, Mode: ModeSingle})
			}
		case TypeObject:
			if len(spec.Fields) == 0 {
				return &DefinitionError{Field: path, Reason: "object field requires fields"}
			}
			if spec.Index {
				return &DefinitionError{Field: path, Reason: "object field cannot be indexed"}
			}
			if err := s.compileFields(path, spec.Fields); err != nil {
				return err
			}
		case TypeList:
			if spec.Items != nil && !spec.Items.Type.Scalar() {
				return &DefinitionError{Field: path, Reason: "list items must be scalar"}
			}
			if spec.Index {
				return &DefinitionError{Field: path, Reason: "list field cannot be scalar-indexed; use index_membership"}
			}
			if spec.Taxonomy != "" {
				if spec.TaxonomyMode != "" && spec.TaxonomyMode != ModeMulti {
					return &DefinitionError{Field: path, Reason: "list taxonomy field must use taxonomy_mode multi"}
				}
				s.taxonomies = append(s.taxonomies, taxonomyRef{path: path, name: spec.Taxonomy})
				if spec.IndexMembership {
					s.membership = append(s.membership, MembershipField{Path: path, Taxonomy: spec.Taxonomy, Mode: ModeMulti})
				}
			} else if spec.IndexMembership {
				return &DefinitionError{Field: path, Reason: "index_membership requires a taxonomy binding"}
			}
		default:
			return &DefinitionError{Field: path, Reason: fmt.Sprintf("unknown type %q", spec.Type)}
		}
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Fields returns the raw field definitions the schema was compiled from.
func (s *Schema) Fields() Fields { return s.fields }

// IndexedFields returns the scalar fields flagged for secondary indexing,
// sorted by path.
func (s *Schema) IndexedFields() []IndexedField { return s.indexed }

// MembershipFields returns the taxonomy-bound fields tracked in reverse
// membership indexes, sorted by path.
func (s *Schema) MembershipFields() []MembershipField { return s.membership }

// FieldAt resolves a "/"-separated path to its spec.
func (s *Schema) FieldAt(path string) (FieldSpec, bool) {
	parts := strings.Split(path, "/")
	fields := s.fields
	for i, p := range parts {
		spec, ok := fields[p]
		if !ok {
			return FieldSpec{}, false
		}
		if i == len(parts)-1 {
			return spec, true
		}
		if spec.Type != TypeObject {
			return FieldSpec{}, false
		}
		fields = spec.Fields
	}
	return FieldSpec{}, false
}

// CheckTaxonomyRefs verifies every taxonomy-bound field references a declared
// taxonomy.
func (s *Schema) CheckTaxonomyRefs(declared func(name string) bool) error {
	for _, ref := range s.taxonomies {
		if !declared(ref.name) {
			return &DefinitionError{Field: ref.path, Reason: fmt.Sprintf("references undeclared taxonomy %q", ref.name)}
		}
	}
	return nil
}

// Equal reports whether two field sets define the same schema. Comparison is
// over the canonical JSON encoding, which is what the file header stores.
func Equal(a, b Fields) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
