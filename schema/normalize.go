package schema

import (
	"fmt"
	"time"

	"github.com/hupe1980/recgo/model"
)

// ValidationError reports a record that violates the schema. It is always
// surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed at %q: %s", e.Field, e.Reason)
}

// TaxonomyKeys reports the declared keys of a taxonomy. Used for strict
// membership validation; the bool result is false for unknown taxonomies.
type TaxonomyKeys func(name string) (map[string]struct{}, bool)

// Normalize validates rec against the schema and returns the normalized copy:
// all defaults materialized, all types coerced, mandatory fields enforced,
// strict taxonomy references checked. Fields not declared in the schema are
// rejected.
func (s *Schema) Normalize(rec model.Object, keys TaxonomyKeys) (model.Object, error) {
	return normalizeObject("", s.fields, rec, keys)
}

// CoerceStored restores typed values in a parsed stored record, in place.
// Stored data lines are already normalized; the only encoding that loses its
// kind in JSON is datetime, which serializes as an RFC 3339 string. Every
// path that parses a stored line back into a value tree must run this so
// datetime fields compare chronologically, not lexically.
func (s *Schema) CoerceStored(rec model.Object) {
	coerceStored(s.fields, rec)
}

func coerceStored(fields Fields, rec model.Object) {
	for name, spec := range fields {
		val, ok := rec[name]
		if !ok {
			continue
		}
		switch spec.Type {
		case TypeDateTime:
			if ts, ok := parseStoredTime(val); ok {
				rec[name] = ts
			}
		case TypeObject:
			if obj, ok := val.AsObject(); ok {
				coerceStored(spec.Fields, obj)
			}
		case TypeList:
			if spec.Items == nil || spec.Items.Type != TypeDateTime {
				continue
			}
			items, ok := val.AsList()
			if !ok {
				continue
			}
			out := make([]model.Value, len(items))
			for i, item := range items {
				if ts, ok := parseStoredTime(item); ok {
					out[i] = ts
				} else {
					out[i] = item
				}
			}
			rec[name] = model.List(out)
		}
	}
}

func parseStoredTime(v model.Value) (model.Value, bool) {
	s, ok := v.AsString()
	if !ok {
		return model.Value{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return model.Value{}, false
	}
	return model.DateTime(ts), true
}

// ApplyDefaults materializes defaults into a fresh object without enforcing
// mandatory fields. Used for newly created, not-yet-saved records.
func (s *Schema) ApplyDefaults() model.Object {
	out := model.Object{}
	applyDefaults(s.fields, out)
	return out
}

func applyDefaults(fields Fields, out model.Object) {
	for name, spec := range fields {
		switch spec.Type {
		case TypeObject:
			child := model.Object{}
			applyDefaults(spec.Fields, child)
			if len(child) > 0 {
				out[name] = model.Obj(child)
			}
		default:
			if spec.Default == nil {
				continue
			}
			if v, err := coerce(name, spec.Type, mustFromAny(spec.Default)); err == nil {
				out[name] = v
			}
		}
	}
}

func mustFromAny(v any) model.Value {
	val, err := model.FromAny(v)
	if err != nil {
		return model.Null()
	}
	return val
}

func normalizeObject(prefix string, fields Fields, rec model.Object, keys TaxonomyKeys) (model.Object, error) {
	for name := range rec {
		if _, ok := fields[name]; !ok {
			return nil, &ValidationError{Field: joinPath(prefix, name), Reason: "unknown field"}
		}
	}

	out := make(model.Object, len(fields))
	for name, spec := range fields {
		path := joinPath(prefix, name)
		val, present := rec[name]
		if present && val.IsNull() {
			present = false
		}

		if !present {
			if spec.Type == TypeObject {
				child, err := normalizeObject(path, spec.Fields, model.Object{}, keys)
				if err != nil {
					return nil, err
				}
				if len(child) > 0 {
					out[name] = model.Obj(child)
				} else if spec.Mandatory {
					return nil, &ValidationError{Field: path, Reason: "mandatory field missing"}
				}
				continue
			}
			if spec.Default != nil {
				dv, err := coerce(path, spec.Type, mustFromAny(spec.Default))
				if err != nil {
					return nil, err
				}
				out[name] = dv
				continue
			}
			if spec.Mandatory {
				return nil, &ValidationError{Field: path, Reason: "mandatory field missing"}
			}
			continue
		}

		switch spec.Type {
		case TypeObject:
			obj, ok := val.AsObject()
			if !ok {
				return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("expected object, got %s", val.Kind)}
			}
			child, err := normalizeObject(path, spec.Fields, obj, keys)
			if err != nil {
				return nil, err
			}
			out[name] = model.Obj(child)
		case TypeList:
			items, ok := val.AsList()
			if !ok {
				return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("expected list, got %s", val.Kind)}
			}
			norm := make([]model.Value, len(items))
			for i, item := range items {
				itemType := TypeStr
				if spec.Items != nil {
					itemType = spec.Items.Type
				}
				nv, err := coerce(fmt.Sprintf("%s[%d]", path, i), itemType, item)
				if err != nil {
					return nil, err
				}
				norm[i] = nv
			}
			if err := checkMembership(path, spec, model.List(norm), keys); err != nil {
				return nil, err
			}
			out[name] = model.List(norm)
		default:
			cv, err := coerce(path, spec.Type, val)
			if err != nil {
				return nil, err
			}
			if err := checkMembership(path, spec, cv, keys); err != nil {
				return nil, err
			}
			out[name] = cv
		}
	}
	return out, nil
}

func checkMembership(path string, spec FieldSpec, val model.Value, keys TaxonomyKeys) error {
	if spec.Taxonomy == "" || !spec.Strict || keys == nil {
		return nil
	}
	declared, ok := keys(spec.Taxonomy)
	if !ok {
		return &ValidationError{Field: path, Reason: fmt.Sprintf("unknown taxonomy %q", spec.Taxonomy)}
	}
	check := func(key string) error {
		if _, ok := declared[key]; !ok {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("key %q not in taxonomy %q", key, spec.Taxonomy)}
		}
		return nil
	}
	if items, ok := val.AsList(); ok {
		for _, item := range items {
			if s, ok := item.AsString(); ok {
				if err := check(s); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if s, ok := val.AsString(); ok {
		return check(s)
	}
	return nil
}

func coerce(path string, t FieldType, val model.Value) (model.Value, error) {
	switch t {
	case TypeStr:
		if val.Kind == model.KindString {
			return val, nil
		}
	case TypeInt:
		if val.Kind == model.KindInt {
			return val, nil
		}
	case TypeFloat:
		if f, ok := val.AsFloat64(); ok {
			return model.Float(f), nil
		}
	case TypeBool:
		if val.Kind == model.KindBool {
			return val, nil
		}
	case TypeDateTime:
		if val.Kind == model.KindDateTime {
			return val, nil
		}
		if s, ok := val.AsString(); ok {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return model.Value{}, &ValidationError{Field: path, Reason: fmt.Sprintf("invalid datetime %q", s)}
			}
			return model.DateTime(ts), nil
		}
	}
	return model.Value{}, &ValidationError{Field: path, Reason: fmt.Sprintf("expected %s, got %s", t, val.Kind)}
}
