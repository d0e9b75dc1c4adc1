// Package taxonomy manages the controlled vocabularies stored in the file
// header.
//
// A taxonomy is a named set of keys, each carrying free-form attributes
// (typically a title). Schema fields reference taxonomies by name; edits that
// only touch key attributes rewrite the header, while structural edits
// (rename, merge, delete) additionally require a full-file migration of the
// records referencing the affected keys.
//
// All edit operations here are pure: they produce a new Set and never touch
// the engine or the file.
package taxonomy

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownTaxonomy is returned when a taxonomy name is not declared.
	ErrUnknownTaxonomy = errors.New("unknown taxonomy")
	// ErrUnknownKey is returned when a key is not declared in the taxonomy.
	ErrUnknownKey = errors.New("unknown taxonomy key")
	// ErrKeyExists is returned when a structural edit would silently
	// overwrite an existing key.
	ErrKeyExists = errors.New("taxonomy key already exists")
)

// Attrs holds the attributes of a single taxonomy key.
type Attrs map[string]any

// Definition is one taxonomy: key -> attributes.
type Definition map[string]Attrs

// Set is the full taxonomy section of the header: name -> definition.
type Set map[string]Definition

// Clone deep-copies the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for name, def := range s {
		d := make(Definition, len(def))
		for key, attrs := range def {
			a := make(Attrs, len(attrs))
			for k, v := range attrs {
				a[k] = v
			}
			d[key] = a
		}
		out[name] = d
	}
	return out
}

// Keys returns the declared key set of a taxonomy.
func (s Set) Keys(name string) (map[string]struct{}, bool) {
	def, ok := s[name]
	if !ok {
		return nil, false
	}
	keys := make(map[string]struct{}, len(def))
	for k := range def {
		keys[k] = struct{}{}
	}
	return keys, true
}

// Entry is a key with its attributes, used for listing.
type Entry struct {
	Key   string
	Attrs Attrs
}

// List returns the entries of a taxonomy sorted by key. Listing an undeclared
// taxonomy yields an empty slice.
func (s Set) List(name string) []Entry {
	def := s[name]
	entries := make([]Entry, 0, len(def))
	for key, attrs := range def {
		entries = append(entries, Entry{Key: key, Attrs: attrs})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Upsert inserts or updates a key's attributes. Declares the taxonomy on
// first use. This is a header-attribute edit, never structural.
func (s Set) Upsert(name, key string, attrs Attrs) Set {
	out := s.Clone()
	def, ok := out[name]
	if !ok {
		def = Definition{}
		out[name] = def
	}
	merged := def[key]
	if merged == nil {
		merged = Attrs{}
	}
	for k, v := range attrs {
		merged[k] = v
	}
	def[key] = merged
	return out
}

// CollisionPolicy controls renames onto an existing key.
type CollisionPolicy string

const (
	// CollisionReject fails the rename when the target key exists.
	CollisionReject CollisionPolicy = "reject"
	// CollisionMerge folds the renamed key into the existing target.
	CollisionMerge CollisionPolicy = "merge"
)

// Rename renames a key. A structural edit: callers must migrate record
// references from old to new.
func (s Set) Rename(name, oldKey, newKey string, policy CollisionPolicy) (Set, error) {
	def, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaxonomy, name)
	}
	attrs, ok := def[oldKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %q", ErrUnknownKey, oldKey, name)
	}
	if _, exists := def[newKey]; exists && policy != CollisionMerge {
		return nil, fmt.Errorf("%w: %q in %q", ErrKeyExists, newKey, name)
	}

	out := s.Clone()
	delete(out[name], oldKey)
	if existing, exists := out[name][newKey]; exists {
		for k, v := range attrs {
			if _, has := existing[k]; !has {
				existing[k] = v
			}
		}
	} else {
		out[name][newKey] = attrs
	}
	return out, nil
}

// Merge folds several keys into target. The target inherits nothing from the
// merged keys. Every merged key must be declared, and the target must be
// declared as well, either directly or as one of the merged keys.
// A structural edit.
func (s Set) Merge(name string, keys []string, target string) (Set, error) {
	def, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaxonomy, name)
	}
	for _, key := range keys {
		if _, ok := def[key]; !ok {
			return nil, fmt.Errorf("%w: %q in %q", ErrUnknownKey, key, name)
		}
	}
	if _, ok := def[target]; !ok {
		return nil, fmt.Errorf("%w: %q in %q", ErrUnknownKey, target, name)
	}

	out := s.Clone()
	if out[name][target] == nil {
		out[name][target] = Attrs{}
	}
	for _, key := range keys {
		if key != target {
			delete(out[name], key)
		}
	}
	return out, nil
}

// Delete removes a key. A structural edit: callers must detach record
// references to the key.
func (s Set) Delete(name, key string) (Set, error) {
	def, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaxonomy, name)
	}
	if _, ok := def[key]; !ok {
		return nil, fmt.Errorf("%w: %q in %q", ErrUnknownKey, key, name)
	}
	out := s.Clone()
	delete(out[name], key)
	return out, nil
}
