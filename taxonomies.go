package recgo

import (
	"context"
	"fmt"

	"github.com/hupe1980/recgo/model"
	"github.com/hupe1980/recgo/taxonomy"
)

// Taxonomy returns the edit handle for a named controlled vocabulary.
// Attribute-only edits rewrite just the header; Rename, Merge and Delete are
// structural migrations that rewrite every referencing record under the
// maintenance barrier.
func (db *DB) Taxonomy(name string) *TaxonomyHandle {
	return &TaxonomyHandle{db: db, name: name}
}

// TaxonomyHandle edits one taxonomy of the open store.
type TaxonomyHandle struct {
	db   *DB
	name string
}

// Name returns the taxonomy name.
func (h *TaxonomyHandle) Name() string { return h.name }

// List returns the keys and attributes of the taxonomy, sorted by key.
func (h *TaxonomyHandle) List() []taxonomy.Entry {
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()
	return h.db.taxos.List(h.name)
}

// Stats returns the live usage count per key, from the reverse membership
// index. Keys with no live references are absent.
func (h *TaxonomyHandle) Stats() map[string]uint64 {
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()
	return h.db.idx.MembershipStats(h.name)
}

// Upsert adds or updates a key's attributes. This is a header-only edit: the
// log region is byte-copied and no record is rewritten.
func (h *TaxonomyHandle) Upsert(ctx context.Context, key string, attrs taxonomy.Attrs) error {
	h.db.mu.RLock()
	newSet := h.db.taxos.Upsert(h.name, key, attrs)
	h.db.mu.RUnlock()

	newHeader := h.db.store.Header()
	newHeader.Taxonomies = newSet
	err := h.db.editHeader(ctx, newHeader)
	h.db.logger.LogMigration(ctx, "taxonomy-upsert", err)
	return err
}

// Rename renames a key. Every live record referencing the old key is
// rewritten to reference the new one, atomically with the header change.
func (h *TaxonomyHandle) Rename(ctx context.Context, oldKey, newKey string) error {
	h.db.mu.RLock()
	newSet, err := h.db.taxos.Rename(h.name, oldKey, newKey, taxonomy.CollisionReject)
	h.db.mu.RUnlock()
	if err != nil {
		return err
	}
	err = h.migrate(ctx, "taxonomy-rename", newSet, func(key string) (string, bool) {
		if key == oldKey {
			return newKey, true
		}
		return key, true
	})
	h.db.logger.LogMigration(ctx, "taxonomy-rename", err)
	return err
}

// Merge folds several keys into a target key, rewriting every referencing
// record. The merged keys and the target must all be declared.
func (h *TaxonomyHandle) Merge(ctx context.Context, keys []string, target string) error {
	h.db.mu.RLock()
	newSet, err := h.db.taxos.Merge(h.name, keys, target)
	h.db.mu.RUnlock()
	if err != nil {
		return err
	}

	merged := make(map[string]bool, len(keys))
	for _, k := range keys {
		merged[k] = true
	}
	err = h.migrate(ctx, "taxonomy-merge", newSet, func(key string) (string, bool) {
		if merged[key] {
			return target, true
		}
		return key, true
	})
	h.db.logger.LogMigration(ctx, "taxonomy-merge", err)
	return err
}

// Delete removes a key and detaches it from every referencing record.
func (h *TaxonomyHandle) Delete(ctx context.Context, key string) error {
	h.db.mu.RLock()
	newSet, err := h.db.taxos.Delete(h.name, key)
	h.db.mu.RUnlock()
	if err != nil {
		return err
	}
	err = h.migrate(ctx, "taxonomy-delete", newSet, func(k string) (string, bool) {
		if k == key {
			return "", false
		}
		return k, true
	})
	h.db.logger.LogMigration(ctx, "taxonomy-delete", err)
	return err
}

// migrate runs a structural taxonomy migration: remap membership values in
// every live record, write the new taxonomies into the header, swap, rebuild.
func (h *TaxonomyHandle) migrate(ctx context.Context, phase string, newSet taxonomy.Set, mapKey func(string) (string, bool)) error {
	release, err := h.db.connectMaintenance(ctx)
	if err != nil {
		return err
	}
	defer release()

	newHeader := h.db.store.Header()
	newHeader.Taxonomies = newSet

	return h.db.rewriteFile(ctx, phase, newHeader, func(doc model.Object) (model.Object, error) {
		h.remap(doc, mapKey)
		out, err := h.db.schema.Normalize(doc, newSet.Keys)
		if err != nil {
			return nil, fmt.Errorf("record invalid after taxonomy migration: %w", err)
		}
		return out, nil
	})
}

// remap rewrites the membership values of every schema field bound to this
// taxonomy. Single-mode fields hold one key; multi-mode fields hold a list.
func (h *TaxonomyHandle) remap(doc model.Object, mapKey func(string) (string, bool)) {
	for _, f := range h.db.schema.MembershipFields() {
		if f.Taxonomy != h.name {
			continue
		}
		v, ok := doc.Lookup(f.Path)
		if !ok {
			continue
		}
		if key, ok := v.AsString(); ok {
			if mapped, keep := mapKey(key); !keep {
				doc.DeletePath(f.Path)
			} else if mapped != key {
				doc.SetPath(f.Path, model.String(mapped))
			}
			continue
		}
		if items, ok := v.AsList(); ok {
			out := make([]model.Value, 0, len(items))
			seen := make(map[string]bool, len(items))
			for _, item := range items {
				key, ok := item.AsString()
				if !ok {
					out = append(out, item)
					continue
				}
				mapped, keep := mapKey(key)
				if !keep || seen[mapped] {
					continue
				}
				seen[mapped] = true
				out = append(out, model.String(mapped))
			}
			doc.SetPath(f.Path, model.List(out))
		}
	}
}
