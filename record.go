package recgo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/recgo/model"
)

// Meta is the per-record bookkeeping exposed alongside a loaded record.
type Meta struct {
	ID     string
	TS     time.Time
	SHA256 string
}

// Record is a mutable handle over one record. A new handle starts with all
// schema defaults materialized; Save validates, normalizes and appends it.
// Save detects concurrent modification against the content hash seen at load
// time.
type Record struct {
	db        *DB
	id        string
	doc       model.Object
	loadedSHA string // data line hash at load; empty for new records
	exists    bool   // stored and live at load time
	dirty     bool
	projected bool // loaded through a field projection; not saveable
	meta      Meta
}

// New creates an unsaved record with all schema defaults materialized. The id
// is assigned on first Save unless set explicitly.
func (db *DB) New() *Record {
	return &Record{
		db:    db,
		doc:   db.schema.ApplyDefaults(),
		dirty: true,
	}
}

// ID returns the record id; empty until assigned.
func (r *Record) ID() string { return r.id }

// Meta returns the stored meta summary of the record. Zero-valued for unsaved
// records.
func (r *Record) Meta() Meta { return r.meta }

// Dirty reports whether the handle has unsaved changes.
func (r *Record) Dirty() bool { return r.dirty }

// SetID sets the record id before the first save. Saving under an id that
// already exists fails with ErrDuplicateID.
func (r *Record) SetID(id string) {
	r.id = id
	r.dirty = true
}

// Set writes a value at a field path ("profile/score" descends into nested
// objects). The value is validated on Save, not here.
func (r *Record) Set(path string, value any) error {
	v, err := model.FromAny(value)
	if err != nil {
		return err
	}
	r.doc.SetPath(path, v)
	r.dirty = true
	return nil
}

// Get reads the value at a field path.
func (r *Record) Get(path string) (any, bool) {
	v, ok := r.doc.Lookup(path)
	if !ok {
		return nil, false
	}
	return v.ToAny(), true
}

// Unset removes the value at a field path. Mandatory fields fail validation
// on the next Save.
func (r *Record) Unset(path string) {
	r.doc.DeletePath(path)
	r.dirty = true
}

// Fields returns the record as a plain map.
func (r *Record) Fields() map[string]any {
	return r.doc.ToAny()
}

// Save validates, normalizes and appends the record. The first save of a new
// handle assigns a fresh id (unless SetID was called) and fails with
// ErrDuplicateID if the id is already live. Subsequent saves fail with
// ErrConflict when the stored record changed since this handle loaded it.
func (r *Record) Save(ctx context.Context) error {
	if r.projected {
		return errors.New("cannot save a projected record")
	}

	release, err := r.db.connectWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	create := !r.exists
	if r.id == "" {
		r.id = uuid.NewString()
	}

	if err := r.db.putLocked(ctx, r.id, r.doc, r.loadedSHA, create); err != nil {
		return err
	}

	r.db.mu.RLock()
	entry, _ := r.db.idx.Lookup(r.id)
	r.db.mu.RUnlock()

	// Re-read the normalized form so the handle matches what was stored.
	saved, err := r.db.getLocked(ctx, r.id)
	if err != nil {
		return err
	}
	r.doc = saved.doc
	r.loadedSHA = entry.SHA
	r.exists = true
	r.dirty = false
	r.meta = Meta{ID: r.id, TS: entry.TS, SHA256: entry.SHA}

	r.db.maybeAutoCompact(ctx)
	return nil
}

// Reload replaces the handle's content with the currently stored record,
// discarding unsaved changes.
func (r *Record) Reload(ctx context.Context) error {
	if r.id == "" {
		return ErrNotFound
	}
	fresh, err := r.db.Get(ctx, r.id)
	if err != nil {
		return err
	}
	r.doc = fresh.doc
	r.loadedSHA = fresh.loadedSHA
	r.exists = true
	r.dirty = false
	r.projected = false
	r.meta = fresh.meta
	return nil
}

// Delete removes the stored record. The handle keeps its content and can be
// saved again as a new record.
func (r *Record) Delete(ctx context.Context) error {
	if r.id == "" {
		return ErrNotFound
	}
	if err := r.db.DeleteByID(ctx, r.id); err != nil {
		return err
	}
	r.exists = false
	r.loadedSHA = ""
	r.dirty = true
	return nil
}
