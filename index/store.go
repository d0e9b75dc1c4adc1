// Package index holds the in-memory index set of one open log file and keeps
// it in lockstep with every committed write.
//
// Three structures are maintained: the meta index (id -> latest meta summary),
// one ordered secondary index per indexable scalar field (value -> posting
// list), and one reverse-membership index per taxonomy (key -> posting list).
// Posting lists are Roaring Bitmaps over dense per-file local ids, allocated
// on first sight of a record id.
//
// Mutations (ApplyPut, ApplyDelete) are the only way indexes change after
// build. They are not internally synchronized; the concurrency coordinator
// guarantees single-writer visibility.
package index

import (
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"

	"github.com/hupe1980/recgo/logstore"
	"github.com/hupe1980/recgo/model"
	"github.com/hupe1980/recgo/schema"
)

// MetaEntry is the per-id summary of the latest meta record.
type MetaEntry struct {
	Local      uint32
	DataOffset int64 // -1 once deleted
	MetaOffset int64
	PairBytes  int64
	Deleted    bool
	TS         time.Time
	SHA        string

	// Values currently mirrored into the secondary and reverse-membership
	// indexes, retained so an update can remove them without re-reading the
	// superseded data line.
	indexedVals map[string]model.Value
	memberships map[string][]string
}

// Store is the mutable in-memory index set.
type Store struct {
	schema *schema.Schema

	meta   map[string]*MetaEntry
	locals []string // local id -> record id
	live   *roaring.Bitmap

	scalar map[string]*ScalarIndex            // field path -> index
	member map[string]map[string]*roaring.Bitmap // taxonomy -> key -> ids

	logBytes  int64 // bytes after the begin sentinel
	liveBytes int64 // bytes of current live pairs
}

// NewStore creates an empty index set for the given schema.
func NewStore(s *schema.Schema) *Store {
	st := &Store{
		schema: s,
		meta:   make(map[string]*MetaEntry),
		live:   roaring.New(),
		scalar: make(map[string]*ScalarIndex),
		member: make(map[string]map[string]*roaring.Bitmap),
	}
	for _, f := range s.IndexedFields() {
		st.scalar[f.Path] = newScalarIndex()
	}
	for _, m := range s.MembershipFields() {
		if _, ok := st.member[m.Taxonomy]; !ok {
			st.member[m.Taxonomy] = make(map[string]*roaring.Bitmap)
		}
	}
	return st
}

// Lookup returns the meta entry for an id. The second result is false for ids
// never seen in the log.
func (st *Store) Lookup(id string) (*MetaEntry, bool) {
	e, ok := st.meta[id]
	return e, ok
}

// IDOf maps a local id back to the record id.
func (st *Store) IDOf(local uint32) string { return st.locals[local] }

// Live returns a copy of the bitmap of non-deleted ids.
func (st *Store) Live() *roaring.Bitmap { return st.live.Clone() }

// LiveCount returns the number of non-deleted ids.
func (st *Store) LiveCount() uint64 { return st.live.GetCardinality() }

// HasScalarIndex reports whether a field path has a secondary index.
func (st *Store) HasScalarIndex(path string) bool {
	_, ok := st.scalar[path]
	return ok
}

// EqCandidates returns the posting list for an exact value of an indexed
// field. The bool result is false when the field has no secondary index.
func (st *Store) EqCandidates(path string, v model.Value) (*roaring.Bitmap, bool) {
	idx, ok := st.scalar[path]
	if !ok {
		return nil, false
	}
	return idx.Eq(v), true
}

// RangeCandidates returns the union of posting lists for values within the
// given bounds of an indexed field. Nil bounds are open.
func (st *Store) RangeCandidates(path string, min, max *model.Value, inclMin, inclMax bool) (*roaring.Bitmap, bool) {
	idx, ok := st.scalar[path]
	if !ok {
		return nil, false
	}
	return idx.Range(min, max, inclMin, inclMax), true
}

// Membership returns the posting list of ids currently holding a taxonomy
// key. The bool result is false when the taxonomy has no reverse index.
func (st *Store) Membership(tax, key string) (*roaring.Bitmap, bool) {
	keys, ok := st.member[tax]
	if !ok {
		return nil, false
	}
	bm, ok := keys[key]
	if !ok {
		return roaring.New(), true
	}
	return bm.Clone(), true
}

// MembershipStats returns the live usage count per key of a taxonomy.
func (st *Store) MembershipStats(tax string) map[string]uint64 {
	stats := make(map[string]uint64)
	for key, bm := range st.member[tax] {
		if n := bm.GetCardinality(); n > 0 {
			stats[key] = n
		}
	}
	return stats
}

// LiveEntry pairs a record id with its meta entry.
type LiveEntry struct {
	ID    string
	Entry *MetaEntry
}

// LiveEntries returns every live record in file order of its latest pair.
func (st *Store) LiveEntries() []LiveEntry {
	out := make([]LiveEntry, 0, st.live.GetCardinality())
	for id, e := range st.meta {
		if !e.Deleted {
			out = append(out, LiveEntry{ID: id, Entry: e})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Entry.MetaOffset < out[j].Entry.MetaOffset
	})
	return out
}

// GarbageRatio returns the fraction of log bytes occupied by superseded or
// deleted records. Zero for an empty log region.
func (st *Store) GarbageRatio() float64 {
	if st.logBytes == 0 {
		return 0
	}
	return float64(st.logBytes-st.liveBytes) / float64(st.logBytes)
}

// ShiftOffsets adjusts all stored file offsets by delta. Used after a
// header-only rewrite changes the header length.
func (st *Store) ShiftOffsets(delta int64) {
	for _, e := range st.meta {
		e.MetaOffset += delta
		if e.DataOffset >= 0 {
			e.DataOffset += delta
		}
	}
}

func (st *Store) alloc(id string) uint32 {
	local := uint32(len(st.locals))
	st.locals = append(st.locals, id)
	return local
}

// ApplyPut mirrors a committed put into the indexes. doc must be the
// normalized record of the appended data line.
func (st *Store) ApplyPut(doc model.Object, e logstore.Entry) {
	id := e.Meta.ID
	entry, ok := st.meta[id]
	if !ok {
		entry = &MetaEntry{Local: st.alloc(id)}
		st.meta[id] = entry
	} else if !entry.Deleted {
		st.liveBytes -= entry.PairBytes
		st.removeFromIndexes(entry)
	}

	entry.DataOffset = e.DataOffset
	entry.MetaOffset = e.MetaOffset
	entry.PairBytes = e.Size
	entry.Deleted = false
	entry.TS = e.Meta.TS
	entry.SHA = e.Meta.SHA256Data
	entry.indexedVals = st.extractIndexed(doc)
	entry.memberships = st.extractMemberships(doc)

	st.addToIndexes(entry)
	st.live.Add(entry.Local)
	st.liveBytes += e.Size
	st.logBytes += e.Size
}

// ApplyDelete mirrors a committed delete into the indexes.
func (st *Store) ApplyDelete(e logstore.Entry) {
	id := e.Meta.ID
	entry, ok := st.meta[id]
	if !ok {
		entry = &MetaEntry{Local: st.alloc(id)}
		st.meta[id] = entry
	} else if !entry.Deleted {
		st.liveBytes -= entry.PairBytes
		st.removeFromIndexes(entry)
		st.live.Remove(entry.Local)
	}

	entry.DataOffset = -1
	entry.MetaOffset = e.MetaOffset
	entry.PairBytes = 0
	entry.Deleted = true
	entry.TS = e.Meta.TS
	entry.SHA = ""
	entry.indexedVals = nil
	entry.memberships = nil

	st.logBytes += e.Size
}

func (st *Store) extractIndexed(doc model.Object) map[string]model.Value {
	fields := st.schema.IndexedFields()
	if len(fields) == 0 {
		return nil
	}
	vals := make(map[string]model.Value, len(fields))
	for _, f := range fields {
		if v, ok := doc.Lookup(f.Path); ok && v.IsScalar() {
			vals[f.Path] = v
		}
	}
	return vals
}

func (st *Store) extractMemberships(doc model.Object) map[string][]string {
	fields := st.schema.MembershipFields()
	if len(fields) == 0 {
		return nil
	}
	members := make(map[string][]string)
	for _, m := range fields {
		v, ok := doc.Lookup(m.Path)
		if !ok {
			continue
		}
		if items, ok := v.AsList(); ok {
			for _, item := range items {
				if key, ok := item.AsString(); ok {
					members[m.Taxonomy] = appendUnique(members[m.Taxonomy], key)
				}
			}
			continue
		}
		if key, ok := v.AsString(); ok {
			members[m.Taxonomy] = appendUnique(members[m.Taxonomy], key)
		}
	}
	return members
}

func appendUnique(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}

func (st *Store) addToIndexes(e *MetaEntry) {
	for path, v := range e.indexedVals {
		st.scalar[path].insert(v, e.Local)
	}
	for tax, keys := range e.memberships {
		bucket := st.member[tax]
		if bucket == nil {
			bucket = make(map[string]*roaring.Bitmap)
			st.member[tax] = bucket
		}
		for _, key := range keys {
			bm := bucket[key]
			if bm == nil {
				bm = roaring.New()
				bucket[key] = bm
			}
			bm.Add(e.Local)
		}
	}
}

func (st *Store) removeFromIndexes(e *MetaEntry) {
	for path, v := range e.indexedVals {
		st.scalar[path].remove(v, e.Local)
	}
	for tax, keys := range e.memberships {
		bucket := st.member[tax]
		for _, key := range keys {
			if bm := bucket[key]; bm != nil {
				bm.Remove(e.Local)
				if bm.IsEmpty() {
					delete(bucket, key)
				}
			}
		}
	}
}

// ScalarIndex is an ordered mapping from field value to posting list,
// supporting both equality and range lookups.
type ScalarIndex struct {
	tree *btree.BTreeG[scalarItem]
}

type scalarItem struct {
	val model.Value
	ids *roaring.Bitmap
}

func newScalarIndex() *ScalarIndex {
	return &ScalarIndex{
		tree: btree.NewG(16, func(a, b scalarItem) bool {
			return model.Compare(a.val, b.val) < 0
		}),
	}
}

func (idx *ScalarIndex) insert(v model.Value, local uint32) {
	item, ok := idx.tree.Get(scalarItem{val: v})
	if !ok {
		item = scalarItem{val: v, ids: roaring.New()}
		idx.tree.ReplaceOrInsert(item)
	}
	item.ids.Add(local)
}

func (idx *ScalarIndex) remove(v model.Value, local uint32) {
	item, ok := idx.tree.Get(scalarItem{val: v})
	if !ok {
		return
	}
	item.ids.Remove(local)
	if item.ids.IsEmpty() {
		idx.tree.Delete(item)
	}
}

// Eq returns a copy of the posting list for an exact value.
func (idx *ScalarIndex) Eq(v model.Value) *roaring.Bitmap {
	item, ok := idx.tree.Get(scalarItem{val: v})
	if !ok {
		return roaring.New()
	}
	return item.ids.Clone()
}

// Range returns the union of posting lists within the bounds. Nil bounds are
// open ends.
func (idx *ScalarIndex) Range(min, max *model.Value, inclMin, inclMax bool) *roaring.Bitmap {
	out := roaring.New()
	visit := func(item scalarItem) bool {
		if min != nil {
			cmp := model.Compare(item.val, *min)
			if cmp < 0 || (cmp == 0 && !inclMin) {
				return true
			}
		}
		if max != nil {
			cmp := model.Compare(item.val, *max)
			if cmp > 0 || (cmp == 0 && !inclMax) {
				return false
			}
		}
		out.Or(item.ids)
		return true
	}
	if min != nil {
		idx.tree.AscendGreaterOrEqual(scalarItem{val: *min}, visit)
	} else {
		idx.tree.Ascend(visit)
	}
	return out
}
