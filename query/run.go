package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/recgo/codec"
	"github.com/hupe1980/recgo/index"
	"github.com/hupe1980/recgo/model"
	"github.com/hupe1980/recgo/schema"
)

// Runner executes queries against the index set and the raw log.
type Runner struct {
	Schema *schema.Schema
	Index  *index.Store
	Codec  codec.Codec
	// ReadData fetches the raw data line at a file offset.
	ReadData func(ctx context.Context, offset int64) ([]byte, error)
}

// Order is one ordering term; Path may be nested ("profile/score").
type Order struct {
	Path string
	Desc bool
}

// Options shape the result set after predicate filtering.
type Options struct {
	Limit   int // 0 means unlimited
	Skip    int
	OrderBy []Order
	Fields  []string // projection; the id field is always kept
}

// Match is one query result with its parsed record.
type Match struct {
	ID    string
	Doc   model.Object
	Entry *index.MetaEntry
}

// Run parses, plans and executes a query. Ordering, projection and limit are
// applied after candidate filtering, on the materialized result set.
func (r *Runner) Run(ctx context.Context, q Q, opt Options) ([]Match, error) {
	root, err := Parse(q, r.Schema)
	if err != nil {
		return nil, err
	}

	candidates := r.narrow(root)
	if candidates.IsEmpty() {
		return nil, nil
	}

	var matches []Match
	if Classify(root, r.Schema) == FastPlan {
		matches, err = r.runFast(ctx, root, candidates)
	} else {
		matches, err = r.runFull(ctx, root, candidates)
	}
	if err != nil {
		return nil, err
	}

	orderMatches(matches, opt.OrderBy)

	if opt.Skip > 0 {
		if opt.Skip >= len(matches) {
			return nil, nil
		}
		matches = matches[opt.Skip:]
	}
	if opt.Limit > 0 && len(matches) > opt.Limit {
		matches = matches[:opt.Limit]
	}

	if len(opt.Fields) > 0 {
		for i := range matches {
			matches[i].Doc = project(matches[i].Doc, opt.Fields)
		}
	}
	return matches, nil
}

// narrow computes the candidate id set: the live meta index intersected with
// every applicable secondary or reverse-membership posting list from the
// top-level conjunction. Predicates under $or never narrow.
func (r *Runner) narrow(root *And) *roaring.Bitmap {
	candidates := r.Index.Live()
	for _, child := range root.Children {
		cond, ok := child.(*Cond)
		if !ok {
			continue
		}
		if bm, ok := r.condCandidates(cond); ok {
			candidates.And(bm)
			if candidates.IsEmpty() {
				return candidates
			}
		}
	}
	return candidates
}

func (r *Runner) condCandidates(c *Cond) (*roaring.Bitmap, bool) {
	switch c.Op {
	case OpEq:
		if bm, ok := r.Index.EqCandidates(c.Path, c.Val); ok {
			return bm, true
		}
		return r.membershipCandidates(c.Path, c.Val)
	case OpGt:
		return r.Index.RangeCandidates(c.Path, &c.Val, nil, false, false)
	case OpGte:
		return r.Index.RangeCandidates(c.Path, &c.Val, nil, true, false)
	case OpLt:
		return r.Index.RangeCandidates(c.Path, nil, &c.Val, false, false)
	case OpLte:
		return r.Index.RangeCandidates(c.Path, nil, &c.Val, false, true)
	case OpIn:
		if !r.Index.HasScalarIndex(c.Path) {
			return nil, false
		}
		out := roaring.New()
		for _, v := range c.Vals {
			if bm, ok := r.Index.EqCandidates(c.Path, v); ok {
				out.Or(bm)
			}
		}
		return out, true
	case OpContains:
		return r.membershipCandidates(c.Path, c.Val)
	default:
		return nil, false
	}
}

func (r *Runner) membershipCandidates(path string, val model.Value) (*roaring.Bitmap, bool) {
	key, ok := val.AsString()
	if !ok {
		return nil, false
	}
	spec, ok := r.Schema.FieldAt(path)
	if !ok || spec.Taxonomy == "" {
		return nil, false
	}
	return r.Index.Membership(spec.Taxonomy, key)
}

func (r *Runner) runFast(ctx context.Context, root *And, candidates *roaring.Bitmap) ([]Match, error) {
	matchers, err := compileFast(root, r.Schema)
	if err != nil {
		return nil, err
	}

	var matches []Match
	it := candidates.Iterator()
	for it.HasNext() {
		local := it.Next()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := r.Index.IDOf(local)
		entry, ok := r.Index.Lookup(id)
		if !ok || entry.Deleted {
			continue
		}

		line, err := r.ReadData(ctx, entry.DataOffset)
		if err != nil {
			return nil, err
		}

		matched := true
		for _, m := range matchers {
			ok, err := m.match(line)
			if err != nil {
				return nil, err
			}
			if !ok {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}

		doc, err := r.parseLine(line)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{ID: id, Doc: doc, Entry: entry})
	}
	return matches, nil
}

func (r *Runner) runFull(ctx context.Context, root *And, candidates *roaring.Bitmap) ([]Match, error) {
	// Parse results are cached per id for this execution only.
	cache := make(map[uint32]model.Object)

	var matches []Match
	it := candidates.Iterator()
	for it.HasNext() {
		local := it.Next()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := r.Index.IDOf(local)
		entry, ok := r.Index.Lookup(id)
		if !ok || entry.Deleted {
			continue
		}

		doc, ok := cache[local]
		if !ok {
			line, err := r.ReadData(ctx, entry.DataOffset)
			if err != nil {
				return nil, err
			}
			doc, err = r.parseLine(line)
			if err != nil {
				return nil, err
			}
			cache[local] = doc
		}

		if evalNode(root, doc) {
			matches = append(matches, Match{ID: id, Doc: doc, Entry: entry})
		}
	}
	return matches, nil
}

func (r *Runner) parseLine(line []byte) (model.Object, error) {
	var raw map[string]any
	if err := r.Codec.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("parse data line: %w", err)
	}
	doc, err := model.ObjectFromAny(raw)
	if err != nil {
		return nil, err
	}
	r.Schema.CoerceStored(doc)
	return doc, nil
}

// orderMatches sorts in place by the ordering terms; records missing an
// ordering field sort first. The sort is stable so equal keys keep file
// order.
func orderMatches(matches []Match, orderBy []Order) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(matches, func(i, j int) bool {
		for _, term := range orderBy {
			vi, iok := matches[i].Doc.Lookup(term.Path)
			vj, jok := matches[j].Doc.Lookup(term.Path)
			var cmp int
			switch {
			case !iok && !jok:
				cmp = 0
			case !iok:
				cmp = -1
			case !jok:
				cmp = 1
			default:
				cmp = model.Compare(vi, vj)
			}
			if cmp == 0 {
				continue
			}
			if term.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// project keeps only the requested field paths plus the id field.
func project(doc model.Object, fields []string) model.Object {
	out := model.Object{}
	if id, ok := doc["id"]; ok {
		out["id"] = id
	}
	for _, path := range fields {
		if v, ok := doc.Lookup(path); ok {
			out.SetPath(path, v)
		}
	}
	return out
}
