// Package blobstore stores large binary payloads outside the record log,
// addressed by content hash. Records carry only a small reference object,
// so identical payloads are stored once regardless of how many records
// point at them.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hupe1980/recgo/model"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// HashPrefix tags content hashes in references.
const HashPrefix = "sha256:"

// refMarker is the field name identifying a reference object inside a record.
const refMarker = "$blob"

// Ref is the in-record pointer to a stored blob.
type Ref struct {
	Hash     string // "sha256:<hex>"
	Size     int64
	Mime     string
	Filename string
}

// Object renders the reference as a record field value.
func (r Ref) Object() model.Object {
	o := model.Object{
		refMarker: model.String(r.Hash),
		"size":    model.Int(r.Size),
	}
	if r.Mime != "" {
		o["mime"] = model.String(r.Mime)
	}
	if r.Filename != "" {
		o["filename"] = model.String(r.Filename)
	}
	return o
}

// RefFromValue decodes a reference from a record field value. The second
// return is false when the value is not a reference object.
func RefFromValue(v model.Value) (Ref, bool) {
	o, ok := v.AsObject()
	if !ok {
		return Ref{}, false
	}
	hash, ok := o[refMarker]
	if !ok {
		return Ref{}, false
	}
	h, ok := hash.AsString()
	if !ok || !strings.HasPrefix(h, HashPrefix) {
		return Ref{}, false
	}
	ref := Ref{Hash: h}
	if sz, ok := o["size"]; ok {
		ref.Size, _ = sz.AsInt64()
	}
	if m, ok := o["mime"]; ok {
		ref.Mime, _ = m.AsString()
	}
	if f, ok := o["filename"]; ok {
		ref.Filename, _ = f.AsString()
	}
	return ref, true
}

// CollectRefs walks a record and appends every blob hash it references.
func CollectRefs(doc model.Object, into map[string]struct{}) {
	for _, v := range doc {
		collectValue(v, into)
	}
}

func collectValue(v model.Value, into map[string]struct{}) {
	if ref, ok := RefFromValue(v); ok {
		into[ref.Hash] = struct{}{}
		return
	}
	switch v.Kind {
	case model.KindObject:
		for _, child := range v.O {
			collectValue(child, into)
		}
	case model.KindList:
		for _, item := range v.L {
			collectValue(item, into)
		}
	}
}

// Store is a content-addressed blob backend. Put is idempotent per content,
// Delete is idempotent per hash.
type Store interface {
	// Put stores the reader's content and returns its reference. Content
	// already present is not rewritten.
	Put(ctx context.Context, r io.Reader) (Ref, error)
	// Open opens a stored blob for reading.
	Open(ctx context.Context, hash string) (io.ReadCloser, error)
	// Hashes lists every stored blob hash.
	Hashes(ctx context.Context) ([]string, error)
	// Delete removes a blob. Deleting an absent hash is not an error.
	Delete(ctx context.Context, hash string) error
}

// SplitHash validates a reference hash and returns its hex digest.
func SplitHash(hash string) (string, error) {
	hex, ok := strings.CutPrefix(hash, HashPrefix)
	if !ok || len(hex) != 64 {
		return "", fmt.Errorf("malformed blob hash %q", hash)
	}
	return hex, nil
}
