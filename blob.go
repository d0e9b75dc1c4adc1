package recgo

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/recgo/blobstore"
	"github.com/hupe1980/recgo/logstore"
	"github.com/hupe1980/recgo/model"
)

// PutBlob stores the reader's content in the blob store and returns the
// reference to embed in a record field. Storing the same content twice
// returns the same hash.
func (db *DB) PutBlob(ctx context.Context, r io.Reader, mime, filename string) (blobstore.Ref, error) {
	ref, err := db.blobs.Put(ctx, r)
	if err != nil {
		return blobstore.Ref{}, err
	}
	ref.Mime = mime
	ref.Filename = filename
	return ref, nil
}

// OpenBlob opens the content behind a blob reference.
func (db *DB) OpenBlob(ctx context.Context, ref blobstore.Ref) (io.ReadCloser, error) {
	return db.blobs.Open(ctx, ref.Hash)
}

// ReferencedBlobHashes returns every blob hash referenced by a live record.
func (db *DB) ReferencedBlobHashes(ctx context.Context) (map[string]struct{}, error) {
	release, err := db.connectRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return db.referencedHashesLocked(ctx)
}

func (db *DB) referencedHashesLocked(ctx context.Context) (map[string]struct{}, error) {
	referenced := make(map[string]struct{})
	for _, p := range db.idx.LiveEntries() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := db.store.ReadDataAt(ctx, p.Entry.DataOffset)
		if err != nil {
			return nil, err
		}
		var raw map[string]any
		if err := db.codec.Unmarshal(line, &raw); err != nil {
			return nil, &logstore.CorruptionError{Offset: p.Entry.DataOffset, Reason: "unparsable data line"}
		}
		doc, err := model.ObjectFromAny(raw)
		if err != nil {
			return nil, &logstore.CorruptionError{Offset: p.Entry.DataOffset, Reason: "data line does not decode into a record"}
		}
		blobstore.CollectRefs(doc, referenced)
	}
	return referenced, nil
}

// GCBlobs removes every stored blob no live record references. It returns the
// number of blobs removed. Compaction runs the same sweep automatically. The
// sweep runs on the write side so a blob stored by a concurrent writer cannot
// slip past the reference snapshot and be removed.
func (db *DB) GCBlobs(ctx context.Context) (int, error) {
	release, err := db.connectWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return db.gcBlobsLocked(ctx)
}

func (db *DB) gcBlobsLocked(ctx context.Context) (int, error) {
	referenced, err := db.referencedHashesLocked(ctx)
	if err != nil {
		return 0, err
	}
	stored, err := db.blobs.Hashes(ctx)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	removed := 0
	for _, hash := range stored {
		if _, ok := referenced[hash]; ok {
			continue
		}
		removed++
		g.Go(func() error {
			return db.blobs.Delete(gctx, hash)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return removed, nil
}
