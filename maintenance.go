package recgo

import (
	"context"
	"fmt"
	"io"

	"github.com/hupe1980/recgo/index"
	"github.com/hupe1980/recgo/logstore"
	"github.com/hupe1980/recgo/model"
	"github.com/hupe1980/recgo/schema"
)

// Compact rewrites the file keeping only the live, latest-version meta+data
// pairs. A no-op when the garbage ratio is below the configured threshold.
// The rewrite runs under the maintenance barrier: a rolling backup is taken,
// the new content is built in a temp file, atomically swapped in, and the
// indexes are rebuilt from the new file.
func (db *DB) Compact(ctx context.Context) error {
	release, err := db.connectMaintenance(ctx)
	if err != nil {
		return err
	}
	defer release()
	return db.compactLocked(ctx)
}

// maybeAutoCompact runs a compaction check after a committed write. The
// caller already holds the write-side connect, so only the barrier is raised
// on top. Failures are logged, never surfaced into the triggering write.
func (db *DB) maybeAutoCompact(ctx context.Context) {
	if !db.opts.autoCompact {
		return
	}
	db.mu.RLock()
	ratio := db.idx.GarbageRatio()
	db.mu.RUnlock()
	if ratio < db.opts.compactThreshold {
		return
	}

	db.barrier.Store(true)
	defer db.barrier.Store(false)
	if err := db.compactLocked(ctx); err != nil {
		db.logger.WarnContext(ctx, "auto compaction failed", "error", err)
	}
}

func (db *DB) compactLocked(ctx context.Context) error {
	db.mu.RLock()
	before := db.idx.GarbageRatio()
	db.mu.RUnlock()
	if before < db.opts.compactThreshold {
		return nil
	}

	err := db.rewriteFile(ctx, "compact", db.store.Header(), nil)
	if err != nil {
		db.logger.LogCompaction(ctx, before, 0, 0, err)
		return err
	}

	if n, err := db.gcBlobsLocked(ctx); err != nil {
		db.logger.WarnContext(ctx, "blob sweep failed", "error", err)
	} else if n > 0 {
		db.logger.DebugContext(ctx, "blob sweep completed", "removed", n)
	}

	db.mu.RLock()
	after := db.idx.GarbageRatio()
	kept := db.idx.LiveCount()
	db.mu.RUnlock()
	db.logger.LogCompaction(ctx, before, after, kept, nil)
	return nil
}

// migrateSchema rewrites every live record normalized under the newly
// supplied schema. Called from Open when the header schema differs; the
// indexes are first built under the stored schema so live pairs can be
// enumerated. Open holds no connect yet, so the cross-process exclusive
// lock is taken here for the whole rewrite.
func (db *DB) migrateSchema(ctx context.Context) error {
	unlock, err := db.store.Lock().AcquireExclusive(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	oldSch, err := schema.Compile(db.store.Header().Fields)
	if err != nil {
		return fmt.Errorf("stored schema does not compile: %w", err)
	}
	oldIdx, err := index.Build(ctx, db.store, oldSch, nil)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.idx = oldIdx
	db.mu.Unlock()

	db.barrier.Store(true)
	defer db.barrier.Store(false)

	newHeader := db.store.Header()
	newHeader.Fields = db.fields

	err = db.rewriteFile(ctx, "migrate-schema", newHeader, func(doc model.Object) (model.Object, error) {
		return db.schema.Normalize(doc, newHeader.Taxonomies.Keys)
	})
	db.logger.LogMigration(ctx, "schema", err)
	return err
}

// rewriteFile implements the uniform maintenance protocol: rolling backup,
// rewrite of header plus live pairs into a temp file, atomic swap, index
// rebuild. transform, when non-nil, maps each live record before it is
// re-serialized; its failure aborts the rewrite with the original file
// untouched. Callers hold the maintenance barrier.
func (db *DB) rewriteFile(ctx context.Context, phase string, newHeader logstore.HeaderDoc, transform func(model.Object) (model.Object, error)) error {
	if err := db.backups.Run(ctx); err != nil {
		return fmt.Errorf("backup before rewrite: %w", err)
	}

	db.mu.RLock()
	live := db.idx.LiveEntries()
	db.mu.RUnlock()

	tracker := newProgressTracker(db.opts.progress, phase)
	tracker.start("rewriting file")

	err := db.store.Replace(func(w io.Writer) error {
		header, err := logstore.EncodeHeader(db.codec, newHeader)
		if err != nil {
			return err
		}
		if _, err := w.Write(header); err != nil {
			return err
		}

		for i, p := range live {
			if err := ctx.Err(); err != nil {
				return err
			}
			line, err := db.store.ReadDataAt(ctx, p.Entry.DataOffset)
			if err != nil {
				return err
			}
			if transform != nil {
				line, err = db.transformLine(line, p.Entry.DataOffset, transform)
				if err != nil {
					return err
				}
			}
			meta := logstore.Meta{ID: p.ID, Op: logstore.OpPut, TS: p.Entry.TS}
			if _, err := logstore.WritePair(w, db.codec, meta, line); err != nil {
				return err
			}
			tracker.emit(float64(i+1)/float64(len(live))*100, "rewriting records")
		}
		return nil
	})
	if err != nil {
		return err
	}
	tracker.done("file rewritten")

	return db.rebuild(ctx, phase)
}

func (db *DB) transformLine(line []byte, offset int64, transform func(model.Object) (model.Object, error)) ([]byte, error) {
	var raw map[string]any
	if err := db.codec.Unmarshal(line, &raw); err != nil {
		return nil, &logstore.CorruptionError{Offset: offset, Reason: "unparsable data line"}
	}
	doc, err := model.ObjectFromAny(raw)
	if err != nil {
		return nil, &logstore.CorruptionError{Offset: offset, Reason: "data line does not decode into a record"}
	}
	out, err := transform(doc)
	if err != nil {
		return nil, err
	}
	return db.codec.Marshal(out.ToAny())
}

// editHeader rewrites the header lines only, byte-copying the log region into
// the temp file and shifting all in-memory offsets by the header length
// delta. No barrier and no index rebuild.
func (db *DB) editHeader(ctx context.Context, newHeader logstore.HeaderDoc) error {
	release, err := db.connectWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return db.editHeaderLocked(newHeader)
}

func (db *DB) editHeaderLocked(newHeader logstore.HeaderDoc) error {
	oldLen := db.store.HeaderLen()

	err := db.store.Replace(func(w io.Writer) error {
		header, err := logstore.EncodeHeader(db.codec, newHeader)
		if err != nil {
			return err
		}
		if _, err := w.Write(header); err != nil {
			return err
		}
		_, err = db.store.CopyRegion(w, oldLen)
		return err
	})
	if err != nil {
		return err
	}

	delta := db.store.HeaderLen() - oldLen
	db.mu.Lock()
	if delta != 0 {
		db.idx.ShiftOffsets(delta)
	}
	db.taxos = db.store.Header().Taxonomies
	db.mu.Unlock()
	return nil
}
