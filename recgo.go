// Package recgo is an embedded, single-file, strictly-typed record store.
//
// One append-mostly JSONL file holds a header (format and table metadata,
// field schema, controlled-vocabulary taxonomies) followed by a log of
// meta+data record pairs. On open, the engine scans the log once to rebuild
// all indexes in memory; thereafter reads are served from memory plus
// targeted file seeks, and writes are appended and mirrored into the indexes.
//
// The engine is single-writer, multi-reader within one process. Cross-process
// access is arbitrated through an advisory lock file. Compaction and schema
// or taxonomy migrations rewrite the file under a maintenance barrier and
// atomically swap it into place.
package recgo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/recgo/blobstore"
	"github.com/hupe1980/recgo/codec"
	"github.com/hupe1980/recgo/index"
	"github.com/hupe1980/recgo/logstore"
	"github.com/hupe1980/recgo/model"
	"github.com/hupe1980/recgo/query"
	"github.com/hupe1980/recgo/schema"
	"github.com/hupe1980/recgo/taxonomy"
)

// DB is one open record store instance. Instances over different files are
// fully independent; there is no process-wide state.
type DB struct {
	path   string
	opts   options
	logger *Logger
	codec  codec.Codec

	store   *logstore.Store
	schema  *schema.Schema
	fields  schema.Fields
	blobs   blobstore.Store
	backups *backupManager

	writeMu sync.Mutex   // writer serialization
	mu      sync.RWMutex // index set visibility
	idx     *index.Store
	taxos   taxonomy.Set

	barrier atomic.Bool
	closed  atomic.Bool
}

// Open opens the record store at path, creating the file when absent. fields
// and taxos describe the table; for a new file they are written into the
// header. For an existing file the header taxonomies are authoritative, and a
// header schema differing from fields triggers a full schema migration before
// Open returns.
func Open(ctx context.Context, path string, fields schema.Fields, taxos taxonomy.Set, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	if o.codec == nil {
		o.codec = codec.Default
	}
	if taxos == nil {
		taxos = taxonomy.Set{}
	}

	sch, err := schema.Compile(fields)
	if err != nil {
		return nil, err
	}
	if err := sch.CheckTaxonomyRefs(func(name string) bool {
		_, ok := taxos[name]
		return ok
	}); err != nil {
		return nil, err
	}

	init := logstore.HeaderDoc{
		Info: logstore.Header{
			Format:                     logstore.FormatName,
			Table:                      o.table,
			Comment:                    o.comment,
			Created:                    time.Now().UTC(),
			DefaultsAlwaysMaterialized: true,
		},
		Fields:     fields,
		Taxonomies: taxos,
	}
	ls, created, err := logstore.OpenOrInit(path, o.codec, init, o.lockRetry, o.tailRetry)
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:   path,
		opts:   o,
		logger: o.logger.WithTable(ls.Header().Info.Table),
		codec:  o.codec,
		store:  ls,
		schema: sch,
		fields: fields,
		taxos:  ls.Header().Taxonomies,
	}
	db.blobs = o.blobs
	if db.blobs == nil {
		db.blobs = blobstore.NewLocalStore(path + ".blobs")
	}
	db.backups = newBackupManager(path, path+".backup", o.backupKeep, db.logger)

	if !created && !schema.Equal(ls.Header().Fields, fields) {
		// The supplied schema supersedes the stored one. Every live record is
		// rewritten normalized under it before the store starts serving.
		if err := db.migrateSchema(ctx); err != nil {
			ls.Close()
			return nil, err
		}
	} else {
		// The opening scan runs under the shared lock so a concurrent
		// process cannot rewrite the file out from under it.
		unlock, err := ls.Lock().AcquireShared(ctx)
		if err != nil {
			ls.Close()
			return nil, err
		}
		err = db.rebuild(ctx, "open")
		unlock()
		if err != nil {
			ls.Close()
			return nil, err
		}
	}
	return db, nil
}

// rebuild scans the file and replaces the in-memory index set. Callers that
// are not Open must hold the maintenance barrier.
func (db *DB) rebuild(ctx context.Context, phase string) error {
	tracker := newProgressTracker(db.opts.progress, phase)
	tracker.start("scanning log")
	idx, err := index.Build(ctx, db.store, db.schema, func(pct float64, msg string) {
		tracker.emit(pct, msg)
	})
	if err != nil {
		db.logger.LogRebuild(ctx, 0, err)
		return err
	}
	tracker.done("indexes ready")

	db.mu.Lock()
	db.idx = idx
	db.taxos = db.store.Header().Taxonomies
	db.mu.Unlock()
	db.logger.LogRebuild(ctx, idx.LiveCount(), nil)
	return nil
}

// Path returns the log file path.
func (db *DB) Path() string { return db.path }

// Schema returns the compiled field schema.
func (db *DB) Schema() *schema.Schema { return db.schema }

// Len returns the number of live records.
func (db *DB) Len() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.idx.LiveCount()
}

// GarbageRatio returns the fraction of log bytes occupied by superseded or
// deleted records.
func (db *DB) GarbageRatio() float64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.idx.GarbageRatio()
}

// Get loads the record with the given id.
func (db *DB) Get(ctx context.Context, id string) (*Record, error) {
	release, err := db.connectRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return db.getLocked(ctx, id)
}

func (db *DB) getLocked(ctx context.Context, id string) (*Record, error) {
	entry, ok := db.idx.Lookup(id)
	if !ok || entry.Deleted {
		return nil, ErrNotFound
	}
	line, err := db.store.ReadDataAt(ctx, entry.DataOffset)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := db.codec.Unmarshal(line, &raw); err != nil {
		return nil, &logstore.CorruptionError{Offset: entry.DataOffset, Reason: "unparsable data line"}
	}
	doc, err := model.ObjectFromAny(raw)
	if err != nil {
		return nil, &logstore.CorruptionError{Offset: entry.DataOffset, Reason: "data line does not decode into a record"}
	}
	db.schema.CoerceStored(doc)
	return &Record{
		db:        db,
		id:        id,
		doc:       doc,
		loadedSHA: entry.SHA,
		exists:    true,
		meta:      Meta{ID: id, TS: entry.TS, SHA256: entry.SHA},
	}, nil
}

// FindOption shapes a Find result set.
type FindOption func(*query.Options)

// Limit truncates the result set after ordering.
func Limit(n int) FindOption {
	return func(o *query.Options) { o.Limit = n }
}

// Skip drops the first n results after ordering.
func Skip(n int) FindOption {
	return func(o *query.Options) { o.Skip = n }
}

// OrderBy appends an ascending ordering term. Nested paths use "/".
func OrderBy(path string) FindOption {
	return func(o *query.Options) {
		o.OrderBy = append(o.OrderBy, query.Order{Path: path})
	}
}

// OrderByDesc appends a descending ordering term.
func OrderByDesc(path string) FindOption {
	return func(o *query.Options) {
		o.OrderBy = append(o.OrderBy, query.Order{Path: path, Desc: true})
	}
}

// Project restricts result records to the given field paths. The id field is
// always kept.
func Project(fields ...string) FindOption {
	return func(o *query.Options) { o.Fields = fields }
}

// Find executes a query and returns the matching records.
func (db *DB) Find(ctx context.Context, q query.Q, optFns ...FindOption) ([]*Record, error) {
	release, err := db.connectRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return db.findLocked(ctx, q, optFns...)
}

func (db *DB) findLocked(ctx context.Context, q query.Q, optFns ...FindOption) ([]*Record, error) {
	var opt query.Options
	for _, fn := range optFns {
		fn(&opt)
	}

	runner := db.runner()
	matches, err := runner.Run(ctx, q, opt)
	db.logger.LogFind(ctx, db.planName(q), len(matches), err)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, len(matches))
	for i, m := range matches {
		records[i] = &Record{
			db:        db,
			id:        m.ID,
			doc:       m.Doc,
			loadedSHA: m.Entry.SHA,
			exists:    true,
			projected: len(opt.Fields) > 0,
			meta:      Meta{ID: m.ID, TS: m.Entry.TS, SHA256: m.Entry.SHA},
		}
	}
	return records, nil
}

func (db *DB) runner() *query.Runner {
	return &query.Runner{
		Schema:   db.schema,
		Index:    db.idx,
		Codec:    db.codec,
		ReadData: db.store.ReadDataAt,
	}
}

func (db *DB) planName(q query.Q) string {
	root, err := query.Parse(q, db.schema)
	if err != nil {
		return "invalid"
	}
	return query.Classify(root, db.schema).String()
}

// Count returns the number of records matching a query.
func (db *DB) Count(ctx context.Context, q query.Q) (int, error) {
	records, err := db.Find(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Update deep-merges patch into every record matching the query and saves
// each one. It returns the number of records updated.
func (db *DB) Update(ctx context.Context, q query.Q, patch map[string]any) (int, error) {
	patchObj, err := model.ObjectFromAny(patch)
	if err != nil {
		return 0, err
	}

	release, err := db.connectWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	db.mu.RLock()
	matches, err := db.findLocked(ctx, q)
	db.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	for i, rec := range matches {
		rec.doc.DeepMerge(patchObj.Clone())
		if err := db.putLocked(ctx, rec.id, rec.doc, rec.loadedSHA, false); err != nil {
			return i, err
		}
	}
	db.maybeAutoCompact(ctx)
	return len(matches), nil
}

// Delete removes every record matching the query. It returns the number of
// records deleted.
func (db *DB) Delete(ctx context.Context, q query.Q) (int, error) {
	release, err := db.connectWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	db.mu.RLock()
	matches, err := db.findLocked(ctx, q)
	db.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	for i, rec := range matches {
		if err := db.deleteLocked(ctx, rec.id); err != nil {
			return i, err
		}
	}
	db.maybeAutoCompact(ctx)
	return len(matches), nil
}

// DeleteByID removes the record with the given id.
func (db *DB) DeleteByID(ctx context.Context, id string) error {
	release, err := db.connectWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	db.mu.RLock()
	entry, ok := db.idx.Lookup(id)
	deleted := ok && entry.Deleted
	db.mu.RUnlock()
	if !ok || deleted {
		return ErrNotFound
	}

	if err := db.deleteLocked(ctx, id); err != nil {
		return err
	}
	db.maybeAutoCompact(ctx)
	return nil
}

// putLocked validates, appends a put pair and mirrors it into the indexes.
// The caller holds the write-side connect. An empty expectSHA skips the
// conflict check.
func (db *DB) putLocked(ctx context.Context, id string, doc model.Object, expectSHA string, create bool) error {
	// The id is a schema field like any other (typically mandatory), so it
	// must be in place before validation runs.
	candidate := doc.Clone()
	candidate["id"] = model.String(id)

	normalized, err := db.schema.Normalize(candidate, db.taxos.Keys)
	if err != nil {
		db.logger.LogPut(ctx, id, create, err)
		return err
	}

	db.mu.RLock()
	entry, ok := db.idx.Lookup(id)
	live := ok && !entry.Deleted
	var storedSHA string
	if live {
		storedSHA = entry.SHA
	}
	db.mu.RUnlock()

	if create && live {
		db.logger.LogPut(ctx, id, create, ErrDuplicateID)
		return ErrDuplicateID
	}
	if !create && expectSHA != "" && (!live || storedSHA != expectSHA) {
		db.logger.LogPut(ctx, id, create, ErrConflict)
		return ErrConflict
	}

	line, err := db.codec.Marshal(normalized.ToAny())
	if err != nil {
		return err
	}
	appended, err := db.store.AppendPair(logstore.Meta{
		ID: id,
		Op: logstore.OpPut,
		TS: time.Now().UTC(),
	}, line)
	if err != nil {
		db.logger.LogPut(ctx, id, create, err)
		return err
	}

	db.mu.Lock()
	db.idx.ApplyPut(normalized, appended)
	db.mu.Unlock()
	db.logger.LogPut(ctx, id, create, nil)
	return nil
}

// deleteLocked appends a del meta and mirrors it into the indexes. The caller
// holds the write-side connect.
func (db *DB) deleteLocked(ctx context.Context, id string) error {
	appended, err := db.store.AppendPair(logstore.Meta{
		ID: id,
		Op: logstore.OpDel,
		TS: time.Now().UTC(),
	}, nil)
	if err != nil {
		db.logger.LogDelete(ctx, id, err)
		return err
	}

	db.mu.Lock()
	db.idx.ApplyDelete(appended)
	db.mu.Unlock()
	db.logger.LogDelete(ctx, id, nil)
	return nil
}

// Close closes the store. The lock file stays on disk.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.store.Close()
}
