package recgo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recgo/query"
	"github.com/hupe1980/recgo/schema"
	"github.com/hupe1980/recgo/taxonomy"
)

func personFields() schema.Fields {
	return schema.Fields{
		"id":   {Type: schema.TypeStr, Mandatory: true},
		"name": {Type: schema.TypeStr, Mandatory: true},
		"age":  {Type: schema.TypeInt, Default: 0, Index: true},
		"city": {Type: schema.TypeStr},
		"tags": {
			Type:            schema.TypeList,
			Items:           &schema.FieldSpec{Type: schema.TypeStr},
			Taxonomy:        "topics",
			TaxonomyMode:    schema.ModeMulti,
			Strict:          true,
			IndexMembership: true,
		},
	}
}

func personTaxos() taxonomy.Set {
	return taxonomy.Set{"topics": {"go": nil, "db": nil}}
}

func openTestDB(t *testing.T, optFns ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "people.jsonl")
	optFns = append([]Option{WithTable("people")}, optFns...)
	db, err := Open(context.Background(), path, personFields(), personTaxos(), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createPerson(t *testing.T, db *DB, id, name string, age int, tags ...string) {
	t.Helper()
	r := db.New()
	r.SetID(id)
	require.NoError(t, r.Set("name", name))
	require.NoError(t, r.Set("age", age))
	if len(tags) > 0 {
		anyTags := make([]any, len(tags))
		for i, tag := range tags {
			anyTags[i] = tag
		}
		require.NoError(t, r.Set("tags", anyTags))
	}
	require.NoError(t, r.Save(context.Background()))
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	r := db.New()
	r.SetID("p1")
	require.NoError(t, r.Set("name", "ann"))
	require.NoError(t, r.Save(ctx))
	assert.False(t, r.Dirty())
	assert.Equal(t, "p1", r.Meta().ID)
	assert.NotEmpty(t, r.Meta().SHA256)

	t.Run("defaults are materialized and stored", func(t *testing.T) {
		got, err := db.Get(ctx, "p1")
		require.NoError(t, err)
		age, ok := got.Get("age")
		require.True(t, ok)
		assert.Equal(t, int64(0), age)

		raw, err := os.ReadFile(db.Path())
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"age":0`)
		assert.Contains(t, string(raw), `"id":"p1"`)

		found, err := db.Find(ctx, query.Q{"age": map[string]any{"$gte": 0}})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "p1", found[0].ID())
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := db.Get(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("id assigned on first save", func(t *testing.T) {
		r := db.New()
		require.NoError(t, r.Set("name", "bob"))
		require.NoError(t, r.Save(ctx))
		assert.NotEmpty(t, r.ID())
	})

	t.Run("mandatory field enforced", func(t *testing.T) {
		r := db.New()
		r.SetID("p2")
		err := r.Save(ctx)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("strict taxonomy enforced", func(t *testing.T) {
		r := db.New()
		r.SetID("p3")
		require.NoError(t, r.Set("name", "cay"))
		require.NoError(t, r.Set("tags", []any{"rust"}))
		err := r.Save(ctx)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})
}

func TestDuplicateID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createPerson(t, db, "p1", "ann", 30)

	r := db.New()
	r.SetID("p1")
	require.NoError(t, r.Set("name", "imposter"))
	require.ErrorIs(t, r.Save(ctx), ErrDuplicateID)

	got, err := db.Get(ctx, "p1")
	require.NoError(t, err)
	name, _ := got.Get("name")
	assert.Equal(t, "ann", name)
}

func TestSaveConflict(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createPerson(t, db, "p1", "ann", 30)

	h1, err := db.Get(ctx, "p1")
	require.NoError(t, err)
	h2, err := db.Get(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, h1.Set("city", "berlin"))
	require.NoError(t, h1.Save(ctx))

	require.NoError(t, h2.Set("city", "paris"))
	require.ErrorIs(t, h2.Save(ctx), ErrConflict)

	// Reload picks up the winning version and makes the handle saveable again.
	require.NoError(t, h2.Reload(ctx))
	city, _ := h2.Get("city")
	assert.Equal(t, "berlin", city)
	require.NoError(t, h2.Set("city", "paris"))
	require.NoError(t, h2.Save(ctx))
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createPerson(t, db, "p1", "ann", 30, "go")
	createPerson(t, db, "p2", "bob", 10, "db")
	createPerson(t, db, "p3", "cay", 20, "go", "db")

	ids := func(records []*Record) []string {
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.ID()
		}
		return out
	}

	t.Run("order by ascending", func(t *testing.T) {
		records, err := db.Find(ctx, query.Q{}, OrderBy("age"))
		require.NoError(t, err)
		assert.Equal(t, []string{"p2", "p3", "p1"}, ids(records))
	})

	t.Run("order by descending with skip and limit", func(t *testing.T) {
		records, err := db.Find(ctx, query.Q{}, OrderByDesc("age"), Skip(1), Limit(1))
		require.NoError(t, err)
		assert.Equal(t, []string{"p3"}, ids(records))
	})

	t.Run("indexed equality", func(t *testing.T) {
		records, err := db.Find(ctx, query.Q{"age": 20})
		require.NoError(t, err)
		assert.Equal(t, []string{"p3"}, ids(records))
	})

	t.Run("membership contains", func(t *testing.T) {
		records, err := db.Find(ctx, query.Q{"tags": map[string]any{"$contains": "go"}}, OrderBy("id"))
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p3"}, ids(records))
	})

	t.Run("projection keeps id and is not saveable", func(t *testing.T) {
		records, err := db.Find(ctx, query.Q{"id": "p1"}, Project("name"))
		require.NoError(t, err)
		require.Len(t, records, 1)

		fields := records[0].Fields()
		assert.Equal(t, map[string]any{"id": "p1", "name": "ann"}, fields)
		require.Error(t, records[0].Save(ctx))
	})

	t.Run("count", func(t *testing.T) {
		n, err := db.Count(ctx, query.Q{"age": map[string]any{"$gte": 20}})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("syntax error surfaces", func(t *testing.T) {
		_, err := db.Find(ctx, query.Q{"name": map[string]any{"$like": "a%"}})
		require.Error(t, err)
		assert.True(t, IsQuerySyntax(err))
	})
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createPerson(t, db, "p1", "ann", 30)
	createPerson(t, db, "p2", "bob", 30)
	createPerson(t, db, "p3", "cay", 40)

	t.Run("update merges the patch into every match", func(t *testing.T) {
		n, err := db.Update(ctx, query.Q{"age": 30}, map[string]any{"city": "berlin"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := db.Get(ctx, "p1")
		require.NoError(t, err)
		city, _ := got.Get("city")
		assert.Equal(t, "berlin", city)
		name, _ := got.Get("name")
		assert.Equal(t, "ann", name)
	})

	t.Run("delete by query", func(t *testing.T) {
		n, err := db.Delete(ctx, query.Q{"age": 30})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, uint64(1), db.Len())

		_, err = db.Get(ctx, "p1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete by id", func(t *testing.T) {
		require.NoError(t, db.DeleteByID(ctx, "p3"))
		require.ErrorIs(t, db.DeleteByID(ctx, "p3"), ErrNotFound)
		assert.Equal(t, uint64(0), db.Len())
	})
}

func TestCompaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for i := 0; i < 100; i++ {
		createPerson(t, db, fmt.Sprintf("p%03d", i), "n", i)
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, db.DeleteByID(ctx, fmt.Sprintf("p%03d", i)))
	}
	assert.Greater(t, db.GarbageRatio(), 0.30)

	require.NoError(t, db.Compact(ctx))

	assert.Equal(t, uint64(60), db.Len())
	assert.Equal(t, float64(0), db.GarbageRatio())

	// 4 header lines plus one meta and one data line per live record.
	raw, err := os.ReadFile(db.Path())
	require.NoError(t, err)
	assert.Equal(t, 4+2*60, bytes.Count(raw, []byte("\n")))

	t.Run("deleted records stay gone", func(t *testing.T) {
		_, err := db.Get(ctx, "p000")
		require.ErrorIs(t, err, ErrNotFound)
		got, err := db.Get(ctx, "p099")
		require.NoError(t, err)
		age, _ := got.Get("age")
		assert.Equal(t, int64(99), age)
	})

	t.Run("below threshold is a no-op", func(t *testing.T) {
		before, err := os.ReadFile(db.Path())
		require.NoError(t, err)
		require.NoError(t, db.Compact(ctx))
		after, err := os.ReadFile(db.Path())
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("reopen after compaction rebuilds the same state", func(t *testing.T) {
		path := db.Path()
		require.NoError(t, db.Close())

		db2, err := Open(ctx, path, personFields(), personTaxos())
		require.NoError(t, err)
		defer db2.Close()

		assert.Equal(t, uint64(60), db2.Len())
		assert.Equal(t, float64(0), db2.GarbageRatio())
		got, err := db2.Get(ctx, "p099")
		require.NoError(t, err)
		age, _ := got.Get("age")
		assert.Equal(t, int64(99), age)
	})
}

func TestAutoCompaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, WithAutoCompaction(true))

	for i := 0; i < 20; i++ {
		createPerson(t, db, fmt.Sprintf("p%02d", i), "n", i)
	}
	for i := 0; i < 19; i++ {
		require.NoError(t, db.DeleteByID(ctx, fmt.Sprintf("p%02d", i)))
	}

	assert.Less(t, db.GarbageRatio(), 0.30)
	assert.Equal(t, uint64(1), db.Len())
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "people.jsonl")

	db, err := Open(ctx, path, personFields(), personTaxos(), WithTable("people"))
	require.NoError(t, err)
	createPerson(t, db, "p1", "ann", 30, "go")
	createPerson(t, db, "p2", "bob", 40)
	require.NoError(t, db.DeleteByID(ctx, "p2"))
	require.NoError(t, db.Close())

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	db2, err := Open(ctx, path, personFields(), personTaxos())
	require.NoError(t, err)
	defer db2.Close()

	// Reopening with an unchanged schema rebuilds indexes without touching
	// the file.
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.Equal(t, uint64(1), db2.Len())
	got, err := db2.Get(ctx, "p1")
	require.NoError(t, err)
	name, _ := got.Get("name")
	assert.Equal(t, "ann", name)
	_, err = db2.Get(ctx, "p2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDateTimeQueries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	fields := schema.Fields{
		"id": {Type: schema.TypeStr, Mandatory: true},
		"at": {Type: schema.TypeDateTime, Index: true},
	}
	db, err := Open(ctx, path, fields, nil, WithTable("events"))
	require.NoError(t, err)

	save := func(id, at string) {
		r := db.New()
		r.SetID(id)
		require.NoError(t, r.Set("at", at))
		require.NoError(t, r.Save(ctx))
	}
	save("e1", "2024-06-01T10:00:00Z")
	save("e2", "2024-06-02T10:00:00Z")
	// Lexically "10:00:00.5Z" sorts before "10:00:00Z"; chronologically it
	// comes after.
	save("e3", "2024-06-01T10:00:00.5Z")

	check := func(t *testing.T, db *DB) {
		t.Helper()

		// Indexed equality and range narrowing.
		found, err := db.Find(ctx, query.Q{"at": "2024-06-01T10:00:00Z"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "e1", found[0].ID())

		found, err = db.Find(ctx, query.Q{"at": map[string]any{"$gte": "2024-06-02T00:00:00Z"}})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "e2", found[0].ID())

		// $in forces the full plan onto parsed records.
		found, err = db.Find(ctx, query.Q{"at": map[string]any{"$in": []any{"2024-06-01T10:00:00Z"}}})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "e1", found[0].ID())

		// Ordering is chronological, not lexical.
		found, err = db.Find(ctx, query.Q{}, OrderBy("at"))
		require.NoError(t, err)
		require.Len(t, found, 3)
		assert.Equal(t, "e1", found[0].ID())
		assert.Equal(t, "e3", found[1].ID())
		assert.Equal(t, "e2", found[2].ID())
	}

	check(t, db)

	require.NoError(t, db.Close())
	db2, err := Open(ctx, path, fields, nil)
	require.NoError(t, err)
	defer db2.Close()

	t.Run("same results after reopen rebuild", func(t *testing.T) {
		check(t, db2)
	})
}

func TestSchemaMigrationOnReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "people.jsonl")

	v1 := schema.Fields{
		"id":   {Type: schema.TypeStr, Mandatory: true},
		"name": {Type: schema.TypeStr, Mandatory: true},
	}
	db, err := Open(ctx, path, v1, nil)
	require.NoError(t, err)
	r := db.New()
	r.SetID("p1")
	require.NoError(t, r.Set("name", "ann"))
	require.NoError(t, r.Save(ctx))
	require.NoError(t, db.Close())

	v2 := schema.Fields{
		"id":   {Type: schema.TypeStr, Mandatory: true},
		"name": {Type: schema.TypeStr, Mandatory: true},
		"city": {Type: schema.TypeStr, Default: "unknown"},
	}
	db2, err := Open(ctx, path, v2, nil)
	require.NoError(t, err)
	defer db2.Close()

	// Every stored record was rewritten normalized under the new schema.
	got, err := db2.Get(ctx, "p1")
	require.NoError(t, err)
	city, ok := got.Get("city")
	require.True(t, ok)
	assert.Equal(t, "unknown", city)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"city":"unknown"`)
	assert.True(t, schema.Equal(v2, db2.Schema().Fields()))
}

func TestTaxonomyEdits(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createPerson(t, db, "p1", "ann", 30, "go")
	createPerson(t, db, "p2", "bob", 40, "go", "db")

	topics := db.Taxonomy("topics")

	t.Run("stats from the reverse index", func(t *testing.T) {
		stats := topics.Stats()
		assert.Equal(t, uint64(2), stats["go"])
		assert.Equal(t, uint64(1), stats["db"])
	})

	t.Run("upsert edits the header only", func(t *testing.T) {
		require.NoError(t, topics.Upsert(ctx, "ml", taxonomy.Attrs{"label": "machine learning"}))

		keys := make([]string, 0)
		for _, e := range topics.List() {
			keys = append(keys, e.Key)
		}
		assert.Contains(t, keys, "ml")

		// Records are untouched and still addressable after the header
		// length shift.
		got, err := db.Get(ctx, "p1")
		require.NoError(t, err)
		name, _ := got.Get("name")
		assert.Equal(t, "ann", name)
		assert.Equal(t, uint64(2), db.Len())
	})

	t.Run("rename migrates every referencing record", func(t *testing.T) {
		require.NoError(t, topics.Rename(ctx, "go", "golang"))

		got, err := db.Get(ctx, "p1")
		require.NoError(t, err)
		tags, _ := got.Get("tags")
		assert.Equal(t, []any{"golang"}, tags)

		stats := topics.Stats()
		assert.Equal(t, uint64(2), stats["golang"])
		assert.Zero(t, stats["go"])
	})

	t.Run("merge folds keys together", func(t *testing.T) {
		require.NoError(t, topics.Merge(ctx, []string{"golang"}, "db"))

		got, err := db.Get(ctx, "p2")
		require.NoError(t, err)
		tags, _ := got.Get("tags")
		assert.Equal(t, []any{"db"}, tags)
	})

	t.Run("delete detaches the key", func(t *testing.T) {
		require.NoError(t, topics.Delete(ctx, "db"))

		got, err := db.Get(ctx, "p1")
		require.NoError(t, err)
		tags, _ := got.Get("tags")
		assert.Equal(t, []any{}, tags)
	})
}

func blobFields() schema.Fields {
	return schema.Fields{
		"id":   {Type: schema.TypeStr, Mandatory: true},
		"name": {Type: schema.TypeStr},
		"photo": {
			Type: schema.TypeObject,
			Fields: schema.Fields{
				"$blob":    {Type: schema.TypeStr},
				"size":     {Type: schema.TypeInt},
				"mime":     {Type: schema.TypeStr},
				"filename": {Type: schema.TypeStr},
			},
		},
	}
}

func TestBlobs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "media.jsonl")
	db, err := Open(ctx, path, blobFields(), nil, WithTable("media"))
	require.NoError(t, err)
	defer db.Close()

	ref, err := db.PutBlob(ctx, strings.NewReader("image bytes"), "image/png", "cat.png")
	require.NoError(t, err)
	assert.Equal(t, int64(11), ref.Size)

	r := db.New()
	r.SetID("m1")
	require.NoError(t, r.Set("photo", ref.Object()))
	require.NoError(t, r.Save(ctx))

	t.Run("referenced hashes come from live records", func(t *testing.T) {
		refs, err := db.ReferencedBlobHashes(ctx)
		require.NoError(t, err)
		assert.Contains(t, refs, ref.Hash)
	})

	t.Run("gc removes only unreferenced blobs", func(t *testing.T) {
		orphan, err := db.PutBlob(ctx, strings.NewReader("orphan"), "", "")
		require.NoError(t, err)

		removed, err := db.GCBlobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = db.OpenBlob(ctx, orphan)
		require.Error(t, err)

		rc, err := db.OpenBlob(ctx, ref)
		require.NoError(t, err)
		rc.Close()
	})
}

func TestBackup(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, WithBackupKeep(2))
	createPerson(t, db, "p1", "ann", 30)

	rolling := db.Path() + ".backup/rolling"
	daily := db.Path() + ".backup/daily"
	base := filepath.Base(db.Path())

	require.NoError(t, db.Backup(ctx))
	_, err := os.Stat(filepath.Join(rolling, base+".bak.1"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(daily, time.Now().UTC().Format("2006-01-02")+".gz"))
	assert.NoError(t, err)

	require.NoError(t, db.Backup(ctx))
	require.NoError(t, db.Backup(ctx))
	_, err = os.Stat(filepath.Join(rolling, base+".bak.2"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(rolling, base+".bak.3"))
	assert.True(t, os.IsNotExist(err))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createPerson(t, db, "p1", "ann", 30)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Get(ctx, "p1")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.DeleteByID(ctx, "p1"), ErrClosed)
}
