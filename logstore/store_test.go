package logstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recgo/codec"
	"github.com/hupe1980/recgo/schema"
	"github.com/hupe1980/recgo/taxonomy"
)

func testHeader() HeaderDoc {
	return HeaderDoc{
		Info: Header{
			Format:                     FormatName,
			Table:                      "people",
			Created:                    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			DefaultsAlwaysMaterialized: true,
		},
		Fields: schema.Fields{
			"id":   {Type: schema.TypeStr, Mandatory: true},
			"name": {Type: schema.TypeStr},
		},
		Taxonomies: taxonomy.Set{},
	}
}

func quickRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Sleep: 5 * time.Millisecond}
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "people.jsonl")
	s, created, err := OpenOrInit(path, codec.Default, testHeader(), quickRetry(), quickRetry())
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenOrInit(t *testing.T) {
	t.Run("creates file with header", func(t *testing.T) {
		s, path := openTestStore(t)
		assert.Equal(t, "people", s.Header().Info.Table)
		assert.Greater(t, s.HeaderLen(), int64(0))

		_, err := os.Stat(path + ".lock")
		assert.NoError(t, err)
	})

	t.Run("reopens existing file", func(t *testing.T) {
		s, path := openTestStore(t)
		require.NoError(t, s.Close())

		s2, created, err := OpenOrInit(path, codec.Default, testHeader(), quickRetry(), quickRetry())
		require.NoError(t, err)
		defer s2.Close()
		assert.False(t, created)
		assert.Equal(t, "people", s2.Header().Info.Table)
	})

	t.Run("header survives roundtrip", func(t *testing.T) {
		s, _ := openTestStore(t)
		assert.True(t, schema.Equal(testHeader().Fields, s.Header().Fields))
	})
}

func TestAppendAndScan(t *testing.T) {
	s, _ := openTestStore(t)

	e1, err := s.AppendPair(Meta{ID: "r1", Op: OpPut, TS: time.Now()}, []byte(`{"id":"r1","name":"ann"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(24), e1.Meta.LenData)
	assert.NotEmpty(t, e1.Meta.SHA256Data)
	assert.Equal(t, s.HeaderLen(), e1.MetaOffset)

	_, err = s.AppendPair(Meta{ID: "r2", Op: OpPut, TS: time.Now()}, []byte(`{"id":"r2","name":"bob"}`))
	require.NoError(t, err)

	e3, err := s.AppendPair(Meta{ID: "r1", Op: OpDel, TS: time.Now()}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), e3.DataOffset)

	var entries []Entry
	for entry, err := range s.Scan(s.HeaderLen()) {
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	require.Len(t, entries, 3)
	assert.Equal(t, "r1", entries[0].Meta.ID)
	assert.Equal(t, OpPut, entries[0].Meta.Op)
	assert.Equal(t, []byte(`{"id":"r1","name":"ann"}`), entries[0].Data)
	assert.Equal(t, OpDel, entries[2].Meta.Op)
	assert.Nil(t, entries[2].Data)
}

func TestReadDataAt(t *testing.T) {
	t.Run("reads a committed line", func(t *testing.T) {
		s, _ := openTestStore(t)
		e, err := s.AppendPair(Meta{ID: "r1", Op: OpPut, TS: time.Now()}, []byte(`{"id":"r1"}`))
		require.NoError(t, err)

		line, err := s.ReadDataAt(context.Background(), e.DataOffset)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"id":"r1"}`), line)
	})

	t.Run("retries an unterminated line until completed", func(t *testing.T) {
		s, path := openTestStore(t)
		e, err := s.AppendPair(Meta{ID: "r1", Op: OpPut, TS: time.Now()}, []byte(`{"id":"r1"}`))
		require.NoError(t, err)

		// Truncate the trailing newline to simulate a writer mid-append,
		// then restore it before the retry budget runs out.
		fi, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, fi.Size()-1))

		done := make(chan struct{})
		go func() {
			defer close(done)
			time.Sleep(8 * time.Millisecond)
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err == nil {
				f.Write([]byte("\n"))
				f.Close()
			}
		}()

		line, err := s.ReadDataAt(context.Background(), e.DataOffset)
		<-done
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"id":"r1"}`), line)
	})

	t.Run("times out when the line never completes", func(t *testing.T) {
		s, path := openTestStore(t)
		e, err := s.AppendPair(Meta{ID: "r1", Op: OpPut, TS: time.Now()}, []byte(`{"id":"r1"}`))
		require.NoError(t, err)

		fi, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, fi.Size()-1))

		_, err = s.ReadDataAt(context.Background(), e.DataOffset)
		require.ErrorIs(t, err, ErrTailReadTimeout)
	})
}

func TestReplace(t *testing.T) {
	t.Run("atomic rewrite", func(t *testing.T) {
		s, _ := openTestStore(t)
		_, err := s.AppendPair(Meta{ID: "r1", Op: OpPut, TS: time.Now()}, []byte(`{"id":"r1"}`))
		require.NoError(t, err)

		err = s.Replace(func(w io.Writer) error {
			header, err := EncodeHeader(s.Codec(), testHeader())
			if err != nil {
				return err
			}
			_, err = w.Write(header)
			return err
		})
		require.NoError(t, err)

		size, err := s.Size()
		require.NoError(t, err)
		assert.Equal(t, s.HeaderLen(), size)
	})

	t.Run("build failure leaves original untouched", func(t *testing.T) {
		s, path := openTestStore(t)
		_, err := s.AppendPair(Meta{ID: "r1", Op: OpPut, TS: time.Now()}, []byte(`{"id":"r1"}`))
		require.NoError(t, err)
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		buildErr := assert.AnError
		err = s.Replace(func(w io.Writer) error { return buildErr })
		require.ErrorIs(t, err, buildErr)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp-*"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})
}

func TestWritePair(t *testing.T) {
	s, _ := openTestStore(t)
	appended, err := s.AppendPair(Meta{ID: "r1", Op: OpPut, TS: time.Unix(10, 0).UTC()}, []byte(`{"id":"r1"}`))
	require.NoError(t, err)

	var buf testBuffer
	n, err := WritePair(&buf, s.Codec(), Meta{ID: "r1", Op: OpPut, TS: time.Unix(10, 0).UTC()}, []byte(`{"id":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, appended.Size, n)
}

type testBuffer struct{ data []byte }

func (b *testBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func TestCorruption(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("not json\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, _, err := OpenOrInit(path, codec.Default, testHeader(), quickRetry(), quickRetry())
	require.NoError(t, err)
	defer s2.Close()

	var scanErr error
	for _, err := range s2.Scan(s2.HeaderLen()) {
		if err != nil {
			scanErr = err
			break
		}
	}
	var ce *CorruptionError
	require.ErrorAs(t, scanErr, &ce)
	assert.Equal(t, s2.HeaderLen(), ce.Offset)
}
