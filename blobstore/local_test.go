package blobstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recgo/model"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	t.Run("put and open", func(t *testing.T) {
		ref, err := s.Put(ctx, strings.NewReader("hello"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ref.Hash, HashPrefix))
		assert.Equal(t, int64(5), ref.Size)

		rc, err := s.Open(ctx, ref.Hash)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("identical content stored once", func(t *testing.T) {
		r1, err := s.Put(ctx, bytes.NewReader([]byte("same")))
		require.NoError(t, err)
		r2, err := s.Put(ctx, bytes.NewReader([]byte("same")))
		require.NoError(t, err)
		assert.Equal(t, r1.Hash, r2.Hash)

		hashes, err := s.Hashes(ctx)
		require.NoError(t, err)
		count := 0
		for _, h := range hashes {
			if h == r1.Hash {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("open missing", func(t *testing.T) {
		_, err := s.Open(ctx, HashPrefix+strings.Repeat("0", 64))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("malformed hash", func(t *testing.T) {
		_, err := s.Open(ctx, "md5:abc")
		require.Error(t, err)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		ref, err := s.Put(ctx, strings.NewReader("bye"))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, ref.Hash))
		require.NoError(t, s.Delete(ctx, ref.Hash))

		_, err = s.Open(ctx, ref.Hash)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRefRoundtrip(t *testing.T) {
	ref := Ref{
		Hash:     HashPrefix + strings.Repeat("a", 64),
		Size:     42,
		Mime:     "image/png",
		Filename: "cat.png",
	}

	back, ok := RefFromValue(model.Obj(ref.Object()))
	require.True(t, ok)
	assert.Equal(t, ref, back)

	_, ok = RefFromValue(model.String("not a ref"))
	assert.False(t, ok)
	_, ok = RefFromValue(model.Obj(model.Object{"size": model.Int(1)}))
	assert.False(t, ok)
}

func TestCollectRefs(t *testing.T) {
	hash := HashPrefix + strings.Repeat("b", 64)
	doc, err := model.ObjectFromAny(map[string]any{
		"id": "r1",
		"attachments": []any{
			map[string]any{"$blob": hash, "size": float64(3)},
		},
		"nested": map[string]any{
			"photo": map[string]any{"$blob": hash, "size": float64(3)},
		},
	})
	require.NoError(t, err)

	refs := map[string]struct{}{}
	CollectRefs(doc, refs)
	assert.Len(t, refs, 1)
	assert.Contains(t, refs, hash)
}
