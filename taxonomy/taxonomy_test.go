package taxonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSet() Set {
	return Set{
		"topics": Definition{
			"go": Attrs{"title": "Go"},
			"db": Attrs{"title": "Databases"},
		},
	}
}

func TestUpsert(t *testing.T) {
	s := testSet()
	out := s.Upsert("topics", "net", Attrs{"title": "Networking"})

	_, ok := out["topics"]["net"]
	assert.True(t, ok)
	_, ok = s["topics"]["net"]
	assert.False(t, ok, "edits must not mutate the receiver")

	out = out.Upsert("fresh", "a", nil)
	_, ok = out["fresh"]["a"]
	assert.True(t, ok)
}

func TestRename(t *testing.T) {
	t.Run("simple rename", func(t *testing.T) {
		out, err := testSet().Rename("topics", "go", "golang", CollisionReject)
		require.NoError(t, err)
		_, ok := out["topics"]["go"]
		assert.False(t, ok)
		assert.Equal(t, "Go", out["topics"]["golang"]["title"])
	})

	t.Run("collision rejected", func(t *testing.T) {
		_, err := testSet().Rename("topics", "go", "db", CollisionReject)
		require.ErrorIs(t, err, ErrKeyExists)
	})

	t.Run("collision merged", func(t *testing.T) {
		out, err := testSet().Rename("topics", "go", "db", CollisionMerge)
		require.NoError(t, err)
		_, ok := out["topics"]["go"]
		assert.False(t, ok)
		_, ok = out["topics"]["db"]
		assert.True(t, ok)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := testSet().Rename("topics", "nope", "x", CollisionReject)
		require.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("unknown taxonomy", func(t *testing.T) {
		_, err := testSet().Rename("nope", "go", "x", CollisionReject)
		require.ErrorIs(t, err, ErrUnknownTaxonomy)
	})
}

func TestMerge(t *testing.T) {
	t.Run("fold into declared target", func(t *testing.T) {
		out, err := testSet().Merge("topics", []string{"go"}, "db")
		require.NoError(t, err)
		_, ok := out["topics"]["go"]
		assert.False(t, ok)
		_, ok = out["topics"]["db"]
		assert.True(t, ok)
	})

	t.Run("target as one of the merged keys", func(t *testing.T) {
		out, err := testSet().Merge("topics", []string{"go", "db"}, "db")
		require.NoError(t, err)
		_, ok := out["topics"]["go"]
		assert.False(t, ok)
		assert.Equal(t, "Databases", out["topics"]["db"]["title"])
	})

	t.Run("undeclared target rejected", func(t *testing.T) {
		_, err := testSet().Merge("topics", []string{"go", "db"}, "tech")
		require.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("undeclared merged key rejected", func(t *testing.T) {
		_, err := testSet().Merge("topics", []string{"go", "nope"}, "db")
		require.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("undeclared target listed among merged keys rejected", func(t *testing.T) {
		out, err := testSet().Merge("topics", []string{"go", "tech"}, "tech")
		require.ErrorIs(t, err, ErrUnknownKey)
		assert.Nil(t, out)
	})
}

func TestDelete(t *testing.T) {
	out, err := testSet().Delete("topics", "go")
	require.NoError(t, err)
	_, ok := out["topics"]["go"]
	assert.False(t, ok)

	_, err = out.Delete("topics", "go")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestListAndKeys(t *testing.T) {
	s := testSet()

	entries := s.List("topics")
	require.Len(t, entries, 2)
	assert.Equal(t, "db", entries[0].Key)
	assert.Equal(t, "go", entries[1].Key)

	keys, ok := s.Keys("topics")
	require.True(t, ok)
	assert.Contains(t, keys, "go")

	_, ok = s.Keys("nope")
	assert.False(t, ok)
}
