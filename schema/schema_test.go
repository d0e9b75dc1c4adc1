package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recgo/model"
)

func testFields() Fields {
	return Fields{
		"id":   {Type: TypeStr, Mandatory: true},
		"name": {Type: TypeStr},
		"age":  {Type: TypeInt, Default: 0, Index: true},
		"tags": {
			Type:            TypeList,
			Items:           &FieldSpec{Type: TypeStr},
			Taxonomy:        "topics",
			TaxonomyMode:    ModeMulti,
			Strict:          true,
			IndexMembership: true,
		},
		"profile": {
			Type: TypeObject,
			Fields: Fields{
				"score": {Type: TypeFloat, Default: 1.5},
			},
		},
	}
}

func TestCompile(t *testing.T) {
	t.Run("valid fields compile", func(t *testing.T) {
		sch, err := Compile(testFields())
		require.NoError(t, err)

		indexed := sch.IndexedFields()
		require.Len(t, indexed, 1)
		assert.Equal(t, "age", indexed[0].Path)

		members := sch.MembershipFields()
		require.Len(t, members, 1)
		assert.Equal(t, "topics", members[0].Taxonomy)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		_, err := Compile(Fields{"x": {Type: "blob"}})
		var de *DefinitionError
		require.ErrorAs(t, err, &de)
	})

	t.Run("nested field lookup", func(t *testing.T) {
		sch, err := Compile(testFields())
		require.NoError(t, err)

		spec, ok := sch.FieldAt("profile/score")
		require.True(t, ok)
		assert.Equal(t, TypeFloat, spec.Type)

		_, ok = sch.FieldAt("profile/missing")
		assert.False(t, ok)
	})
}

func TestNormalize(t *testing.T) {
	sch, err := Compile(testFields())
	require.NoError(t, err)

	topics := map[string]struct{}{"go": {}, "db": {}}
	keys := func(name string) (map[string]struct{}, bool) {
		if name == "topics" {
			return topics, true
		}
		return nil, false
	}

	t.Run("defaults materialized", func(t *testing.T) {
		out, err := sch.Normalize(model.Object{"id": model.String("r1")}, keys)
		require.NoError(t, err)

		age, ok := out.Lookup("age")
		require.True(t, ok)
		assert.Equal(t, int64(0), age.I64)

		score, ok := out.Lookup("profile/score")
		require.True(t, ok)
		assert.Equal(t, 1.5, score.F64)
	})

	t.Run("mandatory enforced", func(t *testing.T) {
		_, err := sch.Normalize(model.Object{"name": model.String("x")}, keys)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "id", ve.Field)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := sch.Normalize(model.Object{
			"id":    model.String("r1"),
			"bogus": model.Int(1),
		}, keys)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("type mismatch rejected", func(t *testing.T) {
		_, err := sch.Normalize(model.Object{
			"id":  model.String("r1"),
			"age": model.String("young"),
		}, keys)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("strict taxonomy membership", func(t *testing.T) {
		_, err := sch.Normalize(model.Object{
			"id":   model.String("r1"),
			"tags": model.List([]model.Value{model.String("nope")}),
		}, keys)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)

		out, err := sch.Normalize(model.Object{
			"id":   model.String("r1"),
			"tags": model.List([]model.Value{model.String("go")}),
		}, keys)
		require.NoError(t, err)
		tags, ok := out.Lookup("tags")
		require.True(t, ok)
		assert.Len(t, tags.L, 1)
	})

	t.Run("datetime string coerced", func(t *testing.T) {
		sch, err := Compile(Fields{"at": {Type: TypeDateTime}})
		require.NoError(t, err)

		out, err := sch.Normalize(model.Object{"at": model.String("2024-03-01T12:00:00Z")}, nil)
		require.NoError(t, err)
		at, ok := out.Lookup("at")
		require.True(t, ok)
		assert.Equal(t, model.KindDateTime, at.Kind)

		_, err = sch.Normalize(model.Object{"at": model.String("yesterday")}, nil)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})
}

func TestEqualFields(t *testing.T) {
	a := testFields()
	b := testFields()
	assert.True(t, Equal(a, b))

	b["age"] = FieldSpec{Type: TypeInt, Default: 1, Index: true}
	assert.False(t, Equal(a, b))
}
