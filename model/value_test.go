package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	t.Run("numbers compare across int and float", func(t *testing.T) {
		assert.Equal(t, 0, Compare(Int(3), Float(3.0)))
		assert.Equal(t, -1, Compare(Int(2), Float(2.5)))
		assert.Equal(t, 1, Compare(Float(10.1), Int(10)))
	})

	t.Run("strings compare lexically", func(t *testing.T) {
		assert.Equal(t, -1, Compare(String("a"), String("b")))
		assert.Equal(t, 0, Compare(String("x"), String("x")))
	})

	t.Run("datetimes compare chronologically", func(t *testing.T) {
		early := DateTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		late := DateTime(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
		assert.Equal(t, -1, Compare(early, late))
		assert.Equal(t, 1, Compare(late, early))
	})

	t.Run("mixed kinds order by kind tag", func(t *testing.T) {
		assert.NotEqual(t, 0, Compare(String("1"), Int(1)))
	})
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Int(5), Float(5)))
	assert.False(t, Equal(String("5"), Int(5)))
	assert.True(t, Equal(
		List([]Value{String("a"), Int(1)}),
		List([]Value{String("a"), Int(1)}),
	))
	assert.False(t, Equal(
		List([]Value{String("a")}),
		List([]Value{String("b")}),
	))
	assert.True(t, Equal(
		Obj(Object{"x": Int(1)}),
		Obj(Object{"x": Float(1)}),
	))
}

func TestFromAny(t *testing.T) {
	t.Run("integral float becomes int", func(t *testing.T) {
		v, err := FromAny(float64(42))
		require.NoError(t, err)
		assert.Equal(t, KindInt, v.Kind)
		assert.Equal(t, int64(42), v.I64)
	})

	t.Run("fractional float stays float", func(t *testing.T) {
		v, err := FromAny(3.14)
		require.NoError(t, err)
		assert.Equal(t, KindFloat, v.Kind)
	})

	t.Run("nested map", func(t *testing.T) {
		v, err := FromAny(map[string]any{"a": map[string]any{"b": "c"}})
		require.NoError(t, err)
		inner, ok := v.O["a"]
		require.True(t, ok)
		assert.Equal(t, String("c"), inner.O["b"])
	})
}

func TestObjectPaths(t *testing.T) {
	o := Object{}
	o.SetPath("profile/score", Int(7))

	v, ok := o.Lookup("profile/score")
	require.True(t, ok)
	assert.Equal(t, int64(7), v.I64)

	_, ok = o.Lookup("profile/missing")
	assert.False(t, ok)

	o.DeletePath("profile/score")
	_, ok = o.Lookup("profile/score")
	assert.False(t, ok)
}

func TestDeepMerge(t *testing.T) {
	base := Object{
		"name":    String("a"),
		"profile": Obj(Object{"score": Int(1), "tag": String("x")}),
	}
	base.DeepMerge(Object{
		"profile": Obj(Object{"score": Int(2)}),
	})

	v, ok := base.Lookup("profile/score")
	require.True(t, ok)
	assert.Equal(t, int64(2), v.I64)

	v, ok = base.Lookup("profile/tag")
	require.True(t, ok)
	assert.Equal(t, "x", v.S)
}

func TestClone(t *testing.T) {
	orig := Object{"list": List([]Value{Obj(Object{"k": Int(1)})})}
	clone := orig.Clone()
	clone["list"].L[0].O["k"] = Int(9)
	assert.Equal(t, int64(1), orig["list"].L[0].O["k"].I64)
}
