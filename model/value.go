// Package model provides the typed value tree used for records.
//
// Records have no fixed Go type at compile time: their shape is described by a
// schema. A record is therefore represented as an Object (field name -> Value),
// where Value is a small tagged union over the scalar kinds plus nested objects
// and homogeneous lists.
//
// The representation is designed to make comparison and indexing fast and
// predictable: no reflection and no fmt-based stringification.
package model

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindString represents a string value.
	KindString
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindBool represents a boolean value.
	KindBool
	// KindDateTime represents a point in time, serialized as RFC 3339.
	KindDateTime
	// KindObject represents a nested object value.
	KindObject
	// KindList represents a list value.
	KindList
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "str"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDateTime:
		return "datetime"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Value is a tagged value used for record fields.
//
// NOTE: Values flow into the on-disk line encoding via ToAny; keep the
// mapping stable.
type Value struct {
	Kind Kind
	S    string
	I64  int64
	F64  float64
	B    bool
	T    time.Time
	O    Object
	L    []Value
}

/// Object is a record or nested object: field name -> Value.
type Object map[string]Value

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// String returns a string Value.
func String(v string) Value { return Value{Kind: KindString, S: v} }

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// DateTime returns a datetime Value, normalized to UTC.
func DateTime(t time.Time) Value { return Value{Kind: KindDateTime, T: t.UTC()} }

// Obj returns an object Value.
func Obj(o Object) Value { return Value{Kind: KindObject, O: o} }

// List returns a list Value.
func List(items []Value) Value { return Value{Kind: KindList, L: items} }

// IsNull reports whether the value is null or invalid.
func (v Value) IsNull() bool { return v.Kind == KindNull || v.Kind == KindInvalid }

// IsScalar reports whether the value is one of the scalar kinds.
func (v Value) IsScalar() bool {
	switch v.Kind {
	case KindString, KindInt, KindFloat, KindBool, KindDateTime:
		return true
	default:
		return false
	}
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.S, true
}

// AsInt64 returns the int64 value if Kind is KindInt.
func (v Value) AsInt64() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I64, true
}

// AsFloat64 returns the float64 value if Kind is KindFloat or KindInt.
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindFloat:
		return v.F64, true
	case KindInt:
		return float64(v.I64), true
	default:
		return 0, false
	}
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// AsTime returns the time value if Kind is KindDateTime.
func (v Value) AsTime() (time.Time, bool) {
	if v.Kind != KindDateTime {
		return time.Time{}, false
	}
	return v.T, true
}

// AsObject returns the object value if Kind is KindObject.
func (v Value) AsObject() (Object, bool) {
	if v.Kind != KindObject {
		return nil, false
	}
	return v.O, true
}

// AsList returns the list value if Kind is KindList.
func (v Value) AsList() ([]Value, bool) {
	if v.Kind != KindList {
		return nil, false
	}
	return v.L, true
}

// Key returns a stable string representation for use as an index map key.
//
// It is intended for internal indexing (value -> posting list) and must remain
// stable across versions.
func (v Value) Key() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindString:
		return "s:" + v.S
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return "f:" + strconv.FormatUint(math.Float64bits(v.F64), 16)
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	case KindDateTime:
		return "t:" + v.T.UTC().Format(time.RFC3339Nano)
	case KindList:
		if len(v.L) == 0 {
			return "l:"
		}
		parts := make([]string, len(v.L))
		for i := range v.L {
			parts[i] = v.L[i].Key()
		}
		return "l:" + strings.Join(parts, "\x1f")
	default:
		return "invalid"
	}
}

// Compare orders two values of compatible kinds.
// Numbers compare across int/float; all other kinds compare only to themselves.
// Returns -1, 0 or 1. Incompatible kinds compare by kind tag so that sorting
// mixed sets stays deterministic.
func Compare(a, b Value) int {
	if isNumber(a) && isNumber(b) {
		if a.Kind == KindInt && b.Kind == KindInt {
			switch {
			case a.I64 < b.I64:
				return -1
			case a.I64 > b.I64:
				return 1
			default:
				return 0
			}
		}
		af, _ := a.AsFloat64()
		bf, _ := b.AsFloat64()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}

	switch a.Kind {
	case KindString:
		return strings.Compare(a.S, b.S)
	case KindBool:
		switch {
		case a.B == b.B:
			return 0
		case b.B:
			return -1
		default:
			return 1
		}
	case KindDateTime:
		return a.T.Compare(b.T)
	default:
		return 0
	}
}

// Equal reports whether two values are equal. Numbers compare across
// int/float; lists compare element-wise; objects compare field-wise.
func Equal(a, b Value) bool {
	if isNumber(a) && isNumber(b) {
		return Compare(a, b) == 0
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindString:
		return a.S == b.S
	case KindBool:
		return a.B == b.B
	case KindDateTime:
		return a.T.Equal(b.T)
	case KindList:
		if len(a.L) != len(b.L) {
			return false
		}
		for i := range a.L {
			if !Equal(a.L[i], b.L[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.O) != len(b.O) {
			return false
		}
		for k, av := range a.O {
			bv, ok := b.O[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone creates a deep copy of a Value, including nested objects and lists.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindObject:
		return Obj(v.O.Clone())
	case KindList:
		if len(v.L) == 0 {
			return v
		}
		items := make([]Value, len(v.L))
		for i := range v.L {
			items[i] = v.L[i].Clone()
		}
		return Value{Kind: KindList, L: items}
	default:
		return v
	}
}

// Clone creates a deep copy of the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	clone := make(Object, len(o))
	for k, v := range o {
		clone[k] = v.Clone()
	}
	return clone
}

func isNumber(v Value) bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}
