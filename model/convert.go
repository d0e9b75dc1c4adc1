package model

import (
	"fmt"
	"math"
	"time"
)

// FromAny converts a decoded JSON value (or a native Go value supplied by a
// caller) into a Value. JSON numbers arrive as float64; integral floats become
// KindInt so that int fields round-trip losslessly.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("integer overflow: %d", x)
		}
		return Int(int64(x)), nil
	case float32:
		return fromFloat(float64(x)), nil
	case float64:
		return fromFloat(x), nil
	case time.Time:
		return DateTime(x), nil
	case map[string]any:
		o, err := ObjectFromAny(x)
		if err != nil {
			return Value{}, err
		}
		return Obj(o), nil
	case Object:
		return Obj(x), nil
	case []any:
		items := make([]Value, len(x))
		for i := range x {
			iv, err := FromAny(x[i])
			if err != nil {
				return Value{}, err
			}
			items[i] = iv
		}
		return List(items), nil
	case []string:
		items := make([]Value, len(x))
		for i := range x {
			items[i] = String(x[i])
		}
		return List(items), nil
	case []Value:
		return List(x), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func fromFloat(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

// ObjectFromAny converts a decoded JSON object into an Object.
func ObjectFromAny(m map[string]any) (Object, error) {
	o := make(Object, len(m))
	for k, v := range m {
		val, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		o[k] = val
	}
	return o, nil
}

// ToAny converts a Value into the plain Go representation used for JSON
// encoding. Datetimes serialize as RFC 3339 strings.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindString:
		return v.S
	case KindInt:
		return v.I64
	case KindFloat:
		return v.F64
	case KindBool:
		return v.B
	case KindDateTime:
		return v.T.UTC().Format(time.RFC3339Nano)
	case KindObject:
		return v.O.ToAny()
	case KindList:
		items := make([]any, len(v.L))
		for i := range v.L {
			items[i] = v.L[i].ToAny()
		}
		return items
	default:
		return nil
	}
}

// ToAny converts an Object into a map ready for JSON encoding.
func (o Object) ToAny() map[string]any {
	m := make(map[string]any, len(o))
	for k, v := range o {
		m[k] = v.ToAny()
	}
	return m
}
