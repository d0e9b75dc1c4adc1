package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/buger/jsonparser"

	"github.com/hupe1980/recgo/model"
	"github.com/hupe1980/recgo/schema"
)

// The fast plan extracts the target field's raw scalar with a streaming JSON
// tokenizer instead of anchoring literal patterns over the serialized line.
// Tokenized extraction is immune to string content that resembles structural
// tokens, so fast and full plans stay equivalent for arbitrary field values.

// rawMatcher tests one compiled scalar predicate against a raw data line.
type rawMatcher struct {
	keys    []string
	typ     schema.FieldType
	op      string
	operand model.Value
}

// compileFast compiles the conjunction into raw matchers. Classify has
// already proven every child is a simple scalar Cond.
func compileFast(root *And, sch *schema.Schema) ([]rawMatcher, error) {
	matchers := make([]rawMatcher, 0, len(root.Children))
	for _, child := range root.Children {
		cond := child.(*Cond)
		spec, ok := sch.FieldAt(cond.Path)
		if !ok {
			return nil, fmt.Errorf("field %q not in schema", cond.Path)
		}
		matchers = append(matchers, rawMatcher{
			keys:    model.SplitPath(cond.Path),
			typ:     spec.Type,
			op:      cond.Op,
			operand: cond.Val,
		})
	}
	return matchers, nil
}

// match tests the predicate against the raw line. A missing field matches
// only $ne, mirroring full-plan semantics.
func (m rawMatcher) match(line []byte) (bool, error) {
	val, found, err := m.extract(line)
	if err != nil {
		return false, err
	}
	if !found {
		return m.op == OpNe, nil
	}
	return compareOp(m.op, val, m.operand), nil
}

func (m rawMatcher) extract(line []byte) (model.Value, bool, error) {
	switch m.typ {
	case schema.TypeStr:
		s, err := jsonparser.GetString(line, m.keys...)
		if err != nil {
			return model.Value{}, false, ignoreNotFound(err)
		}
		return model.String(s), true, nil
	case schema.TypeInt:
		n, err := jsonparser.GetInt(line, m.keys...)
		if err != nil {
			return model.Value{}, false, ignoreNotFound(err)
		}
		return model.Int(n), true, nil
	case schema.TypeFloat:
		f, err := jsonparser.GetFloat(line, m.keys...)
		if err != nil {
			return model.Value{}, false, ignoreNotFound(err)
		}
		return model.Float(f), true, nil
	case schema.TypeBool:
		b, err := jsonparser.GetBoolean(line, m.keys...)
		if err != nil {
			return model.Value{}, false, ignoreNotFound(err)
		}
		return model.Bool(b), true, nil
	case schema.TypeDateTime:
		s, err := jsonparser.GetString(line, m.keys...)
		if err != nil {
			return model.Value{}, false, ignoreNotFound(err)
		}
		ts, perr := time.Parse(time.RFC3339Nano, s)
		if perr != nil {
			return model.Value{}, false, fmt.Errorf("invalid datetime in data line: %w", perr)
		}
		return model.DateTime(ts), true, nil
	default:
		return model.Value{}, false, fmt.Errorf("non-scalar field type %s on fast plan", m.typ)
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil
	}
	return err
}

// compareOp evaluates one simple comparison between a field value and an
// operand. Shared by both plans so their semantics cannot drift.
func compareOp(op string, val, operand model.Value) bool {
	switch op {
	case OpEq:
		return model.Equal(val, operand)
	case OpNe:
		return !model.Equal(val, operand)
	case OpGt:
		return comparable(val, operand) && model.Compare(val, operand) > 0
	case OpGte:
		return comparable(val, operand) && model.Compare(val, operand) >= 0
	case OpLt:
		return comparable(val, operand) && model.Compare(val, operand) < 0
	case OpLte:
		return comparable(val, operand) && model.Compare(val, operand) <= 0
	default:
		return false
	}
}

// comparable rejects ordered comparisons across unrelated kinds.
func comparable(a, b model.Value) bool {
	if a.Kind == b.Kind {
		return a.IsScalar()
	}
	_, aNum := a.AsFloat64()
	_, bNum := b.AsFloat64()
	return aNum && bNum
}
