// Package query implements the two-tier query planner and executors.
//
// A query is a nested mapping mirroring the record shape, with recognized
// comparison and logical operators. Before execution each query is classified
// once: simple conjunctions of few scalar predicates run on the fast plan,
// which tests predicates against the raw serialized data line without
// building a value tree; everything else runs on the full plan, which parses
// each candidate line and evaluates the predicate tree structurally.
//
// Both plans first narrow the candidate id set through the meta index and any
// applicable secondary or reverse-membership index, so file I/O stays
// proportional to matches rather than table size.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/recgo/model"
	"github.com/hupe1980/recgo/schema"
)

// Q is the query document type: field path -> operand or operator mapping.
type Q = map[string]any

// Recognized operators.
const (
	OpEq       = "$eq"
	OpNe       = "$ne"
	OpGt       = "$gt"
	OpGte      = "$gte"
	OpLt       = "$lt"
	OpLte      = "$lte"
	OpIn       = "$in"
	OpNin      = "$nin"
	OpContains = "$contains"
	OpRegex    = "$regex"
	opFlags    = "$flags"
	OpOr       = "$or"
)

// SyntaxError reports an unrecognized operator or query shape.
type SyntaxError struct {
	Reason string
}

func (e *SyntaxError) Error() string { return "query syntax error: " + e.Reason }

// Node is one node of the parsed predicate tree.
type Node interface{ isNode() }

// Cond is a single comparison on a field path.
type Cond struct {
	Path string
	Op   string
	Val  model.Value   // operand for unary comparisons
	Vals []model.Value // operands for $in / $nin
	Re   *regexp.Regexp
}

func (*Cond) isNode() {}

// And is a conjunction of child nodes.
type And struct {
	Children []Node
}

func (*And) isNode() {}

// Or is a short-circuiting disjunction.
type Or struct {
	Branches []Node
}

func (*Or) isNode() {}

var comparisonOps = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpContains: true, OpRegex: true,
}

// Parse compiles a query document into a predicate tree, validating operators
// and operand shapes against the schema. $regex patterns compile once here,
// never per record.
func Parse(q Q, sch *schema.Schema) (*And, error) {
	return parseAnd("", q, sch)
}

func parseAnd(prefix string, q Q, sch *schema.Schema) (*And, error) {
	root := &And{}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := q[key]
		switch {
		case key == OpOr:
			branches, ok := val.([]any)
			if !ok {
				return nil, &SyntaxError{Reason: "$or expects a list of sub-queries"}
			}
			or := &Or{}
			for _, branch := range branches {
				sub, ok := branch.(map[string]any)
				if !ok {
					return nil, &SyntaxError{Reason: "$or branch must be a mapping"}
				}
				node, err := parseAnd(prefix, sub, sch)
				if err != nil {
					return nil, err
				}
				or.Branches = append(or.Branches, node)
			}
			root.Children = append(root.Children, or)
		case strings.HasPrefix(key, "$"):
			return nil, &SyntaxError{Reason: fmt.Sprintf("unrecognized operator %q", key)}
		default:
			path := key
			if prefix != "" {
				path = prefix + "/" + key
			}
			nodes, err := parseField(path, val, sch)
			if err != nil {
				return nil, err
			}
			root.Children = append(root.Children, nodes...)
		}
	}
	return root, nil
}

func parseField(path string, val any, sch *schema.Schema) ([]Node, error) {
	m, isMap := val.(map[string]any)
	if !isMap {
		cond, err := makeCond(path, OpEq, val, sch)
		if err != nil {
			return nil, err
		}
		return []Node{cond}, nil
	}

	hasOp := false
	for k := range m {
		if strings.HasPrefix(k, "$") {
			hasOp = true
			break
		}
	}
	if !hasOp {
		// Nested object shape: descend.
		sub, err := parseAnd(path, m, sch)
		if err != nil {
			return nil, err
		}
		return sub.Children, nil
	}

	var nodes []Node
	ops := make([]string, 0, len(m))
	for op := range m {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		if op == opFlags {
			continue // consumed alongside $regex
		}
		if !comparisonOps[op] {
			return nil, &SyntaxError{Reason: fmt.Sprintf("unrecognized operator %q on %q", op, path)}
		}
		operand := m[op]
		if op == OpRegex {
			flags, _ := m[opFlags].(string)
			cond, err := makeRegexCond(path, operand, flags)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, cond)
			continue
		}
		cond, err := makeCond(path, op, operand, sch)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, cond)
	}
	return nodes, nil
}

func makeCond(path, op string, operand any, sch *schema.Schema) (*Cond, error) {
	if op == OpIn || op == OpNin {
		items, ok := operand.([]any)
		if !ok {
			return nil, &SyntaxError{Reason: fmt.Sprintf("%s on %q expects a list", op, path)}
		}
		vals := make([]model.Value, len(items))
		for i, item := range items {
			v, err := operandValue(path, item, sch)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return &Cond{Path: path, Op: op, Vals: vals}, nil
	}

	v, err := operandValue(path, operand, sch)
	if err != nil {
		return nil, err
	}
	return &Cond{Path: path, Op: op, Val: v}, nil
}

func makeRegexCond(path string, operand any, flags string) (*Cond, error) {
	pattern, ok := operand.(string)
	if !ok {
		return nil, &SyntaxError{Reason: fmt.Sprintf("$regex on %q expects a string pattern", path)}
	}
	var prefix string
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix += string(f)
		default:
			return nil, &SyntaxError{Reason: fmt.Sprintf("unsupported $flags %q on %q", flags, path)}
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &SyntaxError{Reason: fmt.Sprintf("invalid $regex on %q: %v", path, err)}
	}
	return &Cond{Path: path, Op: OpRegex, Re: re}, nil
}

// operandValue converts a query operand, coercing datetime strings for
// datetime fields so comparisons are chronological, not lexical.
func operandValue(path string, operand any, sch *schema.Schema) (model.Value, error) {
	v, err := model.FromAny(operand)
	if err != nil {
		return model.Value{}, &SyntaxError{Reason: fmt.Sprintf("invalid operand on %q: %v", path, err)}
	}
	spec, ok := sch.FieldAt(path)
	if ok && spec.Type == schema.TypeDateTime {
		if s, isStr := v.AsString(); isStr {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return model.Value{}, &SyntaxError{Reason: fmt.Sprintf("invalid datetime operand on %q", path)}
			}
			return model.DateTime(ts), nil
		}
	}
	return v, nil
}
