package query

import (
	"strings"

	"github.com/hupe1980/recgo/model"
)

// evalNode evaluates the predicate tree against a fully parsed record.
// $or short-circuits on the first matching branch.
func evalNode(node Node, doc model.Object) bool {
	switch n := node.(type) {
	case *And:
		for _, child := range n.Children {
			if !evalNode(child, doc) {
				return false
			}
		}
		return true
	case *Or:
		for _, branch := range n.Branches {
			if evalNode(branch, doc) {
				return true
			}
		}
		return false
	case *Cond:
		return evalCond(n, doc)
	default:
		return false
	}
}

func evalCond(c *Cond, doc model.Object) bool {
	val, found := doc.Lookup(c.Path)
	if !found {
		// A missing field matches only negated predicates.
		return c.Op == OpNe || c.Op == OpNin
	}

	switch c.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		return compareOp(c.Op, val, c.Val)
	case OpIn:
		for _, operand := range c.Vals {
			if model.Equal(val, operand) {
				return true
			}
		}
		return false
	case OpNin:
		for _, operand := range c.Vals {
			if model.Equal(val, operand) {
				return false
			}
		}
		return true
	case OpContains:
		if items, ok := val.AsList(); ok {
			for _, item := range items {
				if model.Equal(item, c.Val) {
					return true
				}
			}
			return false
		}
		if s, ok := val.AsString(); ok {
			if sub, ok := c.Val.AsString(); ok {
				return strings.Contains(s, sub)
			}
		}
		return false
	case OpRegex:
		if s, ok := val.AsString(); ok {
			return c.Re.MatchString(s)
		}
		return false
	default:
		return false
	}
}
