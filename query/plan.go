package query

import (
	"github.com/hupe1980/recgo/schema"
)

// maxFastPredicates bounds the predicate count eligible for the fast plan.
const maxFastPredicates = 3

// PlanKind identifies the chosen execution strategy.
type PlanKind int

const (
	// FullPlan parses every candidate data line into a value tree and
	// evaluates the predicate tree structurally.
	FullPlan PlanKind = iota
	// FastPlan tests compiled scalar predicates directly against the raw
	// serialized data line, avoiding structural parsing on the hot path.
	FastPlan
)

func (k PlanKind) String() string {
	if k == FastPlan {
		return "fast"
	}
	return "full"
}

var fastOps = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
}

// Classify decides the plan once per query, before execution. A query is
// fast-plan eligible iff it is a flat conjunction of at most maxFastPredicates
// simple comparisons, each targeting a scalar schema field.
func Classify(root *And, sch *schema.Schema) PlanKind {
	if len(root.Children) == 0 || len(root.Children) > maxFastPredicates {
		return FullPlan
	}
	for _, child := range root.Children {
		cond, ok := child.(*Cond)
		if !ok {
			return FullPlan
		}
		if !fastOps[cond.Op] {
			return FullPlan
		}
		spec, ok := sch.FieldAt(cond.Path)
		if !ok || !spec.Type.Scalar() {
			return FullPlan
		}
		if !cond.Val.IsScalar() {
			return FullPlan
		}
	}
	return FastPlan
}
