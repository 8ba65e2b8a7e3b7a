package rules

import (
	"strings"

	"github.com/liamcoop/automation/values"
)

// LeafTrace records the outcome of one leaf or expression during evaluation.
type LeafTrace struct {
	Path     string `json:"path,omitempty"`
	Op       string `json:"op"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Result   bool   `json:"result"`
}

// Evaluate decides whether cond holds for the entity context. A nil
// condition always holds. All and Any evaluate every child.
func Evaluate(cond Condition, ctx map[string]any) bool {
	return eval(cond, ctx, nil)
}

// Explain evaluates cond like Evaluate and also returns the outcome of every
// leaf in evaluation order.
func Explain(cond Condition, ctx map[string]any) (bool, []LeafTrace) {
	trace := []LeafTrace{}
	ok := eval(cond, ctx, &trace)
	return ok, trace
}

func eval(cond Condition, ctx map[string]any, trace *[]LeafTrace) bool {
	switch n := cond.(type) {
	case nil:
		return true
	case Leaf:
		actual, result := evaluateLeaf(n, ctx)
		if trace != nil {
			*trace = append(*trace, LeafTrace{Path: n.Path, Op: string(n.Op), Expected: n.Value, Actual: actual, Result: result})
		}
		return result
	case All:
		result := true
		for _, child := range n.Children {
			if !eval(child, ctx, trace) {
				result = false
			}
		}
		return result
	case Any:
		result := false
		for _, child := range n.Children {
			if eval(child, ctx, trace) {
				result = true
			}
		}
		return result
	case Not:
		return !eval(n.Child, ctx, trace)
	case *Expr:
		result := n.Eval(ctx)
		if trace != nil {
			*trace = append(*trace, LeafTrace{Op: "expr", Expected: n.Source, Result: result})
		}
		return result
	}
	return false
}

func evaluateLeaf(leaf Leaf, ctx map[string]any) (any, bool) {
	actual, found := values.Lookup(ctx, leaf.Path)
	if !found {
		actual = nil
	}

	switch leaf.Op {
	case OpExists:
		return actual, found && !values.IsEmpty(actual)
	case OpEq:
		return actual, values.Equal(actual, leaf.Value)
	case OpNeq:
		return actual, !values.Equal(actual, leaf.Value)
	case OpIn:
		options, ok := values.AsSequence(leaf.Value)
		if !ok {
			return actual, false
		}
		for _, opt := range options {
			if values.Equal(actual, opt) {
				return actual, true
			}
		}
		return actual, false
	case OpContains:
		return actual, contains(actual, leaf.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if actual == nil || leaf.Value == nil {
			return actual, false
		}
		c, ok := values.Compare(actual, leaf.Value)
		if !ok {
			return actual, false
		}
		switch leaf.Op {
		case OpGt:
			return actual, c > 0
		case OpGte:
			return actual, c >= 0
		case OpLt:
			return actual, c < 0
		default:
			return actual, c <= 0
		}
	}
	return actual, false
}

func contains(container, needle any) bool {
	if s, ok := container.(string); ok {
		n, ok := needle.(string)
		return ok && strings.Contains(s, n)
	}
	items, ok := values.AsSequence(container)
	if !ok {
		return false
	}
	for _, item := range items {
		if values.Equal(item, needle) {
			return true
		}
	}
	return false
}
