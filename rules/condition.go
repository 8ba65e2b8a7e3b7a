package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Op is a leaf comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpExists   Op = "exists"
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpIn, OpContains, OpGt, OpGte, OpLt, OpLte, OpExists:
		return true
	}
	return false
}

// Condition is a node of a rule's boolean condition tree. The set of node
// types is closed: Leaf, All, Any, Not and *Expr.
type Condition interface {
	condition()
}

// Leaf compares the value at Path against Value.
type Leaf struct {
	Path  string
	Op    Op
	Value any
}

// All holds when every child holds.
type All struct {
	Children []Condition
}

// Any holds when at least one child holds.
type Any struct {
	Children []Condition
}

// Not negates its child.
type Not struct {
	Child Condition
}

func (Leaf) condition() {}
func (All) condition()  {}
func (Any) condition()  {}
func (Not) condition()  {}
func (*Expr) condition() {}

// ParseCondition decodes a condition tree from its JSON wire form.
func ParseCondition(b []byte) (Condition, error) {
	return parseCondition(b, "condition")
}

func decodeObject(b []byte, at string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil || obj == nil {
		return nil, invalid(at, "must be a JSON object")
	}
	return obj, nil
}

func decodeValue(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func onlyKeys(obj map[string]json.RawMessage, at string, allowed ...string) error {
	var extra []string
	for k := range obj {
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return invalid(at, fmt.Sprintf("unknown keys: %s", strings.Join(extra, ", ")))
	}
	return nil
}

func parseCondition(b []byte, at string) (Condition, error) {
	obj, err := decodeObject(b, at)
	if err != nil {
		return nil, err
	}

	switch {
	case has(obj, "all"):
		if err := onlyKeys(obj, at, "all"); err != nil {
			return nil, err
		}
		children, err := parseChildren(obj["all"], at+".all")
		if err != nil {
			return nil, err
		}
		return All{Children: children}, nil

	case has(obj, "any"):
		if err := onlyKeys(obj, at, "any"); err != nil {
			return nil, err
		}
		children, err := parseChildren(obj["any"], at+".any")
		if err != nil {
			return nil, err
		}
		return Any{Children: children}, nil

	case has(obj, "not"):
		if err := onlyKeys(obj, at, "not"); err != nil {
			return nil, err
		}
		child, err := parseCondition(obj["not"], at+".not")
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil

	case has(obj, "expr"):
		if err := onlyKeys(obj, at, "expr"); err != nil {
			return nil, err
		}
		var src string
		if err := json.Unmarshal(obj["expr"], &src); err != nil {
			return nil, invalid(at+".expr", "must be a string")
		}
		e, err := NewExpr(src)
		if err != nil {
			return nil, invalid(at+".expr", err.Error())
		}
		return e, nil

	case has(obj, "path") || has(obj, "op"):
		if err := onlyKeys(obj, at, "path", "op", "value"); err != nil {
			return nil, err
		}
		var leaf Leaf
		if err := json.Unmarshal(obj["path"], &leaf.Path); err != nil || leaf.Path == "" {
			return nil, invalid(at+".path", "must be a non-empty string")
		}
		var op string
		if err := json.Unmarshal(obj["op"], &op); err != nil {
			return nil, invalid(at+".op", "must be a string")
		}
		leaf.Op = Op(op)
		if !leaf.Op.Valid() {
			return nil, invalid(at+".op", fmt.Sprintf("unknown operator %q", op))
		}
		if raw, ok := obj["value"]; ok {
			v, err := decodeValue(raw)
			if err != nil {
				return nil, invalid(at+".value", "malformed value")
			}
			leaf.Value = v
		}
		return leaf, nil
	}

	return nil, invalid(at, "unknown condition node (expected all, any, not, expr or a path/op leaf)")
}

func has(obj map[string]json.RawMessage, key string) bool {
	_, ok := obj[key]
	return ok
}

func parseChildren(b []byte, at string) ([]Condition, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return nil, invalid(at, "must be an array")
	}
	if len(raws) == 0 {
		return nil, invalid(at, "must contain at least one condition")
	}
	out := make([]Condition, 0, len(raws))
	for i, raw := range raws {
		c, err := parseCondition(raw, fmt.Sprintf("%s[%d]", at, i))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// MarshalCondition renders a condition tree in its JSON wire form.
func MarshalCondition(c Condition) (json.RawMessage, error) {
	v, err := conditionWire(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func conditionWire(c Condition) (any, error) {
	switch n := c.(type) {
	case Leaf:
		m := map[string]any{"path": n.Path, "op": string(n.Op)}
		if n.Op != OpExists || n.Value != nil {
			m["value"] = n.Value
		}
		return m, nil
	case All:
		children, err := childrenWire(n.Children)
		return map[string]any{"all": children}, err
	case Any:
		children, err := childrenWire(n.Children)
		return map[string]any{"any": children}, err
	case Not:
		child, err := conditionWire(n.Child)
		return map[string]any{"not": child}, err
	case *Expr:
		return map[string]any{"expr": n.Source}, nil
	case nil:
		return nil, fmt.Errorf("nil condition node")
	}
	return nil, fmt.Errorf("unknown condition node %T", c)
}

func childrenWire(children []Condition) ([]any, error) {
	out := make([]any, 0, len(children))
	for _, c := range children {
		w, err := conditionWire(c)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
