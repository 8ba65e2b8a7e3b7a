package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/liamcoop/automation/values"
	"github.com/shopspring/decimal"
)

// exprCostLimit bounds the runtime cost of one expression evaluation.
const exprCostLimit = 1000000

var (
	exprEnvOnce sync.Once
	exprEnv     *cel.Env
	exprEnvErr  error
)

// ExprEnv returns the CEL environment expression conditions compile in.
// The triggering entity is bound to `entity` and its custom fields to
// `custom_fields`.
func ExprEnv() (*cel.Env, error) {
	exprEnvOnce.Do(func() {
		exprEnv, exprEnvErr = cel.NewEnv(
			cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("custom_fields", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return exprEnv, exprEnvErr
}

// Expr is a condition written as a CEL expression over the entity.
type Expr struct {
	Source  string
	program cel.Program
}

// NewExpr compiles src. The expression must produce a bool.
func NewExpr(src string) (*Expr, error) {
	prog, err := compileExpr(src)
	if err != nil {
		return nil, err
	}
	return &Expr{Source: src, program: prog}, nil
}

func compileExpr(src string) (cel.Program, error) {
	env, err := ExprEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", out)
	}

	prog, err := env.Program(ast, cel.CostLimit(exprCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// Eval runs the expression against the entity context. Errors and non-bool
// results count as false.
func (e *Expr) Eval(ctx map[string]any) bool {
	prog := e.program
	if prog == nil {
		var err error
		if prog, err = compileExpr(e.Source); err != nil {
			return false
		}
	}

	entity, _ := celValue(ctx).(map[string]any)
	if entity == nil {
		entity = map[string]any{}
	}
	custom, _ := entity["custom_fields"].(map[string]any)
	if custom == nil {
		custom = map[string]any{}
	}

	out, _, err := prog.Eval(map[string]any{
		"entity":        entity,
		"custom_fields": custom,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// celValue converts entity values into types CEL understands natively.
func celValue(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		f, _ := x.Float64()
		return f
	case values.Date:
		return x.String()
	case time.Time:
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = celValue(el)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = celValue(el)
		}
		return out
	}
	return v
}
