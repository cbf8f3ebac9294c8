// Package formula evaluates the arithmetic and comparison expressions used by
// calculate transformations and custom validation rules.
//
// Expressions are compiled with expr-lang/expr against the record being
// processed, so identifiers resolve to record fields (dotted access works on
// nested objects) and nothing outside the record is reachable. Formulas are
// strings like "value * 1.1", "(revenue - cost) / revenue", or
// "orders > 0 && refunds <= orders".
package formula

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/obsidianstack/metricflow/agent/internal/record"
)

// ErrEmpty is returned for a blank expression.
var ErrEmpty = errors.New("formula: empty expression")

// Eval compiles and runs expression with env as the only visible scope.
func Eval(expression string, env record.Record) (any, error) {
	if expression == "" {
		return nil, ErrEmpty
	}
	if env == nil {
		env = record.Record{}
	}
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("formula: compile %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("formula: run %q: %w", expression, err)
	}
	return out, nil
}

// Number evaluates expression and coerces the result to float64.
func Number(expression string, env record.Record) (float64, error) {
	out, err := Eval(expression, env)
	if err != nil {
		return 0, err
	}
	if _, isBool := out.(bool); isBool {
		return 0, fmt.Errorf("formula: %q produced bool, want number", expression)
	}
	f, ok := record.Float(out)
	if !ok {
		return 0, fmt.Errorf("formula: %q produced %T, want number", expression, out)
	}
	return f, nil
}

// Bool evaluates expression and requires a boolean result.
func Bool(expression string, env record.Record) (bool, error) {
	out, err := Eval(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("formula: %q produced %T, want bool", expression, out)
	}
	return b, nil
}
