// Package expression compiles the flow-split formulas attached to graph edges.
//
// Two dialects share one contract: a formula is compiled once against a
// prototype symbol table (unknown identifiers are rejected up front) and then
// evaluated every cycle against a fresh table with the same keys. Evaluators
// see only the symbols they are given; they never reach the device graph.
package expression

import (
	"fmt"
	"math"
)

// Dialect names.
const (
	DialectExpr      = "expr"      // expr-lang syntax
	DialectGovaluate = "govaluate" // govaluate syntax
)

// Program is a compiled formula.
type Program interface {
	// Eval runs the formula against symbols and returns its numeric result.
	Eval(symbols map[string]any) (float64, error)
	// Source returns the formula text.
	Source() string
}

// Evaluator compiles formulas of one dialect.
type Evaluator interface {
	Name() string
	// Compile checks src against the prototype symbol table.
	Compile(src string, symbols map[string]any) (Program, error)
}

// validDialects maps accepted dialect names.
var validDialects = map[string]bool{
	DialectExpr:      true,
	DialectGovaluate: true,
}

// IsValidDialect returns true if name is a recognized dialect.
func IsValidDialect(name string) bool {
	return validDialects[name]
}

// New returns the evaluator for a dialect.
func New(dialect string) (Evaluator, error) {
	switch dialect {
	case DialectExpr:
		return &exprEvaluator{}, nil
	case DialectGovaluate:
		return &govaluateEvaluator{}, nil
	default:
		return nil, fmt.Errorf("unknown expression dialect %q; valid: expr, govaluate", dialect)
	}
}

// toFloat converts a formula result to float64.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		return 0, fmt.Errorf("formula returned a boolean (%v), want a number", n)
	case nil:
		return 0, fmt.Errorf("formula returned no value")
	default:
		return 0, fmt.Errorf("formula returned %T, want a number", v)
	}
}

// checkResult rejects results no transfer can use: NaN, and infinities
// from divisions by zero.
func checkResult(src string, v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("formula %q evaluated to %v", src, v)
	}
	return v, nil
}
