package expression

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
)

// govaluateEvaluator compiles formulas with govaluate. govaluate resolves
// parameters lazily, so identifiers are checked against the prototype table
// token by token at compile time.
type govaluateEvaluator struct{}

func (e *govaluateEvaluator) Name() string { return DialectGovaluate }

func (e *govaluateEvaluator) Compile(src string, symbols map[string]any) (Program, error) {
	compiled, err := govaluate.NewEvaluableExpressionWithFunctions(src, functions)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", src, err)
	}
	for _, tok := range compiled.Tokens() {
		var name string
		switch tok.Kind {
		case govaluate.VARIABLE:
			name, _ = tok.Value.(string)
		case govaluate.ACCESSOR:
			if parts, ok := tok.Value.([]string); ok && len(parts) > 0 {
				name = parts[0]
			}
		default:
			continue
		}
		if _, ok := symbols[name]; !ok {
			return nil, fmt.Errorf("compiling %q: unknown symbol %q", src, name)
		}
	}
	return &govaluateProgram{src: src, expr: compiled}, nil
}

type govaluateProgram struct {
	src  string
	expr *govaluate.EvaluableExpression
}

func (p *govaluateProgram) Source() string { return p.src }

func (p *govaluateProgram) Eval(symbols map[string]any) (float64, error) {
	out, err := p.expr.Evaluate(symbols)
	if err != nil {
		return 0, fmt.Errorf("evaluating %q: %w", p.src, err)
	}
	v, err := toFloat(out)
	if err != nil {
		return 0, fmt.Errorf("evaluating %q: %w", p.src, err)
	}
	return checkResult(p.src, v)
}

// functions is the whole callable surface of the govaluate dialect.
var functions = map[string]govaluate.ExpressionFunction{
	"min":   foldFloats(math.Min),
	"max":   foldFloats(math.Max),
	"abs":   unaryFloat(math.Abs),
	"floor": unaryFloat(math.Floor),
	"ceil":  unaryFloat(math.Ceil),
	"sqrt":  unaryFloat(math.Sqrt),
	"round": unaryFloat(math.Round),
}

func unaryFloat(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("want 1 argument, got %d", len(args))
		}
		v, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		return fn(v), nil
	}
}

func foldFloats(fn func(a, b float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("want at least 1 argument")
		}
		acc, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		for _, a := range args[1:] {
			v, err := toFloat(a)
			if err != nil {
				return nil, err
			}
			acc = fn(acc, v)
		}
		return acc, nil
	}
}
