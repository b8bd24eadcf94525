package expression

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// exprEvaluator compiles formulas with expr-lang. The prototype table becomes
// the type-checked environment, so an unknown name fails at compile time.
type exprEvaluator struct{}

func (e *exprEvaluator) Name() string { return DialectExpr }

func (e *exprEvaluator) Compile(src string, symbols map[string]any) (Program, error) {
	program, err := expr.Compile(src, expr.Env(symbols))
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", src, err)
	}
	return &exprProgram{src: src, program: program}, nil
}

type exprProgram struct {
	src     string
	program *vm.Program
}

func (p *exprProgram) Source() string { return p.src }

func (p *exprProgram) Eval(symbols map[string]any) (float64, error) {
	out, err := expr.Run(p.program, symbols)
	if err != nil {
		return 0, fmt.Errorf("evaluating %q: %w", p.src, err)
	}
	v, err := toFloat(out)
	if err != nil {
		return 0, fmt.Errorf("evaluating %q: %w", p.src, err)
	}
	return checkResult(p.src, v)
}
