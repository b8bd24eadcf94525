package sim

import (
	"fmt"
	"math"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/ics-sandbox/physim/sim/expression"
)

// Distributor splits a transferred volume among a device's neighbours.
// One distributor is shared by every device of a graph and never changes
// after the graph is built.
type Distributor interface {
	Name() string
	// Push forwards volume of fluid from d to its outputs and returns the
	// volume they accepted.
	Push(g *Graph, d *Device, fluid *Fluid, volume float64) float64
	// Pull requests volume from d's inputs on d's behalf and returns the
	// volume actually transferred into d.
	Pull(g *Graph, d *Device, volume float64) float64
}

// Strategy names.
const (
	StrategyProportional = "proportional"
	StrategyExpr         = expression.DialectExpr
	StrategyGovaluate    = expression.DialectGovaluate
)

// ValidStrategies is the set of recognized distribution strategy names.
// Empty means proportional.
var ValidStrategies = map[string]bool{
	"":                   true,
	StrategyProportional: true,
	StrategyExpr:         true,
	StrategyGovaluate:    true,
}

// IsValidStrategy returns true if name is a recognized strategy.
func IsValidStrategy(name string) bool {
	return ValidStrategies[name]
}

// NewDistributor creates the distributor selected by name. symbols are the
// global constants visible to expression strategies; proportional ignores them.
// Panics on an unknown name.
func NewDistributor(name string, symbols map[string]float64) Distributor {
	if !IsValidStrategy(name) {
		panic(fmt.Sprintf("unknown distribution strategy %q", name))
	}
	switch name {
	case "", StrategyProportional:
		return &Proportional{}
	default:
		ev, err := expression.New(name)
		if err != nil {
			panic(fmt.Sprintf("unhandled distribution strategy %q: %v", name, err))
		}
		return NewExpressionDistributor(ev, symbols)
	}
}

// Proportional splits volume equally among open neighbours.
type Proportional struct{}

func (p *Proportional) Name() string { return StrategyProportional }

func (p *Proportional) Push(g *Graph, d *Device, fluid *Fluid, volume float64) float64 {
	open := g.openNeighbors(d.outputs)
	if len(open) == 0 {
		logrus.Warnf("%s: no open output device, %g not forwarded", d, volume)
		return 0
	}
	share := g.Round(volume / float64(len(open)))
	var accepted float64
	for _, id := range open {
		accepted += g.Input(id, fluid, share).Accepted
	}
	return g.Round(accepted)
}

func (p *Proportional) Pull(g *Graph, d *Device, volume float64) float64 {
	open := g.openNeighbors(d.inputs)
	if len(open) == 0 {
		logrus.Warnf("%s: no open input device, %g not requested", d, volume)
		return 0
	}
	share := g.Round(volume / float64(len(open)))
	var received float64
	for _, id := range open {
		received += g.Output(id, d.ID, share)
	}
	return g.Round(received)
}

// neighborExpr is one compiled formula attached to an edge.
type neighborExpr struct {
	label   string
	target  DeviceID
	program expression.Program
}

// Symbol-table keys always present for expression strategies.
const (
	SymCurrentFlowRate = "current_flow_rate"
	SymAcceptedVolume  = "accepted_volume"
	SymRequestedVolume = "requested_volume"
	SymOpenOutputs     = "open_output_devices_number"
	SymOpenInputs      = "open_input_devices_number"
)

var reservedSymbols = map[string]bool{
	SymCurrentFlowRate: true,
	SymAcceptedVolume:  true,
	SymRequestedVolume: true,
	SymOpenOutputs:     true,
	SymOpenInputs:      true,
}

// ExpressionDistributor evaluates one formula per edge to decide each
// neighbour's share. Formulas only see the symbol table built here: the
// per-call variables, the global constants, and a DeviceView per label.
type ExpressionDistributor struct {
	evaluator expression.Evaluator
	symbols   map[string]float64
}

// NewExpressionDistributor creates an expression strategy backed by ev.
func NewExpressionDistributor(ev expression.Evaluator, symbols map[string]float64) *ExpressionDistributor {
	if symbols == nil {
		symbols = map[string]float64{}
	}
	return &ExpressionDistributor{evaluator: ev, symbols: symbols}
}

func (e *ExpressionDistributor) Name() string { return e.evaluator.Name() }

func (e *ExpressionDistributor) Push(g *Graph, d *Device, fluid *Fluid, volume float64) float64 {
	if len(d.outputExprs) == 0 {
		logrus.Warnf("%s: no output expression, %g not forwarded", d, volume)
		return 0
	}
	env := e.env(g, d, volume, 0)
	var accepted float64
	for _, ne := range d.outputExprs {
		share, ok := e.share(g, d, ne, env)
		if !ok {
			continue
		}
		accepted += g.Input(ne.target, fluid, share).Accepted
	}
	return g.Round(accepted)
}

func (e *ExpressionDistributor) Pull(g *Graph, d *Device, volume float64) float64 {
	if len(d.inputExprs) == 0 {
		logrus.Warnf("%s: no input expression, %g not requested", d, volume)
		return 0
	}
	env := e.env(g, d, 0, volume)
	var received float64
	for _, ne := range d.inputExprs {
		share, ok := e.share(g, d, ne, env)
		if !ok {
			continue
		}
		received += g.Output(ne.target, d.ID, share)
	}
	return g.Round(received)
}

// share evaluates one edge formula. Unusable results are logged and skipped.
func (e *ExpressionDistributor) share(g *Graph, d *Device, ne neighborExpr, env map[string]any) (float64, bool) {
	v, err := ne.program.Eval(env)
	if err != nil {
		logrus.Warnf("%s -> %s: %v", d, ne.label, err)
		return 0, false
	}
	v = g.Round(v)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		logrus.Warnf("%s -> %s: %q gave %g, nothing transferred", d, ne.label, ne.program.Source(), v)
		return 0, false
	}
	return v, v > 0
}

func (e *ExpressionDistributor) env(g *Graph, d *Device, accepted, requested float64) map[string]any {
	env := make(map[string]any, len(e.symbols)+g.Len()+len(reservedSymbols))
	for k, v := range e.symbols {
		env[k] = v
	}
	for _, dev := range g.devices {
		env[dev.Label] = dev.View()
	}
	env[SymCurrentFlowRate] = d.CurrentFlowRate
	env[SymAcceptedVolume] = accepted
	env[SymRequestedVolume] = requested
	env[SymOpenOutputs] = float64(len(g.openNeighbors(d.outputs)))
	env[SymOpenInputs] = float64(len(g.openNeighbors(d.inputs)))
	return env
}

// compile checks src against a prototype of the symbol table.
func (e *ExpressionDistributor) compile(g *Graph, src string) (expression.Program, error) {
	for k := range e.symbols {
		if reservedSymbols[k] {
			return nil, fmt.Errorf("symbol %q shadows a built-in variable", k)
		}
		if _, isDevice := g.byLabel[k]; isDevice {
			return nil, fmt.Errorf("symbol %q shadows a device label", k)
		}
	}
	return e.evaluator.Compile(src, e.env(g, &Device{}, 0, 0))
}

// SetOutputExpression attaches the formula deciding how much id forwards to
// its output `to`. The graph must use an expression strategy.
func (g *Graph) SetOutputExpression(id, to DeviceID, src string) error {
	d, target := g.devices[id], g.devices[to]
	ne, err := g.compileEdge(d, target, d.outputs, src)
	if err != nil {
		return err
	}
	d.outputExprs = setNeighborExpr(d.outputExprs, ne)
	return nil
}

// SetInputExpression attaches the formula deciding how much id requests from
// its input `from`. The graph must use an expression strategy.
func (g *Graph) SetInputExpression(id, from DeviceID, src string) error {
	d, target := g.devices[id], g.devices[from]
	ne, err := g.compileEdge(d, target, d.inputs, src)
	if err != nil {
		return err
	}
	d.inputExprs = setNeighborExpr(d.inputExprs, ne)
	return nil
}

func (g *Graph) compileEdge(d, target *Device, side []DeviceID, src string) (neighborExpr, error) {
	ed, ok := g.dist.(*ExpressionDistributor)
	if !ok {
		return neighborExpr{}, fmt.Errorf("%s -> %s: expressions need an expression strategy, graph uses %q",
			d, target, g.dist.Name())
	}
	if !slices.Contains(side, target.ID) {
		return neighborExpr{}, fmt.Errorf("%s: expression target %q is not a connected neighbour", d, target.Label)
	}
	program, err := ed.compile(g, src)
	if err != nil {
		return neighborExpr{}, fmt.Errorf("%s -> %s: %w", d, target, err)
	}
	logrus.Debugf("%s: expression for %s: %s", d, target.Label, src)
	return neighborExpr{label: target.Label, target: target.ID, program: program}, nil
}

// setNeighborExpr replaces the formula for the same target or appends it.
func setNeighborExpr(exprs []neighborExpr, ne neighborExpr) []neighborExpr {
	for i := range exprs {
		if exprs[i].target == ne.target {
			exprs[i] = ne
			return exprs
		}
	}
	return append(exprs, ne)
}
