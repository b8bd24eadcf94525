package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDistributor_Registry(t *testing.T) {
	for name := range ValidStrategies {
		d := NewDistributor(name, nil)
		require.NotNil(t, d, name)
	}
	assert.Equal(t, StrategyProportional, NewDistributor("", nil).Name())
	assert.False(t, IsValidStrategy("wolfram"))
	assert.Panics(t, func() { NewDistributor("wolfram", nil) })
}

// splitGraph builds reservoir → valve → {t1, t2} with per-edge formulas.
func splitGraph(t *testing.T, strategy, toT1, toT2 string) (*Graph, DeviceID, DeviceID, DeviceID) {
	t.Helper()
	g := newTestGraph(strategy, map[string]float64{"share": 0.75})
	r := addTestDevice(t, g, KindReservoir, "r1", withVolume(100))
	v := addTestDevice(t, g, KindValve, "v1", withState(true), active)
	t1 := addTestDevice(t, g, KindTank, "t1")
	t2 := addTestDevice(t, g, KindTank, "t2", withMaxVolume(50))
	g.AddOutput(r, v)
	g.AddOutput(v, t1)
	g.AddOutput(v, t2)
	require.NoError(t, g.SetInputExpression(v, r, "10"))
	require.NoError(t, g.SetOutputExpression(v, t1, toT1))
	require.NoError(t, g.SetOutputExpression(v, t2, toT2))
	return g, r, t1, t2
}

func TestExpression_SplitsByFormula(t *testing.T) {
	tests := []struct {
		strategy   string
		toT1, toT2 string
	}{
		{StrategyExpr, "accepted_volume * share", "accepted_volume * (1 - share)"},
		{StrategyGovaluate, "accepted_volume * share", "accepted_volume * (1 - share)"},
		{StrategyExpr, "accepted_volume * share", "min(accepted_volume, t2.MaxVolume - t2.Volume) - accepted_volume * share"},
		{StrategyGovaluate, "accepted_volume / open_output_devices_number + 2.5", "accepted_volume / open_output_devices_number - 2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy+"/"+tt.toT2, func(t *testing.T) {
			// GIVEN a valve whose split is decided by formulas
			g, r, t1, t2 := splitGraph(t, tt.strategy, tt.toT1, tt.toT2)

			// WHEN the valve runs one cycle
			runCycles(g, 1)

			// THEN the reservoir lost the input formula's volume, split 7.5/2.5
			assert.Equal(t, 90.0, g.Device(r).Volume)
			assert.Equal(t, 7.5, g.Device(t1).Volume)
			assert.Equal(t, 2.5, g.Device(t2).Volume)
		})
	}
}

func TestExpression_NegativeResultDropped(t *testing.T) {
	g, _, t1, t2 := splitGraph(t, StrategyExpr, "accepted_volume", "0 - accepted_volume")

	out := captureLogOutput(func() { runCycles(g, 1) })

	assert.Contains(t, out, "nothing transferred")
	assert.Equal(t, 10.0, g.Device(t1).Volume)
	assert.Equal(t, 0.0, g.Device(t2).Volume)
}

func TestExpression_InfiniteShareDropped(t *testing.T) {
	for _, strategy := range []string{StrategyExpr, StrategyGovaluate} {
		t.Run(strategy, func(t *testing.T) {
			// GIVEN an output formula dividing by zero open inputs minus one
			g, r, t1, t2 := splitGraph(t, strategy, "accepted_volume / (open_input_devices_number - 1)", "0")
			before := g.StoredVolume()

			// WHEN the valve runs one cycle
			out := captureLogOutput(func() { runCycles(g, 1) })

			// THEN nothing moves and the stored total stays finite and conserved
			assert.Contains(t, out, "v1")
			assert.Equal(t, 100.0, g.Device(r).Volume)
			assert.Equal(t, 0.0, g.Device(t1).Volume)
			assert.Equal(t, 0.0, g.Device(t2).Volume)
			assert.Equal(t, before, g.StoredVolume())
		})
	}
}

func TestExpression_BuildErrors(t *testing.T) {
	t.Run("unknown symbol", func(t *testing.T) {
		g := newTestGraph(StrategyGovaluate, nil)
		a := addTestDevice(t, g, KindFilter, "a")
		b := addTestDevice(t, g, KindTank, "b")
		g.AddOutput(a, b)
		err := g.SetOutputExpression(a, b, "accepted_volume * missing")
		assert.Error(t, err)
	})
	t.Run("target not connected", func(t *testing.T) {
		g := newTestGraph(StrategyExpr, nil)
		a := addTestDevice(t, g, KindFilter, "a")
		b := addTestDevice(t, g, KindTank, "b")
		err := g.SetOutputExpression(a, b, "accepted_volume")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a connected neighbour")
	})
	t.Run("proportional graph", func(t *testing.T) {
		g := newTestGraph(StrategyProportional, nil)
		a := addTestDevice(t, g, KindFilter, "a")
		b := addTestDevice(t, g, KindTank, "b")
		g.AddOutput(a, b)
		err := g.SetOutputExpression(a, b, "accepted_volume")
		assert.Error(t, err)
	})
	t.Run("symbol shadows device", func(t *testing.T) {
		g := newTestGraph(StrategyExpr, map[string]float64{"b": 1})
		a := addTestDevice(t, g, KindFilter, "a")
		b := addTestDevice(t, g, KindTank, "b")
		g.AddOutput(a, b)
		err := g.SetOutputExpression(a, b, "accepted_volume")
		assert.Error(t, err)
	})
}

func TestExpression_NoFormulaForwardsNothing(t *testing.T) {
	g := newTestGraph(StrategyExpr, nil)
	f := addTestDevice(t, g, KindFilter, "f1")
	tk := addTestDevice(t, g, KindTank, "t1")
	g.AddOutput(f, tk)

	var res InputResult
	out := captureLogOutput(func() { res = g.Input(f, water(t), 4) })

	assert.Equal(t, 0.0, res.Accepted)
	assert.Contains(t, out, "no output expression")
}
