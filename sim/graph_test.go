package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ics-sandbox/physim/sim/internal/testutil"
)

func TestGraph_AddDevice_DuplicateLabel(t *testing.T) {
	g := newTestGraph(StrategyProportional, nil)
	addTestDevice(t, g, KindTank, "t1")

	d, err := NewDevice(KindVessel, "t1")
	require.NoError(t, err)
	_, err = g.AddDevice(d)

	assert.Error(t, err)
	assert.Equal(t, 1, g.Len())
}

func TestGraph_EdgesAreSymmetricAndIdempotent(t *testing.T) {
	// GIVEN two devices
	g := newTestGraph(StrategyProportional, nil)
	a := addTestDevice(t, g, KindTank, "a")
	b := addTestDevice(t, g, KindTank, "b")

	// WHEN the same edge is registered repeatedly from both ends
	for i := 0; i < 3; i++ {
		g.AddOutput(a, b)
		g.AddInput(b, a)
	}

	// THEN each handle appears exactly once on each side
	assert.Equal(t, []DeviceID{b}, g.Device(a).Outputs())
	assert.Equal(t, []DeviceID{a}, g.Device(b).Inputs())
	assert.Empty(t, g.Device(a).Inputs())
	assert.Empty(t, g.Device(b).Outputs())
}

func TestGraph_Lookup(t *testing.T) {
	g := newTestGraph("", nil)
	id := addTestDevice(t, g, KindPump, "p1")

	got, ok := g.Lookup("p1")
	require.True(t, ok)
	assert.Equal(t, id, got)
	_, ok = g.Lookup("p2")
	assert.False(t, ok)
	assert.Equal(t, StrategyProportional, g.Strategy().Name())
}

func TestVessel_InputOverflowReturnsExcess(t *testing.T) {
	for _, x := range []float64{0.5, 3, 10, 250} {
		// GIVEN a vessel holding 40 with max 42
		g := newTestGraph(StrategyProportional, nil)
		v := addTestDevice(t, g, KindVessel, "v1", withVolume(40), withMaxVolume(42))

		// WHEN x is pushed in
		var res InputResult
		captureLogOutput(func() { res = g.Input(v, water(t), x) })

		// THEN volume never exceeds max and the overflow is reported
		want := math.Max(40+x-42, 0)
		assert.Equal(t, math.Min(42, 40+x), g.Device(v).Volume, "x=%g", x)
		testutil.AssertFloat64Equal(t, "excess", want, res.Excess, 1e-9)
	}
}

func TestTank_OutputTransfersAtMostStored(t *testing.T) {
	tests := []struct {
		request, stored, want float64
	}{
		{request: 30, stored: 20, want: 20},
		{request: 20, stored: 20, want: 20},
		{request: 5, stored: 20, want: 5},
	}
	for _, tt := range tests {
		g := newTestGraph(StrategyProportional, nil)
		src := addTestDevice(t, g, KindTank, "src", withVolume(tt.stored))
		dst := addTestDevice(t, g, KindTank, "dst")
		g.AddOutput(src, dst)

		got := g.Output(src, dst, tt.request)

		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.stored-tt.want, g.Device(src).Volume)
		assert.Equal(t, tt.want, g.Device(dst).Volume)
	}
}

func TestTank_SoftClampWarns(t *testing.T) {
	g := newTestGraph(StrategyProportional, nil)
	tk := addTestDevice(t, g, KindTank, "t1", withVolume(95), withMaxVolume(100))

	var res InputResult
	out := captureLogOutput(func() { res = g.Input(tk, water(t), 10) })

	assert.Equal(t, 5.0, res.Accepted)
	assert.Equal(t, 5.0, res.Excess)
	assert.Equal(t, 100.0, g.Device(tk).Volume)
	assert.Contains(t, out, "max volume")

	out = captureLogOutput(func() { res = g.Input(tk, water(t), 1) })
	assert.Equal(t, 0.0, res.Accepted)
	assert.Contains(t, out, "full")
}

func TestProportional_EqualSplitAmongOpenNeighbours(t *testing.T) {
	// GIVEN a filter feeding three tanks and one closed valve
	g := newTestGraph(StrategyProportional, nil)
	f := addTestDevice(t, g, KindFilter, "f1")
	var tanks []DeviceID
	for _, l := range []string{"t1", "t2", "t3"} {
		id := addTestDevice(t, g, KindTank, l)
		g.AddOutput(f, id)
		tanks = append(tanks, id)
	}
	closed := addTestDevice(t, g, KindValve, "v1")
	g.AddOutput(f, closed)

	// WHEN 9 units are pushed through the filter
	res := g.Input(f, water(t), 9)

	// THEN each open neighbour receives x/k
	assert.Equal(t, 9.0, res.Accepted)
	for _, id := range tanks {
		assert.Equal(t, 3.0, g.Device(id).Volume)
	}
	assert.Equal(t, 0.0, g.Device(closed).CurrentFlowRate)
}

func TestProportional_NoOpenNeighbour(t *testing.T) {
	g := newTestGraph(StrategyProportional, nil)
	f := addTestDevice(t, g, KindFilter, "f1")
	v := addTestDevice(t, g, KindValve, "v1")
	g.AddOutput(f, v)

	var res InputResult
	out := captureLogOutput(func() { res = g.Input(f, water(t), 9) })

	assert.Equal(t, 0.0, res.Accepted)
	assert.Equal(t, 9.0, res.Excess)
	assert.Contains(t, out, "no open output device")
}

func TestGraph_CycleOfPassThroughDevicesTerminates(t *testing.T) {
	// GIVEN two filters feeding each other, one of them also feeding a tank
	g := newTestGraph(StrategyProportional, nil)
	a := addTestDevice(t, g, KindFilter, "a")
	b := addTestDevice(t, g, KindFilter, "b")
	tk := addTestDevice(t, g, KindTank, "t1")
	g.AddOutput(a, b)
	g.AddOutput(b, a)
	g.AddOutput(b, tk)

	// WHEN volume is pushed into the loop
	res := g.Input(a, water(t), 10)

	// THEN the re-entrant share is rejected and only the tank share lands
	assert.Equal(t, 5.0, res.Accepted)
	assert.Equal(t, 5.0, g.Device(tk).Volume)
}

func TestConservation_ClosedGraphGrowsByInjection(t *testing.T) {
	// GIVEN reservoir → open valve → tank, all bookkeeping in one closed graph
	g := newTestGraph(StrategyProportional, nil)
	r := addTestDevice(t, g, KindReservoir, "r1", withInput(7))
	v := addTestDevice(t, g, KindValve, "v1", withState(true), active)
	tk := addTestDevice(t, g, KindTank, "t1")
	g.AddOutput(r, v)
	g.AddOutput(v, tk)

	prev := g.StoredVolume()
	for n := 0; n < 20; n++ {
		// WHEN one more cycle runs
		runCycles(g, 1)

		// THEN the stored total grows by exactly the injection
		cur := g.StoredVolume()
		testutil.AssertFloat64Equal(t, "stored", prev+g.Injection(), cur, 1e-10)
		prev = cur
	}
	assert.Equal(t, 140.0, g.Device(tk).Volume)
}

func TestValve_CapacityLimitsGravityFlow(t *testing.T) {
	g := newTestGraph(StrategyProportional, nil)
	r := addTestDevice(t, g, KindReservoir, "r1", withVolume(100))
	v := addTestDevice(t, g, KindValve, "v1", withState(true), withCapacity(4), active)
	tk := addTestDevice(t, g, KindTank, "t1")
	g.AddOutput(r, v)
	g.AddOutput(v, tk)

	runCycles(g, 3)

	assert.Equal(t, 12.0, g.Device(tk).Volume)
	assert.Equal(t, 88.0, g.Device(r).Volume)
}

func TestValve_BesidePumpIsPassive(t *testing.T) {
	// GIVEN tank → valve → pump → tank with the pump off
	g := newTestGraph(StrategyProportional, nil)
	src := addTestDevice(t, g, KindTank, "src", withVolume(50))
	v := addTestDevice(t, g, KindValve, "v1", withState(true), active)
	p := addTestDevice(t, g, KindPump, "p1", withRate(5), active)
	dst := addTestDevice(t, g, KindTank, "dst")
	g.AddOutput(src, v)
	g.AddOutput(v, p)
	g.AddOutput(p, dst)

	// WHEN a cycle runs, the valve does not self-initiate
	runCycles(g, 1)
	assert.Equal(t, 0.0, g.Device(dst).Volume)

	// WHEN the pump is switched on, it pulls its rating through the valve
	require.NoError(t, g.Device(p).WriteState(true))
	runCycles(g, 2)
	assert.Equal(t, 10.0, g.Device(dst).Volume)
	assert.Equal(t, 40.0, g.Device(src).Volume)
}

func TestPump_PullBeyondRatingWarns(t *testing.T) {
	g := newTestGraph(StrategyProportional, nil)
	src := addTestDevice(t, g, KindTank, "src", withVolume(50))
	p1 := addTestDevice(t, g, KindPump, "p1", withRate(5), withState(true))
	p2 := addTestDevice(t, g, KindPump, "p2", withRate(8), withState(true))
	dst := addTestDevice(t, g, KindTank, "dst")
	g.AddOutput(src, p1)
	g.AddOutput(p1, p2)
	g.AddOutput(p2, dst)

	out := captureLogOutput(func() { g.Worker(p2) })

	assert.Contains(t, out, "beyond volume_per_cycle")
	assert.Equal(t, 8.0, g.Device(dst).Volume)
}

func TestReservoir_UnmeteredWhileInactive(t *testing.T) {
	g := newTestGraph(StrategyProportional, nil)
	r := addTestDevice(t, g, KindReservoir, "r1", withInput(3))
	g.DeactivateAll()

	runCycles(g, 4)

	assert.Equal(t, 12.0, g.Device(r).Volume)
	assert.Equal(t, 3.0, g.Injection())
}

func TestGraph_ResetFlowRates(t *testing.T) {
	g := newTestGraph(StrategyProportional, nil)
	f := addTestDevice(t, g, KindFilter, "f1")
	tk := addTestDevice(t, g, KindTank, "t1")
	g.AddOutput(f, tk)
	g.Input(f, water(t), 4)
	require.Equal(t, 4.0, g.Device(f).CurrentFlowRate)

	g.ResetFlowRates()

	assert.Equal(t, 0.0, g.Device(f).CurrentFlowRate)
	assert.Equal(t, 0.0, g.Device(tk).CurrentFlowRate)
}

func TestRoundTo(t *testing.T) {
	assert.Equal(t, 0.33, roundTo(1.0/3, 2))
	assert.True(t, math.IsInf(roundTo(math.Inf(1), 2), 1))
	assert.Equal(t, 1e300, roundTo(1e300, 10))
}
