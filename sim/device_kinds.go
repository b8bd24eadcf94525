package sim

import (
	"math"

	"github.com/sirupsen/logrus"
)

// behavior is one row of the kind-keyed dispatch table.
type behavior struct {
	worker func(g *Graph, d *Device)
	input  func(g *Graph, d *Device, fluid *Fluid, volume float64) InputResult
	output func(g *Graph, d *Device, to DeviceID, volume float64) float64
	// storage devices hold volume counted by the conservation check.
	storage bool
	// unmetered workers run every cycle regardless of the active flag.
	unmetered bool
}

// behaviors is filled in init() because its functions call back into Graph.
var behaviors map[DeviceKind]behavior

func init() {
	behaviors = map[DeviceKind]behavior{
		KindPump:      {worker: pumpWorker, input: pumpInput, output: pumpOutput},
		KindValve:     {worker: valveWorker, input: valveInput, output: valveOutput},
		KindFilter:    {worker: noWork, input: filterInput, output: filterOutput},
		KindTank:      {worker: noWork, input: tankInput, output: tankOutput, storage: true},
		KindReservoir: {worker: reservoirWorker, input: tankInput, output: tankOutput, storage: true, unmetered: true},
		KindVessel:    {worker: noWork, input: vesselInput, output: vesselOutput, storage: true},
	}
}

func noWork(*Graph, *Device) {}

// === Pump ===

func pumpWorker(g *Graph, d *Device) {
	if d.State {
		g.dist.Pull(g, d, d.VolumePerCycle)
	}
}

func pumpInput(g *Graph, d *Device, fluid *Fluid, volume float64) InputResult {
	if !d.State {
		return rejected(volume)
	}
	d.Fluid = fluid
	d.CurrentFlowRate += volume
	return passedThrough(volume, g.dist.Push(g, d, fluid, volume))
}

// pumpOutput serves a downstream pull through a pump in series.
func pumpOutput(g *Graph, d *Device, _ DeviceID, volume float64) float64 {
	if !d.State {
		return 0
	}
	if d.CurrentFlowRate+volume > d.VolumePerCycle {
		logrus.Warnf("%s: pulled beyond volume_per_cycle (%g + %g > %g)",
			d, d.CurrentFlowRate, volume, d.VolumePerCycle)
	}
	return g.dist.Pull(g, d, volume)
}

// === Valve ===

// valveWorker drives gravity flow. A valve next to a pump is passive: the pump
// pulls through it.
func valveWorker(g *Graph, d *Device) {
	if !d.State || g.hasPumpNeighbor(d) {
		return
	}
	g.dist.Pull(g, d, valveHeadroom(d))
}

func valveInput(g *Graph, d *Device, fluid *Fluid, volume float64) InputResult {
	if !d.State {
		return rejected(volume)
	}
	through := math.Min(volume, valveHeadroom(d))
	if through < volume {
		logrus.Warnf("%s: capacity %g reached, passing %g of %g", d, d.Capacity, through, volume)
	}
	if through <= 0 {
		return rejected(volume)
	}
	d.CurrentFlowRate += through
	return passedThrough(volume, g.dist.Push(g, d, fluid, through))
}

func valveOutput(g *Graph, d *Device, _ DeviceID, volume float64) float64 {
	if !d.State {
		return 0
	}
	return g.dist.Pull(g, d, math.Min(volume, valveHeadroom(d)))
}

func valveHeadroom(d *Device) float64 {
	return math.Max(d.Capacity-d.CurrentFlowRate, 0)
}

// === Filter ===

func filterInput(g *Graph, d *Device, fluid *Fluid, volume float64) InputResult {
	d.CurrentFlowRate += volume
	return passedThrough(volume, g.dist.Push(g, d, fluid, volume))
}

func filterOutput(g *Graph, d *Device, _ DeviceID, volume float64) float64 {
	return g.dist.Pull(g, d, volume)
}

// === Tank and Reservoir ===

// tankInput soft-clamps: the stored volume never exceeds MaxVolume and every
// clamp is logged.
func tankInput(_ *Graph, d *Device, fluid *Fluid, volume float64) InputResult {
	if fluid != nil {
		d.Fluid = fluid
	}
	accepted := tankRoom(d, volume)
	d.Volume += accepted
	d.CurrentFlowRate += accepted
	return InputResult{Accepted: accepted, Excess: volume - accepted}
}

// tankOutput offers what the tank holds and only loses what the requester accepted.
func tankOutput(g *Graph, d *Device, to DeviceID, volume float64) float64 {
	available := tankSupply(d, volume)
	if available <= 0 {
		return 0
	}
	accepted := math.Min(g.Input(to, d.Fluid, available).Accepted, available)
	d.Volume -= accepted
	d.CurrentFlowRate -= accepted
	return accepted
}

func tankRoom(d *Device, volume float64) float64 {
	switch {
	case d.Volume >= d.MaxVolume:
		logrus.Warnf("%s: full", d)
		return 0
	case d.Volume+volume < d.MaxVolume:
		return volume
	default:
		logrus.Warnf("%s: max volume %g reached", d, d.MaxVolume)
		return d.MaxVolume - d.Volume
	}
}

// tankSupply caps a request at the stored volume. An unbounded request means
// "drain what is there" and is not worth a warning.
func tankSupply(d *Device, volume float64) float64 {
	drain := math.IsInf(volume, 1)
	switch {
	case d.Volume <= 0:
		if !drain && volume > 0 {
			logrus.Warnf("%s: empty", d)
		}
		return 0
	case d.Volume > volume:
		return volume
	default:
		if !drain {
			logrus.Infof("%s: drained, supplying %g of %g", d, d.Volume, volume)
		}
		return d.Volume
	}
}

// reservoirWorker is the unmetered source: it grows by InputPerCycle whether or
// not anything is drawn from it.
func reservoirWorker(_ *Graph, d *Device) {
	d.Volume += d.InputPerCycle
}

// === Vessel ===

// vesselInput hard-clamps to [0, MaxVolume] and spills the overflow to its outputs.
func vesselInput(g *Graph, d *Device, fluid *Fluid, volume float64) InputResult {
	if fluid != nil {
		d.Fluid = fluid
	}
	overflow := math.Max(d.Volume+volume-d.MaxVolume, 0)
	d.Volume = math.Min(d.MaxVolume, d.Volume+volume)
	stored := volume - overflow
	if overflow == 0 {
		return InputResult{Accepted: stored}
	}
	d.CurrentFlowRate += overflow
	spilled := g.dist.Push(g, d, d.Fluid, overflow)
	return InputResult{Accepted: stored + math.Min(spilled, overflow), Excess: overflow}
}

func vesselOutput(g *Graph, d *Device, to DeviceID, volume float64) float64 {
	available := math.Min(volume, d.Volume)
	if available <= 0 {
		return 0
	}
	accepted := math.Min(g.Input(to, d.Fluid, available).Accepted, available)
	d.Volume = math.Max(d.Volume-accepted, 0)
	d.CurrentFlowRate -= accepted
	return accepted
}
