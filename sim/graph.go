package sim

import (
	"fmt"
	"math"
	"slices"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// DefaultPrecision is the number of decimals kept by transfers and sensor reads.
const DefaultPrecision = 10

// Graph is the arena owning every device of a simulation. Edges are handle
// sets on the devices; the graph may contain cycles.
//
// Thread-safety: NOT thread-safe. Input/Output recurse across the graph and
// must be driven from the single cycle goroutine.
type Graph struct {
	devices   []*Device
	byLabel   map[string]DeviceID
	dist      Distributor
	precision int

	// In-flight markers break re-entrant recursion around cycles made only of
	// pass-through devices.
	pushing map[DeviceID]bool
	pulling map[DeviceID]bool
}

// NewGraph creates an empty graph whose devices all use dist. The strategy
// cannot be changed once the graph is built.
// Panics if dist is nil.
func NewGraph(dist Distributor, precision int) *Graph {
	if dist == nil {
		panic("NewGraph: nil distributor")
	}
	return &Graph{
		byLabel:   make(map[string]DeviceID),
		dist:      dist,
		precision: precision,
		pushing:   make(map[DeviceID]bool),
		pulling:   make(map[DeviceID]bool),
	}
}

// AddDevice places d in the arena and assigns its handle.
func (g *Graph) AddDevice(d *Device) (DeviceID, error) {
	if _, exists := g.byLabel[d.Label]; exists {
		return NoDevice, fmt.Errorf("duplicate device label %q", d.Label)
	}
	d.ID = DeviceID(len(g.devices))
	g.devices = append(g.devices, d)
	g.byLabel[d.Label] = d.ID
	logrus.Debugf("%s: initialized as device %d", d, d.ID)
	return d.ID, nil
}

// Device returns the device behind a handle. Panics on a foreign handle.
func (g *Graph) Device(id DeviceID) *Device {
	return g.devices[id]
}

// Lookup resolves a device label to its handle.
func (g *Graph) Lookup(label string) (DeviceID, bool) {
	id, ok := g.byLabel[label]
	return id, ok
}

// Devices returns the devices in arena order.
func (g *Graph) Devices() []*Device { return g.devices }

// Len returns the number of devices.
func (g *Graph) Len() int { return len(g.devices) }

// Strategy returns the distribution strategy shared by every device.
func (g *Graph) Strategy() Distributor { return g.dist }

// Precision returns the number of decimals kept by transfers.
func (g *Graph) Precision() int { return g.precision }

// SetPrecision changes the rounding applied to transfers.
func (g *Graph) SetPrecision(precision int) { g.precision = precision }

// Round rounds v to the graph precision.
func (g *Graph) Round(v float64) float64 { return roundTo(v, g.precision) }

// AddInput registers from → id and the symmetric output on from. Idempotent.
func (g *Graph) AddInput(id, from DeviceID) {
	d, src := g.devices[id], g.devices[from]
	if !slices.Contains(d.inputs, from) {
		d.inputs = append(d.inputs, from)
		logrus.Debugf("%s: added input <- %s", d, src)
	}
	if !slices.Contains(src.outputs, id) {
		src.outputs = append(src.outputs, id)
		logrus.Debugf("%s: added output -> %s", src, d)
	}
}

// AddOutput registers id → to and the symmetric input on to. Idempotent.
func (g *Graph) AddOutput(id, to DeviceID) {
	g.AddInput(to, id)
}

// ResetFlowRates zeroes every flow accumulator. Always completes before Work.
func (g *Graph) ResetFlowRates() {
	for _, d := range g.devices {
		d.ResetCurrentFlowRate()
	}
}

// Work runs the worker of every active device, plus the unmetered sources.
func (g *Graph) Work() {
	for _, d := range g.devices {
		if d.Active || behaviors[d.Kind].unmetered {
			g.Worker(d.ID)
		}
	}
}

// Worker runs the per-cycle behaviour of one device.
func (g *Graph) Worker(id DeviceID) {
	d := g.devices[id]
	behaviors[d.Kind].worker(g, d)
}

// Input pushes volume of fluid into a device.
func (g *Graph) Input(id DeviceID, fluid *Fluid, volume float64) InputResult {
	d := g.devices[id]
	if volume <= 0 || math.IsNaN(volume) {
		return InputResult{}
	}
	if g.pushing[id] {
		logrus.Debugf("%s: re-entrant input of %g rejected", d, volume)
		return rejected(volume)
	}
	g.pushing[id] = true
	defer delete(g.pushing, id)
	return behaviors[d.Kind].input(g, d, fluid, volume)
}

// Output asks a device to send volume to the requester `to` and returns the
// volume actually transferred.
func (g *Graph) Output(id, to DeviceID, volume float64) float64 {
	d := g.devices[id]
	if volume <= 0 || math.IsNaN(volume) {
		return 0
	}
	if g.pulling[id] {
		logrus.Debugf("%s: re-entrant output of %g rejected", d, volume)
		return 0
	}
	g.pulling[id] = true
	defer delete(g.pulling, id)
	return behaviors[d.Kind].output(g, d, to, volume)
}

// StoredVolume sums the volume held by every storage device.
func (g *Graph) StoredVolume() float64 {
	volumes := make([]float64, 0, len(g.devices))
	for _, d := range g.devices {
		if d.IsStorage() {
			volumes = append(volumes, d.Volume)
		}
	}
	return floats.Sum(volumes)
}

// Injection returns the volume the unmetered sources add each cycle.
func (g *Graph) Injection() float64 {
	var total float64
	for _, d := range g.devices {
		if behaviors[d.Kind].unmetered {
			total += d.InputPerCycle
		}
	}
	return total
}

// DeactivateAll clears every device's active flag.
func (g *Graph) DeactivateAll() {
	for _, d := range g.devices {
		d.Deactivate()
	}
}

func (g *Graph) openNeighbors(ids []DeviceID) []DeviceID {
	open := make([]DeviceID, 0, len(ids))
	for _, id := range ids {
		if g.devices[id].IsOpen() {
			open = append(open, id)
		}
	}
	return open
}

func (g *Graph) hasPumpNeighbor(d *Device) bool {
	for _, id := range d.inputs {
		if g.devices[id].Kind == KindPump {
			return true
		}
	}
	for _, id := range d.outputs {
		if g.devices[id].Kind == KindPump {
			return true
		}
	}
	return false
}

// roundTo rounds v to the given number of decimals, leaving values it cannot
// scale untouched.
func roundTo(v float64, precision int) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) || precision < 0 {
		return v
	}
	scale := math.Pow(10, float64(precision))
	scaled := v * scale
	if math.IsInf(scaled, 0) {
		return v
	}
	return math.Round(scaled) / scale
}
