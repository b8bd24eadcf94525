package sim

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/sirupsen/logrus"
)

// DeviceID is a stable handle into a Graph's device arena.
type DeviceID int

// NoDevice is the zero handle for unbound references.
const NoDevice DeviceID = -1

// DeviceKind selects the behaviour of a device in the dispatch table.
type DeviceKind string

const (
	KindPump      DeviceKind = "pump"
	KindValve     DeviceKind = "valve"
	KindFilter    DeviceKind = "filter"
	KindTank      DeviceKind = "tank"
	KindReservoir DeviceKind = "reservoir"
	KindVessel    DeviceKind = "vessel"
)

// validDeviceKinds maps accepted device kind strings.
var validDeviceKinds = map[DeviceKind]bool{
	KindPump: true, KindValve: true, KindFilter: true,
	KindTank: true, KindReservoir: true, KindVessel: true,
}

// IsValidDeviceKind returns true if kind is a recognized device kind.
func IsValidDeviceKind(kind string) bool {
	return validDeviceKinds[DeviceKind(kind)]
}

// ErrInvalidState is returned when a state write carries no usable value.
var ErrInvalidState = errors.New("invalid device state")

// Device is a node of the fluid-handling graph. Neighbours are referenced by
// handle; only the owning Graph holds the devices themselves.
type Device struct {
	ID     DeviceID
	Kind   DeviceKind
	Label  string
	Active bool // gates the per-cycle worker
	// State is on/off for pumps and open/closed for valves. Stateful is false
	// for devices whose state is never set (filters), which count as open.
	State    bool
	Stateful bool

	CurrentFlowRate float64 // reset every cycle

	// Storage attributes (tank, reservoir, vessel).
	Volume        float64
	MaxVolume     float64 // +Inf when unbounded
	InputPerCycle float64 // reservoir only

	VolumePerCycle float64 // pump only
	Capacity       float64 // valve per-cycle throughput, +Inf when unbounded

	Fluid *Fluid

	inputs  []DeviceID
	outputs []DeviceID

	outputExprs []neighborExpr
	inputExprs  []neighborExpr
}

// NewDevice creates a device of the given kind with kind defaults applied.
// Storage kinds start unbounded and open; pumps and valves start off/closed.
func NewDevice(kind DeviceKind, label string) (*Device, error) {
	if !validDeviceKinds[kind] {
		return nil, fmt.Errorf("unknown device kind %q; valid: pump, valve, filter, tank, reservoir, vessel", kind)
	}
	if label == "" {
		return nil, fmt.Errorf("%s device requires a label", kind)
	}
	d := &Device{
		ID:        NoDevice,
		Kind:      kind,
		Label:     label,
		Stateful:  kind != KindFilter,
		MaxVolume: math.Inf(1),
		Capacity:  math.Inf(1),
	}
	if behaviors[kind].storage {
		d.State = true
	}
	return d, nil
}

// Inputs returns the upstream neighbours in insertion order.
func (d *Device) Inputs() []DeviceID { return slices.Clone(d.inputs) }

// Outputs returns the downstream neighbours in insertion order.
func (d *Device) Outputs() []DeviceID { return slices.Clone(d.outputs) }

// IsOpen reports whether the device accepts flow from the proportional strategy.
func (d *Device) IsOpen() bool { return !d.Stateful || d.State }

// IsStorage reports whether the device holds volume counted by the conservation check.
func (d *Device) IsStorage() bool { return behaviors[d.Kind].storage }

// Activate sets the device as active so its worker gets called.
func (d *Device) Activate() {
	d.Active = true
	logrus.Infof("%s: active", d.Label)
}

// Deactivate prevents the worker from being called.
func (d *Device) Deactivate() {
	d.Active = false
	logrus.Infof("%s: inactive", d.Label)
}

// ReadState returns the on/off (open/closed) state.
func (d *Device) ReadState() bool { return d.State }

// WriteState sets the on/off (open/closed) state. Stateless devices refuse the write.
func (d *Device) WriteState(state bool) error {
	if !d.Stateful {
		return fmt.Errorf("%s: %w: %s has no state", d.Label, ErrInvalidState, d.Kind)
	}
	d.State = state
	return nil
}

// ResetCurrentFlowRate zeroes the per-cycle flow accumulator.
func (d *Device) ResetCurrentFlowRate() { d.CurrentFlowRate = 0 }

// View returns the read-only snapshot exposed to expression strategies.
func (d *Device) View() DeviceView {
	return DeviceView{
		Volume:    d.Volume,
		MaxVolume: d.MaxVolume,
		FlowRate:  d.CurrentFlowRate,
		State:     d.State,
		Active:    d.Active,
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("%s[%s]", d.Label, d.Kind)
}

// DeviceView is the narrow, read-only projection of a device visible to expressions.
type DeviceView struct {
	Volume    float64
	MaxVolume float64
	FlowRate  float64
	State     bool
	Active    bool
}

// InputResult carries the two outcomes of pushing volume into a device.
// Accepted is the volume that left the caller (stored or forwarded and accepted
// further downstream). Excess is what the device itself could not hold: the
// rejected remainder for tanks and pass-through devices, the overflow for vessels.
type InputResult struct {
	Accepted float64
	Excess   float64
}

func rejected(volume float64) InputResult {
	return InputResult{Excess: volume}
}

func passedThrough(volume, accepted float64) InputResult {
	return InputResult{Accepted: accepted, Excess: math.Max(volume-accepted, 0)}
}
