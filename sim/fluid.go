package sim

import "fmt"

// FluidKind names the liquid carried through the graph.
type FluidKind string

const (
	FluidWater    FluidKind = "water"
	FluidChlorine FluidKind = "chlorine"
)

// validFluidKinds maps accepted fluid kind strings.
var validFluidKinds = map[FluidKind]bool{
	FluidWater:    true,
	FluidChlorine: true,
}

// IsValidFluidKind returns true if kind is a recognized fluid kind.
func IsValidFluidKind(kind string) bool {
	return validFluidKinds[FluidKind(kind)]
}

// Fluid describes the liquid held by a storage device or in transit between devices.
// A Fluid is never mutated after creation; the With* helpers return modified copies.
// Only Kind takes part in the simulation, the remaining attributes are placeholders.
type Fluid struct {
	Kind        FluidKind
	PH          float64
	Temperature float64
	Salinity    float64
	Pressure    float64
	FlowRate    float64
}

// NewFluid creates a fluid of the given kind with kind-specific defaults.
func NewFluid(kind FluidKind) (*Fluid, error) {
	if !validFluidKinds[kind] {
		return nil, fmt.Errorf("unknown fluid kind %q; valid: water, chlorine", kind)
	}
	f := &Fluid{Kind: kind, Temperature: 20}
	switch kind {
	case FluidWater:
		f.PH = 7.0
	case FluidChlorine:
		f.PH = 5.0
	}
	return f, nil
}

// WithPH returns a copy of f with the given pH.
func (f *Fluid) WithPH(ph float64) *Fluid {
	c := *f
	c.PH = ph
	return &c
}

// WithTemperature returns a copy of f with the given temperature.
func (f *Fluid) WithTemperature(t float64) *Fluid {
	c := *f
	c.Temperature = t
	return &c
}

// WithSalinity returns a copy of f with the given salinity.
func (f *Fluid) WithSalinity(s float64) *Fluid {
	c := *f
	c.Salinity = s
	return &c
}

// WithPressure returns a copy of f with the given pressure.
func (f *Fluid) WithPressure(p float64) *Fluid {
	c := *f
	c.Pressure = p
	return &c
}

// WithFlowRate returns a copy of f with the given flow rate.
func (f *Fluid) WithFlowRate(r float64) *Fluid {
	c := *f
	c.FlowRate = r
	return &c
}

func (f *Fluid) String() string {
	if f == nil {
		return "<no fluid>"
	}
	return fmt.Sprintf("%s pH=%.2f salinity=%.2f pressure=%.2f flow=%.2f",
		f.Kind, f.PH, f.Salinity, f.Pressure, f.FlowRate)
}
