package sim

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ics-sandbox/physim/sim/bank"
)

// Bundle is the object graph built from a Config: the devices, the sensors
// bound to them, and the controllers bridging those sensors to the bank.
type Bundle struct {
	Graph       *Graph
	Sensors     []*Sensor
	Controllers []*Controller
	Bank        *bank.Bank

	// initialActive holds the configured active flag per device.
	initialActive []bool
	sensorActive  []bool
}

// Build validates cfg and constructs its Bundle writing into b. All
// configuration errors, formula errors included, surface here.
func Build(cfg *Config, b *bank.Bank) (*Bundle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	precision := cfg.Settings.PrecisionOrDefault()
	g := NewGraph(NewDistributor(cfg.Settings.Strategy, cfg.Symbols), precision)
	bu := &Bundle{Graph: g, Bank: b}

	for _, dc := range cfg.Devices {
		d, err := newConfiguredDevice(dc)
		if err != nil {
			return nil, err
		}
		if _, err := g.AddDevice(d); err != nil {
			return nil, err
		}
		active := d.IsOpen()
		if dc.Active != nil {
			active = *dc.Active
		}
		bu.initialActive = append(bu.initialActive, active)
	}

	if err := bu.connect(cfg); err != nil {
		return nil, err
	}

	rng := NewPartitionedRNG(NewSimulationKey(cfg.Settings.Seed))
	byLabel := make(map[string]*Sensor, len(cfg.Sensors))
	for _, sc := range cfg.Sensors {
		s, err := newConfiguredSensor(sc, g, rng)
		if err != nil {
			return nil, err
		}
		bu.Sensors = append(bu.Sensors, s)
		bu.sensorActive = append(bu.sensorActive, s.Active)
		byLabel[s.Label] = s
	}

	for _, cc := range cfg.Controllers {
		coil := uint16(DefaultConnectionCoil)
		if cc.ConnectionCoil != nil {
			coil = uint16(*cc.ConnectionCoil)
		}
		ctl := NewController(cc.Label, coil, b)
		for _, sl := range cc.Sensors {
			if err := ctl.Bind(byLabel[sl]); err != nil {
				return nil, fmt.Errorf("controller %s: %w", cc.Label, err)
			}
		}
		bu.Controllers = append(bu.Controllers, ctl)
	}
	logrus.Debugf("built %d devices, %d sensors, %d controllers with %s strategy",
		g.Len(), len(bu.Sensors), len(bu.Controllers), g.Strategy().Name())
	return bu, nil
}

func (bu *Bundle) connect(cfg *Config) error {
	g := bu.Graph
	_, expressive := g.Strategy().(*ExpressionDistributor)
	for _, cc := range cfg.Connections {
		id, _ := g.Lookup(cc.Device)
		for _, l := range cc.Inputs {
			from, _ := g.Lookup(l)
			g.AddInput(id, from)
		}
		for _, l := range cc.Outputs {
			to, _ := g.Lookup(l)
			g.AddOutput(id, to)
		}
		if !expressive {
			if len(cc.OutputExprs)+len(cc.InputExprs) > 0 {
				logrus.Warnf("%s: strategy is %s, expressions ignored", cc.Device, g.Strategy().Name())
			}
			continue
		}
		for _, e := range cc.OutputExprs {
			to, _ := g.Lookup(e.Neighbor)
			if err := g.SetOutputExpression(id, to, e.Expr); err != nil {
				return err
			}
		}
		for _, e := range cc.InputExprs {
			from, _ := g.Lookup(e.Neighbor)
			if err := g.SetInputExpression(id, from, e.Expr); err != nil {
				return err
			}
		}
	}
	return nil
}

func newConfiguredDevice(dc DeviceConfig) (*Device, error) {
	d, err := NewDevice(DeviceKind(dc.Kind), dc.Label)
	if err != nil {
		return nil, err
	}
	if dc.Fluid != "" {
		if d.Fluid, err = NewFluid(FluidKind(dc.Fluid)); err != nil {
			return nil, err
		}
	}
	if dc.State != nil {
		d.State = bool(*dc.State)
	}
	d.Volume = dc.Volume
	d.InputPerCycle = dc.InputPerCycle
	d.MaxVolume = floatOr(dc.MaxVolume, math.Inf(1))
	d.Capacity = floatOr(dc.Capacity, math.Inf(1))
	d.VolumePerCycle = floatOr(dc.VolumePerCycle, 1)
	return d, nil
}

func newConfiguredSensor(sc SensorConfig, g *Graph, rng *PartitionedRNG) (*Sensor, error) {
	var addr Address
	if sc.Address != "" {
		var err error
		if addr, err = ParseAddress(sc.Address); err != nil {
			return nil, fmt.Errorf("%s: %w", sc.Label, err)
		}
	}
	s, err := NewSensor(SensorKind(sc.Kind), sc.Label, addr)
	if err != nil {
		return nil, err
	}
	id, _ := g.Lookup(sc.Device)
	if err := s.MonitorDevice(g, id); err != nil {
		return nil, err
	}
	s.Multiplier = floatOr(sc.Multiplier, 1)
	if sc.Active != nil {
		s.Active = *sc.Active
	}
	if sc.StdDev > 0 {
		src := rng.ForSubsystem(SubsystemSensor(sc.Label))
		if sc.Seed != nil {
			src = newSeededRand(*sc.Seed)
		}
		s.SetNoise(sc.StdDev, src)
	}
	return s, nil
}

// ApplyInitialState sets the configured active flags on devices and sensors.
func (bu *Bundle) ApplyInitialState() {
	for i, d := range bu.Graph.Devices() {
		if bu.initialActive[i] {
			d.Activate()
		} else {
			d.Deactivate()
		}
	}
	for i, s := range bu.Sensors {
		s.Active = bu.sensorActive[i]
	}
}

// Sample runs the worker of every active sensor.
func (bu *Bundle) Sample() {
	for _, s := range bu.Sensors {
		if s.Active {
			s.Worker()
		}
	}
}

// Deactivate clears the active flag of every device and sensor.
func (bu *Bundle) Deactivate() {
	bu.Graph.DeactivateAll()
	for _, s := range bu.Sensors {
		s.Deactivate()
	}
}

// Sensor returns the sensor with the given label, or nil.
func (bu *Bundle) Sensor(label string) *Sensor {
	for _, s := range bu.Sensors {
		if s.Label == label {
			return s
		}
	}
	return nil
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
