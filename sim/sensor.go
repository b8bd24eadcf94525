package sim

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// SensorKind selects which device attribute a sensor samples.
type SensorKind string

const (
	SensorState    SensorKind = "state"
	SensorVolume   SensorKind = "volume"
	SensorFlowRate SensorKind = "flowrate"
)

// validSensorKinds maps accepted sensor kind strings.
var validSensorKinds = map[SensorKind]bool{
	SensorState:    true,
	SensorVolume:   true,
	SensorFlowRate: true,
}

// IsValidSensorKind returns true if kind is a recognized sensor kind.
func IsValidSensorKind(kind string) bool {
	return validSensorKinds[SensorKind(kind)]
}

var (
	// ErrSensorBound is returned when a sensor is bound a second time.
	ErrSensorBound = errors.New("sensor already bound")
	// ErrReadOnlySensor is returned when writing to an analog sensor.
	ErrReadOnlySensor = errors.New("sensor is read-only")
)

// Sensor instruments exactly one device. Sampling (Worker) is decoupled from
// reading so every reader within a cycle sees the same value.
type Sensor struct {
	Label      string
	Kind       SensorKind
	Address    Address
	Active     bool
	Multiplier float64 // applied by the controller bridge to word addresses

	graph  *Graph
	device DeviceID
	noise  *distuv.Normal
	owner  string // controller label

	value float64
	state bool
}

// NewSensor creates an unbound, active sensor with multiplier 1.
func NewSensor(kind SensorKind, label string, addr Address) (*Sensor, error) {
	if !validSensorKinds[kind] {
		return nil, fmt.Errorf("unknown sensor kind %q; valid: state, volume, flowrate", kind)
	}
	if label == "" {
		return nil, fmt.Errorf("%s sensor requires a label", kind)
	}
	return &Sensor{
		Label:      label,
		Kind:       kind,
		Address:    addr,
		Active:     true,
		Multiplier: 1,
		device:     NoDevice,
	}, nil
}

// MonitorDevice binds the sensor to a device. A sensor binds exactly once.
func (s *Sensor) MonitorDevice(g *Graph, id DeviceID) error {
	if s.graph != nil {
		return fmt.Errorf("%s: %w to %s", s.Label, ErrSensorBound, s.graph.Device(s.device).Label)
	}
	d := g.Device(id)
	switch s.Kind {
	case SensorVolume:
		if !d.IsStorage() {
			return fmt.Errorf("%s: volume sensor needs a tank, reservoir or vessel, got %s", s.Label, d)
		}
	case SensorState:
		if !d.Stateful {
			return fmt.Errorf("%s: state sensor needs a stateful device, got %s", s.Label, d)
		}
	}
	s.graph, s.device = g, id
	logrus.Debugf("sensor %s: monitoring %s", s.Label, d)
	return nil
}

// Device returns the bound device handle, or NoDevice.
func (s *Sensor) Device() DeviceID { return s.device }

// IsAnalog reports whether the sensor samples a numeric attribute.
func (s *Sensor) IsAnalog() bool { return s.Kind != SensorState }

// SetNoise adds zero-mean Gaussian noise with the given standard deviation to
// every analog sample. stddev <= 0 disables noise.
func (s *Sensor) SetNoise(stddev float64, src rand.Source) {
	if stddev <= 0 || !s.IsAnalog() {
		s.noise = nil
		return
	}
	s.noise = &distuv.Normal{Mu: 0, Sigma: stddev, Src: src}
}

// Activate enables sampling.
func (s *Sensor) Activate() { s.Active = true }

// Deactivate stops sampling; the last value stays readable.
func (s *Sensor) Deactivate() { s.Active = false }

// Worker samples the bound attribute into the cache.
func (s *Sensor) Worker() {
	if s.graph == nil {
		return
	}
	d := s.graph.Device(s.device)
	var v float64
	switch s.Kind {
	case SensorState:
		s.state = d.ReadState()
		if s.state {
			v = 1
		}
	case SensorVolume:
		v = d.Volume
	case SensorFlowRate:
		v = d.CurrentFlowRate
	}
	if s.noise != nil {
		v += s.noise.Rand()
	}
	s.value = s.graph.Round(v)
}

// ReadSensor returns the last sampled value.
func (s *Sensor) ReadSensor() float64 { return s.value }

// ReadState returns the last sampled state of a state sensor.
func (s *Sensor) ReadState() bool { return s.state }

// WriteSensor writes the bound device state and matches its active flag:
// switching a device on also activates it. The cache is refreshed from the
// device so the written value is what the next read returns.
func (s *Sensor) WriteSensor(on bool) error {
	if s.Kind != SensorState {
		return fmt.Errorf("%s: %w: %s sensor", s.Label, ErrReadOnlySensor, s.Kind)
	}
	if s.graph == nil {
		return fmt.Errorf("%s: write to unbound sensor", s.Label)
	}
	d := s.graph.Device(s.device)
	if err := d.WriteState(on); err != nil {
		return err
	}
	if on {
		d.Activate()
	} else {
		d.Deactivate()
	}
	s.state = d.ReadState()
	s.value = 0
	if s.state {
		s.value = 1
	}
	return nil
}

func (s *Sensor) String() string {
	return fmt.Sprintf("%s[%s@%s]", s.Label, s.Kind, s.Address)
}
