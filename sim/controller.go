package sim

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ics-sandbox/physim/sim/bank"
)

// DefaultConnectionCoil is the coil a controller sets once it is attached.
const DefaultConnectionCoil = 65535

// maxRegister is the largest value a holding register carries.
const maxRegister = math.MaxUint16

// ErrSensorOwned is returned when a sensor is bound to a second controller.
var ErrSensorOwned = errors.New("sensor already owned by a controller")

// Controller bridges its sensors to their protocol addresses in the shared bank.
// It holds the sensors but does not own them: the Simulator does.
type Controller struct {
	Label          string
	ConnectionCoil uint16
	Connected      bool

	sensors []*Sensor
	bank    *bank.Bank
	metrics *Metrics
}

// NewController creates a controller writing into b.
func NewController(label string, connectionCoil uint16, b *bank.Bank) *Controller {
	return &Controller{Label: label, ConnectionCoil: connectionCoil, bank: b}
}

// Bind attaches a sensor. Each sensor belongs to exactly one controller and
// its address width must match its kind: state sensors sit on bits, analog
// sensors on words.
func (c *Controller) Bind(s *Sensor) error {
	if s.owner != "" {
		return fmt.Errorf("%s: %w %q", s.Label, ErrSensorOwned, s.owner)
	}
	if s.Address.IsZero() {
		return fmt.Errorf("%s: no protocol address", s.Label)
	}
	switch {
	case s.Kind == SensorState && s.Address.Width() != WidthBit:
		return fmt.Errorf("%s: state sensor needs a bit address, got %s", s.Label, s.Address)
	case s.IsAnalog() && s.Address.Width() != WidthWord:
		return fmt.Errorf("%s: %s sensor needs a word address, got %s", s.Label, s.Kind, s.Address)
	}
	s.owner = c.Label
	c.sensors = append(c.sensors, s)
	logrus.Debugf("controller %s: bound %s", c.Label, s)
	return nil
}

// Sensors returns the bound sensors in bind order.
func (c *Controller) Sensors() []*Sensor { return c.sensors }

// Publish writes every active sensor's cached value into the bank without
// reading anything back. Used for the settle pass before the first cycle.
func (c *Controller) Publish() {
	for _, s := range c.sensors {
		if !s.Active {
			continue
		}
		if s.Address.Width() == WidthBit {
			c.setCoil(s.Address.Coil(), s.ReadState())
			continue
		}
		c.writeRegister(s)
	}
}

// Worker synchronizes the bank with the sensors for one cycle.
func (c *Controller) Worker() {
	for _, s := range c.sensors {
		if !s.Active {
			continue
		}
		switch {
		case s.Address.Width() == WidthWord:
			c.writeRegister(s)
		case s.Address.Direction() == DirOutput:
			c.applyCoil(s)
		default:
			c.setCoil(s.Address.Coil(), s.ReadState())
		}
	}
}

// applyCoil honours a controller command: a coil differing from the sampled
// state is written through to the device, then the device's actual state is
// echoed back, all under one bank lock.
func (c *Controller) applyCoil(s *Sensor) {
	c.bank.UpdateCoil(s.Address.Coil(), func(cur bool) bool {
		if cur != s.ReadState() {
			if err := s.WriteSensor(cur); err != nil {
				logrus.Errorf("controller %s: %s: %v", c.Label, s.Address, err)
			} else {
				logrus.Infof("controller %s: %s set %s to %v", c.Label, s.Address, s.Label, cur)
			}
		}
		return s.ReadState()
	})
}

// writeRegister stores round(value*multiplier) clamped to the register range.
func (c *Controller) writeRegister(s *Sensor) {
	raw := math.Round(s.ReadSensor() * s.Multiplier)
	switch {
	case math.IsNaN(raw) || raw < 0:
		logrus.Errorf("controller %s: %s value %g below 0, clamped", c.Label, s.Label, raw)
		c.metrics.RegisterClamped(s.Label)
		raw = 0
	case raw > maxRegister:
		logrus.Errorf("controller %s: %s value %g above %d, clamped", c.Label, s.Label, raw, maxRegister)
		c.metrics.RegisterClamped(s.Label)
		raw = maxRegister
	}
	if err := c.bank.SetRegisters(s.Address.Register(), []uint16{uint16(raw)}); err != nil {
		logrus.Errorf("controller %s: writing %s: %v", c.Label, s.Address, err)
	}
}

func (c *Controller) setCoil(addr uint16, v bool) {
	if err := c.bank.SetCoils(addr, []bool{v}); err != nil {
		logrus.Errorf("controller %s: writing coil %d: %v", c.Label, addr, err)
	}
}

// CheckConnected reports whether the controller has set its connection coil.
func (c *Controller) CheckConnected() bool {
	return c.bank.Coil(c.ConnectionCoil)
}
