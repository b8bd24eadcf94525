package sim

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ics-sandbox/physim/sim/bank"
)

// Config is the declarative description of a simulation, loadable from YAML.
type Config struct {
	Settings    Settings           `yaml:"settings"`
	Devices     []DeviceConfig     `yaml:"devices"`
	Connections Connections        `yaml:"connections"`
	Sensors     []SensorConfig     `yaml:"sensors"`
	Controllers []ControllerConfig `yaml:"controllers"`
	Symbols     map[string]float64 `yaml:"symbols"`
}

// Settings groups run-wide parameters. Zero values are replaced by defaults
// in ApplyDefaults, except for pointer fields, where only an absent key is.
type Settings struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	CyclePeriodMs       *int   `yaml:"cycle_period_ms"`      // 0 runs cycles back to back
	ControllerPeriodMs  int    `yaml:"controller_period_ms"` // scan period written into generated programs
	Precision           *int   `yaml:"precision"`
	MaxCycle            int    `yaml:"max_cycle"` // 0 runs until interrupted
	Strategy            string `yaml:"strategy"`
	Seed                int64  `yaml:"seed"`
	HandshakeAttempts   *int   `yaml:"handshake_attempts"` // 0 skips the handshake
	HandshakeIntervalMs int    `yaml:"handshake_interval_ms"`
	TracePath           string `yaml:"trace_path"`      // "" disables the trace
	MetricsAddress      string `yaml:"metrics_address"` // "" disables the /metrics endpoint
}

// Settings defaults.
const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 5020
	DefaultCyclePeriodMs       = 100
	DefaultControllerPeriodMs  = 100
	DefaultHandshakeAttempts   = 10
	DefaultHandshakeIntervalMs = 1000
)

// DeviceConfig declares one device. Kind-specific fields are ignored by
// kinds that do not use them.
type DeviceConfig struct {
	Kind           string       `yaml:"kind"`
	Label          string       `yaml:"label"`
	Fluid          string       `yaml:"fluid"`
	State          *SwitchState `yaml:"state"`
	Active         *bool        `yaml:"active"` // defaults to the state
	Volume         float64      `yaml:"volume"`
	MaxVolume      *float64     `yaml:"max_volume"` // unset is unbounded
	InputPerCycle  float64      `yaml:"input_per_cycle"`
	VolumePerCycle *float64     `yaml:"volume_per_cycle"`
	Capacity       *float64     `yaml:"capacity"` // unset is unbounded
}

// ConnectionConfig declares the edges of one device and, for expression
// strategies, the formula attached to each of them.
type ConnectionConfig struct {
	Device      string    `yaml:"-"`
	Inputs      []string  `yaml:"inputs"`
	Outputs     []string  `yaml:"outputs"`
	OutputExprs EdgeExprs `yaml:"output_devices_expr"`
	InputExprs  EdgeExprs `yaml:"input_devices_expr"`
}

// Connections is the connections mapping keyed by device label, kept in
// document order so graphs are built the same way on every load.
type Connections []ConnectionConfig

// UnmarshalYAML decodes a label-keyed mapping preserving its order.
func (c *Connections) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: connections must be a mapping of device label to edges", node.Line)
	}
	out := make(Connections, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var cc ConnectionConfig
		if err := checkKeys(node.Content[i+1], connectionKeys); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&cc); err != nil {
			return err
		}
		cc.Device = node.Content[i].Value
		out = append(out, cc)
	}
	*c = out
	return nil
}

var connectionKeys = map[string]bool{
	"inputs": true, "outputs": true, "output_devices_expr": true, "input_devices_expr": true,
}

// checkKeys rejects unknown mapping keys; Node.Decode does not inherit the
// strictness of the top-level decoder.
func checkKeys(node *yaml.Node, allowed map[string]bool) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if k := node.Content[i]; !allowed[k.Value] {
			return fmt.Errorf("line %d: field %s not found", k.Line, k.Value)
		}
	}
	return nil
}

// EdgeExpr is the formula for the edge to one neighbour.
type EdgeExpr struct {
	Neighbor string
	Expr     string
}

// EdgeExprs is a neighbour-label → formula mapping kept in document order.
type EdgeExprs []EdgeExpr

// UnmarshalYAML decodes a mapping preserving its order. Numeric formulas
// such as `10` are taken as their text.
func (e *EdgeExprs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expressions must be a mapping of device label to formula", node.Line)
	}
	out := make(EdgeExprs, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: formula for %q must be a scalar", v.Line, k.Value)
		}
		out = append(out, EdgeExpr{Neighbor: k.Value, Expr: v.Value})
	}
	*e = out
	return nil
}

// SensorConfig declares one sensor.
type SensorConfig struct {
	Kind       string   `yaml:"kind"`
	Label      string   `yaml:"label"`
	Device     string   `yaml:"device"`
	Address    string   `yaml:"address"`
	Multiplier *float64 `yaml:"multiplier"` // default 1
	StdDev     float64  `yaml:"stddev"`
	Seed       *int64   `yaml:"seed"` // default derived from the run seed and label
	Active     *bool    `yaml:"active"`
}

// ControllerConfig declares one controller and the sensors it owns.
type ControllerConfig struct {
	Label          string   `yaml:"label"`
	ConnectionCoil *int     `yaml:"connection_coil"` // default 65535
	Sensors        []string `yaml:"sensors"`
}

// SwitchState is an on/off (open/closed) YAML scalar.
type SwitchState bool

// UnmarshalYAML accepts on, off, open, closed, true and false.
func (s *SwitchState) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "on", "open", "true":
		*s = true
	case "off", "closed", "false":
		*s = false
	default:
		return fmt.Errorf("line %d: state %q; valid: on, off, open, closed, true, false", node.Line, node.Value)
	}
	return nil
}

// LoadConfig reads and parses a YAML simulation configuration file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading simulation config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML simulation configuration strictly.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing simulation config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset settings.
func (c *Config) ApplyDefaults() {
	s := &c.Settings
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.CyclePeriodMs == nil {
		p := DefaultCyclePeriodMs
		s.CyclePeriodMs = &p
	}
	if s.ControllerPeriodMs == 0 {
		s.ControllerPeriodMs = DefaultControllerPeriodMs
	}
	if s.Precision == nil {
		p := DefaultPrecision
		s.Precision = &p
	}
	if s.Strategy == "" {
		s.Strategy = StrategyProportional
	}
	if s.HandshakeAttempts == nil {
		n := DefaultHandshakeAttempts
		s.HandshakeAttempts = &n
	}
	if s.HandshakeIntervalMs == 0 {
		s.HandshakeIntervalMs = DefaultHandshakeIntervalMs
	}
}

// CyclePeriod returns the target duration of one cycle.
func (s Settings) CyclePeriod() time.Duration {
	ms := DefaultCyclePeriodMs
	if s.CyclePeriodMs != nil {
		ms = *s.CyclePeriodMs
	}
	return time.Duration(ms) * time.Millisecond
}

// HandshakeAttemptsOrDefault returns how many connection checks to make.
func (s Settings) HandshakeAttemptsOrDefault() int {
	if s.HandshakeAttempts == nil {
		return DefaultHandshakeAttempts
	}
	return *s.HandshakeAttempts
}

// HandshakeInterval returns the delay between connection checks.
func (s Settings) HandshakeInterval() time.Duration {
	return time.Duration(s.HandshakeIntervalMs) * time.Millisecond
}

// PrecisionOrDefault returns the configured precision.
func (s Settings) PrecisionOrDefault() int {
	if s.Precision == nil {
		return DefaultPrecision
	}
	return *s.Precision
}

// ServerConfig returns the Modbus endpoint settings.
func (s Settings) ServerConfig() bank.ServerConfig {
	return bank.ServerConfig{Host: s.Host, Port: s.Port}
}

// Validate checks names, references and ranges. It does not compile
// expressions; Build reports formula errors.
func (c *Config) Validate() error {
	if err := c.Settings.validate(); err != nil {
		return err
	}

	devices := make(map[string]DeviceKind, len(c.Devices))
	for i, d := range c.Devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, dup := devices[d.Label]; dup {
			return fmt.Errorf("devices[%d]: duplicate device label %q", i, d.Label)
		}
		devices[d.Label] = DeviceKind(d.Kind)
	}

	for _, cc := range c.Connections {
		if _, ok := devices[cc.Device]; !ok {
			return fmt.Errorf("connections: unknown device %q", cc.Device)
		}
		for _, l := range append(append([]string{}, cc.Inputs...), cc.Outputs...) {
			if _, ok := devices[l]; !ok {
				return fmt.Errorf("connections.%s: unknown device %q", cc.Device, l)
			}
		}
		for _, e := range append(append(EdgeExprs{}, cc.OutputExprs...), cc.InputExprs...) {
			if _, ok := devices[e.Neighbor]; !ok {
				return fmt.Errorf("connections.%s: expression for unknown device %q", cc.Device, e.Neighbor)
			}
			if strings.TrimSpace(e.Expr) == "" {
				return fmt.Errorf("connections.%s: empty expression for %q", cc.Device, e.Neighbor)
			}
		}
	}

	sensors := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if err := s.validate(devices); err != nil {
			return fmt.Errorf("sensors[%d]: %w", i, err)
		}
		if sensors[s.Label] {
			return fmt.Errorf("sensors[%d]: duplicate sensor label %q", i, s.Label)
		}
		sensors[s.Label] = true
	}

	coils, _, err := c.sensorLocations()
	if err != nil {
		return err
	}

	controllers := make(map[string]bool, len(c.Controllers))
	owner := make(map[string]string)
	for i, ctl := range c.Controllers {
		if ctl.Label == "" {
			return fmt.Errorf("controllers[%d]: label is required", i)
		}
		if controllers[ctl.Label] {
			return fmt.Errorf("controllers[%d]: duplicate controller label %q", i, ctl.Label)
		}
		controllers[ctl.Label] = true
		if ctl.ConnectionCoil != nil && (*ctl.ConnectionCoil < 0 || *ctl.ConnectionCoil > MaxAddress) {
			return fmt.Errorf("controller %s: connection_coil %d out of range [0, %d]", ctl.Label, *ctl.ConnectionCoil, MaxAddress)
		}
		coil := DefaultConnectionCoil
		if ctl.ConnectionCoil != nil {
			coil = *ctl.ConnectionCoil
		}
		if prev, taken := coils[uint16(coil)]; taken {
			return fmt.Errorf("controller %s: connection_coil %d already used by %s", ctl.Label, coil, prev)
		}
		coils[uint16(coil)] = "controller " + ctl.Label
		for _, sl := range ctl.Sensors {
			if !sensors[sl] {
				return fmt.Errorf("controller %s: unknown sensor %q", ctl.Label, sl)
			}
			if prev, taken := owner[sl]; taken {
				return fmt.Errorf("controller %s: sensor %q already owned by %s", ctl.Label, sl, prev)
			}
			owner[sl] = ctl.Label
		}
	}

	for k, v := range c.Symbols {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("symbol %q must be finite, got %v", k, v)
		}
		if _, isDevice := devices[k]; isDevice {
			return fmt.Errorf("symbol %q shadows a device label", k)
		}
	}
	return nil
}

// sensorLocations maps every addressed sensor onto its coil or register and
// rejects two sensors sharing one. Bit regions share the coil space, word
// regions the register space.
func (c *Config) sensorLocations() (coils, registers map[uint16]string, err error) {
	coils = make(map[uint16]string)
	registers = make(map[uint16]string)
	for _, s := range c.Sensors {
		if s.Address == "" {
			continue
		}
		a, err := ParseAddress(s.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", s.Label, err)
		}
		taken, loc := registers, a.Register()
		if a.Width() == WidthBit {
			taken, loc = coils, a.Coil()
		}
		if prev, dup := taken[loc]; dup {
			return nil, nil, fmt.Errorf("sensor %s: %s %s %d already used by %s", s.Label, s.Address, a.Width(), loc, prev)
		}
		taken[loc] = "sensor " + s.Label
	}
	return coils, registers, nil
}

func (s Settings) validate() error {
	if !IsValidStrategy(s.Strategy) {
		return fmt.Errorf("unknown strategy %q; valid: proportional, expr, govaluate", s.Strategy)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be in [1, 65535], got %d", s.Port)
	}
	if p := s.PrecisionOrDefault(); p < 0 || p > 15 {
		return fmt.Errorf("precision must be in [0, 15], got %d", p)
	}
	if s.CyclePeriod() < 0 || s.ControllerPeriodMs < 0 || s.HandshakeIntervalMs < 0 {
		return fmt.Errorf("periods must be >= 0")
	}
	if s.MaxCycle < 0 {
		return fmt.Errorf("max_cycle must be >= 0, got %d", s.MaxCycle)
	}
	if n := s.HandshakeAttemptsOrDefault(); n < 0 {
		return fmt.Errorf("handshake_attempts must be >= 0, got %d", n)
	}
	return nil
}

func (d DeviceConfig) validate() error {
	if !IsValidDeviceKind(d.Kind) {
		return fmt.Errorf("unknown device kind %q; valid: pump, valve, filter, tank, reservoir, vessel", d.Kind)
	}
	if d.Label == "" {
		return fmt.Errorf("%s device requires a label", d.Kind)
	}
	if d.Fluid != "" && !IsValidFluidKind(d.Fluid) {
		return fmt.Errorf("%s: unknown fluid %q; valid: water, chlorine", d.Label, d.Fluid)
	}
	if d.Kind == string(KindFilter) && d.State != nil {
		return fmt.Errorf("%s: filters have no state", d.Label)
	}
	if err := nonNegative(d.Label, "volume", d.Volume); err != nil {
		return err
	}
	if err := nonNegative(d.Label, "input_per_cycle", d.InputPerCycle); err != nil {
		return err
	}
	for name, v := range map[string]*float64{"max_volume": d.MaxVolume, "volume_per_cycle": d.VolumePerCycle, "capacity": d.Capacity} {
		if v == nil {
			continue
		}
		if err := nonNegative(d.Label, name, *v); err != nil {
			return err
		}
	}
	if d.MaxVolume != nil && d.Volume > *d.MaxVolume {
		return fmt.Errorf("%s: volume %g exceeds max_volume %g", d.Label, d.Volume, *d.MaxVolume)
	}
	return nil
}

func (s SensorConfig) validate(devices map[string]DeviceKind) error {
	if !IsValidSensorKind(s.Kind) {
		return fmt.Errorf("unknown sensor kind %q; valid: state, volume, flowrate", s.Kind)
	}
	if s.Label == "" {
		return fmt.Errorf("%s sensor requires a label", s.Kind)
	}
	if _, ok := devices[s.Device]; !ok {
		return fmt.Errorf("%s: unknown device %q", s.Label, s.Device)
	}
	if s.Address != "" {
		if _, err := ParseAddress(s.Address); err != nil {
			return fmt.Errorf("%s: %w", s.Label, err)
		}
	}
	if s.Multiplier != nil && (math.IsNaN(*s.Multiplier) || math.IsInf(*s.Multiplier, 0)) {
		return fmt.Errorf("%s: multiplier must be finite", s.Label)
	}
	return nonNegative(s.Label, "stddev", s.StdDev)
}

func nonNegative(label, field string, v float64) error {
	if math.IsNaN(v) || v < 0 {
		return fmt.Errorf("%s: %s must be >= 0, got %v", label, field, v)
	}
	return nil
}
