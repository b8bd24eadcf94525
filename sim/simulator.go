// sim/simulator.go
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ics-sandbox/physim/sim/bank"
	"github.com/ics-sandbox/physim/sim/trace"
)

// State is the lifecycle stage of a Simulator.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrTransition is returned when a lifecycle call does not apply to the current state.
var ErrTransition = errors.New("invalid lifecycle transition")

// Option customizes a Simulator.
type Option func(*Simulator)

// WithoutServer skips the Modbus server; the bank is still driven every
// cycle and can be inspected through Bank.
func WithoutServer() Option {
	return func(s *Simulator) { s.serve = false }
}

// WithMetrics records cycles, clamps, connections and bank traffic into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Simulator) { s.metrics = m }
}

// WithConfigHook runs fn on every configuration loaded from a file, before
// it is validated. Command-line overrides use it so they survive Restart.
func WithConfigHook(fn func(*Config)) Option {
	return func(s *Simulator) { s.hook = fn }
}

// Simulator owns the devices, sensors and controllers of a run and drives
// them one cycle at a time.
type Simulator struct {
	// mu guards the state and everything a cycle touches. A cycle holds it
	// from start to finish, so Pause and Stop wait for the in-flight cycle.
	mu    sync.Mutex
	state State

	path    string
	cfg     *Config
	bundle  *Bundle
	bank    *bank.Bank
	server  *bank.Server
	metrics *Metrics
	rec     *trace.Recorder
	hook    func(*Config)
	serve   bool

	runID    string
	log      *logrus.Entry
	cycle    int
	baseline float64
}

// New creates an unloaded Simulator.
func New(opts ...Option) *Simulator {
	s := &Simulator{serve: true, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadFile reads the configuration at path and loads it. Restart reloads
// from the same path.
func (s *Simulator) LoadFile(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	if s.hook != nil {
		s.hook(cfg)
	}
	if err := s.Load(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return nil
}

// Load builds the object graph from cfg into a fresh bank and records the
// baseline stored volume. Allowed before the first Start and while paused.
func (s *Simulator) Load(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateUnloaded, StateLoaded, StatePaused:
	default:
		return fmt.Errorf("load while %s: %w", s.state, ErrTransition)
	}

	b := bank.New()
	bu, err := Build(cfg, b)
	if err != nil {
		return err
	}
	for _, ctl := range bu.Controllers {
		ctl.metrics = s.metrics
	}
	if s.metrics != nil {
		b.SetObserver(s.metrics)
	}
	// the server and trace of a paused run belong to the bank being replaced
	s.stopServer()
	s.closeTrace()
	s.runID = ""
	s.cfg, s.bundle, s.bank = cfg, bu, b
	s.cycle = 0
	s.baseline = bu.Graph.StoredVolume()
	s.state = StateLoaded
	logrus.Infof("loaded %d devices, baseline stored volume %g", bu.Graph.Len(), s.baseline)
	return nil
}

// Start brings a loaded or paused simulation up and runs it until ctx is
// cancelled, max_cycle is reached or the simulation is paused. It opens the
// server, applies the initial active state, publishes one settle pass and
// waits, within a bound, for every controller to attach. A paused run
// resumes on the server, trace and run id it already has.
func (s *Simulator) Start(ctx context.Context) error {
	if err := s.prepare(); err != nil {
		return err
	}
	s.waitControllers(ctx)
	return s.Run(ctx)
}

func (s *Simulator) prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLoaded && s.state != StatePaused {
		return fmt.Errorf("start while %s: %w", s.state, ErrTransition)
	}

	resume := s.state == StatePaused && s.runID != ""
	if !resume {
		s.runID = uuid.New().String()
		s.log = logrus.WithField("run_id", s.runID)
	}

	started := false
	if s.serve && s.server == nil {
		srv, err := bank.NewServer(s.cfg.Settings.ServerConfig(), s.bank)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		s.server, started = srv, true
		s.log.Infof("modbus server listening on %s", srv.Config().URL())
	}

	if path := s.cfg.Settings.TracePath; path != "" && s.rec == nil {
		rec, err := trace.NewRecorder(path, s.traceHeader())
		if err != nil {
			if started {
				s.stopServer()
			}
			return err
		}
		s.rec = rec
		s.log.Infof("recording trace to %s", path)
	}
	if resume {
		s.log.Infof("resuming after cycle %d", s.cycle)
	}

	s.bundle.ApplyInitialState()
	s.bundle.Sample()
	for _, ctl := range s.bundle.Controllers {
		ctl.Publish()
	}
	s.state = StateRunning
	return nil
}

func (s *Simulator) traceHeader() trace.Header {
	labels := make([]string, len(s.bundle.Sensors))
	for i, sn := range s.bundle.Sensors {
		labels[i] = sn.Label
	}
	return trace.Header{
		RunID:         s.runID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Config:        s.path,
		Strategy:      s.bundle.Graph.Strategy().Name(),
		Precision:     s.bundle.Graph.Precision(),
		CyclePeriodMs: int(s.cfg.Settings.CyclePeriod().Milliseconds()),
		Sensors:       labels,
	}
}

// waitControllers polls every controller's connection coil with a constant
// backoff. Running out of attempts is logged and the run proceeds.
func (s *Simulator) waitControllers(ctx context.Context) {
	s.mu.Lock()
	ctls := s.bundle.Controllers
	settings := s.cfg.Settings
	s.mu.Unlock()
	if len(ctls) == 0 {
		return
	}
	attempts := settings.HandshakeAttemptsOrDefault()
	if attempts == 0 {
		s.log.Infof("handshake disabled, not waiting for %d controllers", len(ctls))
		return
	}

	check := func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := 0
		for _, ctl := range ctls {
			ctl.Connected = ctl.CheckConnected()
			if ctl.Connected {
				n++
			}
		}
		s.metrics.SetConnected(n)
		if n < len(ctls) {
			return n, fmt.Errorf("%d of %d controllers connected", n, len(ctls))
		}
		return n, nil
	}
	n, err := backoff.Retry(ctx, check,
		backoff.WithBackOff(backoff.NewConstantBackOff(settings.HandshakeInterval())),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Infof("waiting for controllers: %v, retrying in %v", err, next)
		}),
	)
	if err != nil {
		for _, ctl := range ctls {
			if !ctl.Connected {
				s.log.Warnf("controller %s did not set coil %d", ctl.Label, ctl.ConnectionCoil)
			}
		}
		s.log.Warnf("handshake gave up with %d of %d controllers connected, running anyway", n, len(ctls))
		return
	}
	s.log.Infof("all %d controllers connected", n)
}

// Run repeats RunCycle, pacing each cycle to cycle_period. Cancellation and
// lifecycle changes take effect between cycles.
func (s *Simulator) Run(ctx context.Context) error {
	if st := s.State(); st != StateRunning {
		return fmt.Errorf("run while %s: %w", st, ErrTransition)
	}
	period := s.cfg.Settings.CyclePeriod()
	maxCycle := s.cfg.Settings.MaxCycle
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if maxCycle > 0 && s.Cycle() >= maxCycle {
			s.log.Infof("reached max_cycle %d", maxCycle)
			return nil
		}
		if err := ctx.Err(); err != nil {
			s.log.Infof("run cancelled after cycle %d", s.Cycle())
			return nil
		}

		begin := time.Now()
		ran, err := s.runCycleIfRunning()
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}

		wait := period - time.Since(begin)
		if wait <= 0 {
			continue
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

func (s *Simulator) runCycleIfRunning() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false, nil
	}
	return true, s.runCycle()
}

// RunCycle executes exactly one cycle. The simulation must be running.
func (s *Simulator) RunCycle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("cycle while %s: %w", s.state, ErrTransition)
	}
	return s.runCycle()
}

func (s *Simulator) runCycle() error {
	begin := time.Now()
	g := s.bundle.Graph
	s.cycle++

	g.ResetFlowRates()
	g.Work()
	s.checkConservation(g)
	s.bundle.Sample()
	for _, ctl := range s.bundle.Controllers {
		ctl.Worker()
	}

	if s.rec != nil {
		values := make([]float64, len(s.bundle.Sensors))
		for i, sn := range s.bundle.Sensors {
			values[i] = sn.ReadSensor()
		}
		row := trace.Row{TimestampNs: time.Now().UnixNano(), Cycle: s.cycle, Values: values}
		if err := s.rec.Record(row); err != nil {
			return err
		}
	}

	s.metrics.ObserveStorage(g)
	s.metrics.CycleDone(time.Since(begin))
	s.log.Debugf("cycle %d done in %v", s.cycle, time.Since(begin))
	return nil
}

// checkConservation compares the stored total with the previous total plus
// this cycle's injection. Drift is reported and the baseline resynchronized.
func (s *Simulator) checkConservation(g *Graph) {
	expected := s.baseline + g.Injection()
	actual := g.StoredVolume()
	tolerance := math.Pow(10, -float64(g.Precision())) * math.Max(1, math.Abs(expected))
	if drift := actual - expected; math.Abs(drift) > tolerance {
		s.log.Warnf("cycle %d: stored volume %g, expected %g (drift %g)", s.cycle, actual, expected, drift)
		s.metrics.ConservationViolated()
	}
	s.baseline = actual
}

// Pause deactivates every device and sensor once the in-flight cycle has
// finished. Run returns at the next cycle boundary. The server and trace stay
// open so Start can resume.
func (s *Simulator) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pause()
}

func (s *Simulator) pause() error {
	switch s.state {
	case StateRunning:
	case StatePaused:
		return nil
	default:
		return fmt.Errorf("pause while %s: %w", s.state, ErrTransition)
	}
	s.bundle.Deactivate()
	s.state = StatePaused
	s.log.Infof("paused after cycle %d", s.cycle)
	return nil
}

// Stop pauses, shuts the server down and makes the Simulator terminal.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return nil
	}
	if s.state == StateRunning {
		if err := s.pause(); err != nil {
			return err
		}
	}
	s.stopServer()
	s.closeTrace()
	s.state = StateStopped
	s.log.Infof("stopped after %d cycles", s.cycle)
	return nil
}

// Restart pauses, reloads the configuration file and starts again.
func (s *Simulator) Restart(ctx context.Context) error {
	s.mu.Lock()
	path := s.path
	if s.state == StateRunning {
		if err := s.pause(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.stopServer()
	s.closeTrace()
	s.mu.Unlock()

	if path == "" {
		return fmt.Errorf("restart: simulation was not loaded from a file: %w", ErrTransition)
	}
	s.log.Infof("restarting from %s", path)
	if err := s.LoadFile(path); err != nil {
		return err
	}
	return s.Start(ctx)
}

func (s *Simulator) stopServer() {
	if s.server == nil {
		return
	}
	if err := s.server.Stop(); err != nil {
		s.log.Errorf("stopping modbus server: %v", err)
	}
	s.server = nil
}

func (s *Simulator) closeTrace() {
	if s.rec == nil {
		return
	}
	if err := s.rec.Close(); err != nil {
		s.log.Errorf("closing trace: %v", err)
	}
	s.rec = nil
}

// State returns the lifecycle stage.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycle returns the number of completed cycles since the last Load.
func (s *Simulator) Cycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// RunID identifies the current run in logs and the trace header.
func (s *Simulator) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Bundle returns the loaded object graph. Callers must not use it while a
// cycle may be running.
func (s *Simulator) Bundle() *Bundle { return s.bundle }

// Bank returns the register/coil bank of the loaded configuration.
func (s *Simulator) Bank() *bank.Bank { return s.bank }

// Config returns the loaded configuration.
func (s *Simulator) Config() *Config { return s.cfg }
