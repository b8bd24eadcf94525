package sim

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors of a simulation run. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Cycles                 prometheus.Counter
	CycleDuration          prometheus.Histogram
	ConservationViolations prometheus.Counter
	RegisterClamps         *prometheus.CounterVec
	ControllersConnected   prometheus.Gauge
	StoredVolume           *prometheus.GaugeVec
	BankRequests           *prometheus.CounterVec
}

// NewMetrics registers the simulation collectors against reg, defaulting to
// the global Prometheus registry when nil. Registering twice reuses the
// existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{gatherer: gatherer}
	var err error

	if m.Cycles, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "physim_cycles_total",
		Help: "Completed simulation cycles.",
	}), "physim_cycles_total"); err != nil {
		return nil, err
	}
	if m.CycleDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "physim_cycle_duration_seconds",
		Help:    "Time spent in one cycle before pacing.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "physim_cycle_duration_seconds"); err != nil {
		return nil, err
	}
	if m.ConservationViolations, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "physim_conservation_violations_total",
		Help: "Cycles whose stored volume drifted from previous total plus injection.",
	}), "physim_conservation_violations_total"); err != nil {
		return nil, err
	}
	if m.RegisterClamps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "physim_register_clamps_total",
		Help: "Sensor values clamped to the 16-bit register range, by sensor.",
	}, []string{"sensor"}), "physim_register_clamps_total"); err != nil {
		return nil, err
	}
	if m.ControllersConnected, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "physim_controllers_connected",
		Help: "Controllers that set their connection coil during the handshake.",
	}), "physim_controllers_connected"); err != nil {
		return nil, err
	}
	if m.StoredVolume, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "physim_stored_volume",
		Help: "Volume held by each storage device at the end of the cycle.",
	}, []string{"device"}), "physim_stored_volume"); err != nil {
		return nil, err
	}
	if m.BankRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "physim_bank_requests_total",
		Help: "Modbus requests served from the bank, by table and operation.",
	}, []string{"table", "op"}), "physim_bank_requests_total"); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// CycleDone records one completed cycle.
func (m *Metrics) CycleDone(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
}

// ConservationViolated counts a drifted cycle.
func (m *Metrics) ConservationViolated() {
	if m == nil {
		return
	}
	m.ConservationViolations.Inc()
}

// RegisterClamped counts a clamped register write.
func (m *Metrics) RegisterClamped(sensor string) {
	if m == nil {
		return
	}
	m.RegisterClamps.WithLabelValues(sensor).Inc()
}

// SetConnected records how many controllers attached.
func (m *Metrics) SetConnected(n int) {
	if m == nil {
		return
	}
	m.ControllersConnected.Set(float64(n))
}

// ObserveStorage publishes the stored volume of every storage device.
func (m *Metrics) ObserveStorage(g *Graph) {
	if m == nil {
		return
	}
	for _, d := range g.Devices() {
		if d.IsStorage() {
			m.StoredVolume.WithLabelValues(d.Label).Set(d.Volume)
		}
	}
}

// ObserveRequest counts a Modbus request; it makes Metrics a bank.Observer.
func (m *Metrics) ObserveRequest(table string, write bool) {
	if m == nil {
		return
	}
	op := "read"
	if write {
		op = "write"
	}
	m.BankRequests.WithLabelValues(table, op).Inc()
}

// register adds c to reg, reusing an already registered collector of the same type.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
