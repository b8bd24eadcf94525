package sim

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsAndServes(t *testing.T) {
	// GIVEN metrics on an isolated registry
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	// WHEN a few events are recorded
	m.CycleDone(2 * time.Millisecond)
	m.CycleDone(time.Millisecond)
	m.ConservationViolated()
	m.RegisterClamped("lt1")
	m.SetConnected(2)
	m.ObserveRequest("coils", true)
	m.ObserveRequest("coils", false)
	m.ObserveRequest("coils", false)

	// THEN the collectors hold them
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConservationViolations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegisterClamps.WithLabelValues("lt1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ControllersConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BankRequests.WithLabelValues("coils", "read")))

	// THEN the handler exposes them
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "physim_cycles_total 2"))
}

func TestMetrics_StoredVolume(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	g := newTestGraph(StrategyProportional, nil)
	addTestDevice(t, g, KindTank, "t1", withVolume(12))
	addTestDevice(t, g, KindPump, "p1")

	m.ObserveStorage(g)

	assert.Equal(t, 12.0, testutil.ToFloat64(m.StoredVolume.WithLabelValues("t1")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StoredVolume))
}

func TestMetrics_RegisterTwiceReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewMetrics(reg)
	require.NoError(t, err)
	b, err := NewMetrics(reg)
	require.NoError(t, err)
	assert.Same(t, a.Cycles, b.Cycles)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CycleDone(time.Second)
		m.ConservationViolated()
		m.RegisterClamped("x")
		m.SetConnected(1)
		m.ObserveRequest("coils", true)
		m.ObserveStorage(newTestGraph("", nil))
	})
	assert.NotNil(t, m.Handler())
}
