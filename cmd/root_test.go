package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ics-sandbox/physim/sim"
	"github.com/ics-sandbox/physim/sim/trace"
)

const plantConfig = `
settings:
  controller_period_ms: 250
devices:
  - {kind: reservoir, label: r1, input_per_cycle: 5}
  - {kind: valve, label: v1, state: open}
  - {kind: tank, label: t1, max_volume: 50}
connections:
  v1:
    inputs: [r1]
    outputs: [t1]
sensors:
  - {kind: state, label: v1_open, device: v1, address: "%QX0.1"}
  - {kind: volume, label: lt1, device: t1, address: "%IW3"}
controllers:
  - label: plc1
    sensors: [v1_open, lt1]
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

func TestApplyOverrides(t *testing.T) {
	// GIVEN flags set on the command line
	strategy, maxCycles, tracePath, metricsAddr = "govaluate", 0, "out.csv", ":9100"
	defer func() { strategy, maxCycles, tracePath, metricsAddr = "", -1, "", "" }()
	cfg := &sim.Config{Settings: sim.Settings{Strategy: "proportional", MaxCycle: 10}}

	// WHEN they are applied
	applyOverrides(cfg)

	// THEN they replace the file's settings, including an explicit 0 cycles
	assert.Equal(t, "govaluate", cfg.Settings.Strategy)
	assert.Equal(t, 0, cfg.Settings.MaxCycle)
	assert.Equal(t, "out.csv", cfg.Settings.TracePath)
	assert.Equal(t, ":9100", cfg.Settings.MetricsAddress)
}

func TestApplyOverrides_UnsetFlagsKeepFile(t *testing.T) {
	maxCycles = -1
	cfg := &sim.Config{Settings: sim.Settings{Strategy: "expr", MaxCycle: 10}}
	applyOverrides(cfg)
	assert.Equal(t, "expr", cfg.Settings.Strategy)
	assert.Equal(t, 10, cfg.Settings.MaxCycle)
}

func TestDescribe(t *testing.T) {
	bu, err := loadBundle(writeConfig(t, plantConfig))
	require.NoError(t, err)

	var buf bytes.Buffer
	describe(&buf, "plant.yaml", bu)

	assert.Contains(t, buf.String(), "plant.yaml: ok")
	assert.Contains(t, buf.String(), "devices:     3")
	assert.Contains(t, buf.String(), "controllers: 1")
}

func TestLoadBundle_ReportsBuildErrors(t *testing.T) {
	_, err := loadBundle(writeConfig(t, plantConfig+"  - label: plc2\n    sensors: [lt1]\n"))
	assert.ErrorContains(t, err, "already owned")
}

func TestGeneratePrograms(t *testing.T) {
	dir := t.TempDir()

	paths, err := generatePrograms(writeConfig(t, plantConfig), dir)

	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "plc1.st")}, paths)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "v1_open_Q AT %QX0.1 : BOOL;")
	assert.Contains(t, string(data), "lt1_I AT %IW3 : INT;")
	assert.Contains(t, string(data), "T#250ms")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, "run-1", &trace.Summary{
		Cycles:  2,
		Sensors: map[string]trace.SensorSummary{"lt1": {Min: 5, Max: 10, Mean: 7.5, Last: 10}},
	})

	assert.Contains(t, buf.String(), "Simulation Summary (run run-1)")
	assert.Contains(t, buf.String(), "lt1")
	assert.Contains(t, buf.String(), "max=10")
}

func TestServeMetrics(t *testing.T) {
	// GIVEN metrics on a private registry served on a local port
	m, err := sim.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	m.CycleDone(time.Millisecond)
	srv := serveMetrics("127.0.0.1:0", m)
	defer shutdownMetrics(srv)

	// THEN the handler exposes the simulation collectors
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "physim_cycles_total 1")
}
