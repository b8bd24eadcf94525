package sim

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// captureLogOutput runs fn with logrus redirected to a buffer at warn level
// and returns what was logged.
func captureLogOutput(fn func()) string {
	var buf bytes.Buffer
	origOutput := logrus.StandardLogger().Out
	origLevel := logrus.GetLevel()
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.WarnLevel)
	defer func() {
		if origOutput != nil {
			logrus.SetOutput(origOutput)
		} else {
			logrus.SetOutput(os.Stderr)
		}
		logrus.SetLevel(origLevel)
	}()
	fn()
	return buf.String()
}

func newTestGraph(strategy string, symbols map[string]float64) *Graph {
	return NewGraph(NewDistributor(strategy, symbols), DefaultPrecision)
}

// addTestDevice creates a device, applies opts and places it in g.
func addTestDevice(t *testing.T, g *Graph, kind DeviceKind, label string, opts ...func(*Device)) DeviceID {
	t.Helper()
	d, err := NewDevice(kind, label)
	require.NoError(t, err)
	for _, opt := range opts {
		opt(d)
	}
	id, err := g.AddDevice(d)
	require.NoError(t, err)
	return id
}

func withVolume(v float64) func(*Device)    { return func(d *Device) { d.Volume = v } }
func withMaxVolume(v float64) func(*Device) { return func(d *Device) { d.MaxVolume = v } }
func withInput(v float64) func(*Device)     { return func(d *Device) { d.InputPerCycle = v } }
func withRate(v float64) func(*Device)      { return func(d *Device) { d.VolumePerCycle = v } }
func withCapacity(v float64) func(*Device)  { return func(d *Device) { d.Capacity = v } }
func withState(on bool) func(*Device)       { return func(d *Device) { d.State = on } }
func active(d *Device)                      { d.Active = true }

func water(t *testing.T) *Fluid {
	t.Helper()
	f, err := NewFluid(FluidWater)
	require.NoError(t, err)
	return f
}

// runCycles drives the reset and work passes without sensors or controllers.
func runCycles(g *Graph, n int) {
	for i := 0; i < n; i++ {
		g.ResetFlowRates()
		g.Work()
	}
}

func fmtDoc(doc, arg string) string {
	return fmt.Sprintf(doc, arg)
}

func intPtr(v int) *int { return &v }
