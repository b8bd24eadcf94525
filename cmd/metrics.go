package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ics-sandbox/physim/sim"
	"github.com/ics-sandbox/physim/sim/trace"
)

// serveMetrics exposes /metrics on addr in the background.
func serveMetrics(addr string, m *sim.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("metrics endpoint: %v", err)
		}
	}()
	logrus.Infof("serving metrics on http://%s/metrics", addr)
	return srv
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Warnf("shutting down metrics endpoint: %v", err)
	}
}

// printSummary writes per-sensor statistics of a finished run.
func printSummary(w io.Writer, runID string, s *trace.Summary) {
	_, _ = fmt.Fprintf(w, "=== Simulation Summary (run %s) ===\n", runID)
	_, _ = fmt.Fprintf(w, "cycles: %d, span: %v\n", s.Cycles, time.Duration(s.DurationNs))
	labels := make([]string, 0, len(s.Sensors))
	for l := range s.Sensors {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		ss := s.Sensors[l]
		_, _ = fmt.Fprintf(w, "  %-12s min=%g max=%g mean=%.4g last=%g\n", l, ss.Min, ss.Max, ss.Mean, ss.Last)
	}
}
