package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ics-sandbox/physim/sim"
	"github.com/ics-sandbox/physim/sim/bank"
)

// validateCmd builds the configuration without serving it, so formula and
// binding errors surface before a run.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a simulation configuration",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()
		bu, err := loadBundle(configPath)
		if err != nil {
			logrus.Fatalf("%s: %v", configPath, err)
		}
		describe(os.Stdout, configPath, bu)
	},
}

func loadBundle(path string) (*sim.Bundle, error) {
	cfg, err := sim.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return sim.Build(cfg, bank.New())
}

func describe(w io.Writer, path string, bu *sim.Bundle) {
	_, _ = fmt.Fprintf(w, "%s: ok\n", path)
	_, _ = fmt.Fprintf(w, "  strategy:    %s\n", bu.Graph.Strategy().Name())
	_, _ = fmt.Fprintf(w, "  devices:     %d\n", bu.Graph.Len())
	_, _ = fmt.Fprintf(w, "  sensors:     %d\n", len(bu.Sensors))
	_, _ = fmt.Fprintf(w, "  controllers: %d\n", len(bu.Controllers))
	_, _ = fmt.Fprintf(w, "  stored:      %g\n", bu.Graph.StoredVolume())
}
