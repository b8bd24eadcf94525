package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ics-sandbox/physim/sim"
	"github.com/ics-sandbox/physim/sim/bank"
	"github.com/ics-sandbox/physim/sim/skeleton"
)

// generateSTCmd writes a pass-through Structured Text program per controller,
// scanned every controller_period_ms.
var generateSTCmd = &cobra.Command{
	Use:   "generate-st",
	Short: "Generate Structured Text programs for the configured controllers",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()
		paths, err := generatePrograms(configPath, outDir)
		if err != nil {
			logrus.Fatalf("%s: %v", configPath, err)
		}
		logrus.Infof("generated %d programs in %s", len(paths), outDir)
	},
}

func generatePrograms(path, dir string) ([]string, error) {
	cfg, err := sim.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	bu, err := sim.Build(cfg, bank.New())
	if err != nil {
		return nil, err
	}
	return skeleton.WriteAll(dir, bu.Controllers, cfg.Settings.ControllerPeriodMs)
}
