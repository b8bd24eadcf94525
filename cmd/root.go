package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ics-sandbox/physim/sim"
	"github.com/ics-sandbox/physim/sim/trace"
)

var (
	configPath  string // Simulation configuration file
	logLevel    string // Log verbosity level
	strategy    string // Overrides settings.strategy when set
	maxCycles   int    // Overrides settings.max_cycle when >= 0
	tracePath   string // Overrides settings.trace_path when set
	metricsAddr string // Overrides settings.metrics_address when set
	outDir      string // Output directory for generated programs
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "physim",
	Short: "Physical process simulator for water-treatment test beds",
}

// runCmd loads a configuration and runs the simulation until interrupted or
// max_cycle is reached.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the physical process simulation",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		metrics, err := sim.NewMetrics(nil)
		if err != nil {
			logrus.Fatalf("registering metrics: %v", err)
		}
		s := sim.New(sim.WithMetrics(metrics), sim.WithConfigHook(applyOverrides))
		if err := s.LoadFile(configPath); err != nil {
			logrus.Fatalf("loading %s: %v", configPath, err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if addr := s.Config().Settings.MetricsAddress; addr != "" {
			srv := serveMetrics(addr, metrics)
			defer shutdownMetrics(srv)
		}

		runErr := s.Start(ctx)
		if err := s.Stop(); err != nil {
			logrus.Errorf("stopping simulation: %v", err)
		}
		if runErr != nil {
			logrus.Fatalf("simulation failed: %v", runErr)
		}

		if path := s.Config().Settings.TracePath; path != "" {
			tr, err := trace.Load(trace.HeaderPath(path), path)
			if err != nil {
				logrus.Errorf("reading trace back: %v", err)
			} else {
				printSummary(os.Stdout, s.RunID(), trace.Summarize(tr))
			}
		}
		logrus.Infof("Simulation complete after %d cycles.", s.Cycle())
	},
}

// applyOverrides folds command-line flags into a loaded configuration.
func applyOverrides(cfg *sim.Config) {
	if strategy != "" {
		cfg.Settings.Strategy = strategy
	}
	if maxCycles >= 0 {
		cfg.Settings.MaxCycle = maxCycles
	}
	if tracePath != "" {
		cfg.Settings.TracePath = tracePath
	}
	if metricsAddr != "" {
		cfg.Settings.MetricsAddress = metricsAddr
	}
}

func setLogLevel() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	for _, c := range []*cobra.Command{runCmd, validateCmd, generateSTCmd} {
		c.Flags().StringVar(&configPath, "config", "config.yaml", "Path to the simulation configuration")
		c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
		rootCmd.AddCommand(c)
	}

	runCmd.Flags().StringVar(&strategy, "strategy", "", "Flow distribution strategy (proportional, expr, govaluate)")
	runCmd.Flags().IntVar(&maxCycles, "cycles", -1, "Number of cycles to run, 0 runs until interrupted")
	runCmd.Flags().StringVar(&tracePath, "trace", "", "Write a per-cycle sensor trace CSV to this path")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	generateSTCmd.Flags().StringVar(&outDir, "out", ".", "Directory receiving one .st file per controller")
}
