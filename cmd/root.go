package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath  string // Experiment YAML
	seed        int64  // Overrides experiment.seed
	endTime     int64  // Overrides experiment.end_time (last tick, inclusive)
	invocations int    // Overrides experiment.invocations
	workers     int    // Overrides scheduler.workers
	logLevel    string // Log verbosity level
	resultsDB   string // Overrides output.results_db
	summaryPath string // Overrides output.summary
	metricsAddr string // Overrides output.metrics_addr
	traceLevel  string // Overrides output.trace
	spanExport  string // OpenTelemetry span exporter
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "traffic-sim",
	Short: "Time-stepped multi-agent traffic simulator",
}

// runCmd executes the experiment described by --config
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation experiment",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg, err := loadExperiment(configPath, overridesFromFlags(cmd))
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := runExperiment(ctx, cfg, runOptions{spanExporter: spanExport})
		if summary != nil {
			if werr := writeSummary(summary, cfg.Output.Summary, os.Stdout); werr != nil {
				logrus.Errorf("%v", werr)
			}
		}
		if err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		logrus.Info("Simulation complete.")
	},
}

// validateCmd checks a configuration without running it
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an experiment configuration",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()
		cfg, err := loadExperiment(configPath, overridesFromFlags(cmd))
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		cmd.Printf("%s: ok (%d profiles, %d libraries, %d spawn points)\n",
			configPath, len(cfg.Profiles), len(cfg.Libraries()), len(cfg.SpawnPoints))
	},
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
	for _, c := range []*cobra.Command{runCmd, validateCmd} {
		c.Flags().StringVar(&configPath, "config", "", "Path to the experiment YAML")
		_ = c.MarkFlagRequired("config")
		c.Flags().Int64Var(&seed, "seed", 0, "Seed of the experiment (overrides experiment.seed)")
		c.Flags().Int64Var(&endTime, "end-time", 0, "Last simulated tick, inclusive (overrides experiment.end_time)")
		c.Flags().IntVar(&invocations, "invocations", 1, "Number of invocations (overrides experiment.invocations)")
		c.Flags().IntVar(&workers, "workers", 0, "Parallel workers for component execution; <= 1 runs serially")
		c.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
		c.Flags().StringVar(&traceLevel, "trace", "", "Lifecycle trace level (none, lifecycle)")
	}

	runCmd.Flags().StringVar(&resultsDB, "results-db", "", "SQLite file for records and invocation outcomes")
	runCmd.Flags().StringVar(&summaryPath, "summary", "", "Write the run summary as JSON to this file")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	runCmd.Flags().StringVar(&spanExport, "spans", "none", "OpenTelemetry span exporter (none, stdout)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
