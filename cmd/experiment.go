package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/experiment"
	"github.com/traffic-sim/traffic-sim/sim/store"
	"github.com/traffic-sim/traffic-sim/sim/telemetry"
)

// overrides holds the CLI values that replace configuration fields.
// A nil field leaves the configured value alone.
type overrides struct {
	Seed        *int64
	EndTime     *int64
	Invocations *int
	Workers     *int
	ResultsDB   *string
	Summary     *string
	MetricsAddr *string
	Trace       *string
}

// overridesFromFlags collects the flags the user actually set, so defaults
// never overwrite values from the YAML.
func overridesFromFlags(cmd *cobra.Command) overrides {
	var ov overrides
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("seed") {
		ov.Seed = &seed
	}
	if changed("end-time") {
		ov.EndTime = &endTime
	}
	if changed("invocations") {
		ov.Invocations = &invocations
	}
	if changed("workers") {
		ov.Workers = &workers
	}
	if changed("results-db") {
		ov.ResultsDB = &resultsDB
	}
	if changed("summary") {
		ov.Summary = &summaryPath
	}
	if changed("metrics-addr") {
		ov.MetricsAddr = &metricsAddr
	}
	if changed("trace") {
		ov.Trace = &traceLevel
	}
	return ov
}

func (ov overrides) apply(cfg *sim.Config) {
	if ov.Seed != nil {
		cfg.Experiment.Seed = *ov.Seed
	}
	if ov.EndTime != nil {
		cfg.Experiment.EndTime = *ov.EndTime
	}
	if ov.Invocations != nil {
		cfg.Experiment.Invocations = *ov.Invocations
	}
	if ov.Workers != nil {
		cfg.Scheduler.Workers = *ov.Workers
	}
	if ov.ResultsDB != nil {
		cfg.Output.ResultsDB = *ov.ResultsDB
	}
	if ov.Summary != nil {
		cfg.Output.Summary = *ov.Summary
	}
	if ov.MetricsAddr != nil {
		cfg.Output.MetricsAddr = *ov.MetricsAddr
	}
	if ov.Trace != nil {
		cfg.Output.Trace = *ov.Trace
	}
}

// loadExperiment reads the configuration, applies the CLI overrides and validates the result.
func loadExperiment(path string, ov overrides) (*sim.Config, error) {
	cfg, err := sim.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	ov.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type runOptions struct {
	spanExporter string
	spans        io.Writer // where the stdout span exporter writes
	registry     *prometheus.Registry
}

// runExperiment wires telemetry and storage around an experiment runner and runs it.
func runExperiment(ctx context.Context, cfg *sim.Config, opts runOptions) (*experiment.RunSummary, error) {
	if opts.spans == nil {
		opts.spans = os.Stderr
	}
	tracing, err := telemetry.SetupTracing(opts.spanExporter, opts.spans)
	if err != nil {
		return nil, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(sctx); err != nil {
			logrus.Warnf("flushing spans: %v", err)
		}
	}()

	reg := opts.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	collector, err := telemetry.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	if cfg.Output.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.Output.MetricsAddr, collector.Handler())
		if err != nil {
			return nil, err
		}
		defer stopMetrics()
	}

	runnerOpts := []experiment.Option{experiment.WithObserver(collector)}
	if cfg.Output.ResultsDB != "" {
		db, err := store.Open(cfg.Output.ResultsDB)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		text, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		sink, err := db.NewRun(ctx, cfg.Experiment.Seed, string(text))
		if err != nil {
			return nil, err
		}
		logrus.Infof("storing results of run %s in %s", sink.RunID(), cfg.Output.ResultsDB)
		runnerOpts = append(runnerOpts, experiment.WithSink(sink))
	}

	return experiment.NewRunner(cfg, runnerOpts...).Run(ctx)
}

// serveMetrics serves handler on addr until the returned stop function is called.
func serveMetrics(addr string, handler http.Handler) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Warnf("metrics server: %v", err)
		}
	}()
	logrus.Infof("serving metrics on http://%s/metrics", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// writeSummary prints the summary to w and, when path is set, saves it as JSON.
func writeSummary(summary *experiment.RunSummary, path string, w io.Writer) error {
	summary.Print(w)
	if path == "" {
		return nil
	}
	return summary.SaveJSON(path)
}
