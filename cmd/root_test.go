package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/experiment"
	"github.com/traffic-sim/traffic-sim/sim/store"
)

const shortRoad = `
experiment:
  invocations: 2
  seed: 5
  end_time: 1000
profiles:
  car:
    components:
      - {name: info, library: agent_info, init_phase: true}
      - {name: driver, library: driver_constant, cycle_time: 100, parameters: {desired_speed: 20}}
      - {name: dynamics, library: dynamics_speed, cycle_time: 100, priority: 1}
      - {name: remover, library: boundary_remover, cycle_time: 100, priority: 2, parameters: {x_max: 5}}
    channels:
      - {source: driver, output: 0, target: dynamics, input: 0}
spawn_points:
  - {name: gate, type: scheduled, profiles: [car], times: [0, 100]}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExperiment_AppliesOverrides(t *testing.T) {
	// GIVEN a valid configuration and CLI overrides for seed and workers
	path := writeConfig(t, shortRoad)
	seed, workers := int64(77), 3
	ov := overrides{Seed: &seed, Workers: &workers}

	// WHEN the experiment is loaded
	cfg, err := loadExperiment(path, ov)

	// THEN overridden fields change and the rest come from the file
	require.NoError(t, err)
	assert.Equal(t, int64(77), cfg.Experiment.Seed)
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.Equal(t, int64(1000), cfg.Experiment.EndTime)
	assert.Equal(t, 2, cfg.Experiment.Invocations)
}

func TestLoadExperiment_OverrideCanInvalidate(t *testing.T) {
	// GIVEN an override that sets zero invocations
	path := writeConfig(t, shortRoad)
	zero := 0

	// WHEN the experiment is loaded
	_, err := loadExperiment(path, overrides{Invocations: &zero})

	// THEN validation runs after the override and rejects it
	require.Error(t, err)
}

func TestLoadExperiment_UnknownLibrary(t *testing.T) {
	path := writeConfig(t, strings.Replace(shortRoad, "dynamics_speed", "dynamics_magic", 1))

	_, err := loadExperiment(path, overrides{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dynamics_magic")
}

func TestOverridesFromFlags_OnlyChangedFlags(t *testing.T) {
	// GIVEN the run command with only --end-time set
	require.NoError(t, runCmd.Flags().Set("end-time", "250"))
	t.Cleanup(func() {
		runCmd.Flags().Lookup("end-time").Changed = false
		endTime = 0
	})

	// WHEN overrides are collected
	ov := overridesFromFlags(runCmd)

	// THEN untouched flags leave the configuration alone
	require.NotNil(t, ov.EndTime)
	assert.Equal(t, int64(250), *ov.EndTime)
	assert.Nil(t, ov.Seed)
	assert.Nil(t, ov.Workers)
	assert.Nil(t, ov.Trace)
}

func TestRunExperiment_StoresResultsAndSummary(t *testing.T) {
	// GIVEN a configuration writing to a results database
	dir := t.TempDir()
	cfg, err := loadExperiment(writeConfig(t, shortRoad), overrides{})
	require.NoError(t, err)
	cfg.Output.ResultsDB = filepath.Join(dir, "results.db")

	// WHEN the experiment runs with a private metrics registry
	reg := prometheus.NewRegistry()
	summary, err := runExperiment(context.Background(), cfg, runOptions{registry: reg, spans: io.Discard})
	require.NoError(t, err)

	// THEN both invocations complete and land in the database
	assert.Equal(t, "Completed", summary.Outcome)
	assert.Equal(t, 2, summary.Completed)
	require.NotEmpty(t, summary.RunID)

	db, err := store.Open(cfg.Output.ResultsDB)
	require.NoError(t, err)
	defer db.Close()
	invs, err := db.Invocations(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	for _, inv := range invs {
		assert.Equal(t, experiment.StatusCompleted, inv.Status)
		assert.Equal(t, 2, inv.Spawned)
	}

	// AND the metrics registry saw every tick
	families, err := reg.Gather()
	require.NoError(t, err)
	var ticks float64
	for _, f := range families {
		if f.GetName() == "trafficsim_ticks_total" {
			ticks = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(2002), ticks)

	// AND the summary can be written as JSON
	var out bytes.Buffer
	path := filepath.Join(dir, "summary.json")
	require.NoError(t, writeSummary(summary, path, &out))
	assert.Contains(t, out.String(), "=== Simulation Summary ===")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded experiment.RunSummary
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, summary.RunID, decoded.RunID)
	assert.Equal(t, 4, decoded.Totals.Spawned)
}

func TestRunExperiment_UnknownSpanExporter(t *testing.T) {
	cfg, err := loadExperiment(writeConfig(t, shortRoad), overrides{})
	require.NoError(t, err)

	_, err = runExperiment(context.Background(), cfg, runOptions{spanExporter: "jaeger", registry: prometheus.NewRegistry()})

	require.Error(t, err)
}

func TestRunExperiment_StdoutSpans(t *testing.T) {
	// GIVEN the stdout span exporter writing to a buffer
	cfg, err := loadExperiment(writeConfig(t, shortRoad), overrides{})
	require.NoError(t, err)
	var spans bytes.Buffer

	// WHEN the experiment runs
	_, err = runExperiment(context.Background(), cfg, runOptions{
		spanExporter: "stdout", spans: &spans, registry: prometheus.NewRegistry(),
	})

	// THEN the run and scheduler spans are exported
	require.NoError(t, err)
	assert.Contains(t, spans.String(), "scheduler.run")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServeMetrics_ServesHandler(t *testing.T) {
	// GIVEN a metrics server on an ephemeral port
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "heartbeat_total", Help: "heartbeat"})
	reg.MustRegister(c)
	c.Inc()

	ln := freeAddr(t)
	stop, err := serveMetrics(ln, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	require.NoError(t, err)
	defer stop()

	// WHEN /metrics is scraped
	resp, err := http.Get("http://" + ln + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// THEN the registered counter is exposed
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "heartbeat_total 1")
}

func TestExampleExperiment_IsValid(t *testing.T) {
	// GIVEN the configuration written by the init command
	cfg, err := sim.ParseConfig(exampleExperiment)
	require.NoError(t, err)

	// THEN it validates against the registered libraries and spawn types
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Profiles, 2)
	assert.Len(t, cfg.Manipulators, 2)
}

func TestListLibraries(t *testing.T) {
	// GIVEN a directory holding one WebAssembly module and one other file
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lane_keeper.wasm"), []byte{0}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	// WHEN libraries are listed
	var out bytes.Buffer
	require.NoError(t, listLibraries(&out, dir))

	// THEN builtin libraries, spawn types and the module are listed
	text := out.String()
	for _, want := range []string{"driver_constant", "dynamics_speed", "boundary_remover", "agent_info", "scheduled", "stochastic", "lane_keeper.wasm"} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, "notes.txt")
}

func TestListLibraries_MissingDir(t *testing.T) {
	err := listLibraries(io.Discard, filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
