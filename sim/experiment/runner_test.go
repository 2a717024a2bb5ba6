package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/internal/testutil"
	"github.com/traffic-sim/traffic-sim/sim/store"
)

const roadConfig = `
experiment:
  invocations: 2
  seed: 11
  end_time: 2000
scheduler:
  workers: 2
profiles:
  car:
    components:
      - {name: info, library: agent_info, init_phase: true}
      - {name: driver, library: driver_constant, cycle_time: 100, parameters: {desired_speed: 25, jitter: 0.5}}
      - {name: dynamics, library: dynamics_speed, cycle_time: 100, priority: 1, parameters: {max_speed: 40}}
      - {name: remover, library: boundary_remover, cycle_time: 100, priority: 2, parameters: {x_max: 8}}
    channels:
      - {source: driver, output: 0, target: dynamics, input: 0}
spawn_points:
  - {name: gate, type: scheduled, profiles: [car], times: [0, 0, 200], initial: {velocity: 20}}
output:
  trace: lifecycle
`

func roadRunner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	cfg := testutil.ParseConfig(t, roadConfig)
	require.NoError(t, cfg.Validate())
	return NewRunner(cfg, opts...)
}

func velocities(records []sim.Record) []float64 {
	var out []float64
	for _, r := range testutil.WithKey(records, "velocity") {
		out = append(out, r.Value.(float64))
	}
	return out
}

func TestRunner_BuiltinRoadScenario(t *testing.T) {
	// GIVEN three cars on a short road
	r := roadRunner(t)

	// WHEN both invocations run
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	// THEN every car leaves the road in every invocation
	assert.Equal(t, "Completed", summary.Outcome)
	assert.Equal(t, 2, summary.Completed)
	assert.Zero(t, summary.Failed)
	require.Len(t, summary.Results, 2)
	for i, res := range summary.Results {
		assert.Equal(t, i, res.Invocation)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, int64(2001), res.Stats.Ticks)
		assert.Equal(t, 3, res.Stats.Spawned)
		assert.Equal(t, 3, res.Stats.Removed)
		require.NotNil(t, res.Trace)
		assert.Equal(t, 3, res.Trace.RemovalReasons["left road"])
	}
	assert.Equal(t, 6, summary.Totals.Spawned)

	buf := r.Sink().(*sim.DataBuffer)
	records := buf.InvocationRecords(0)
	assert.Len(t, testutil.WithKey(records, "agent.profile"), 3)
	for _, v := range velocities(records) {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 40.0)
	}
	facts := buf.RunFacts()
	require.Len(t, facts, 1)
	assert.Equal(t, "profile.car", facts[0].Key)
}

func TestRunner_Reproducible(t *testing.T) {
	// GIVEN two runners over the same configuration and seed
	a, b := roadRunner(t), roadRunner(t)

	// WHEN both run
	_, err := a.Run(context.Background())
	require.NoError(t, err)
	_, err = b.Run(context.Background())
	require.NoError(t, err)

	// THEN records are identical per invocation, and invocations differ from each other
	bufA, bufB := a.Sink().(*sim.DataBuffer), b.Sink().(*sim.DataBuffer)
	assert.Equal(t, bufA.InvocationRecords(0), bufB.InvocationRecords(0))
	assert.Equal(t, bufA.InvocationRecords(1), bufB.InvocationRecords(1))
	assert.NotEqual(t, velocities(bufA.InvocationRecords(0)), velocities(bufA.InvocationRecords(1)))
}

// flakyConfig runs one agent of the scripted "flaky" library for ticks 0..5.
func flakyConfig(retries int) string {
	return fmt.Sprintf(`
experiment:
  invocations: 2
  seed: 3
  end_time: 5
  max_retries: %d
profiles:
  p:
    components:
      - {name: c, library: flaky, cycle_time: 1}
spawn_points:
  - {type: scheduled, profiles: [p], times: [0]}
`, retries)
}

func flakyLibrary(failures *int) *testutil.ScriptedLibrary {
	return testutil.NewScriptedLibrary("flaky", func(p sim.ComponentParams, tick int64, _ sim.Inputs) (sim.Outputs, error) {
		p.Publisher.Publish(sim.EntityID(p.Agent.ID()), "tick", tick, false)
		if tick == 3 && *failures > 0 {
			*failures--
			return nil, errors.New("transient")
		}
		return nil, nil
	})
}

func TestRunner_RetriesFailedInvocation(t *testing.T) {
	// GIVEN a library that fails once at tick 3
	failures := 1
	lib := flakyLibrary(&failures)
	r := NewRunner(testutil.ParseConfig(t, flakyConfig(2)), WithLoaders(testutil.NewLoader(lib)))

	// WHEN run
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	// THEN invocation 0 succeeds on its second attempt and its partial records are gone
	require.Len(t, summary.Results, 3)
	assert.Equal(t, StatusFailed, summary.Results[0].Status)
	assert.Equal(t, 0, summary.Results[0].Attempt)
	assert.Contains(t, summary.Results[0].Error, "transient")
	assert.Equal(t, 0, summary.Results[1].Invocation)
	assert.Equal(t, 1, summary.Results[1].Attempt)
	assert.Equal(t, StatusCompleted, summary.Results[1].Status)
	assert.Equal(t, 1, summary.Results[2].Invocation)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Totals.ComponentErrors)

	buf := r.Sink().(*sim.DataBuffer)
	assert.Len(t, testutil.WithKey(buf.InvocationRecords(0), "tick"), 6)

	created, destroyed, closed := lib.Counts()
	assert.Equal(t, 3, created)
	assert.Equal(t, 3, destroyed)
	assert.True(t, closed)
}

func TestRunner_RetryBudgetExhausted(t *testing.T) {
	failures := 100
	r := NewRunner(testutil.ParseConfig(t, flakyConfig(1)), WithLoaders(testutil.NewLoader(flakyLibrary(&failures))))

	summary, err := r.Run(context.Background())

	var cerr *sim.ComponentError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "Aborted", summary.Outcome)
	assert.Equal(t, 2, summary.Failed)
	assert.Zero(t, summary.Completed)
}

func TestRunner_BindingErrorAbortsBeforeFirstTick(t *testing.T) {
	cfg := testutil.ParseConfig(t, flakyConfig(3))
	r := NewRunner(cfg, WithLoaders(testutil.NewLoader()))

	summary, err := r.Run(context.Background())

	var be *sim.BindingError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, sim.ErrLibraryNotFound)
	assert.Empty(t, summary.Results)
	assert.Equal(t, "Aborted", summary.Outcome)
}

func TestRunner_SetupErrorIsNotRetried(t *testing.T) {
	cfg := testutil.ParseConfig(t, flakyConfig(3))
	cfg.SpawnPoints[0].Type = "teleporter"
	failures := 0
	r := NewRunner(cfg, WithLoaders(testutil.NewLoader(flakyLibrary(&failures))))

	summary, err := r.Run(context.Background())

	require.ErrorIs(t, err, ErrSetup)
	assert.Len(t, summary.Results, 1)
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	failures := 0
	r := NewRunner(testutil.ParseConfig(t, flakyConfig(0)), WithLoaders(testutil.NewLoader(flakyLibrary(&failures))))

	summary, err := r.Run(ctx)

	require.ErrorIs(t, err, sim.ErrCancelled)
	assert.Equal(t, "Aborted", summary.Outcome)
}

func TestRunner_StoresResultsInSQLite(t *testing.T) {
	// GIVEN a runner writing into a results database
	db, err := store.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer db.Close()
	sink, err := db.NewRun(context.Background(), 11, roadConfig)
	require.NoError(t, err)
	r := roadRunner(t, WithSink(sink))

	// WHEN run
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	// THEN records, facts and outcomes are queryable by run ID
	assert.Equal(t, sink.RunID(), summary.RunID)
	invs, err := db.Invocations(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, StatusCompleted, invs[1].Status)
	assert.Equal(t, 3, invs[1].Removed)
	recs, err := db.Records(context.Background(), summary.RunID, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
	facts, err := db.RunFacts(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "true", facts[0].Value)
}

func TestRunSummary_PrintAndSave(t *testing.T) {
	summary := &RunSummary{Seed: 1, Invocations: 1, Outcome: "Completed"}
	summary.add(InvocationResult{Status: StatusCompleted, Stats: sim.RunStats{Ticks: 10, Spawned: 2}})
	summary.add(InvocationResult{Status: StatusFailed, Stats: sim.RunStats{ComponentErrors: 1, Ticks: 4}})

	var out bytes.Buffer
	summary.Print(&out)
	assert.Contains(t, out.String(), "1/1 completed, 1 failed attempts")
	assert.Equal(t, int64(10), summary.Totals.Ticks)
	assert.Equal(t, 1, summary.Totals.ComponentErrors)

	path := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, summary.SaveJSON(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back RunSummary
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 2, back.Totals.Spawned)
	assert.Len(t, back.Results, 2)
}

func TestNewRunner_NilConfigPanics(t *testing.T) {
	assert.Panics(t, func() { NewRunner(nil) })
}
