package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callLog records component invocations in the order they happen.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func loggingLibrary(name string, log *callLog) *fakeLibrary {
	lib := newFakeLibrary(name)
	lib.onProcess = func(m *fakeModel, tick int64, _ Inputs) (Outputs, error) {
		log.add(fmt.Sprintf("%d:%d:%s", tick, m.params.Agent.ID(), m.params.ComponentName))
		return nil, nil
	}
	return lib
}

func TestScheduler_OrdersByPriorityThenAgentThenGraph(t *testing.T) {
	// GIVEN two agents with a low-priority and two high-priority components each
	log := &callLog{}
	lib := loggingLibrary("lib", log)
	late := spec("late", "lib", 1)
	late.Priority = 1
	bp := blueprint("car", late, spec("a", "lib", 1), spec("b", "lib", 1))
	rig := newRig(t, rigConfig{libs: []*fakeLibrary{lib}, endTime: 0, spawnPoints: []NamedSpawnPoint{spawnAt(bp, 0, 0)}})

	// WHEN tick 0 runs
	_, err := rig.scheduler.Run(context.Background())
	require.NoError(t, err)

	// THEN priority 0 runs before priority 1, agents by ID, components in graph order
	assert.Equal(t, []string{"0:0:a", "0:0:b", "0:1:a", "0:1:b", "0:0:late", "0:1:late"}, log.calls)
}

func TestScheduler_CycleAndOffset(t *testing.T) {
	lib := newFakeLibrary("lib")
	c := spec("c", "lib", 3)
	c.OffsetTime = 1
	rig := newRig(t, rigConfig{libs: []*fakeLibrary{lib}, endTime: 9, spawnPoints: []NamedSpawnPoint{spawnAt(blueprint("car", c), 0)}})

	_, err := rig.scheduler.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4, 7}, lib.modelOf(t, 0).ticks)
}

func TestScheduler_InitPhaseComponentRunsOnceAtSpawn(t *testing.T) {
	// GIVEN an init-phase component feeding a regular one
	initLib := newFakeLibrary("init")
	initLib.onProcess = func(*fakeModel, int64, Inputs) (Outputs, error) {
		return Outputs{0: ScalarSignal{Value: 42}}, nil
	}
	regular := newFakeLibrary("regular")
	setup := ComponentSpec{Name: "setup", Library: "init", InitPhase: true}
	bp := blueprint("car", setup, spec("run", "regular", 1))
	bp.Channels = []Channel{{Source: "setup", Output: 0, Target: "run", Input: 5}}
	rig := newRig(t, rigConfig{libs: []*fakeLibrary{initLib, regular}, endTime: 2, spawnPoints: []NamedSpawnPoint{spawnAt(bp, 0)}})

	// WHEN the run completes
	_, err := rig.scheduler.Run(context.Background())
	require.NoError(t, err)

	// THEN the init-phase component ran only during spawn and its signal stays visible
	assert.Equal(t, []int64{0}, initLib.modelOf(t, 0).ticks)
	run := regular.modelOf(t, 0)
	require.Len(t, run.inputs, 3)
	for _, in := range run.inputs {
		assert.Equal(t, ScalarSignal{Value: 42}, in[5])
	}
}

func TestScheduler_ZeroResponseTimeFlowsWithinTick(t *testing.T) {
	producer := newFakeLibrary("producer")
	producer.onProcess = func(_ *fakeModel, tick int64, _ Inputs) (Outputs, error) {
		return Outputs{1: ScalarSignal{Value: float64(tick)}}, nil
	}
	consumer := newFakeLibrary("consumer")
	late := spec("consume", "consumer", 1)
	late.Priority = 1
	bp := blueprint("car", spec("produce", "producer", 1), late)
	bp.Channels = []Channel{{Source: "produce", Output: 1, Target: "consume", Input: 0}}
	rig := newRig(t, rigConfig{libs: []*fakeLibrary{producer, consumer}, endTime: 2, workers: 4, spawnPoints: []NamedSpawnPoint{spawnAt(bp, 0)}})

	_, err := rig.scheduler.Run(context.Background())
	require.NoError(t, err)

	in := consumer.modelOf(t, 0).inputs
	require.Len(t, in, 3)
	for tick, got := range in {
		assert.Equal(t, ScalarSignal{Value: float64(tick)}, got[0], "tick %d", tick)
	}
}

// noisyLibrary draws from the component stream, publishes a record every tick
// and an event every third tick.
func noisyLibrary(name string) *fakeLibrary {
	lib := newFakeLibrary(name)
	lib.onProcess = func(m *fakeModel, tick int64, _ Inputs) (Outputs, error) {
		v := m.params.Stochastics.Float64()
		self := m.params.Agent.ID()
		m.params.Publisher.Publish(EntityID(self), "draw", v, false)
		if tick%3 == 0 {
			e := NewEvent(CategoryOpenPASS, "Ping", ConditionPayload{Parameters: map[string]string{"v": fmt.Sprint(v)}}, self)
			if err := m.params.Events.Publish(e); err != nil {
				return nil, err
			}
		}
		return Outputs{0: ScalarSignal{Value: v}}, nil
	}
	return lib
}

func runNoisy(t *testing.T, workers int) *testRig {
	t.Helper()
	lib := noisyLibrary("noisy")
	hi := spec("hi", "noisy", 1)
	lo := spec("lo", "noisy", 2)
	lo.Priority = 1
	lo.ResponseTime = 1
	bp := blueprint("car", hi, lo)
	bp.Channels = []Channel{{Source: "hi", Output: 0, Target: "lo", Input: 0}}
	rig := newRig(t, rigConfig{
		libs:        []*fakeLibrary{lib},
		endTime:     30,
		workers:     workers,
		seed:        99,
		spawnPoints: []NamedSpawnPoint{spawnAt(bp, 0, 0, 0, 4, 9, 9, 17)},
	})
	_, err := rig.scheduler.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, rig.sink.Flush(0))
	return rig
}

func TestScheduler_ParallelMatchesSerial(t *testing.T) {
	// GIVEN the same seeded scenario
	// WHEN run serially and with four workers
	serial := runNoisy(t, 1)
	parallel := runNoisy(t, 4)

	// THEN event histories and records are identical
	require.NotEmpty(t, serial.network.History())
	assert.Equal(t, serial.network.History(), parallel.network.History())
	assert.Equal(t, serial.sink.InvocationRecords(0), parallel.sink.InvocationRecords(0))
	assert.Equal(t, serial.scheduler.Stats(), parallel.scheduler.Stats())
}

func TestScheduler_SameSeedSameRecords(t *testing.T) {
	a := runNoisy(t, 1)
	b := runNoisy(t, 1)
	assert.Equal(t, a.sink.InvocationRecords(0), b.sink.InvocationRecords(0))
}

func TestScheduler_CancellationStopsAtTickBoundary(t *testing.T) {
	// GIVEN a component that cancels the run during tick 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lib := newFakeLibrary("lib")
	lib.onProcess = func(_ *fakeModel, tick int64, _ Inputs) (Outputs, error) {
		if tick == 2 {
			cancel()
		}
		return nil, nil
	}
	rig := newRig(t, rigConfig{libs: []*fakeLibrary{lib}, endTime: 10, spawnPoints: []NamedSpawnPoint{spawnAt(blueprint("car", spec("c", "lib", 1)), 0)}})

	// WHEN run
	stats, err := rig.scheduler.Run(ctx)

	// THEN tick 2 completes and the run stops before tick 3
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int64(2), rig.scheduler.Clock())
	assert.Equal(t, int64(3), stats.Ticks)
	assert.Equal(t, []int64{0, 1, 2}, lib.modelOf(t, 0).ticks)
}

func TestScheduler_FailedInvocationHasNoEffects(t *testing.T) {
	lib := newFakeLibrary("lib")
	lib.onProcess = func(m *fakeModel, tick int64, _ Inputs) (Outputs, error) {
		m.params.Publisher.Publish(GlobalEntity, "attempt", tick, false)
		_ = m.params.Events.Publish(NewEvent(CategoryOpenPASS, "Attempt", nil, m.params.Agent.ID()))
		if tick == 1 {
			return nil, errors.New("fail")
		}
		return nil, nil
	}
	c := spec("c", "lib", 1)
	c.Tolerant = true
	rig := newRig(t, rigConfig{libs: []*fakeLibrary{lib}, endTime: 3, spawnPoints: []NamedSpawnPoint{spawnAt(blueprint("car", c), 0)}})

	_, err := rig.scheduler.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, rig.sink.Flush(0))

	// only the tick-0 invocation left traces
	assert.Len(t, rig.network.History(), 1)
	var attempts []any
	for _, r := range rig.sink.InvocationRecords(0) {
		if r.Key == "attempt" {
			attempts = append(attempts, r.Value)
		}
	}
	assert.Equal(t, []any{int64(0)}, attempts)
}

func TestScheduler_EventsVisibleForOneFollowingTick(t *testing.T) {
	// GIVEN a publisher at tick 2 and a watcher counting active "Ping" events
	seen := map[int64]int{}
	lib := newFakeLibrary("lib")
	lib.onProcess = func(m *fakeModel, tick int64, _ Inputs) (Outputs, error) {
		for _, e := range m.params.Events.GetActiveEventCategory(CategoryOpenPASS) {
			if e.Name == "Ping" {
				seen[tick]++
			}
		}
		if tick == 2 {
			return nil, m.params.Events.Publish(NewEvent(CategoryOpenPASS, "Ping", nil))
		}
		return nil, nil
	}
	rig := newRig(t, rigConfig{libs: []*fakeLibrary{lib}, endTime: 5, spawnPoints: []NamedSpawnPoint{spawnAt(blueprint("car", spec("c", "lib", 1)), 0)}})

	_, err := rig.scheduler.Run(context.Background())
	require.NoError(t, err)

	// THEN the event is seen only in tick 3
	assert.Equal(t, map[int64]int{3: 1}, seen)
	assert.Equal(t, 0, rig.network.ActiveCount())
}

func TestScheduler_ManipulatorRemovesAgent(t *testing.T) {
	// GIVEN a manipulator removing the acting agents of "Stop"
	lib := newFakeLibrary("lib")
	obs := newRecordingObserver()
	rig := newRig(t, rigConfig{libs: []*fakeLibrary{lib}, endTime: 6, observer: obs, spawnPoints: []NamedSpawnPoint{spawnAt(blueprint("car", spec("c", "lib", 1)), 0, 0)}})
	m, err := NewManipulator(ManipulatorConfig{Action: "RemoveAgent", Watch: "Stop", CycleTime: 1}, rig.network)
	require.NoError(t, err)
	rig.pipeline.manipulators = []Manipulator{m}
	rig.pipeline.AddDetector(NewSimulationTimeDetector("Stop", 3, 1, []AgentID{1}, nil, nil))

	// WHEN the run completes
	stats, err := rig.scheduler.Run(context.Background())
	require.NoError(t, err)

	// THEN agent 1 is marked in step 2 of tick 3, skips step 3 and is removed at its end
	assert.Equal(t, []int64{0, 1, 2}, lib.modelOf(t, 1).ticks)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6}, lib.modelOf(t, 0).ticks)
	assert.Equal(t, "Stop", obs.removed[1])
	assert.Equal(t, 1, stats.Removed)
	chain := rig.network.CausalChain(1)
	require.Len(t, chain, 2)
	assert.Equal(t, EventRemoveAgent, chain[0].Name)
	assert.Equal(t, EventName("Stop"), chain[1].Name)
}

func TestScheduler_StepPanicsOnNonIncreasingTick(t *testing.T) {
	rig := newRig(t, rigConfig{endTime: 3})
	require.NoError(t, rig.scheduler.Step(context.Background(), 0))
	assert.Panics(t, func() { _ = rig.scheduler.Step(context.Background(), 0) })
}

func TestNewScheduler_NegativeEndTimePanics(t *testing.T) {
	rig := newRig(t, rigConfig{})
	assert.Panics(t, func() {
		NewScheduler(SchedulerConfig{EndTime: -1}, rig.pipeline, rig.lifecycle)
	})
}
