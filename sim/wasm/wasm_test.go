package wasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-sim/traffic-sim/sim"
)

// emptyModule is the smallest valid WebAssembly binary: magic and version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestLoader_CanLoad(t *testing.T) {
	l := &Loader{}
	assert.True(t, l.CanLoad("models/driver.wasm"))
	assert.False(t, l.CanLoad("dynamics_speed"))
	assert.False(t, l.CanLoad("driver.wasm.bak"))
}

func TestLoader_MissingFile(t *testing.T) {
	l := &Loader{Dir: t.TempDir()}
	_, err := l.Load(context.Background(), "absent.wasm")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_RejectsInvalidBinary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.wasm"), []byte("not wasm"), 0o644))

	_, err := (&Loader{Dir: dir}).Load(context.Background(), "junk.wasm")
	assert.Error(t, err)
}

func TestLoader_RejectsModuleWithoutModelExports(t *testing.T) {
	// GIVEN a valid module that exports nothing
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.wasm"), emptyModule, 0o644))

	// WHEN loaded
	_, err := (&Loader{Dir: dir}).Load(context.Background(), "empty.wasm")

	// THEN the missing memory export is reported
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestBinder_UsesRegisteredWasmLoader(t *testing.T) {
	// GIVEN the default loaders, which include this package's loader
	b := sim.NewBinder(context.Background())

	// WHEN a missing .wasm library is preloaded
	err := b.Preload(filepath.Join(t.TempDir(), "missing.wasm"))

	// THEN it is a binding error from the wasm loader, not "not found"
	var be *sim.BindingError
	require.ErrorAs(t, err, &be)
	assert.NotErrorIs(t, err, sim.ErrLibraryNotFound)
}

func TestUnpack(t *testing.T) {
	ptr, size := unpack(uint64(1024)<<32 | 17)
	assert.Equal(t, uint32(1024), ptr)
	assert.Equal(t, uint32(17), size)
}

func TestDecodeEvent_DefaultsToPublisher(t *testing.T) {
	e, err := decodeEvent(eventJSON{Name: sim.EventRemoveAgent, Reason: "collision"}, 4)
	require.NoError(t, err)

	assert.Equal(t, sim.CategoryOpenPASS, e.Category)
	assert.Equal(t, []sim.AgentID{4}, e.ActingAgents)
	assert.Equal(t, []sim.AgentID{4}, e.TriggeringAgents)
	assert.Equal(t, sim.RemovalPayload{Reason: "collision"}, e.Payload)
}

func TestDecodeEvent_UnknownNameBecomesCondition(t *testing.T) {
	e, err := decodeEvent(eventJSON{
		Name:       "BrakeLightsOn",
		Category:   "OpenSCENARIO",
		Acting:     []int{2, 3},
		Parameters: map[string]string{"level": "high"},
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, sim.CategoryOpenSCENARIO, e.Category)
	assert.Equal(t, []sim.AgentID{2, 3}, e.ActingAgents)
	assert.Equal(t, sim.PayloadCondition, sim.KindOf(e))
}

func TestDecodeEvent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   eventJSON
	}{
		{"no name", eventJSON{}},
		{"bad category", eventJSON{Name: "X", Category: "Other"}},
		{"bad component state", eventJSON{Name: sim.EventComponentStateChange, Component: "c", State: "sleeping"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeEvent(tc.in, 1)
			assert.Error(t, err)
		})
	}
}

func TestDecodeSignals_UnknownType(t *testing.T) {
	_, err := decodeSignals([]signalJSON{{Link: 2, Type: "vector"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link 2")
}

func TestEncodeSignals_CarriesEveryType(t *testing.T) {
	in := sim.Inputs{
		0: sim.ScalarSignal{Value: 1.5},
		1: sim.DynamicsSignal{Velocity: 12},
		2: sim.ComponentStateSignal{State: sim.ComponentDisabled},
	}

	out, err := decodeSignals(encodeSignals(in))

	require.NoError(t, err)
	assert.Equal(t, sim.Outputs(in), out)
}

type testAgent struct{ id sim.AgentID }

func (a testAgent) ID() sim.AgentID       { return a.id }
func (a testAgent) Profile() string       { return "car" }
func (a testAgent) Type() sim.AgentType   { return sim.AgentVehicle }
func (a testAgent) State() sim.AgentState { return sim.AgentActive }
func (a testAgent) SpawnTime() int64      { return 0 }

// testBus reads from a real network and collects published events.
type testBus struct {
	*sim.EventNetwork
	published []*sim.Event
}

func (b *testBus) Publish(e *sim.Event) error {
	b.published = append(b.published, e)
	return nil
}

type published struct {
	entity     sim.EntityID
	key        string
	value      any
	persistent bool
}

type testPublisher struct{ facts []published }

func (p *testPublisher) Publish(entity sim.EntityID, key string, value any, persistent bool) {
	p.facts = append(p.facts, published{entity, key, value, persistent})
}

func loadEcho(t *testing.T, ctx context.Context) *Library {
	t.Helper()
	lib, err := (&Loader{Dir: "testdata"}).Load(ctx, "echo.wasm")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close(context.Background()) })
	return lib.(*Library)
}

func echoParams(t *testing.T) (sim.ComponentParams, *sim.MemoryWorld, *testBus, *testPublisher) {
	t.Helper()
	world := sim.NewMemoryWorld()
	require.NoError(t, world.AddAgent(3, sim.KinematicState{X: 1, Velocity: 10}))
	bus := &testBus{EventNetwork: sim.NewEventNetwork(1)}
	pub := &testPublisher{}
	return sim.ComponentParams{
		ComponentName: "brain",
		CycleTime:     100,
		Agent:         testAgent{id: 3},
		World:         world,
		Events:        bus,
		Publisher:     pub,
	}, world, bus, pub
}

func TestLibrary_DrivesModelThroughLinearMemory(t *testing.T) {
	// GIVEN the echo module loaded from testdata
	lib := loadEcho(t, context.Background())
	params, world, bus, pub := echoParams(t)

	// WHEN a model is created, initialized, processed and destroyed
	m, err := lib.Create(params)
	require.NoError(t, err)
	require.NoError(t, m.Init())
	out, err := m.Process(5, sim.Inputs{0: sim.ScalarSignal{Value: 1}})
	require.NoError(t, err)
	lib.Destroy(m)

	// THEN the module's answers are decoded into the engine's types
	assert.Equal(t, "echo", lib.Name())
	assert.Equal(t, "1.2.0", lib.Version())
	assert.False(t, lib.ThreadSafe())
	assert.Equal(t, int64(7), m.(*Model).handle)
	assert.Equal(t, sim.Outputs{1: sim.ScalarSignal{Value: 2.5}}, out)

	// AND the new state is staged until the world syncs
	before, _ := world.AgentState(3)
	assert.Equal(t, 1.0, before.X)
	world.SyncGlobalData(5)
	after, _ := world.AgentState(3)
	assert.Equal(t, sim.KinematicState{X: 12, Velocity: 4}, after)

	// AND the event acts on the publishing agent
	require.Len(t, bus.published, 1)
	e := bus.published[0]
	assert.Equal(t, sim.EventCustomCommand, e.Name)
	assert.Equal(t, sim.CategoryOpenPASS, e.Category)
	assert.Equal(t, []sim.AgentID{3}, e.ActingAgents)
	assert.Equal(t, sim.CustomCommandPayload{Command: "honk"}, e.Payload)

	// AND records go to the agent or, when global, to the run
	require.Len(t, pub.facts, 2)
	assert.Equal(t, published{sim.EntityID(3), "wasm.calls", float64(3), false}, pub.facts[0])
	assert.Equal(t, published{sim.GlobalEntity, "weather", "rain", true}, pub.facts[1])
}

func TestLibrary_CallsSurviveCancelledLoadContext(t *testing.T) {
	// GIVEN a library loaded with a context that is cancelled afterwards
	ctx, cancel := context.WithCancel(context.Background())
	lib := loadEcho(t, ctx)
	params, _, _, _ := echoParams(t)
	m, err := lib.Create(params)
	require.NoError(t, err)
	cancel()

	// WHEN the model is processed after cancellation
	out, err := m.Process(1, nil)

	// THEN the call completes; cancellation is observed between ticks only
	require.NoError(t, err)
	assert.Len(t, out, 1)
	lib.Destroy(m)
}
