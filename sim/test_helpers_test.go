package sim

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// fakeModel is a scriptable Model that records every invocation.
type fakeModel struct {
	params ComponentParams
	lib    *fakeLibrary
	ticks  []int64
	inputs []Inputs
}

func (m *fakeModel) Init() error {
	if m.lib.onInit != nil {
		return m.lib.onInit(m)
	}
	return nil
}

func (m *fakeModel) Process(tick int64, in Inputs) (Outputs, error) {
	m.ticks = append(m.ticks, tick)
	m.inputs = append(m.inputs, in)
	if m.lib.onProcess != nil {
		return m.lib.onProcess(m, tick, in)
	}
	return nil, nil
}

// fakeLibrary creates fakeModels sharing the library's hooks.
type fakeLibrary struct {
	name       string
	threadSafe bool
	createErr  error
	onInit     func(m *fakeModel) error
	onProcess  func(m *fakeModel, tick int64, in Inputs) (Outputs, error)

	mu        sync.Mutex
	models    []*fakeModel
	destroyed int
	closed    bool
}

func newFakeLibrary(name string) *fakeLibrary {
	return &fakeLibrary{name: name, threadSafe: true}
}

func (l *fakeLibrary) Name() string     { return l.name }
func (l *fakeLibrary) Version() string  { return "test" }
func (l *fakeLibrary) ThreadSafe() bool { return l.threadSafe }

func (l *fakeLibrary) Create(p ComponentParams) (Model, error) {
	if l.createErr != nil {
		return nil, l.createErr
	}
	m := &fakeModel{params: p, lib: l}
	l.mu.Lock()
	l.models = append(l.models, m)
	l.mu.Unlock()
	return m, nil
}

func (l *fakeLibrary) Destroy(Model) {
	l.mu.Lock()
	l.destroyed++
	l.mu.Unlock()
}

func (l *fakeLibrary) Close(context.Context) error {
	l.closed = true
	return nil
}

// modelOf returns the model created for agent.
func (l *fakeLibrary) modelOf(t *testing.T, agent AgentID) *fakeModel {
	t.Helper()
	for _, m := range l.models {
		if m.params.Agent != nil && m.params.Agent.ID() == agent {
			return m
		}
	}
	t.Fatalf("library %s has no model for agent %d", l.name, agent)
	return nil
}

// fakeLoader resolves a fixed set of libraries.
type fakeLoader map[string]Library

func newFakeLoader(libs ...*fakeLibrary) fakeLoader {
	l := fakeLoader{}
	for _, lib := range libs {
		l[lib.name] = lib
	}
	return l
}

func (l fakeLoader) CanLoad(id string) bool { _, ok := l[id]; return ok }

func (l fakeLoader) Load(_ context.Context, id string) (Library, error) {
	lib, ok := l[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, id)
	}
	return lib, nil
}

// fixedSpawnPoint spawns the given blueprints at the given ticks.
type fixedSpawnPoint struct {
	at       map[int64][]AgentBlueprint
	failAt   map[int64]error
	pending  []AgentBlueprint
	err      error
	executed []int64
}

func (s *fixedSpawnPoint) Execute(t int64) bool {
	s.executed = append(s.executed, t)
	if err, ok := s.failAt[t]; ok {
		s.err = err
		return false
	}
	s.err = nil
	s.pending = append(s.pending, s.at[t]...)
	return true
}

func (s *fixedSpawnPoint) PullNewAgents() []AgentBlueprint {
	out := s.pending
	s.pending = nil
	return out
}

func (s *fixedSpawnPoint) GetError() error { return s.err }

func spec(name, library string, cycle int64) ComponentSpec {
	return ComponentSpec{Name: name, Library: library, CycleTime: cycle}
}

func blueprint(profile string, specs ...ComponentSpec) AgentBlueprint {
	return AgentBlueprint{Profile: profile, Type: AgentVehicle, Components: specs}
}

// testRig wires a complete single-invocation engine around fake libraries.
type testRig struct {
	world     *MemoryWorld
	network   *EventNetwork
	binder    *Binder
	sink      *DataBuffer
	lifecycle *Lifecycle
	pipeline  *ManipulatorPipeline
	scheduler *Scheduler
}

type rigConfig struct {
	libs         []*fakeLibrary
	endTime      int64
	workers      int
	policy       Policy
	spawnPoints  []NamedSpawnPoint
	manipulators []Manipulator
	observer     Observer
	seed         int64
}

func newRig(t *testing.T, rc rigConfig) *testRig {
	t.Helper()
	r := &testRig{
		world:   NewMemoryWorld(),
		network: NewEventNetwork(DefaultEventWindow),
		binder:  NewBinder(context.Background(), newFakeLoader(rc.libs...)),
		sink:    NewDataBuffer(),
	}
	r.lifecycle = NewLifecycle(LifecycleDeps{
		World:    r.world,
		Binder:   r.binder,
		Network:  r.network,
		RNG:      NewPartitionedRNG(NewSimulationKey(rc.seed, 0)),
		Sink:     r.sink,
		Observer: rc.observer,
	}, rc.policy, rc.spawnPoints...)
	r.pipeline = NewManipulatorPipeline(r.network, nil, rc.manipulators...)
	r.scheduler = NewScheduler(SchedulerConfig{EndTime: rc.endTime, Workers: rc.workers, Policy: rc.policy}, r.pipeline, r.lifecycle)
	return r
}

// spawnAt returns a spawn point producing one agent per listed tick.
func spawnAt(bp AgentBlueprint, ticks ...int64) NamedSpawnPoint {
	sp := &fixedSpawnPoint{at: map[int64][]AgentBlueprint{}}
	for _, t := range ticks {
		sp.at[t] = append(sp.at[t], bp)
	}
	return NamedSpawnPoint{Name: "fixed", Point: sp}
}

// recordingObserver counts notifications.
type recordingObserver struct {
	NopObserver
	spawned   []AgentID
	removed   map[AgentID]string
	rejected  int
	spawnErrs int
	compErrs  int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{removed: map[AgentID]string{}}
}

func (o *recordingObserver) AgentSpawned(id AgentID, _ string)     { o.spawned = append(o.spawned, id) }
func (o *recordingObserver) AgentRemoved(id AgentID, reason string) { o.removed[id] = reason }
func (o *recordingObserver) EventRejected(*EventError)              { o.rejected++ }
func (o *recordingObserver) SpawnFailed(*SpawnError)                { o.spawnErrs++ }
func (o *recordingObserver) ComponentFailed(*ComponentError)        { o.compErrs++ }
