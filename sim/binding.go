package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Model is the generic contract every behavior model satisfies.
type Model interface {
	// Init is called once before the first regular invocation.
	// Publishing events from Init fails with ErrPublishDuringInit.
	Init() error
	// Process is the regular per-cycle invocation.
	Process(tick int64, inputs Inputs) (Outputs, error)
}

// EventBus is the event access handed to components: read the active events,
// publish new ones. Published events are committed at the end of step 3.
type EventBus interface {
	EventReader
	Publish(e *Event) error
}

// ComponentParams are the constructor parameters of a model instance.
type ComponentParams struct {
	ComponentName string
	IsInitPhase   bool
	Priority      int
	OffsetTime    int64
	ResponseTime  int64
	CycleTime     int64

	World       World
	Stochastics *rand.Rand
	Parameters  Parameters
	Publisher   Publisher
	Agent       AgentHandle
	Events      EventBus
	Callback    *logrus.Entry
}

// Library is a loaded model library: the create/destroy entry points of one
// independently versioned behavior model.
type Library interface {
	Name() string
	Version() string
	// ThreadSafe reports whether instances may be invoked concurrently.
	// Instances of libraries that are not thread-safe are serialized.
	ThreadSafe() bool
	Create(params ComponentParams) (Model, error)
	Destroy(m Model)
	Close(ctx context.Context) error
}

// LibraryLoader resolves library identifiers into loaded libraries.
type LibraryLoader interface {
	CanLoad(id string) bool
	Load(ctx context.Context, id string) (Library, error)
}

// ErrLibraryNotFound is wrapped by BindingErrors for unresolved identifiers.
var ErrLibraryNotFound = errors.New("library not found")

var (
	builtinMu        sync.RWMutex
	builtinLibraries = map[string]Library{}
	extraLoaders     []LibraryLoader
)

// RegisterLibrary makes a Go-implemented model library available under its Name.
// Sub-packages call this from init(). Panics on duplicate names.
func RegisterLibrary(lib Library) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	if _, exists := builtinLibraries[lib.Name()]; exists {
		panic(fmt.Sprintf("RegisterLibrary: library %q already registered", lib.Name()))
	}
	builtinLibraries[lib.Name()] = lib
}

// RegisterLoader adds a loader consulted by DefaultLoaders after the builtin one.
func RegisterLoader(l LibraryLoader) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	extraLoaders = append(extraLoaders, l)
}

// BuiltinLibraries returns the names of all registered Go libraries, sorted.
func BuiltinLibraries() []string {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	names := make([]string, 0, len(builtinLibraries))
	for name := range builtinLibraries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultLoaders returns the builtin loader followed by every registered loader.
func DefaultLoaders() []LibraryLoader {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	loaders := []LibraryLoader{builtinLoader{}}
	return append(loaders, extraLoaders...)
}

type builtinLoader struct{}

func (builtinLoader) CanLoad(id string) bool {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	_, ok := builtinLibraries[id]
	return ok
}

func (builtinLoader) Load(_ context.Context, id string) (Library, error) {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	lib, ok := builtinLibraries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, id)
	}
	return lib, nil
}

// loadedLibrary is the owning handle for a library plus its live-instance count.
type loadedLibrary struct {
	id   string
	lib  Library
	live int
	mu   sync.Mutex
}

func (l *loadedLibrary) lock() {
	if !l.lib.ThreadSafe() {
		l.mu.Lock()
	}
}

func (l *loadedLibrary) unlock() {
	if !l.lib.ThreadSafe() {
		l.mu.Unlock()
	}
}

// AgentContext carries the per-agent collaborators a component is constructed with.
type AgentContext struct {
	Agent       AgentHandle
	Spec        ComponentSpec
	World       World
	Stochastics *rand.Rand
	Events      EventReader
}

// Binder loads model libraries and instantiates components from them.
// Library handles are cached per identifier; every Instantiate creates a fresh model.
//
// Thread-safety: NOT thread-safe. Used only by the lifecycle on the scheduler goroutine.
type Binder struct {
	ctx       context.Context
	loaders   []LibraryLoader
	libraries map[string]*loadedLibrary
}

// NewBinder creates a Binder that resolves identifiers with the given loaders,
// tried in order. With no loaders, DefaultLoaders() is used.
func NewBinder(ctx context.Context, loaders ...LibraryLoader) *Binder {
	if len(loaders) == 0 {
		loaders = DefaultLoaders()
	}
	return &Binder{
		ctx:       ctx,
		loaders:   loaders,
		libraries: make(map[string]*loadedLibrary),
	}
}

// Preload resolves every library up front so binding failures surface before
// the first tick.
func (b *Binder) Preload(libraryIDs ...string) error {
	for _, id := range libraryIDs {
		if _, err := b.resolve(id); err != nil {
			return err
		}
	}
	return nil
}

// resolve loads libraryID if needed and returns its cached handle.
func (b *Binder) resolve(libraryID string) (*loadedLibrary, error) {
	if l, ok := b.libraries[libraryID]; ok {
		return l, nil
	}
	for _, loader := range b.loaders {
		if !loader.CanLoad(libraryID) {
			continue
		}
		lib, err := loader.Load(b.ctx, libraryID)
		if err != nil {
			return nil, &BindingError{Library: libraryID, Err: err}
		}
		l := &loadedLibrary{id: libraryID, lib: lib}
		b.libraries[libraryID] = l
		logrus.Debugf("loaded model library %q (%s %s)", libraryID, lib.Name(), lib.Version())
		return l, nil
	}
	return nil, &BindingError{Library: libraryID, Err: ErrLibraryNotFound}
}

// Instantiate creates a fresh component instance of libraryID for the agent in ac.
// Fails with *BindingError if the library cannot be resolved or construction fails.
func (b *Binder) Instantiate(libraryID string, ac AgentContext) (inst *ComponentInstance, err error) {
	l, err := b.resolve(libraryID)
	if err != nil {
		var be *BindingError
		if errors.As(err, &be) {
			be.Component = ac.Spec.Name
		}
		return nil, err
	}

	spec := ac.Spec
	var agentID AgentID
	if ac.Agent != nil {
		agentID = ac.Agent.ID()
	}
	box := &outbox{agent: agentID, component: spec.Name, reader: ac.Events}
	params := ComponentParams{
		ComponentName: spec.Name,
		IsInitPhase:   spec.InitPhase,
		Priority:      spec.Priority,
		OffsetTime:    spec.OffsetTime,
		ResponseTime:  spec.ResponseTime,
		CycleTime:     spec.CycleTime,
		World:         ac.World,
		Stochastics:   ac.Stochastics,
		Parameters:    spec.Parameters,
		Publisher:     componentPublisher{o: box},
		Agent:         ac.Agent,
		Events:        componentEvents{o: box},
		Callback:      logrus.WithFields(logrus.Fields{"agent": agentID, "component": spec.Name}),
	}

	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, &BindingError{Library: libraryID, Component: spec.Name, Err: fmt.Errorf("panic during construction: %v", r)}
		}
	}()
	model, err := l.lib.Create(params)
	if err != nil {
		return nil, &BindingError{Library: libraryID, Component: spec.Name, Err: err}
	}
	if model == nil {
		return nil, &BindingError{Library: libraryID, Component: spec.Name, Err: errors.New("library returned no model")}
	}
	l.live++
	return &ComponentInstance{
		Name:         spec.Name,
		Library:      libraryID,
		Priority:     spec.Priority,
		CycleTime:    spec.CycleTime,
		OffsetTime:   spec.OffsetTime,
		ResponseTime: spec.ResponseTime,
		IsInitPhase:  spec.InitPhase,
		Tolerant:     spec.Tolerant,
		agent:        agentID,
		model:        model,
		lib:          l,
		outbox:       box,
	}, nil
}

// Release destroys the instance's model. It must be called before the owning
// library is unloaded. Releasing twice is a no-op.
func (b *Binder) Release(inst *ComponentInstance) {
	if inst == nil || inst.model == nil {
		return
	}
	inst.lib.lib.Destroy(inst.model)
	inst.model = nil
	inst.lib.live--
}

// LiveInstances returns the number of unreleased instances of libraryID.
func (b *Binder) LiveInstances(libraryID string) int {
	if l, ok := b.libraries[libraryID]; ok {
		return l.live
	}
	return 0
}

// Unload closes the library handle. Panics if instances created from it are
// still alive: that is a fatal usage error.
func (b *Binder) Unload(libraryID string) error {
	l, ok := b.libraries[libraryID]
	if !ok {
		return nil
	}
	if l.live > 0 {
		panic(fmt.Sprintf("Binder.Unload: library %q still has %d live instances", libraryID, l.live))
	}
	delete(b.libraries, libraryID)
	return l.lib.Close(b.ctx)
}

// Close unloads every library. Panics if any instance is still alive.
func (b *Binder) Close() error {
	ids := make([]string, 0, len(b.libraries))
	for id := range b.libraries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		if err := b.Unload(id); err != nil {
			errs = append(errs, fmt.Errorf("unloading %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
