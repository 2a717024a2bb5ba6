package sim

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim/trace"
)

// Keys of the facts the lifecycle publishes per agent.
const (
	RecordSpawn   = "lifecycle.spawn"
	RecordRemoval = "lifecycle.removal"
)

// NamedSpawnPoint pairs a spawn point with the name it is reported under.
type NamedSpawnPoint struct {
	Name  string
	Point SpawnPoint
}

// Lifecycle creates and destroys agents at the tick boundaries.
//
// Thread-safety: NOT thread-safe. Driven by the scheduler goroutine.
type Lifecycle struct {
	registry    *AgentRegistry
	world       World
	binder      *Binder
	network     *EventNetwork
	rng         *PartitionedRNG
	sink        RecordSink
	observer    Observer
	trace       *trace.SimulationTrace
	spawnPoints []NamedSpawnPoint
	policy      Policy
	lastSpawn   int64
	// init-phase components of agents spawned this tick whose outboxes
	// are committed at the tick barrier
	staged []*ComponentInstance

	spawned         int
	spawnErrors     int
	componentErrors int
	eventErrors     int
}

// LifecycleDeps are the collaborators of a Lifecycle. Trace and Observer may be nil.
type LifecycleDeps struct {
	World    World
	Binder   *Binder
	Network  *EventNetwork
	RNG      *PartitionedRNG
	Sink     RecordSink
	Observer Observer
	Trace    *trace.SimulationTrace
}

// NewLifecycle creates a lifecycle with an empty registry.
// Panics if a required collaborator is missing.
func NewLifecycle(deps LifecycleDeps, policy Policy, spawnPoints ...NamedSpawnPoint) *Lifecycle {
	if deps.World == nil || deps.Binder == nil || deps.Network == nil || deps.RNG == nil || deps.Sink == nil {
		panic("NewLifecycle: World, Binder, Network, RNG and Sink are required")
	}
	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	return &Lifecycle{
		registry:    NewAgentRegistry(),
		world:       deps.World,
		binder:      deps.Binder,
		network:     deps.Network,
		rng:         deps.RNG,
		sink:        deps.Sink,
		observer:    observer,
		trace:       deps.Trace,
		spawnPoints: spawnPoints,
		policy:      policy,
		lastSpawn:   -1,
	}
}

// Registry returns the agent registry owned by the lifecycle.
func (l *Lifecycle) Registry() *AgentRegistry { return l.registry }

// Spawned returns the number of agents registered so far.
func (l *Lifecycle) Spawned() int { return l.spawned }

// SpawnErrors returns the number of failed spawn point executions.
func (l *Lifecycle) SpawnErrors() int { return l.spawnErrors }

// Update runs step 2 of tick t: executes the spawn points, marks the acting
// agents of active removal events and applies component state changes.
func (l *Lifecycle) Update(t int64) error {
	if err := l.spawnAll(t); err != nil {
		return err
	}

	for _, category := range EventCategories {
		for _, e := range l.network.GetActiveEventCategory(category) {
			switch p := e.Payload.(type) {
			case RemovalPayload:
				l.markActing(e, p.Reason, t)
			case ComponentStatePayload:
				l.applyComponentState(e, p, t)
			}
		}
	}
	return nil
}

// Setup runs the init phase before tick 0: the agents the spawn points
// produce for tick 0 are spawned, initialized and activated, so their
// components are due from tick 0 on.
func (l *Lifecycle) Setup() error {
	if err := l.spawnAll(0); err != nil {
		return err
	}
	l.CommitStaged(0)
	for _, a := range l.registry.InState(AgentSpawned) {
		a.activate()
	}
	return nil
}

// spawnAll executes every spawn point once per tick.
func (l *Lifecycle) spawnAll(t int64) error {
	if t <= l.lastSpawn {
		return nil
	}
	l.lastSpawn = t
	for _, sp := range l.spawnPoints {
		if !sp.Point.Execute(t) {
			serr := &SpawnError{SpawnPoint: sp.Name, Time: t, Err: sp.Point.GetError()}
			if serr.Err == nil {
				serr.Err = errors.New("spawn point reported failure")
			}
			l.spawnErrors++
			l.observer.SpawnFailed(serr)
			if l.policy.SpawnFailureFatal {
				return serr
			}
			logrus.Warnf("%v", serr)
			continue
		}
		for _, bp := range sp.Point.PullNewAgents() {
			if _, err := l.Spawn(bp, sp.Name, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Lifecycle) markActing(e *Event, reason string, t int64) {
	if reason == "" {
		reason = string(e.Name)
	}
	for _, id := range e.ActingAgents {
		a, ok := l.registry.Get(id)
		if !ok {
			continue
		}
		if a.markForRemoval(reason) {
			logrus.Debugf("[tick %07d] agent %d marked for removal by event %d (%s)", t, id, e.ID, reason)
		}
	}
}

func (l *Lifecycle) applyComponentState(e *Event, p ComponentStatePayload, t int64) {
	for _, id := range e.ActingAgents {
		a, ok := l.registry.Get(id)
		if !ok {
			continue
		}
		c := a.Component(p.Component)
		if c == nil {
			logrus.Warnf("[tick %07d] event %d: agent %d has no component %q", t, e.ID, id, p.Component)
			continue
		}
		if c.State() != p.State {
			c.setState(p.State)
			logrus.Debugf("[tick %07d] agent %d component %s → %s", t, id, c.Name, p.State)
		}
	}
}

// Spawn registers a new agent built from bp at tick t: its components are
// instantiated and initialized, init-phase components are processed once,
// and the agent enters the world in state Spawned.
//
// Binding failures are returned as *BindingError. Init failures are returned
// as *ComponentError unless the component is tolerant, in which case the
// agent is marked for removal and no error is returned.
func (l *Lifecycle) Spawn(bp AgentBlueprint, source string, t int64) (*Agent, error) {
	id := l.registry.nextAgentID()
	agent := &Agent{
		id:        id,
		profile:   bp.Profile,
		agentType: bp.Type,
		state:     AgentSpawned,
		spawnTime: t,
	}
	if agent.agentType == "" {
		agent.agentType = AgentVehicle
	}

	for _, spec := range bp.Components {
		inst, err := l.binder.Instantiate(spec.Library, AgentContext{
			Agent:       agent,
			Spec:        spec,
			World:       l.world,
			Stochastics: l.rng.ForSubsystem(SubsystemComponent(id, spec.Name)),
			Events:      l.network,
		})
		if err != nil {
			l.releaseAll(agent)
			return nil, err
		}
		agent.components = append(agent.components, inst)
	}
	bus, err := newSignalBus(agent.components, bp.Channels)
	if err != nil {
		l.releaseAll(agent)
		return nil, fmt.Errorf("profile %q: %w", bp.Profile, err)
	}
	agent.bus = bus

	if err := l.world.AddAgent(id, bp.Initial); err != nil {
		l.releaseAll(agent)
		return nil, err
	}
	l.registry.add(agent)
	l.spawned++
	l.sink.Write(Record{Time: t, Entity: EntityID(id), Key: RecordSpawn, Value: bp.Profile})
	l.observer.AgentSpawned(id, bp.Profile)
	if l.trace != nil {
		l.trace.RecordSpawn(trace.SpawnRecord{AgentID: int(id), Profile: bp.Profile, SpawnPoint: source, Clock: t})
	}
	logrus.Debugf("[tick %07d] spawned agent %d (%s) from %s", t, id, bp.Profile, source)

	for _, c := range agent.components {
		if err := c.init(); err != nil {
			if cerr := l.componentFailed(agent, c, t, err); cerr != nil {
				return agent, cerr
			}
			return agent, nil
		}
	}
	for idx, c := range agent.components {
		if !c.IsInitPhase || c.State() != ComponentActing {
			continue
		}
		out, err := c.process(t, agent.bus.inputsFor(idx, t))
		if err != nil {
			c.outbox.drainEvents()
			c.outbox.drainRecords()
			if cerr := l.componentFailed(agent, c, t, err); cerr != nil {
				return agent, cerr
			}
			return agent, nil
		}
		agent.bus.deliver(idx, t, c.ResponseTime, out)
		l.staged = append(l.staged, c)
	}
	return agent, nil
}

// CommitStaged commits what the init-phase components of this tick's spawns
// published, in spawn order. Events become visible from the next tick, like
// those of regular components.
func (l *Lifecycle) CommitStaged(t int64) {
	for _, c := range l.staged {
		l.eventErrors += commitOutbox(l.network, l.sink, l.observer, c, t)
	}
	l.staged = nil
}

// componentFailed applies the tolerance policy to a failed component of agent.
// Returns the error when it is run-fatal.
func (l *Lifecycle) componentFailed(agent *Agent, c *ComponentInstance, t int64, err error) error {
	cerr := &ComponentError{Agent: agent.id, Component: c.Name, Time: t, Err: err}
	l.componentErrors++
	l.observer.ComponentFailed(cerr)
	if !c.Tolerant && !l.policy.TolerateComponentErrors {
		return cerr
	}
	logrus.Warnf("%v; removing agent", cerr)
	agent.markForRemoval("component failure: " + c.Name)
	return nil
}

// Finalize runs the lifecycle part of step 4 of tick t: destroys every agent
// marked for removal and promotes Spawned agents to Active.
func (l *Lifecycle) Finalize(t int64) {
	for _, a := range l.registry.InState(AgentMarkedForRemoval) {
		l.destroy(a, t)
	}
	for _, a := range l.registry.InState(AgentSpawned) {
		a.activate()
	}
}

func (l *Lifecycle) destroy(a *Agent, t int64) {
	l.releaseAll(a)
	l.world.RemoveAgent(a.id)
	l.registry.remove(a.id)
	a.state = AgentRemoved
	l.sink.Write(Record{Time: t, Entity: EntityID(a.id), Key: RecordRemoval, Value: a.removal})
	l.observer.AgentRemoved(a.id, a.removal)
	if l.trace != nil {
		l.trace.RecordRemoval(trace.RemovalRecord{AgentID: int(a.id), Clock: t, Reason: a.removal})
	}
	logrus.Debugf("[tick %07d] removed agent %d (%s)", t, a.id, a.removal)
}

func (l *Lifecycle) releaseAll(a *Agent) {
	for _, c := range a.components {
		l.binder.Release(c)
	}
}

// Teardown releases the components of every remaining agent and clears the
// world. Called once after the last tick so libraries can be unloaded.
func (l *Lifecycle) Teardown() {
	for _, a := range l.registry.Agents() {
		l.releaseAll(a)
		l.registry.remove(a.id)
		a.state = AgentRemoved
	}
	l.world.Clear()
}

// ActiveAgentIDs lists the IDs of agents in state Active.
func (l *Lifecycle) ActiveAgentIDs() []AgentID {
	active := l.registry.InState(AgentActive)
	ids := make([]AgentID, len(active))
	for i, a := range active {
		ids[i] = a.id
	}
	return ids
}

// commitOutbox inserts the events staged by c into the network and writes its
// records to the sink. Rejected events are logged and dropped; their count is returned.
func commitOutbox(network *EventNetwork, sink RecordSink, observer Observer, c *ComponentInstance, t int64) int {
	rejected := 0
	for _, e := range c.outbox.drainEvents() {
		id, err := network.Insert(e)
		if err != nil {
			rejected++
			var ee *EventError
			if errors.As(err, &ee) {
				observer.EventRejected(ee)
			}
			logrus.Warnf("[tick %07d] agent %d component %s: %v", t, c.agent, c.Name, err)
			continue
		}
		stored, _ := network.Lookup(id)
		observer.EventInserted(stored)
	}
	for _, r := range c.outbox.drainRecords() {
		sink.Write(r)
	}
	return rejected
}
