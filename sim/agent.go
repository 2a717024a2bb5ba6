package sim

import (
	"fmt"
	"sort"
)

// AgentID uniquely identifies an agent within one invocation.
type AgentID int

// AgentState is the lifecycle state of an agent.
// Spawned → Active → MarkedForRemoval → Removed; a Spawned agent may also be
// marked for removal before it ever becomes Active.
type AgentState int

const (
	AgentSpawned AgentState = iota
	AgentActive
	AgentMarkedForRemoval
	AgentRemoved
)

func (s AgentState) String() string {
	switch s {
	case AgentSpawned:
		return "Spawned"
	case AgentActive:
		return "Active"
	case AgentMarkedForRemoval:
		return "MarkedForRemoval"
	case AgentRemoved:
		return "Removed"
	default:
		return fmt.Sprintf("AgentState(%d)", int(s))
	}
}

// AgentType is the kind of traffic participant.
type AgentType string

const (
	AgentVehicle    AgentType = "vehicle"
	AgentPedestrian AgentType = "pedestrian"
)

// AgentBlueprint is the descriptor a spawn point hands to the lifecycle:
// everything needed to construct an agent that is not yet registered.
type AgentBlueprint struct {
	Profile    string
	Type       AgentType
	Components []ComponentSpec
	Channels   []Channel
	Initial    KinematicState
}

// AgentHandle is the non-owning, read-only view of an agent handed to
// components and other collaborators.
type AgentHandle interface {
	ID() AgentID
	Profile() string
	Type() AgentType
	State() AgentState
	SpawnTime() int64
}

// Agent is a simulated traffic participant: an ordered graph of component
// instances plus lifecycle state. Kinematic state lives in the World and is
// referenced by ID. Agents are exclusively owned by the AgentRegistry.
type Agent struct {
	id         AgentID
	profile    string
	agentType  AgentType
	state      AgentState
	spawnTime  int64
	components []*ComponentInstance
	bus        *signalBus
	removal    string
}

func (a *Agent) ID() AgentID           { return a.id }
func (a *Agent) Profile() string       { return a.profile }
func (a *Agent) Type() AgentType       { return a.agentType }
func (a *Agent) State() AgentState     { return a.state }
func (a *Agent) SpawnTime() int64      { return a.spawnTime }
func (a *Agent) RemovalReason() string { return a.removal }

// Components returns the component instances in model graph order.
func (a *Agent) Components() []*ComponentInstance {
	return a.components
}

// Component returns the instance with the given name, or nil.
func (a *Agent) Component(name string) *ComponentInstance {
	for _, c := range a.components {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// activate promotes a Spawned agent to Active.
func (a *Agent) activate() {
	if a.state == AgentSpawned {
		a.state = AgentActive
	}
}

// schedulable reports whether the agent's components run in the current tick.
// Marked agents never run again, including in the tick they were marked.
func (a *Agent) schedulable() bool {
	return a.state == AgentActive
}

// markForRemoval excludes the agent from scheduling from the next tick on.
// The first reason wins.
func (a *Agent) markForRemoval(reason string) bool {
	if a.state != AgentActive && a.state != AgentSpawned {
		return false
	}
	a.state = AgentMarkedForRemoval
	a.removal = reason
	return true
}

// AgentRegistry is the authoritative set of live agents of one invocation.
//
// Thread-safety: NOT thread-safe. Mutated only by the lifecycle at tick boundaries.
type AgentRegistry struct {
	agents map[AgentID]*Agent
	order  []AgentID
	nextID AgentID
}

// NewAgentRegistry creates an empty registry; the first agent gets ID 0.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[AgentID]*Agent)}
}

// nextAgentID reserves the next ID. IDs are never reused within an invocation.
func (r *AgentRegistry) nextAgentID() AgentID {
	id := r.nextID
	r.nextID++
	return id
}

func (r *AgentRegistry) add(a *Agent) {
	if _, exists := r.agents[a.id]; exists {
		panic(fmt.Sprintf("AgentRegistry: duplicate agent id %d", a.id))
	}
	r.agents[a.id] = a
	// IDs are handed out in increasing order, so appending keeps order sorted
	r.order = append(r.order, a.id)
}

func (r *AgentRegistry) remove(id AgentID) {
	delete(r.agents, id)
	idx := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= id })
	if idx < len(r.order) && r.order[idx] == id {
		r.order = append(r.order[:idx], r.order[idx+1:]...)
	}
}

// Get returns the agent with the given ID.
func (r *AgentRegistry) Get(id AgentID) (*Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// Len returns the number of registered agents in any state.
func (r *AgentRegistry) Len() int {
	return len(r.agents)
}

// Agents returns every registered agent ordered by ID.
func (r *AgentRegistry) Agents() []*Agent {
	out := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// InState returns the agents in the given state ordered by ID.
func (r *AgentRegistry) InState(state AgentState) []*Agent {
	var out []*Agent
	for _, id := range r.order {
		if a := r.agents[id]; a.state == state {
			out = append(out, a)
		}
	}
	return out
}

// Count returns the number of agents in the given state.
func (r *AgentRegistry) Count(state AgentState) int {
	n := 0
	for _, a := range r.agents {
		if a.state == state {
			n++
		}
	}
	return n
}
