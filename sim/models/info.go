package models

import (
	"github.com/traffic-sim/traffic-sim/sim"
)

// AgentInfo is an init-phase model: it publishes the static facts of its
// agent once, when the agent is spawned.
type AgentInfo struct {
	agent     sim.AgentHandle
	world     sim.World
	publisher sim.Publisher
}

func newAgentInfo(p sim.ComponentParams) (sim.Model, error) {
	return &AgentInfo{agent: p.Agent, world: p.World, publisher: p.Publisher}, nil
}

func (a *AgentInfo) Init() error { return nil }

func (a *AgentInfo) Process(_ int64, _ sim.Inputs) (sim.Outputs, error) {
	if a.agent == nil || a.publisher == nil {
		return nil, nil
	}
	id := sim.EntityID(a.agent.ID())
	a.publisher.Publish(id, "agent.profile", a.agent.Profile(), false)
	a.publisher.Publish(id, "agent.type", string(a.agent.Type()), false)
	if a.world != nil {
		if s, ok := a.world.AgentState(a.agent.ID()); ok {
			a.publisher.Publish(id, "agent.start_lane", s.Lane, false)
		}
	}
	// run-scoped: which profiles appeared at all, across invocations
	a.publisher.Publish(sim.GlobalEntity, "profile."+a.agent.Profile(), true, true)
	return nil, nil
}
