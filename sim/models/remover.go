package models

import (
	"fmt"

	"github.com/traffic-sim/traffic-sim/sim"
)

// BoundaryRemover publishes one RemoveAgent event for its own agent once the
// agent leaves the configured x range [x_min, x_max].
type BoundaryRemover struct {
	agent  sim.AgentHandle
	world  sim.World
	events sim.EventBus
	xMin   float64
	xMax   float64
	done   bool
}

func newBoundaryRemover(p sim.ComponentParams) (sim.Model, error) {
	if p.Agent == nil || p.World == nil || p.Events == nil {
		return nil, fmt.Errorf("%s: agent, world and events are required", LibraryBoundaryRemover)
	}
	r := &BoundaryRemover{
		agent:  p.Agent,
		world:  p.World,
		events: p.Events,
		xMin:   p.Parameters.Float("x_min", 0),
		xMax:   p.Parameters.Float("x_max", 1000),
	}
	if r.xMax <= r.xMin {
		return nil, fmt.Errorf("%s: x_max (%g) must exceed x_min (%g)", LibraryBoundaryRemover, r.xMax, r.xMin)
	}
	return r, nil
}

func (r *BoundaryRemover) Init() error { return nil }

func (r *BoundaryRemover) Process(_ int64, _ sim.Inputs) (sim.Outputs, error) {
	if r.done {
		return nil, nil
	}
	state, ok := r.world.AgentState(r.agent.ID())
	if !ok || (state.X >= r.xMin && state.X <= r.xMax) {
		return nil, nil
	}
	r.done = true
	e := sim.NewEvent(sim.CategoryOpenPASS, sim.EventRemoveAgent, sim.RemovalPayload{Reason: "left road"}, r.agent.ID())
	e.TriggeringAgents = []sim.AgentID{r.agent.ID()}
	return nil, r.events.Publish(e)
}
