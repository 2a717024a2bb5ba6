package models

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim"
)

// Dynamics integrates the longitudinal motion of its agent once per cycle.
//
// Acceleration comes from the LinkAcceleration input; an active SpeedAction
// for the agent overrides it until the target speed is reached. LaneChange
// events shift the lane immediately. The new state is staged in the world and
// reported on LinkDynamics.
type Dynamics struct {
	agent     sim.AgentHandle
	world     sim.World
	events    sim.EventBus
	publisher sim.Publisher
	log       *logrus.Entry
	dt        float64
	maxSpeed  float64

	target  *sim.SpeedPayload
	handled map[sim.EventID]bool
}

func newDynamics(p sim.ComponentParams) (sim.Model, error) {
	if p.Agent == nil || p.World == nil || p.Events == nil {
		return nil, fmt.Errorf("%s: agent, world and events are required", LibraryDynamics)
	}
	maxSpeed := p.Parameters.Float("max_speed", 70)
	if maxSpeed <= 0 {
		return nil, fmt.Errorf("%s: max_speed must be > 0, got %g", LibraryDynamics, maxSpeed)
	}
	return &Dynamics{
		agent:     p.Agent,
		world:     p.World,
		events:    p.Events,
		publisher: p.Publisher,
		log:       p.Callback,
		dt:        float64(p.CycleTime) * secondsPerTick,
		maxSpeed:  maxSpeed,
		handled:   make(map[sim.EventID]bool),
	}, nil
}

func (d *Dynamics) Init() error {
	if _, ok := d.world.AgentState(d.agent.ID()); !ok {
		return fmt.Errorf("agent %d is not in the world", d.agent.ID())
	}
	return nil
}

func (d *Dynamics) Process(tick int64, inputs sim.Inputs) (sim.Outputs, error) {
	state, ok := d.world.AgentState(d.agent.ID())
	if !ok {
		return nil, fmt.Errorf("agent %d is not in the world", d.agent.ID())
	}

	for _, e := range d.events.GetActiveEventCategory(sim.CategoryOpenPASS) {
		if d.handled[e.ID] || !e.Acts(d.agent.ID()) {
			continue
		}
		switch p := e.Payload.(type) {
		case sim.SpeedPayload:
			d.handled[e.ID] = true
			target := p
			d.target = &target
			if d.log != nil {
				d.log.Debugf("[tick %07d] speed action → %.2f m/s", tick, p.TargetSpeed)
			}
		case sim.LaneChangePayload:
			d.handled[e.ID] = true
			state.Lane += p.DeltaLanes
		}
	}

	accel := 0.0
	if s, ok := inputs[LinkAcceleration].(sim.ScalarSignal); ok {
		accel = s.Value
	}
	if d.target != nil {
		accel = d.towardsTarget(state.Velocity)
	}

	velocity := math.Min(math.Max(state.Velocity+accel*d.dt, 0), d.maxSpeed)
	distance := (state.Velocity + velocity) / 2 * d.dt
	state.X += distance * math.Cos(state.Yaw)
	state.Y += distance * math.Sin(state.Yaw)
	state.Acceleration = accel
	state.Velocity = velocity
	if err := d.world.UpdateAgent(d.agent.ID(), state); err != nil {
		return nil, err
	}
	if d.publisher != nil {
		d.publisher.Publish(sim.EntityID(d.agent.ID()), "velocity", velocity, false)
	}
	return sim.Outputs{
		LinkDynamics: sim.DynamicsSignal{
			Velocity:          velocity,
			Acceleration:      accel,
			Yaw:               state.Yaw,
			TravelledDistance: distance,
		},
	}, nil
}

// towardsTarget returns the acceleration that moves v to the active target
// speed, clearing the target once reached. Rate 0 jumps in one cycle.
func (d *Dynamics) towardsTarget(v float64) float64 {
	diff := d.target.TargetSpeed - v
	if math.Abs(diff) < 1e-9 {
		d.target = nil
		return 0
	}
	step := diff / d.dt
	if d.target.Rate > 0 && math.Abs(step) > d.target.Rate {
		return math.Copysign(d.target.Rate, diff)
	}
	d.target = nil
	return step
}
