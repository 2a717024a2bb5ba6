package models

import (
	"fmt"

	"github.com/traffic-sim/traffic-sim/sim"
)

// ConstantDriver requests the acceleration that closes the gap to a desired
// speed, proportionally and bounded by max_accel. A "jitter" parameter adds
// uniform noise from the component's random stream.
type ConstantDriver struct {
	agent    sim.AgentHandle
	world    sim.World
	desired  float64
	gain     float64
	maxAccel float64
	jitter   float64
	rng      interface{ Float64() float64 }
}

func newConstantDriver(p sim.ComponentParams) (sim.Model, error) {
	d := &ConstantDriver{
		agent:    p.Agent,
		world:    p.World,
		desired:  p.Parameters.Float("desired_speed", 30),
		gain:     p.Parameters.Float("gain", 0.5),
		maxAccel: p.Parameters.Float("max_accel", 3),
		jitter:   p.Parameters.Float("jitter", 0),
	}
	if d.agent == nil || d.world == nil {
		return nil, fmt.Errorf("%s: agent and world are required", LibraryConstantDriver)
	}
	if d.maxAccel <= 0 {
		return nil, fmt.Errorf("%s: max_accel must be > 0, got %g", LibraryConstantDriver, d.maxAccel)
	}
	if d.jitter > 0 {
		if p.Stochastics == nil {
			return nil, fmt.Errorf("%s: jitter needs a random source", LibraryConstantDriver)
		}
		d.rng = p.Stochastics
	}
	return d, nil
}

func (d *ConstantDriver) Init() error { return nil }

func (d *ConstantDriver) Process(_ int64, _ sim.Inputs) (sim.Outputs, error) {
	state, ok := d.world.AgentState(d.agent.ID())
	if !ok {
		return nil, fmt.Errorf("agent %d is not in the world", d.agent.ID())
	}
	accel := d.gain * (d.desired - state.Velocity)
	if d.rng != nil {
		accel += (d.rng.Float64()*2 - 1) * d.jitter
	}
	if accel > d.maxAccel {
		accel = d.maxAccel
	} else if accel < -d.maxAccel {
		accel = -d.maxAccel
	}
	return sim.Outputs{LinkAcceleration: sim.ScalarSignal{Value: accel}}, nil
}
