package wasm

import (
	"fmt"

	"github.com/traffic-sim/traffic-sim/sim"
)

// Model is a sim.Model whose state lives inside the module, addressed by handle.
type Model struct {
	lib    *Library
	handle int64
	params sim.ComponentParams
}

func (m *Model) Init() error {
	var resp statusResponse
	if err := m.lib.bridge.call(m.lib.ctx, m.lib.bridge.init, handleRequest{Handle: m.handle}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("model_init: %s", resp.Error)
	}
	return nil
}

// Process forwards the inputs, the agent's world state and the events acting
// on the agent, then applies what the module returns: outputs, a new state,
// events and records.
func (m *Model) Process(tick int64, inputs sim.Inputs) (sim.Outputs, error) {
	req := processRequest{Handle: m.handle, Tick: tick, Inputs: encodeSignals(inputs)}
	var agent sim.AgentID
	if m.params.Agent != nil {
		agent = m.params.Agent.ID()
	}
	if m.params.World != nil && m.params.Agent != nil {
		if s, ok := m.params.World.AgentState(agent); ok {
			req.State = &s
		}
	}
	if m.params.Events != nil {
		for _, c := range sim.EventCategories {
			for _, e := range m.params.Events.GetActiveEventCategory(c) {
				if m.params.Agent == nil || e.Acts(agent) {
					req.Events = append(req.Events, encodeEvent(e))
				}
			}
		}
	}

	var resp processResponse
	if err := m.lib.bridge.call(m.lib.ctx, m.lib.bridge.process, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model_process: %s", resp.Error)
	}

	out, err := decodeSignals(resp.Outputs)
	if err != nil {
		return nil, err
	}
	if resp.State != nil && m.params.World != nil {
		if err := m.params.World.UpdateAgent(agent, *resp.State); err != nil {
			return nil, err
		}
	}
	for _, ej := range resp.Events {
		e, err := decodeEvent(ej, agent)
		if err != nil {
			return nil, err
		}
		if m.params.Events == nil {
			return nil, fmt.Errorf("event %s: component has no event bus", ej.Name)
		}
		if err := m.params.Events.Publish(e); err != nil {
			return nil, err
		}
	}
	if m.params.Publisher != nil {
		for _, r := range resp.Records {
			entity := sim.EntityID(agent)
			if r.Global {
				entity = sim.GlobalEntity
			}
			m.params.Publisher.Publish(entity, r.Key, r.Value, r.Persistent)
		}
	}
	return out, nil
}
