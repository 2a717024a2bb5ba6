package wasm

import (
	"fmt"

	"github.com/traffic-sim/traffic-sim/sim"
)

type createRequest struct {
	Component  string         `json:"component"`
	Agent      int            `json:"agent"`
	Profile    string         `json:"profile"`
	CycleTime  int64          `json:"cycle_time"`
	Priority   int            `json:"priority"`
	Parameters sim.Parameters `json:"parameters,omitempty"`
}

type createResponse struct {
	Handle int64  `json:"handle"`
	Error  string `json:"error,omitempty"`
}

type handleRequest struct {
	Handle int64 `json:"handle"`
}

type statusResponse struct {
	Error string `json:"error,omitempty"`
}

type infoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type processRequest struct {
	Handle int64               `json:"handle"`
	Tick   int64               `json:"tick"`
	Inputs []signalJSON        `json:"inputs"`
	State  *sim.KinematicState `json:"state,omitempty"`
	Events []eventJSON         `json:"events,omitempty"`
}

type processResponse struct {
	Outputs []signalJSON        `json:"outputs,omitempty"`
	State   *sim.KinematicState `json:"state,omitempty"`
	Events  []eventJSON         `json:"events,omitempty"`
	Records []recordJSON        `json:"records,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// signalJSON is the wire form of every signal type; unused fields are omitted.
type signalJSON struct {
	Link              sim.LinkID     `json:"link"`
	Type              sim.SignalType `json:"type"`
	Value             float64        `json:"value,omitempty"`
	Velocity          float64        `json:"velocity,omitempty"`
	Acceleration      float64        `json:"acceleration,omitempty"`
	Yaw               float64        `json:"yaw,omitempty"`
	TravelledDistance float64        `json:"travelled_distance,omitempty"`
	State             string         `json:"state,omitempty"`
}

type eventJSON struct {
	ID          int64             `json:"id,omitempty"`
	Name        sim.EventName     `json:"name"`
	Category    string            `json:"category,omitempty"`
	Acting      []int             `json:"acting,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	TargetSpeed float64           `json:"target_speed,omitempty"`
	Rate        float64           `json:"rate,omitempty"`
	DeltaLanes  int               `json:"delta_lanes,omitempty"`
	Component   string            `json:"component,omitempty"`
	State       string            `json:"state,omitempty"`
	Command     string            `json:"command,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

type recordJSON struct {
	Key        string `json:"key"`
	Value      any    `json:"value"`
	Persistent bool   `json:"persistent,omitempty"`
	Global     bool   `json:"global,omitempty"`
}

func encodeSignals(in sim.Inputs) []signalJSON {
	out := make([]signalJSON, 0, len(in))
	for link, s := range in {
		j := signalJSON{Link: link, Type: s.SignalType()}
		switch v := s.(type) {
		case sim.ScalarSignal:
			j.Value = v.Value
		case sim.DynamicsSignal:
			j.Velocity, j.Acceleration, j.Yaw, j.TravelledDistance = v.Velocity, v.Acceleration, v.Yaw, v.TravelledDistance
		case sim.ComponentStateSignal:
			j.State = v.State.String()
		}
		out = append(out, j)
	}
	return out
}

func decodeSignals(in []signalJSON) (sim.Outputs, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(sim.Outputs, len(in))
	for _, j := range in {
		switch j.Type {
		case sim.SignalScalar:
			out[j.Link] = sim.ScalarSignal{Value: j.Value}
		case sim.SignalDynamics:
			out[j.Link] = sim.DynamicsSignal{Velocity: j.Velocity, Acceleration: j.Acceleration, Yaw: j.Yaw, TravelledDistance: j.TravelledDistance}
		case sim.SignalComponentState:
			st, err := sim.ParseComponentState(j.State)
			if err != nil {
				return nil, fmt.Errorf("output link %d: %w", j.Link, err)
			}
			out[j.Link] = sim.ComponentStateSignal{State: st}
		default:
			return nil, fmt.Errorf("output link %d: unknown signal type %q", j.Link, j.Type)
		}
	}
	return out, nil
}

func encodeEvent(e *sim.Event) eventJSON {
	j := eventJSON{ID: int64(e.ID), Name: e.Name, Category: e.Category.String()}
	for _, a := range e.ActingAgents {
		j.Acting = append(j.Acting, int(a))
	}
	switch p := e.Payload.(type) {
	case sim.ConditionPayload:
		j.Parameters = p.Parameters
	case sim.RemovalPayload:
		j.Reason = p.Reason
	case sim.SpeedPayload:
		j.TargetSpeed, j.Rate = p.TargetSpeed, p.Rate
	case sim.LaneChangePayload:
		j.DeltaLanes = p.DeltaLanes
	case sim.ComponentStatePayload:
		j.Component, j.State = p.Component, p.State.String()
	case sim.CustomCommandPayload:
		j.Command = p.Command
	}
	return j
}

// decodeEvent builds a published event. The payload follows from the event
// name; unknown names carry their parameters as a condition. Events without
// acting agents act on the publishing agent.
func decodeEvent(j eventJSON, self sim.AgentID) (*sim.Event, error) {
	category := sim.CategoryOpenPASS
	if j.Category != "" {
		c, err := sim.ParseEventCategory(j.Category)
		if err != nil {
			return nil, err
		}
		category = c
	}
	var payload sim.Payload
	switch j.Name {
	case sim.EventRemoveAgent:
		payload = sim.RemovalPayload{Reason: j.Reason}
	case sim.EventSpeedAction:
		payload = sim.SpeedPayload{TargetSpeed: j.TargetSpeed, Rate: j.Rate}
	case sim.EventLaneChange:
		payload = sim.LaneChangePayload{DeltaLanes: j.DeltaLanes}
	case sim.EventComponentStateChange:
		st, err := sim.ParseComponentState(j.State)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", j.Name, err)
		}
		payload = sim.ComponentStatePayload{Component: j.Component, State: st}
	case sim.EventCustomCommand:
		payload = sim.CustomCommandPayload{Command: j.Command}
	case "":
		return nil, fmt.Errorf("event without name")
	default:
		payload = sim.ConditionPayload{Parameters: j.Parameters}
	}
	acting := []sim.AgentID{self}
	if len(j.Acting) > 0 {
		acting = acting[:0]
		for _, a := range j.Acting {
			acting = append(acting, sim.AgentID(a))
		}
	}
	e := sim.NewEvent(category, j.Name, payload, acting...)
	e.TriggeringAgents = []sim.AgentID{self}
	return e, nil
}
