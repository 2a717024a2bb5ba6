package sim

import (
	"errors"
	"fmt"
	"strconv"
)

// removeAction directs the lifecycle to remove every acting agent.
type removeAction struct {
	reason string
}

func newRemoveAction(cfg ManipulatorConfig) (Action, error) {
	return &removeAction{reason: cfg.Reason}, nil
}

func (a *removeAction) Kind() ActionKind { return ActionRemoveAgent }

func (a *removeAction) Emit(source *Event, _ AgentID) (EventName, Payload, bool) {
	reason := a.reason
	if reason == "" {
		reason = string(source.Name)
	}
	return EventRemoveAgent, RemovalPayload{Reason: reason}, true
}

// speedAction asks the acting agent to approach a target speed.
// A condition payload may override the configured target with "target_speed".
type speedAction struct {
	target float64
	rate   float64
}

func newSpeedAction(cfg ManipulatorConfig) (Action, error) {
	if cfg.TargetSpeed < 0 || cfg.Rate < 0 {
		return nil, fmt.Errorf("target_speed and rate must be >= 0, got %g and %g", cfg.TargetSpeed, cfg.Rate)
	}
	return &speedAction{target: cfg.TargetSpeed, rate: cfg.Rate}, nil
}

func (a *speedAction) Kind() ActionKind { return ActionSpeed }

func (a *speedAction) Emit(source *Event, _ AgentID) (EventName, Payload, bool) {
	target := a.target
	if cond, ok := source.Payload.(ConditionPayload); ok {
		if v, err := strconv.ParseFloat(cond.Parameters["target_speed"], 64); err == nil && v >= 0 {
			target = v
		}
	}
	return EventSpeedAction, SpeedPayload{TargetSpeed: target, Rate: a.rate}, true
}

type laneChangeAction struct {
	delta int
}

func newLaneChangeAction(cfg ManipulatorConfig) (Action, error) {
	if cfg.DeltaLanes == 0 {
		return nil, errors.New("delta_lanes must not be 0")
	}
	return &laneChangeAction{delta: cfg.DeltaLanes}, nil
}

func (a *laneChangeAction) Kind() ActionKind { return ActionLaneChange }

func (a *laneChangeAction) Emit(_ *Event, _ AgentID) (EventName, Payload, bool) {
	return EventLaneChange, LaneChangePayload{DeltaLanes: a.delta}, true
}

type componentStateAction struct {
	component string
	state     ComponentState
}

func newComponentStateAction(cfg ManipulatorConfig) (Action, error) {
	if cfg.Component == "" {
		return nil, errors.New("component is required")
	}
	state, err := ParseComponentState(cfg.State)
	if err != nil {
		return nil, err
	}
	return &componentStateAction{component: cfg.Component, state: state}, nil
}

func (a *componentStateAction) Kind() ActionKind { return ActionComponentStateChange }

func (a *componentStateAction) Emit(_ *Event, _ AgentID) (EventName, Payload, bool) {
	return EventComponentStateChange, ComponentStatePayload{Component: a.component, State: a.state}, true
}

type customCommandAction struct {
	command string
}

func newCustomCommandAction(cfg ManipulatorConfig) (Action, error) {
	if cfg.Command == "" {
		return nil, errors.New("command is required")
	}
	return &customCommandAction{command: cfg.Command}, nil
}

func (a *customCommandAction) Kind() ActionKind { return ActionCustomCommand }

func (a *customCommandAction) Emit(_ *Event, _ AgentID) (EventName, Payload, bool) {
	return EventCustomCommand, CustomCommandPayload{Command: a.command}, true
}

// noOperationAction consumes matching events without emitting anything.
type noOperationAction struct{}

func newNoOperationAction(ManipulatorConfig) (Action, error) {
	return noOperationAction{}, nil
}

func (noOperationAction) Kind() ActionKind { return ActionNoOperation }

func (noOperationAction) Emit(*Event, AgentID) (EventName, Payload, bool) {
	return "", nil, false
}
