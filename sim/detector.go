package sim

import (
	"fmt"
	"maps"
)

// EventDetector observes the simulation and raises scenario trigger events.
// Detectors run before manipulators in step 1 of a tick.
type EventDetector interface {
	CycleTime() int64
	// Trigger returns the events to insert at time.
	Trigger(time int64) []*Event
}

// DetectorConfig configures one event detector.
type DetectorConfig struct {
	Type       string            `yaml:"type" validate:"required,oneof=simulation_time"`
	Event      string            `yaml:"event" validate:"required"`
	Time       int64             `yaml:"time" validate:"gte=0"`
	CycleTime  int64             `yaml:"cycle_time" validate:"gt=0"`
	Actors     []AgentID         `yaml:"actors" validate:"dive,gte=0"`
	AllAgents  bool              `yaml:"all_agents"`
	Parameters map[string]string `yaml:"parameters"`
}

// SimulationTimeDetector fires one OpenSCENARIO condition event the first
// time it is evaluated at or after its configured time.
type SimulationTimeDetector struct {
	event      EventName
	at         int64
	cycle      int64
	actors     []AgentID
	agents     func() []AgentID
	parameters map[string]string
	fired      bool
}

// NewSimulationTimeDetector creates a detector for event at tick at.
// If agents is non-nil it supplies the acting agents when the detector fires,
// otherwise actors is used. Panics if cycle < 1.
func NewSimulationTimeDetector(event EventName, at, cycle int64, actors []AgentID, agents func() []AgentID, parameters map[string]string) *SimulationTimeDetector {
	if cycle < 1 {
		panic(fmt.Sprintf("NewSimulationTimeDetector: cycle time must be >= 1, got %d", cycle))
	}
	return &SimulationTimeDetector{
		event:      event,
		at:         at,
		cycle:      cycle,
		actors:     actors,
		agents:     agents,
		parameters: parameters,
	}
}

func (d *SimulationTimeDetector) CycleTime() int64 { return d.cycle }

func (d *SimulationTimeDetector) Trigger(time int64) []*Event {
	if d.fired || time < d.at {
		return nil
	}
	d.fired = true
	acting := d.actors
	if d.agents != nil {
		acting = d.agents()
	}
	e := NewEvent(CategoryOpenSCENARIO, d.event, ConditionPayload{Parameters: maps.Clone(d.parameters)}, acting...)
	e.Time = time
	e.TriggeringAgents = acting
	return []*Event{e}
}

// NewDetector creates a detector from configuration. agents lists the live
// agents and is used by detectors configured with all_agents.
func NewDetector(cfg DetectorConfig, agents func() []AgentID) (EventDetector, error) {
	if cfg.CycleTime < 1 {
		return nil, fmt.Errorf("detector %s: cycle_time must be >= 1, got %d", cfg.Event, cfg.CycleTime)
	}
	switch cfg.Type {
	case "simulation_time":
		var lister func() []AgentID
		if cfg.AllAgents {
			lister = agents
		}
		return NewSimulationTimeDetector(EventName(cfg.Event), cfg.Time, cfg.CycleTime, cfg.Actors, lister, cfg.Parameters), nil
	default:
		return nil, fmt.Errorf("unknown detector type %q", cfg.Type)
	}
}
