package sim

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim/trace"
)

// ActionKind is the closed set of manipulator actions.
// Manipulators are looked up by kind, never by free-form strings.
type ActionKind int

const (
	ActionRemoveAgent ActionKind = iota
	ActionSpeed
	ActionLaneChange
	ActionComponentStateChange
	ActionCustomCommand
	ActionNoOperation
)

var actionNames = map[ActionKind]string{
	ActionRemoveAgent:          "RemoveAgent",
	ActionSpeed:                "SpeedAction",
	ActionLaneChange:           "LaneChange",
	ActionComponentStateChange: "ComponentStateChange",
	ActionCustomCommand:        "CustomCommand",
	ActionNoOperation:          "NoOperation",
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// ParseActionKind maps a configured action name to its kind.
func ParseActionKind(s string) (ActionKind, error) {
	for k, name := range actionNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown manipulator action %q", s)
}

// ManipulatorConfig binds one action to the event name it watches.
type ManipulatorConfig struct {
	Action    string `yaml:"action" validate:"required"`
	Watch     string `yaml:"watch" validate:"required"`
	Category  string `yaml:"category"`
	CycleTime int64  `yaml:"cycle_time" validate:"gt=0"`

	Reason      string  `yaml:"reason"`
	TargetSpeed float64 `yaml:"target_speed" validate:"gte=0"`
	Rate        float64 `yaml:"rate" validate:"gte=0"`
	DeltaLanes  int     `yaml:"delta_lanes"`
	Component   string  `yaml:"component"`
	State       string  `yaml:"state"`
	Command     string  `yaml:"command"`
}

// Action is the polymorphic part of a manipulator: what to emit for one
// acting agent of a matching event.
type Action interface {
	Kind() ActionKind
	// Emit returns the action event name and payload for agent. ok=false emits nothing.
	Emit(source *Event, agent AgentID) (name EventName, payload Payload, ok bool)
}

// Manipulator turns matching trigger events into action events.
type Manipulator interface {
	Watches() EventName
	Category() EventCategory
	CycleTime() int64
	// GetEvents returns the active events of the manipulator's category with its watched name.
	GetEvents() []*Event
	// Trigger emits the action events for every matching event not yet handled.
	Trigger(time int64) []*Event
}

// EventManipulator is the generic Manipulator over an Action.
//
// The only state it carries across ticks is the set of handled event IDs,
// so a trigger event that stays active for several ticks acts exactly once.
type EventManipulator struct {
	reader   EventReader
	watches  EventName
	category EventCategory
	cycle    int64
	action   Action
	handled  map[EventID]struct{}
}

// NewEventManipulator creates a manipulator. Panics if cycle < 1.
func NewEventManipulator(reader EventReader, watches EventName, category EventCategory, cycle int64, action Action) *EventManipulator {
	if cycle < 1 {
		panic(fmt.Sprintf("NewEventManipulator: cycle time must be >= 1, got %d", cycle))
	}
	return &EventManipulator{
		reader:   reader,
		watches:  watches,
		category: category,
		cycle:    cycle,
		action:   action,
		handled:  make(map[EventID]struct{}),
	}
}

func (m *EventManipulator) Watches() EventName      { return m.watches }
func (m *EventManipulator) Category() EventCategory { return m.category }
func (m *EventManipulator) CycleTime() int64        { return m.cycle }
func (m *EventManipulator) Action() ActionKind      { return m.action.Kind() }

func (m *EventManipulator) GetEvents() []*Event {
	var out []*Event
	for _, e := range m.reader.GetActiveEventCategory(m.category) {
		if e.Name == m.watches {
			out = append(out, e)
		}
	}
	return out
}

func (m *EventManipulator) Trigger(time int64) []*Event {
	var out []*Event
	for _, source := range m.GetEvents() {
		if _, done := m.handled[source.ID]; done {
			continue
		}
		m.handled[source.ID] = struct{}{}

		acting := source.ActingAgents
		if len(acting) == 0 {
			acting = source.TriggeringAgents
		}
		for _, agent := range acting {
			name, payload, ok := m.action.Emit(source, agent)
			if !ok {
				continue
			}
			out = append(out, &Event{
				Time:              time,
				Category:          CategoryOpenPASS,
				Name:              name,
				TriggeringEventID: source.ID,
				TriggeringAgents:  slices.Clone(source.TriggeringAgents),
				ActingAgents:      []AgentID{agent},
				Payload:           payload,
			})
		}
	}
	return out
}

// Reset forgets handled events. Used between invocations.
func (m *EventManipulator) Reset() {
	m.handled = make(map[EventID]struct{})
}

type actionFactory func(cfg ManipulatorConfig) (Action, error)

var actionFactories = map[ActionKind]actionFactory{
	ActionRemoveAgent:          newRemoveAction,
	ActionSpeed:                newSpeedAction,
	ActionLaneChange:           newLaneChangeAction,
	ActionComponentStateChange: newComponentStateAction,
	ActionCustomCommand:        newCustomCommandAction,
	ActionNoOperation:          newNoOperationAction,
}

// NewManipulator creates a manipulator from configuration.
func NewManipulator(cfg ManipulatorConfig, reader EventReader) (*EventManipulator, error) {
	kind, err := ParseActionKind(cfg.Action)
	if err != nil {
		return nil, err
	}
	category, err := ParseEventCategory(cfg.Category)
	if err != nil {
		return nil, err
	}
	if cfg.CycleTime < 1 {
		return nil, fmt.Errorf("manipulator %s: cycle_time must be >= 1, got %d", cfg.Action, cfg.CycleTime)
	}
	action, err := actionFactories[kind](cfg)
	if err != nil {
		return nil, fmt.Errorf("manipulator %s: %w", cfg.Action, err)
	}
	return NewEventManipulator(reader, EventName(cfg.Watch), category, cfg.CycleTime, action), nil
}

// ManipulatorPipeline evaluates due detectors and then due manipulators in
// configuration order and inserts their events into the network.
type ManipulatorPipeline struct {
	network      *EventNetwork
	detectors    []EventDetector
	manipulators []Manipulator
	trace        *trace.SimulationTrace
}

// NewManipulatorPipeline creates a pipeline. st may be nil.
func NewManipulatorPipeline(network *EventNetwork, st *trace.SimulationTrace, manipulators ...Manipulator) *ManipulatorPipeline {
	return &ManipulatorPipeline{network: network, manipulators: manipulators, trace: st}
}

// AddDetector appends a detector evaluated before every manipulator.
func (p *ManipulatorPipeline) AddDetector(d EventDetector) {
	p.detectors = append(p.detectors, d)
}

// Manipulators returns the configured manipulators in evaluation order.
func (p *ManipulatorPipeline) Manipulators() []Manipulator {
	return p.manipulators
}

// Run triggers every detector and manipulator due at time. A manipulator sees
// the events inserted by everything evaluated before it. Events rejected by
// the network are returned as *EventError and discarded.
func (p *ManipulatorPipeline) Run(time int64) (inserted []*Event, rejected []error) {
	for _, d := range p.detectors {
		if !IsDue(time, d.CycleTime(), 0) {
			continue
		}
		for _, e := range d.Trigger(time) {
			id, err := p.network.Insert(e)
			if err != nil {
				logrus.Warnf("[tick %07d] detector %s: %v", time, e.Name, err)
				rejected = append(rejected, err)
				continue
			}
			stored, _ := p.network.Lookup(id)
			inserted = append(inserted, stored)
			logrus.Debugf("[tick %07d] detector raised %s", time, stored)
		}
	}
	for _, m := range p.manipulators {
		if !IsDue(time, m.CycleTime(), 0) {
			continue
		}
		var source EventID = NoEvent
		for _, e := range m.Trigger(time) {
			id, err := p.network.Insert(e)
			if err != nil {
				logrus.Warnf("[tick %07d] manipulator %s: %v", time, m.Watches(), err)
				rejected = append(rejected, err)
				continue
			}
			stored, _ := p.network.Lookup(id)
			inserted = append(inserted, stored)
			if source != stored.TriggeringEventID {
				source = stored.TriggeringEventID
				logrus.Debugf("[tick %07d] manipulator %s handled event %d", time, m.Watches(), source)
			}
			if p.trace != nil {
				p.trace.RecordManipulation(trace.ManipulationRecord{
					Manipulator:   string(m.Watches()),
					Action:        string(stored.Name),
					SourceEventID: int64(stored.TriggeringEventID),
					EmittedID:     int64(id),
					ActingAgents:  agentInts(stored.ActingAgents),
					Clock:         time,
				})
			}
		}
	}
	return inserted, rejected
}

func agentInts(ids []AgentID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
