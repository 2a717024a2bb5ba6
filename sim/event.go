package sim

import (
	"fmt"
	"maps"
	"slices"
)

// EventID identifies an event inside one invocation's EventNetwork.
// IDs are assigned on insertion, starting at 0, and are never reused until Clear.
type EventID int64

// NoEvent marks the absence of a triggering event.
const NoEvent EventID = -1

// EventCategory is the closed set of event categories.
type EventCategory int

const (
	// CategoryOpenPASS holds internal scheduling and lifecycle events.
	CategoryOpenPASS EventCategory = iota
	// CategoryOpenSCENARIO holds scenario-trigger-derived events.
	CategoryOpenSCENARIO
)

// EventCategories lists every category in a fixed order.
var EventCategories = []EventCategory{CategoryOpenPASS, CategoryOpenSCENARIO}

func (c EventCategory) String() string {
	switch c {
	case CategoryOpenPASS:
		return "OpenPASS"
	case CategoryOpenSCENARIO:
		return "OpenSCENARIO"
	default:
		return fmt.Sprintf("EventCategory(%d)", int(c))
	}
}

// ParseEventCategory maps the configuration spelling of a category.
// The empty string defaults to OpenSCENARIO, which is where scenario triggers live.
func ParseEventCategory(s string) (EventCategory, error) {
	switch s {
	case "", "OpenSCENARIO", "openscenario":
		return CategoryOpenSCENARIO, nil
	case "OpenPASS", "openpass":
		return CategoryOpenPASS, nil
	default:
		return 0, fmt.Errorf("unknown event category %q", s)
	}
}

// EventName routes an event to the manipulators and components that react to it.
type EventName string

// Names of the action events emitted by manipulators.
const (
	EventRemoveAgent          EventName = "RemoveAgent"
	EventSpeedAction          EventName = "SpeedAction"
	EventLaneChange           EventName = "LaneChange"
	EventComponentStateChange EventName = "ComponentStateChange"
	EventCustomCommand        EventName = "CustomCommand"
)

// Event is a timestamped, categorized fact stored in the EventNetwork.
// Stored events are never mutated after insertion. Active-event queries hand
// out copies; Lookup, History and CausalChain return the stored events, which
// are read-only.
type Event struct {
	ID                EventID
	Time              int64
	Category          EventCategory
	Name              EventName
	TriggeringEventID EventID
	TriggeringAgents  []AgentID
	ActingAgents      []AgentID
	Payload           Payload
}

// NewEvent creates an event without a causal link.
// Components publishing through an EventBus get Time stamped for them.
func NewEvent(category EventCategory, name EventName, payload Payload, acting ...AgentID) *Event {
	return &Event{
		Category:          category,
		Name:              name,
		TriggeringEventID: NoEvent,
		ActingAgents:      acting,
		Payload:           payload,
	}
}

// HasTrigger reports whether the event is causally linked to an earlier event.
func (e *Event) HasTrigger() bool {
	return e.TriggeringEventID != NoEvent
}

// Acts reports whether id is one of the event's acting agents.
func (e *Event) Acts(id AgentID) bool {
	return slices.Contains(e.ActingAgents, id)
}

func (e *Event) clone() *Event {
	c := *e
	c.TriggeringAgents = slices.Clone(e.TriggeringAgents)
	c.ActingAgents = slices.Clone(e.ActingAgents)
	if p, ok := e.Payload.(ConditionPayload); ok {
		c.Payload = ConditionPayload{Parameters: maps.Clone(p.Parameters)}
	}
	return &c
}

func (e *Event) String() string {
	return fmt.Sprintf("%s/%s#%d@%d", e.Category, e.Name, e.ID, e.Time)
}

// PayloadKind tags the Payload variant carried by an event.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadCondition
	PayloadRemoval
	PayloadSpeed
	PayloadLaneChange
	PayloadComponentState
	PayloadCustomCommand
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadNone:
		return "none"
	case PayloadCondition:
		return "condition"
	case PayloadRemoval:
		return "removal"
	case PayloadSpeed:
		return "speed"
	case PayloadLaneChange:
		return "lane-change"
	case PayloadComponentState:
		return "component-state"
	case PayloadCustomCommand:
		return "custom-command"
	default:
		return fmt.Sprintf("PayloadKind(%d)", int(k))
	}
}

// Payload is the event-kind specific part of an event.
type Payload interface {
	Kind() PayloadKind
}

// KindOf returns the payload kind of e, PayloadNone when it carries no payload.
func KindOf(e *Event) PayloadKind {
	if e.Payload == nil {
		return PayloadNone
	}
	return e.Payload.Kind()
}

// ConditionPayload is carried by scenario trigger events raised by detectors.
type ConditionPayload struct {
	Parameters map[string]string
}

func (ConditionPayload) Kind() PayloadKind { return PayloadCondition }

// RemovalPayload directs the lifecycle to remove every acting agent.
type RemovalPayload struct {
	Reason string
}

func (RemovalPayload) Kind() PayloadKind { return PayloadRemoval }

// SpeedPayload asks the acting agent to approach TargetSpeed (m/s) with Rate (m/s²).
// A zero Rate means an immediate step change.
type SpeedPayload struct {
	TargetSpeed float64
	Rate        float64
}

func (SpeedPayload) Kind() PayloadKind { return PayloadSpeed }

// LaneChangePayload asks the acting agent to move DeltaLanes lanes (positive = left).
type LaneChangePayload struct {
	DeltaLanes int
}

func (LaneChangePayload) Kind() PayloadKind { return PayloadLaneChange }

// ComponentStatePayload switches a named component of the acting agent on or off.
type ComponentStatePayload struct {
	Component string
	State     ComponentState
}

func (ComponentStatePayload) Kind() PayloadKind { return PayloadComponentState }

// CustomCommandPayload forwards an opaque command string to the acting agent's components.
type CustomCommandPayload struct {
	Command string
}

func (CustomCommandPayload) Kind() PayloadKind { return PayloadCustomCommand }
