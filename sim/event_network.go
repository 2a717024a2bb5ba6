package sim

import "fmt"

// DefaultEventWindow is the number of ticks an event stays active after the
// tick it was inserted in. With a window of 1 an event inserted during tick t
// is visible for the rest of tick t and all of tick t+1.
const DefaultEventWindow int64 = 1

// EventReader is the read side of the EventNetwork handed to manipulators and components.
type EventReader interface {
	GetActiveEventCategory(category EventCategory) []*Event
}

// EventNetwork is the categorized, time-indexed event store of one invocation.
//
// Events are kept in history for causal tracing after they retire; "active"
// queries only see events whose window has not elapsed.
//
// Thread-safety: NOT thread-safe. Mutation (Insert, Age, Clear) happens only
// on the scheduler goroutine at tick boundaries; concurrent readers are safe
// while no mutation is in progress.
type EventNetwork struct {
	window  int64
	history []*Event
	active  map[EventCategory][]*Event
	retired int
}

// NewEventNetwork creates an empty network with the given active window in ticks.
// Panics if window < 1.
func NewEventNetwork(window int64) *EventNetwork {
	if window < 1 {
		panic(fmt.Sprintf("NewEventNetwork: window must be >= 1, got %d", window))
	}
	return &EventNetwork{
		window: window,
		active: make(map[EventCategory][]*Event),
	}
}

// Window returns the active window in ticks.
func (n *EventNetwork) Window() int64 {
	return n.window
}

// Insert stores a copy of e, assigns it the next EventID and returns that ID.
// Fails with *EventError if e references a triggering event that does not
// exist or was inserted at a later tick than e.
func (n *EventNetwork) Insert(e *Event) (EventID, error) {
	if e.HasTrigger() {
		ref, ok := n.Lookup(e.TriggeringEventID)
		if !ok {
			return NoEvent, &EventError{Name: e.Name, TriggeringEventID: e.TriggeringEventID, Reason: "is unknown"}
		}
		if ref.Time > e.Time {
			return NoEvent, &EventError{
				Name:              e.Name,
				TriggeringEventID: e.TriggeringEventID,
				Reason:            fmt.Sprintf("was inserted at tick %d, after tick %d", ref.Time, e.Time),
			}
		}
	}
	stored := e.clone()
	stored.ID = EventID(len(n.history))
	n.history = append(n.history, stored)
	n.active[stored.Category] = append(n.active[stored.Category], stored)
	return stored.ID, nil
}

// GetActiveEventCategory returns copies of the active events of a category in
// insertion order. Callers may modify them without affecting the network.
func (n *EventNetwork) GetActiveEventCategory(category EventCategory) []*Event {
	events := n.active[category]
	out := make([]*Event, len(events))
	for i, e := range events {
		out[i] = e.clone()
	}
	return out
}

// Age retires every event whose active window has elapsed at tick and returns
// the number of events retired.
func (n *EventNetwork) Age(tick int64) int {
	count := 0
	for _, category := range EventCategories {
		events := n.active[category]
		kept := events[:0]
		for _, e := range events {
			if tick >= e.Time+n.window {
				count++
				continue
			}
			kept = append(kept, e)
		}
		// clear the tail so retired events are only referenced by history
		for i := len(kept); i < len(events); i++ {
			events[i] = nil
		}
		n.active[category] = kept
	}
	n.retired += count
	return count
}

// Clear drops every event, active and historical, and restarts ID assignment.
// Used between invocations.
func (n *EventNetwork) Clear() {
	n.history = nil
	n.active = make(map[EventCategory][]*Event)
	n.retired = 0
}

// Lookup returns the event with the given ID, active or retired.
func (n *EventNetwork) Lookup(id EventID) (*Event, bool) {
	if id < 0 || int(id) >= len(n.history) {
		return nil, false
	}
	return n.history[id], true
}

// CausalChain returns the event with the given ID followed by its triggering
// events, newest first. Returns nil for unknown IDs.
func (n *EventNetwork) CausalChain(id EventID) []*Event {
	var chain []*Event
	for {
		e, ok := n.Lookup(id)
		if !ok {
			return chain
		}
		chain = append(chain, e)
		if !e.HasTrigger() {
			return chain
		}
		id = e.TriggeringEventID
	}
}

// History returns every inserted event in ID order.
func (n *EventNetwork) History() []*Event {
	out := make([]*Event, len(n.history))
	copy(out, n.history)
	return out
}

// ActiveCount returns the number of active events across all categories.
func (n *EventNetwork) ActiveCount() int {
	total := 0
	for _, events := range n.active {
		total += len(events)
	}
	return total
}

// RetiredCount returns the number of events retired since the last Clear.
func (n *EventNetwork) RetiredCount() int {
	return n.retired
}
