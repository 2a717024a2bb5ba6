package sim

import "time"

// Observer receives run notifications from the scheduler goroutine.
// Implementations must not block; they are called inline at tick boundaries.
type Observer interface {
	TickCompleted(tick int64, activeAgents int, elapsed time.Duration)
	AgentSpawned(id AgentID, profile string)
	AgentRemoved(id AgentID, reason string)
	EventInserted(e *Event)
	EventRejected(err *EventError)
	SpawnFailed(err *SpawnError)
	ComponentFailed(err *ComponentError)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) TickCompleted(int64, int, time.Duration) {}
func (NopObserver) AgentSpawned(AgentID, string)            {}
func (NopObserver) AgentRemoved(AgentID, string)            {}
func (NopObserver) EventInserted(*Event)                    {}
func (NopObserver) EventRejected(*EventError)               {}
func (NopObserver) SpawnFailed(*SpawnError)                 {}
func (NopObserver) ComponentFailed(*ComponentError)         {}
