package sim

import (
	"errors"
	"fmt"
)

// ErrPublishDuringInit is returned when a component tries to publish an event
// from Init. Events may only be published from Process.
var ErrPublishDuringInit = errors.New("events cannot be published during the init phase")

// ErrCancelled is returned by the scheduler when the run context is cancelled.
// Cancellation is only observed at tick boundaries.
var ErrCancelled = errors.New("simulation cancelled")

// BindingError reports a model library that could not be resolved, does not
// satisfy the model contract, or failed to construct an instance.
// Binding errors are fatal: the run is aborted before it starts.
type BindingError struct {
	Library   string
	Component string
	Err       error
}

func (e *BindingError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("binding %s (library %q): %v", e.Component, e.Library, e.Err)
	}
	return fmt.Sprintf("binding library %q: %v", e.Library, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }

// EventError reports an event with a malformed causal reference.
// The offending event is discarded; the run continues.
type EventError struct {
	Name              EventName
	TriggeringEventID EventID
	Reason            string
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %s: triggering event %d %s", e.Name, e.TriggeringEventID, e.Reason)
}

// SpawnError reports a failed spawn point execution.
// Non-fatal by default: the tick proceeds without new agents.
type SpawnError struct {
	SpawnPoint string
	Time       int64
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("[tick %07d] spawn point %q failed: %v", e.Time, e.SpawnPoint, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ComponentError reports a failed Process (or Init) invocation.
// Fatal for the run unless the component is tolerant.
type ComponentError struct {
	Agent     AgentID
	Component string
	Time      int64
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("[tick %07d] agent %d component %q: %v", e.Time, e.Agent, e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// IsRunFatal reports whether err must terminate the current invocation.
// EventErrors are scoped to the operation that produced them.
func IsRunFatal(err error) bool {
	if err == nil {
		return false
	}
	var ee *EventError
	return !errors.As(err, &ee)
}
