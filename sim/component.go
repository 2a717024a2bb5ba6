package sim

import (
	"fmt"
	"strconv"
)

// ComponentState is the externally controllable state of a component instance.
type ComponentState int

const (
	// ComponentActing components are invoked whenever they are due.
	ComponentActing ComponentState = iota
	// ComponentDisabled components are skipped until switched back to acting.
	ComponentDisabled
)

func (s ComponentState) String() string {
	switch s {
	case ComponentActing:
		return "Acting"
	case ComponentDisabled:
		return "Disabled"
	default:
		return fmt.Sprintf("ComponentState(%d)", int(s))
	}
}

// ParseComponentState maps the configuration spelling of a component state.
func ParseComponentState(s string) (ComponentState, error) {
	switch s {
	case "Acting", "acting":
		return ComponentActing, nil
	case "Disabled", "disabled":
		return ComponentDisabled, nil
	default:
		return 0, fmt.Errorf("unknown component state %q", s)
	}
}

// Parameters holds the free-form parameters of a component.
type Parameters map[string]any

// Float returns the parameter as float64, or def when absent or not numeric.
func (p Parameters) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns the parameter as int, or def when absent or not numeric.
func (p Parameters) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// String returns the parameter as string, or def when absent.
func (p Parameters) String(key string, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the parameter as bool, or def when absent.
func (p Parameters) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// ComponentSpec describes one node of an agent's model graph.
type ComponentSpec struct {
	Name         string     `yaml:"name" validate:"required"`
	Library      string     `yaml:"library" validate:"required"`
	Priority     int        `yaml:"priority"`
	CycleTime    int64      `yaml:"cycle_time" validate:"gte=0"`
	OffsetTime   int64      `yaml:"offset_time" validate:"gte=0"`
	ResponseTime int64      `yaml:"response_time" validate:"gte=0"`
	InitPhase    bool       `yaml:"init_phase"`
	Tolerant     bool       `yaml:"tolerant"`
	Parameters   Parameters `yaml:"parameters"`
}

// IsDue reports whether a component with the given timing fires at tick t:
// t >= offset and (t - offset) is a multiple of cycle. A non-positive cycle is never due.
func IsDue(t, cycle, offset int64) bool {
	if cycle <= 0 || t < offset {
		return false
	}
	return (t-offset)%cycle == 0
}

// ComponentInstance is one agent-bound instance of a behavior model.
// It is created once at spawn time and destroyed together with its agent.
type ComponentInstance struct {
	Name         string
	Library      string
	Priority     int
	CycleTime    int64
	OffsetTime   int64
	ResponseTime int64
	IsInitPhase  bool
	Tolerant     bool

	agent  AgentID
	model  Model
	lib    *loadedLibrary
	state  ComponentState
	outbox *outbox
}

// Agent returns the ID of the owning agent.
func (c *ComponentInstance) Agent() AgentID {
	return c.agent
}

// IsDue reports whether the instance fires at tick t.
func (c *ComponentInstance) IsDue(t int64) bool {
	return IsDue(t, c.CycleTime, c.OffsetTime)
}

// State returns the acting/disabled state.
func (c *ComponentInstance) State() ComponentState {
	return c.state
}

// Model exposes the underlying model, mainly for tests.
func (c *ComponentInstance) Model() Model {
	return c.model
}

func (c *ComponentInstance) setState(s ComponentState) {
	c.state = s
}

// init runs Model.Init with event publishing disabled.
func (c *ComponentInstance) init() (err error) {
	c.outbox.initPhase = true
	defer func() {
		c.outbox.initPhase = false
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Init: %v", r)
		}
	}()
	c.lib.lock()
	defer c.lib.unlock()
	return c.model.Init()
}

// process runs Model.Process for tick. Panics are converted into errors.
func (c *ComponentInstance) process(tick int64, inputs Inputs) (out Outputs, err error) {
	c.outbox.tick = tick
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic in Process: %v", r)
		}
	}()
	c.lib.lock()
	defer c.lib.unlock()
	return c.model.Process(tick, inputs)
}

// outbox stages what a component publishes during one invocation so the
// scheduler can commit it in deterministic order at the end of step 3.
type outbox struct {
	agent     AgentID
	component string
	reader    EventReader
	tick      int64
	initPhase bool
	events    []*Event
	records   []Record
}

func (o *outbox) drainEvents() []*Event {
	out := o.events
	o.events = nil
	return out
}

func (o *outbox) drainRecords() []Record {
	out := o.records
	o.records = nil
	return out
}

// componentEvents is the EventBus view of an outbox.
type componentEvents struct{ o *outbox }

func (c componentEvents) GetActiveEventCategory(category EventCategory) []*Event {
	return c.o.reader.GetActiveEventCategory(category)
}

func (c componentEvents) Publish(e *Event) error {
	if c.o.initPhase {
		return ErrPublishDuringInit
	}
	staged := e.clone()
	staged.Time = c.o.tick
	c.o.events = append(c.o.events, staged)
	return nil
}

// componentPublisher is the Publisher view of an outbox.
type componentPublisher struct{ o *outbox }

func (c componentPublisher) Publish(entity EntityID, key string, value any, persistent bool) {
	c.o.records = append(c.o.records, Record{
		Time:       c.o.tick,
		Entity:     entity,
		Key:        key,
		Value:      value,
		Persistent: persistent,
	})
}
