package sim

import "fmt"

// SignalType tags the concrete Signal variant.
type SignalType string

const (
	SignalScalar         SignalType = "scalar"
	SignalDynamics       SignalType = "dynamics"
	SignalComponentState SignalType = "component-state"
)

// Signal is an immutable value passed from one component's output link to
// other components' input links of the same agent. Producers must not mutate
// a signal once it has been returned from Process.
type Signal interface {
	SignalType() SignalType
}

// ScalarSignal carries a single number, e.g. a requested acceleration.
type ScalarSignal struct {
	Value float64
}

func (ScalarSignal) SignalType() SignalType { return SignalScalar }

// DynamicsSignal carries the kinematic result of a dynamics model.
type DynamicsSignal struct {
	Velocity          float64
	Acceleration      float64
	Yaw               float64
	TravelledDistance float64
}

func (DynamicsSignal) SignalType() SignalType { return SignalDynamics }

// ComponentStateSignal reports the state of a component to its consumers.
type ComponentStateSignal struct {
	State ComponentState
}

func (ComponentStateSignal) SignalType() SignalType { return SignalComponentState }

// LinkID is a component-local input or output slot.
type LinkID int

// Inputs maps input links to the latest visible signal.
type Inputs map[LinkID]Signal

// Outputs maps output links to signals produced by one Process call.
type Outputs map[LinkID]Signal

// Channel connects an output link of one component to an input link of
// another component of the same agent.
type Channel struct {
	Source string `yaml:"source" validate:"required"`
	Output LinkID `yaml:"output" validate:"gte=0"`
	Target string `yaml:"target" validate:"required"`
	Input  LinkID `yaml:"input" validate:"gte=0"`
}

type pendingSignal struct {
	signal    Signal
	visibleAt int64
}

type channelState struct {
	channel Channel
	target  int
	current Signal
	pending []pendingSignal
}

// signalBus routes signals between the components of one agent.
// A signal produced at tick p by a component with response time r becomes
// visible to consumers at tick p+r; a newer visible signal replaces an older one.
type signalBus struct {
	bySource map[outputKey][]*channelState
	byTarget map[int][]*channelState
}

type outputKey struct {
	source int
	output LinkID
}

func newSignalBus(components []*ComponentInstance, channels []Channel) (*signalBus, error) {
	index := make(map[string]int, len(components))
	for i, c := range components {
		index[c.Name] = i
	}
	bus := &signalBus{
		bySource: make(map[outputKey][]*channelState),
		byTarget: make(map[int][]*channelState),
	}
	for _, ch := range channels {
		src, ok := index[ch.Source]
		if !ok {
			return nil, fmt.Errorf("channel source %q is not a component of the agent", ch.Source)
		}
		dst, ok := index[ch.Target]
		if !ok {
			return nil, fmt.Errorf("channel target %q is not a component of the agent", ch.Target)
		}
		state := &channelState{channel: ch, target: dst}
		key := outputKey{source: src, output: ch.Output}
		bus.bySource[key] = append(bus.bySource[key], state)
		bus.byTarget[dst] = append(bus.byTarget[dst], state)
	}
	return bus, nil
}

// deliver queues the outputs of component source produced at tick.
func (b *signalBus) deliver(source int, tick, responseTime int64, outputs Outputs) {
	for link, signal := range outputs {
		if signal == nil {
			continue
		}
		for _, ch := range b.bySource[outputKey{source: source, output: link}] {
			ch.pending = append(ch.pending, pendingSignal{signal: signal, visibleAt: tick + responseTime})
		}
	}
}

// inputsFor collects the latest signal visible at tick on every input link of target.
func (b *signalBus) inputsFor(target int, tick int64) Inputs {
	channels := b.byTarget[target]
	if len(channels) == 0 {
		return Inputs{}
	}
	in := make(Inputs, len(channels))
	for _, ch := range channels {
		kept := ch.pending[:0]
		for _, p := range ch.pending {
			if p.visibleAt <= tick {
				ch.current = p.signal
				continue
			}
			kept = append(kept, p)
		}
		ch.pending = kept
		if ch.current != nil {
			in[ch.channel.Input] = ch.current
		}
	}
	return in
}
