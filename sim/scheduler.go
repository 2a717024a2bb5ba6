package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/traffic-sim/traffic-sim/sim"

// Policy decides which failures are run-fatal.
type Policy struct {
	// TolerateComponentErrors downgrades every ComponentError to "remove the agent".
	// Without it only components marked tolerant are downgraded.
	TolerateComponentErrors bool `yaml:"tolerate_component_errors"`
	// SpawnFailureFatal turns every SpawnError into a run-fatal error.
	SpawnFailureFatal bool `yaml:"spawn_failure_fatal"`
}

// SchedulerConfig holds the timing and concurrency settings of one run.
type SchedulerConfig struct {
	EndTime int64 // last tick, inclusive
	Workers int   // step-3 parallelism; <= 1 runs serially
	Policy  Policy
}

// RunStats summarizes one scheduler run.
type RunStats struct {
	Ticks           int64 `json:"ticks"`
	Spawned         int   `json:"spawned"`
	Removed         int   `json:"removed"`
	Invocations     int   `json:"component_invocations"` // component Process calls
	EventsInserted  int   `json:"events_inserted"`
	EventsRetired   int   `json:"events_retired"`
	EventErrors     int   `json:"event_errors"`
	SpawnErrors     int   `json:"spawn_errors"`
	ComponentErrors int   `json:"component_errors"`
}

// Scheduler drives the tick loop of one invocation.
//
// Per tick, strictly in this order:
//  1. due detectors, then due manipulators, insert events
//  2. lifecycle: spawn, mark removals, apply component states
//  3. due components of agents Active at tick start, ordered by
//     (priority, agent id, graph order)
//  4. commit staged component events and records (step 3 first, then the
//     init phase of this tick's spawns), destroy marked agents,
//     promote Spawned agents, sync the world, age the event network
//
// Thread-safety: NOT thread-safe. Run must be called from one goroutine;
// step 3 fans out internally when Workers > 1.
type Scheduler struct {
	cfg       SchedulerConfig
	network   *EventNetwork
	pipeline  *ManipulatorPipeline
	lifecycle *Lifecycle
	world     World
	sink      RecordSink
	observer  Observer

	clock int64
	stats RunStats
}

// NewScheduler creates a scheduler over the given collaborators. The world,
// network and sink are the ones the lifecycle was built with.
// Panics if cfg.EndTime < 0.
func NewScheduler(cfg SchedulerConfig, pipeline *ManipulatorPipeline, lifecycle *Lifecycle) *Scheduler {
	if cfg.EndTime < 0 {
		panic(fmt.Sprintf("NewScheduler: EndTime must be >= 0, got %d", cfg.EndTime))
	}
	if pipeline == nil {
		pipeline = NewManipulatorPipeline(lifecycle.network, nil)
	}
	return &Scheduler{
		cfg:       cfg,
		network:   lifecycle.network,
		pipeline:  pipeline,
		lifecycle: lifecycle,
		world:     lifecycle.world,
		sink:      lifecycle.sink,
		observer:  lifecycle.observer,
		clock:     -1,
	}
}

// Clock returns the tick currently executing, or the last completed one.
func (s *Scheduler) Clock() int64 { return s.clock }

// Stats returns the statistics collected so far.
func (s *Scheduler) Stats() RunStats {
	st := s.stats
	st.Spawned = s.lifecycle.spawned
	st.EventsInserted = len(s.network.history)
	st.EventsRetired = s.network.RetiredCount()
	st.EventErrors += s.lifecycle.eventErrors
	st.SpawnErrors = s.lifecycle.spawnErrors
	st.ComponentErrors = s.lifecycle.componentErrors
	return st
}

// Run executes ticks 0..EndTime. It stops early on a run-fatal error or when
// ctx is cancelled; cancellation is only observed between ticks and returns
// an error wrapping ErrCancelled.
func (s *Scheduler) Run(ctx context.Context) (RunStats, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler.run")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("sim.end_time", s.cfg.EndTime),
		attribute.Int("sim.workers", s.cfg.Workers),
	)

	if s.clock < 0 {
		if err := s.lifecycle.Setup(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.Stats(), err
		}
		logrus.Infof("[tick %07d] init phase: %d agents", 0, s.lifecycle.registry.Len())
	}

	for t := s.clock + 1; t <= s.cfg.EndTime; t++ {
		if err := ctx.Err(); err != nil {
			cerr := fmt.Errorf("%w before tick %d: %v", ErrCancelled, t, err)
			span.SetStatus(codes.Error, cerr.Error())
			return s.Stats(), cerr
		}
		if err := s.Step(ctx, t); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.Stats(), err
		}
	}
	stats := s.Stats()
	span.SetAttributes(
		attribute.Int("sim.spawned", stats.Spawned),
		attribute.Int("sim.removed", stats.Removed),
		attribute.Int("sim.events", stats.EventsInserted),
	)
	logrus.Infof("[tick %07d] run complete: %d spawned, %d removed, %d events", s.clock, stats.Spawned, stats.Removed, stats.EventsInserted)
	return stats, nil
}

// Step executes tick t. Ticks must be stepped in increasing order.
func (s *Scheduler) Step(ctx context.Context, t int64) error {
	if t <= s.clock {
		panic(fmt.Sprintf("Scheduler.Step: tick %d is not after %d", t, s.clock))
	}
	start := time.Now()
	s.clock = t

	// 1. detectors and manipulators
	inserted, rejected := s.pipeline.Run(t)
	for _, e := range inserted {
		s.observer.EventInserted(e)
	}
	s.countRejected(rejected)

	// 2. lifecycle
	if err := s.lifecycle.Update(t); err != nil {
		return err
	}

	// 3. components
	items := s.dueComponents(t)
	var err error
	if s.cfg.Workers > 1 {
		err = s.executeParallel(ctx, t, items)
	} else {
		s.executeSerial(t, items)
	}
	if err != nil {
		return err
	}
	if err := s.handleFailures(t, items); err != nil {
		return err
	}

	// 4. tick end
	for _, it := range items {
		if it.err != nil {
			continue
		}
		s.stats.EventErrors += commitOutbox(s.network, s.sink, s.observer, it.component, t)
	}
	s.lifecycle.CommitStaged(t)
	removed := s.lifecycle.registry.Len()
	s.lifecycle.Finalize(t)
	s.stats.Removed += removed - s.lifecycle.registry.Len()
	s.world.SyncGlobalData(t)
	retired := s.network.Age(t)

	s.stats.Ticks++
	active := s.lifecycle.registry.Count(AgentActive)
	s.observer.TickCompleted(t, active, time.Since(start))
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.Tracef("[tick %07d] %d components, %d active agents, %d events retired", t, len(items), active, retired)
	}
	return nil
}

// workItem is one due component invocation of step 3.
type workItem struct {
	agent     *Agent
	index     int
	component *ComponentInstance
	err       error
}

// dueComponents lists the due components of the agents that were Active at
// the start of the tick, in execution order.
func (s *Scheduler) dueComponents(t int64) []*workItem {
	var items []*workItem
	for _, a := range s.lifecycle.registry.Agents() {
		if !a.schedulable() {
			continue
		}
		for idx, c := range a.components {
			if c.State() != ComponentActing || c.IsInitPhase || !c.IsDue(t) {
				continue
			}
			items = append(items, &workItem{agent: a, index: idx, component: c})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].component.Priority != items[j].component.Priority {
			return items[i].component.Priority < items[j].component.Priority
		}
		if items[i].agent.id != items[j].agent.id {
			return items[i].agent.id < items[j].agent.id
		}
		return items[i].index < items[j].index
	})
	return items
}

func (s *Scheduler) executeSerial(t int64, items []*workItem) {
	for _, it := range items {
		s.invoke(t, it)
	}
	s.stats.Invocations += len(items)
}

// executeParallel runs one priority level at a time. Within a level every
// agent is a task; an agent's components run sequentially in graph order.
// Levels are separated by a barrier, so signals with zero response time flow
// exactly as in the serial order.
func (s *Scheduler) executeParallel(ctx context.Context, t int64, items []*workItem) error {
	for start := 0; start < len(items); {
		end := start
		for end < len(items) && items[end].component.Priority == items[start].component.Priority {
			end++
		}

		var perAgent [][]*workItem
		for i := start; i < end; i++ {
			if i == start || items[i].agent != items[i-1].agent {
				perAgent = append(perAgent, nil)
			}
			perAgent[len(perAgent)-1] = append(perAgent[len(perAgent)-1], items[i])
		}

		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Workers)
		for _, group := range perAgent {
			g.Go(func() error {
				for _, it := range group {
					s.invoke(t, it)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		start = end
	}
	s.stats.Invocations += len(items)
	return nil
}

// invoke runs one component and routes its outputs to the agent's channels.
func (s *Scheduler) invoke(t int64, it *workItem) {
	bus := it.agent.bus
	out, err := it.component.process(t, bus.inputsFor(it.index, t))
	if err != nil {
		it.err = err
		// a failed invocation has no effects
		it.component.outbox.drainEvents()
		it.component.outbox.drainRecords()
		return
	}
	bus.deliver(it.index, t, it.component.ResponseTime, out)
}

// handleFailures applies the failure policy in execution order. The first
// run-fatal failure is returned; tolerated failures mark the agent for removal.
func (s *Scheduler) handleFailures(t int64, items []*workItem) error {
	for _, it := range items {
		if it.err == nil {
			continue
		}
		if err := s.lifecycle.componentFailed(it.agent, it.component, t, it.err); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) countRejected(errs []error) {
	for _, err := range errs {
		s.stats.EventErrors++
		var ee *EventError
		if errors.As(err, &ee) {
			s.observer.EventRejected(ee)
		}
	}
}
