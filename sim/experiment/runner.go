// Package experiment repeats a configured simulation for the configured
// number of invocations, each with its own deterministic random streams.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/store"
	"github.com/traffic-sim/traffic-sim/sim/trace"

	// builtin model libraries, spawn point types and the WASM loader
	_ "github.com/traffic-sim/traffic-sim/sim/models"
	_ "github.com/traffic-sim/traffic-sim/sim/spawn"
	_ "github.com/traffic-sim/traffic-sim/sim/wasm"
)

const tracerName = "github.com/traffic-sim/traffic-sim/sim/experiment"

// Invocation statuses reported in the summary.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrSetup wraps configuration errors found while building an invocation.
// They are deterministic, so the run is aborted instead of retried.
var ErrSetup = errors.New("invocation setup failed")

// invocationRecorder is implemented by sinks that also store outcomes.
type invocationRecorder interface {
	RecordInvocation(res store.InvocationResult) error
}

// Runner drives the invocations of one experiment.
type Runner struct {
	cfg      *sim.Config
	sink     sim.RecordSink
	observer sim.Observer
	loaders  []sim.LibraryLoader
}

// Option customizes a Runner.
type Option func(*Runner)

// WithSink sets where component records go. Defaults to an in-memory DataBuffer.
func WithSink(s sim.RecordSink) Option { return func(r *Runner) { r.sink = s } }

// WithObserver sets the run observer, e.g. a telemetry.Collector.
func WithObserver(o sim.Observer) Option { return func(r *Runner) { r.observer = o } }

// WithLoaders replaces the default library loaders.
func WithLoaders(l ...sim.LibraryLoader) Option { return func(r *Runner) { r.loaders = l } }

// NewRunner creates a runner for a validated configuration.
// Panics if cfg is nil.
func NewRunner(cfg *sim.Config, opts ...Option) *Runner {
	if cfg == nil {
		panic("NewRunner: cfg is nil")
	}
	r := &Runner{cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	if r.sink == nil {
		r.sink = sim.NewDataBuffer()
	}
	if r.observer == nil {
		r.observer = sim.NopObserver{}
	}
	return r
}

// Sink returns the record sink invocations are flushed to.
func (r *Runner) Sink() sim.RecordSink { return r.sink }

// Run executes invocations until all completed, one is aborted, or ctx is
// cancelled. Binding errors abort before the first tick. A run-fatal
// invocation is retried with the same key up to the retry budget; its
// partial records are discarded. The summary is returned in every case.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "experiment.run")
	defer span.End()
	exp := r.cfg.Experiment
	span.SetAttributes(
		attribute.Int64("sim.seed", exp.Seed),
		attribute.Int("sim.invocations", exp.Invocations),
	)

	summary := &RunSummary{Seed: exp.Seed, Invocations: exp.Invocations, EndTime: exp.EndTime}
	if rs, ok := r.sink.(interface{ RunID() string }); ok {
		summary.RunID = rs.RunID()
	}
	fail := func(err error) (*RunSummary, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}

	binder := sim.NewBinder(context.WithoutCancel(ctx), r.loaders...)
	if err := binder.Preload(r.cfg.Libraries()...); err != nil {
		summary.Outcome = sim.InvocationAborted.String()
		return fail(err)
	}
	defer func() {
		if err := binder.Close(); err != nil {
			logrus.Warnf("closing model libraries: %v", err)
		}
	}()

	ic := sim.NewInvocationControl(exp.Invocations, exp.RetryBudget())
	network := sim.NewEventNetwork(r.cfg.Scheduler.Window())
	world := sim.NewMemoryWorld()

	for ic.Progress() {
		inv := ic.CurrentInvocation()
		if err := ctx.Err(); err != nil {
			ic.Abort()
			summary.Outcome = ic.State().String()
			return fail(fmt.Errorf("%w before invocation %d: %v", sim.ErrCancelled, inv, err))
		}

		start := time.Now()
		res, err := r.runInvocation(ctx, inv, binder, network, world)
		res.Attempt = ic.Retries()
		res.WallTime = time.Since(start).Seconds()

		if err == nil {
			if ferr := r.sink.Flush(inv); ferr != nil {
				ic.Abort()
				summary.Outcome = ic.State().String()
				return fail(fmt.Errorf("flushing invocation %d: %w", inv, ferr))
			}
			res.Status = StatusCompleted
			summary.add(res)
			r.recordOutcome(res)
			logrus.Infof("invocation %d/%d completed: %d ticks, %d spawned, %d removed",
				inv+1, exp.Invocations, res.Stats.Ticks, res.Stats.Spawned, res.Stats.Removed)
			continue
		}

		r.sink.Discard()
		res.Error = err.Error()
		var be *sim.BindingError
		switch {
		case errors.As(err, &be), errors.Is(err, ErrSetup):
			ic.Abort()
		case errors.Is(err, sim.ErrCancelled) || ctx.Err() != nil:
			res.Status = StatusCancelled
			ic.Abort()
		default:
			ic.Retry()
		}
		if res.Status == "" {
			res.Status = StatusFailed
		}
		summary.add(res)
		r.recordOutcome(res)

		if ic.State() == sim.InvocationAborted {
			summary.Outcome = ic.State().String()
			return fail(fmt.Errorf("invocation %d: %w", inv, err))
		}
		logrus.Warnf("invocation %d failed (attempt %d of %d), retrying: %v", inv, res.Attempt+1, exp.RetryBudget()+1, err)
	}
	summary.Outcome = ic.State().String()
	span.SetAttributes(attribute.Int("sim.completed", summary.Completed))
	return summary, nil
}

// runInvocation builds the per-invocation state and runs the scheduler.
// The agents are always torn down so the libraries can be unloaded.
func (r *Runner) runInvocation(ctx context.Context, inv int, binder *sim.Binder, network *sim.EventNetwork, world sim.World) (InvocationResult, error) {
	res := InvocationResult{Invocation: inv}
	network.Clear()
	world.Clear()
	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(r.cfg.Experiment.Seed, inv))

	var st *trace.SimulationTrace
	if tc := (trace.TraceConfig{Level: trace.TraceLevel(r.cfg.Output.Trace)}); tc.Enabled() {
		st = trace.NewSimulationTrace(tc)
	}

	blueprints := r.cfg.Blueprints()
	spawnPoints := make([]sim.NamedSpawnPoint, 0, len(r.cfg.SpawnPoints))
	for i, spc := range r.cfg.SpawnPoints {
		sp, err := sim.NewSpawnPoint(spc, blueprints, rng.ForSubsystem(sim.SubsystemSpawnPoint(i)))
		if err != nil {
			return res, fmt.Errorf("%w: spawn point %d: %v", ErrSetup, i, err)
		}
		name := spc.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", spc.Type, i)
		}
		spawnPoints = append(spawnPoints, sim.NamedSpawnPoint{Name: name, Point: sp})
	}

	lifecycle := sim.NewLifecycle(sim.LifecycleDeps{
		World:    world,
		Binder:   binder,
		Network:  network,
		RNG:      rng,
		Sink:     r.sink,
		Observer: r.observer,
		Trace:    st,
	}, r.cfg.Scheduler.Policy, spawnPoints...)
	defer lifecycle.Teardown()

	manipulators := make([]sim.Manipulator, 0, len(r.cfg.Manipulators))
	for i, mc := range r.cfg.Manipulators {
		m, err := sim.NewManipulator(mc, network)
		if err != nil {
			return res, fmt.Errorf("%w: manipulator %d: %v", ErrSetup, i, err)
		}
		manipulators = append(manipulators, m)
	}
	pipeline := sim.NewManipulatorPipeline(network, st, manipulators...)
	for i, dc := range r.cfg.Detectors {
		d, err := sim.NewDetector(dc, lifecycle.ActiveAgentIDs)
		if err != nil {
			return res, fmt.Errorf("%w: detector %d: %v", ErrSetup, i, err)
		}
		pipeline.AddDetector(d)
	}

	scheduler := sim.NewScheduler(sim.SchedulerConfig{
		EndTime: r.cfg.Experiment.EndTime,
		Workers: r.cfg.Scheduler.Workers,
		Policy:  r.cfg.Scheduler.Policy,
	}, pipeline, lifecycle)
	stats, err := scheduler.Run(ctx)
	res.Stats = stats
	if st != nil {
		res.Trace = trace.Summarize(st)
	}
	return res, err
}

func (r *Runner) recordOutcome(res InvocationResult) {
	rec, ok := r.sink.(invocationRecorder)
	if !ok {
		return
	}
	err := rec.RecordInvocation(store.InvocationResult{
		Invocation: res.Invocation,
		Status:     res.Status,
		Retries:    res.Attempt,
		Ticks:      res.Stats.Ticks,
		Spawned:    res.Stats.Spawned,
		Removed:    res.Stats.Removed,
		Error:      res.Error,
	})
	if err != nil {
		logrus.Warnf("storing outcome of invocation %d: %v", res.Invocation, err)
	}
}
