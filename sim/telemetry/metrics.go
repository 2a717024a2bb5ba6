// Package telemetry exposes simulation runs to Prometheus and OpenTelemetry.
package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traffic-sim/traffic-sim/sim"
)

// Collector bundles the run metrics. It implements sim.Observer, so the
// scheduler updates it inline at tick boundaries.
type Collector struct {
	gatherer prometheus.Gatherer

	Ticks           prometheus.Counter
	TickDuration    prometheus.Histogram
	ActiveAgents    prometheus.Gauge
	AgentsSpawned   *prometheus.CounterVec
	AgentsRemoved   *prometheus.CounterVec
	EventsInserted  *prometheus.CounterVec
	EventErrors     prometheus.Counter
	SpawnErrors     *prometheus.CounterVec
	ComponentErrors *prometheus.CounterVec
}

var _ sim.Observer = (*Collector)(nil)

// NewCollector registers the simulation metrics against reg, defaulting to
// the global Prometheus registry when nil. Metrics that already exist in reg
// are reused, so every invocation of a run can create its own Collector.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.Ticks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficsim_ticks_total",
		Help: "Number of simulated ticks.",
	})); err != nil {
		return nil, err
	}
	if c.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trafficsim_tick_duration_seconds",
		Help:    "Wall-clock time spent per simulated tick.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
	})); err != nil {
		return nil, err
	}
	if c.ActiveAgents, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trafficsim_active_agents",
		Help: "Agents in state Active at the end of the last tick.",
	})); err != nil {
		return nil, err
	}
	if c.AgentsSpawned, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsim_agents_spawned_total",
		Help: "Spawned agents, labeled by profile.",
	}, []string{"profile"})); err != nil {
		return nil, err
	}
	if c.AgentsRemoved, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsim_agents_removed_total",
		Help: "Removed agents, labeled by removal reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if c.EventsInserted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsim_events_total",
		Help: "Events inserted into the event network, labeled by category and name.",
	}, []string{"category", "name"})); err != nil {
		return nil, err
	}
	if c.EventErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficsim_event_errors_total",
		Help: "Events rejected by the event network.",
	})); err != nil {
		return nil, err
	}
	if c.SpawnErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsim_spawn_errors_total",
		Help: "Failed spawn point executions, labeled by spawn point.",
	}, []string{"spawn_point"})); err != nil {
		return nil, err
	}
	if c.ComponentErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsim_component_errors_total",
		Help: "Failed component invocations, labeled by component name.",
	}, []string{"component"})); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) TickCompleted(_ int64, activeAgents int, elapsed time.Duration) {
	c.Ticks.Inc()
	c.TickDuration.Observe(elapsed.Seconds())
	c.ActiveAgents.Set(float64(activeAgents))
}

func (c *Collector) AgentSpawned(_ sim.AgentID, profile string) {
	c.AgentsSpawned.WithLabelValues(profile).Inc()
}

func (c *Collector) AgentRemoved(_ sim.AgentID, reason string) {
	c.AgentsRemoved.WithLabelValues(reason).Inc()
}

func (c *Collector) EventInserted(e *sim.Event) {
	c.EventsInserted.WithLabelValues(e.Category.String(), string(e.Name)).Inc()
}

func (c *Collector) EventRejected(*sim.EventError) {
	c.EventErrors.Inc()
}

func (c *Collector) SpawnFailed(err *sim.SpawnError) {
	c.SpawnErrors.WithLabelValues(err.SpawnPoint).Inc()
}

func (c *Collector) ComponentFailed(err *sim.ComponentError) {
	c.ComponentErrors.WithLabelValues(err.Component).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// register registers col, or returns the collector already registered under
// the same descriptor when it has the same type.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %T already registered with incompatible type", col)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
