package experiment

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/trace"
)

// InvocationResult is the outcome of one attempt at one invocation.
type InvocationResult struct {
	Invocation int                 `json:"invocation"`
	Attempt    int                 `json:"attempt"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	WallTime   float64             `json:"wall_time_s"`
	Stats      sim.RunStats        `json:"stats"`
	Trace      *trace.TraceSummary `json:"trace,omitempty"`
}

// RunSummary aggregates every attempt of an experiment.
type RunSummary struct {
	RunID       string             `json:"run_id,omitempty"`
	Seed        int64              `json:"seed"`
	Invocations int                `json:"invocations"`
	EndTime     int64              `json:"end_time"`
	Outcome     string             `json:"outcome"`
	Completed   int                `json:"completed"`
	Failed      int                `json:"failed"`
	Totals      sim.RunStats       `json:"totals"`
	Results     []InvocationResult `json:"results"`
}

// add records an attempt. Totals only count completed invocations; error
// counters also count failed attempts.
func (s *RunSummary) add(res InvocationResult) {
	s.Results = append(s.Results, res)
	s.Totals.SpawnErrors += res.Stats.SpawnErrors
	s.Totals.ComponentErrors += res.Stats.ComponentErrors
	s.Totals.EventErrors += res.Stats.EventErrors
	if res.Status != StatusCompleted {
		s.Failed++
		return
	}
	s.Completed++
	s.Totals.Ticks += res.Stats.Ticks
	s.Totals.Spawned += res.Stats.Spawned
	s.Totals.Removed += res.Stats.Removed
	s.Totals.Invocations += res.Stats.Invocations
	s.Totals.EventsInserted += res.Stats.EventsInserted
	s.Totals.EventsRetired += res.Stats.EventsRetired
}

// Print writes a human-readable summary.
func (s *RunSummary) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Summary ===")
	if s.RunID != "" {
		fmt.Fprintf(w, "Run ID               : %s\n", s.RunID)
	}
	fmt.Fprintf(w, "Outcome              : %s\n", s.Outcome)
	fmt.Fprintf(w, "Invocations          : %d/%d completed, %d failed attempts\n", s.Completed, s.Invocations, s.Failed)
	fmt.Fprintf(w, "Ticks                : %d\n", s.Totals.Ticks)
	fmt.Fprintf(w, "Agents spawned       : %d\n", s.Totals.Spawned)
	fmt.Fprintf(w, "Agents removed       : %d\n", s.Totals.Removed)
	fmt.Fprintf(w, "Events inserted      : %d\n", s.Totals.EventsInserted)
	fmt.Fprintf(w, "Events retired       : %d\n", s.Totals.EventsRetired)
	fmt.Fprintf(w, "Component calls      : %d\n", s.Totals.Invocations)
	fmt.Fprintf(w, "Errors (spawn/comp/event): %d/%d/%d\n", s.Totals.SpawnErrors, s.Totals.ComponentErrors, s.Totals.EventErrors)
}

// SaveJSON writes the summary as indented JSON to path.
func (s *RunSummary) SaveJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}
