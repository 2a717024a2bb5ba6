package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalSpawns         int            `json:"total_spawns"`
	TotalRemovals       int            `json:"total_removals"`
	TotalManipulations  int            `json:"total_manipulations"`
	MeanLifetime        float64        `json:"mean_lifetime"` // over agents both spawned and removed in the trace
	MaxLifetime         int64          `json:"max_lifetime"`
	UniqueProfiles      int            `json:"unique_profiles"`
	ProfileDistribution map[string]int `json:"profile_distribution"` // profile → agents spawned
	RemovalReasons      map[string]int `json:"removal_reasons"`      // reason → agents removed
	ActionDistribution  map[string]int `json:"action_distribution"`  // emitted event name → count
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		ProfileDistribution: make(map[string]int),
		RemovalReasons:      make(map[string]int),
		ActionDistribution:  make(map[string]int),
	}
	if st == nil {
		return summary
	}

	spawnedAt := make(map[int]int64, len(st.Spawns))
	summary.TotalSpawns = len(st.Spawns)
	for _, s := range st.Spawns {
		summary.ProfileDistribution[s.Profile]++
		spawnedAt[s.AgentID] = s.Clock
	}

	summary.TotalRemovals = len(st.Removals)
	var total int64
	var matched int
	for _, r := range st.Removals {
		summary.RemovalReasons[r.Reason]++
		start, ok := spawnedAt[r.AgentID]
		if !ok {
			continue
		}
		lifetime := r.Clock - start
		total += lifetime
		matched++
		if lifetime > summary.MaxLifetime {
			summary.MaxLifetime = lifetime
		}
	}
	if matched > 0 {
		summary.MeanLifetime = float64(total) / float64(matched)
	}

	summary.TotalManipulations = len(st.Manipulations)
	for _, m := range st.Manipulations {
		summary.ActionDistribution[m.Action]++
	}

	summary.UniqueProfiles = len(summary.ProfileDistribution)

	return summary
}
