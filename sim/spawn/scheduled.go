package spawn

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"

	"github.com/traffic-sim/traffic-sim/sim"
)

// Scheduled spawns one agent at each configured tick. Profiles are used
// round-robin in configuration order.
type Scheduled struct {
	times     []int64
	next      int
	profiles  []sim.AgentBlueprint
	spawned   int
	maxAgents int
	initial   sim.KinematicState
	pending   []sim.AgentBlueprint
}

// NewScheduled creates a scheduled spawn point from configuration.
func NewScheduled(cfg sim.SpawnPointConfig, profiles map[string]sim.AgentBlueprint, _ *rand.Rand) (sim.SpawnPoint, error) {
	if len(cfg.Times) == 0 {
		return nil, errors.New("scheduled spawn point needs at least one time")
	}
	bps, err := resolveProfiles(cfg, profiles)
	if err != nil {
		return nil, err
	}
	times := slices.Clone(cfg.Times)
	slices.Sort(times)
	return &Scheduled{
		times:     times,
		profiles:  bps,
		maxAgents: cfg.MaxAgents,
		initial:   cfg.Initial,
	}, nil
}

func (s *Scheduled) Execute(time int64) bool {
	for s.next < len(s.times) && s.times[s.next] <= time {
		s.next++
		if s.maxAgents > 0 && s.spawned >= s.maxAgents {
			continue
		}
		bp := s.profiles[s.spawned%len(s.profiles)]
		bp.Initial = s.initial
		s.pending = append(s.pending, bp)
		s.spawned++
	}
	return true
}

func (s *Scheduled) PullNewAgents() []sim.AgentBlueprint {
	out := s.pending
	s.pending = nil
	return out
}

func (s *Scheduled) GetError() error { return nil }

// resolveProfiles looks up the blueprints a spawn point draws from.
func resolveProfiles(cfg sim.SpawnPointConfig, profiles map[string]sim.AgentBlueprint) ([]sim.AgentBlueprint, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("spawn point %q has no profiles", cfg.Name)
	}
	out := make([]sim.AgentBlueprint, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		bp, ok := profiles[p]
		if !ok {
			return nil, fmt.Errorf("spawn point %q references unknown profile %q", cfg.Name, p)
		}
		out = append(out, bp)
	}
	return out, nil
}
