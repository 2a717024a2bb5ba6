package spawn

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim"
)

// Stochastic spawns agents with random inter-arrival gaps between Start and
// Stop (inclusive, 0 = no stop). Each arrival draws its profile uniformly
// and, when parameters["lanes"] is set, a uniform start lane.
//
// All randomness comes from the spawn point's own stream, so arrivals do not
// depend on other spawn points or on component behavior.
type Stochastic struct {
	name      string
	sampler   ArrivalSampler
	rng       *rand.Rand
	profiles  []sim.AgentBlueprint
	start     int64
	stop      int64
	lanes     int
	maxAgents int
	initial   sim.KinematicState

	nextArrival int64
	spawned     int
	pending     []sim.AgentBlueprint
}

// NewStochastic creates a stochastic spawn point from configuration.
// parameters["process"] selects the arrival process; Rate is in agents per tick.
func NewStochastic(cfg sim.SpawnPointConfig, profiles map[string]sim.AgentBlueprint, rng *rand.Rand) (sim.SpawnPoint, error) {
	if rng == nil {
		return nil, fmt.Errorf("stochastic spawn point %q needs a random source", cfg.Name)
	}
	bps, err := resolveProfiles(cfg, profiles)
	if err != nil {
		return nil, err
	}
	sampler, err := NewArrivalSampler(cfg.Parameters["process"], cfg.Rate, cfg.Parameters)
	if err != nil {
		return nil, fmt.Errorf("spawn point %q: %w", cfg.Name, err)
	}
	if cfg.Stop > 0 && cfg.Stop < cfg.Start {
		return nil, fmt.Errorf("spawn point %q: stop %d before start %d", cfg.Name, cfg.Stop, cfg.Start)
	}
	lanes := 0
	if raw, ok := cfg.Parameters["lanes"]; ok {
		lanes, err = strconv.Atoi(raw)
		if err != nil || lanes < 1 {
			return nil, fmt.Errorf("spawn point %q: lanes must be a positive integer, got %q", cfg.Name, raw)
		}
	}
	s := &Stochastic{
		name:      cfg.Name,
		sampler:   sampler,
		rng:       rng,
		profiles:  bps,
		start:     cfg.Start,
		stop:      cfg.Stop,
		lanes:     lanes,
		maxAgents: cfg.MaxAgents,
		initial:   cfg.Initial,
	}
	s.nextArrival = cfg.Start
	return s, nil
}

func (s *Stochastic) Execute(time int64) bool {
	for s.nextArrival <= time {
		if s.stop > 0 && s.nextArrival > s.stop {
			break
		}
		if s.maxAgents > 0 && s.spawned >= s.maxAgents {
			break
		}
		bp := s.profiles[s.rng.Intn(len(s.profiles))]
		bp.Initial = s.initial
		if s.lanes > 0 {
			bp.Initial.Lane = s.rng.Intn(s.lanes)
		}
		s.pending = append(s.pending, bp)
		s.spawned++
		s.nextArrival += s.sampler.SampleGap(s.rng)
	}
	if len(s.pending) > 1 {
		logrus.Debugf("[tick %07d] spawn point %s: %d arrivals", time, s.name, len(s.pending))
	}
	return true
}

func (s *Stochastic) PullNewAgents() []sim.AgentBlueprint {
	out := s.pending
	s.pending = nil
	return out
}

func (s *Stochastic) GetError() error { return nil }
