package sim

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// SpawnPoint is the external decision-maker for when, where and which new
// agents enter the simulation.
type SpawnPoint interface {
	// Execute runs the spawn decision for time and reports success.
	Execute(time int64) bool
	// PullNewAgents returns the agents created by the last successful Execute
	// that have not been pulled yet.
	PullNewAgents() []AgentBlueprint
	// GetError describes the last failure, nil after a success.
	GetError() error
}

// SpawnPointConfig selects and parameterizes one spawn point.
type SpawnPointConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type" validate:"required"`
	Profiles   []string          `yaml:"profiles" validate:"required,min=1,dive,required"`
	Times      []int64           `yaml:"times" validate:"dive,gte=0"`
	Rate       float64           `yaml:"rate" validate:"gte=0"`
	Start      int64             `yaml:"start" validate:"gte=0"`
	Stop       int64             `yaml:"stop" validate:"gte=0"`
	MaxAgents  int               `yaml:"max_agents" validate:"gte=0"`
	Initial    KinematicState    `yaml:"initial"`
	Parameters map[string]string `yaml:"parameters"`
}

// SpawnPointFactory builds a spawn point from configuration. profiles holds
// the blueprints of every configured agent profile, rng is the spawn point's
// private stream.
type SpawnPointFactory func(cfg SpawnPointConfig, profiles map[string]AgentBlueprint, rng *rand.Rand) (SpawnPoint, error)

var (
	spawnMu        sync.RWMutex
	spawnFactories = map[string]SpawnPointFactory{}
)

// RegisterSpawnPoint makes a spawn point implementation selectable by type name.
// Implementations register from init() in sim/spawn. Panics on duplicates.
func RegisterSpawnPoint(typeName string, f SpawnPointFactory) {
	spawnMu.Lock()
	defer spawnMu.Unlock()
	if _, exists := spawnFactories[typeName]; exists {
		panic(fmt.Sprintf("RegisterSpawnPoint: type %q already registered", typeName))
	}
	spawnFactories[typeName] = f
}

// IsValidSpawnPointType reports whether a factory is registered for typeName.
func IsValidSpawnPointType(typeName string) bool {
	spawnMu.RLock()
	defer spawnMu.RUnlock()
	_, ok := spawnFactories[typeName]
	return ok
}

// SpawnPointTypes returns the registered type names, sorted.
func SpawnPointTypes() []string {
	spawnMu.RLock()
	defer spawnMu.RUnlock()
	names := make([]string, 0, len(spawnFactories))
	for name := range spawnFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewSpawnPoint creates a spawn point by configured type.
func NewSpawnPoint(cfg SpawnPointConfig, profiles map[string]AgentBlueprint, rng *rand.Rand) (SpawnPoint, error) {
	spawnMu.RLock()
	f, ok := spawnFactories[cfg.Type]
	spawnMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown spawn point type %q", cfg.Type)
	}
	for _, p := range cfg.Profiles {
		if _, ok := profiles[p]; !ok {
			return nil, fmt.Errorf("spawn point %q references unknown profile %q", cfg.Name, p)
		}
	}
	return f(cfg, profiles, rng)
}
