package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// SimulationKey identifies a reproducible invocation: the configured seed plus
// the invocation index. Two invocations with the same key and configuration
// produce identical results.
type SimulationKey struct {
	Seed       int64
	Invocation int
}

// NewSimulationKey creates the key of one invocation.
func NewSimulationKey(seed int64, invocation int) SimulationKey {
	return SimulationKey{Seed: seed, Invocation: invocation}
}

// SubsystemSpawnPoint returns the subsystem name of the spawn point at index idx.
func SubsystemSpawnPoint(idx int) string {
	return fmt.Sprintf("spawn_%d", idx)
}

// SubsystemComponent returns the subsystem name of one component of one agent.
// Agent IDs are deterministic, so a component's stream does not depend on
// how many other agents drew numbers before it.
func SubsystemComponent(agent AgentID, component string) string {
	return fmt.Sprintf("agent_%d/%s", agent, component)
}

// PartitionedRNG hands out one independent random stream per named subsystem.
// This is the injected stochastics collaborator; nothing in the engine uses a
// global random source.
//
// Derivation formula: seed XOR fnv1a(subsystem name) XOR mix(invocation).
// The invocation term is zero for invocation 0.
//
// Thread-safety: NOT thread-safe. ForSubsystem must be called from the
// scheduler goroutine; each returned *rand.Rand belongs to one consumer.
type PartitionedRNG struct {
	key     SimulationKey
	streams map[string]*rand.Rand
}

// NewPartitionedRNG returns the stream source of one invocation.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{key: key, streams: make(map[string]*rand.Rand)}
}

// ForSubsystem returns the stream of the named subsystem, creating it on
// first use. Repeated calls with one name share the stream.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if r, ok := p.streams[name]; ok {
		return r
	}
	r := rand.New(rand.NewSource(p.key.Seed ^ hashName(name) ^ invocationMix(p.key.Invocation)))
	p.streams[name] = r
	return r
}

// Key returns the invocation key the streams derive from.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

func hashName(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// invocationMix spreads invocation indices over the seed space (splitmix64 finalizer).
func invocationMix(invocation int) int64 {
	if invocation == 0 {
		return 0
	}
	z := uint64(invocation) * 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}
