package sim

import (
	"fmt"
	"sync"
)

// KinematicState is the world-owned state of one agent.
type KinematicState struct {
	X            float64 `yaml:"x"`
	Y            float64 `yaml:"y"`
	Yaw          float64 `yaml:"yaw"`
	Velocity     float64 `yaml:"velocity" validate:"gte=0"`
	Acceleration float64 `yaml:"acceleration"`
	Lane         int     `yaml:"lane"`
}

// World is the opaque query surface over agent kinematics and map state.
// Agents refer to their world state by ID only.
type World interface {
	AddAgent(id AgentID, initial KinematicState) error
	RemoveAgent(id AgentID)
	// AgentState returns the state committed at the last SyncGlobalData.
	AgentState(id AgentID) (KinematicState, bool)
	// UpdateAgent stages a new state; it becomes visible after SyncGlobalData.
	UpdateAgent(id AgentID, next KinematicState) error
	// SyncGlobalData commits staged updates at the end of a tick.
	SyncGlobalData(tick int64)
	Clear()
}

// MemoryWorld is an in-memory World. Reads see the state committed at the
// previous tick end, so every component in a tick observes the same snapshot.
//
// Thread-safety: safe for concurrent use.
type MemoryWorld struct {
	mu        sync.RWMutex
	committed map[AgentID]KinematicState
	staged    map[AgentID]KinematicState
	lastSync  int64
}

// NewMemoryWorld creates an empty MemoryWorld.
func NewMemoryWorld() *MemoryWorld {
	return &MemoryWorld{
		committed: make(map[AgentID]KinematicState),
		staged:    make(map[AgentID]KinematicState),
		lastSync:  -1,
	}
}

func (w *MemoryWorld) AddAgent(id AgentID, initial KinematicState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.committed[id]; exists {
		return fmt.Errorf("agent %d already exists in world", id)
	}
	w.committed[id] = initial
	return nil
}

func (w *MemoryWorld) RemoveAgent(id AgentID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.committed, id)
	delete(w.staged, id)
}

func (w *MemoryWorld) AgentState(id AgentID) (KinematicState, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.committed[id]
	return s, ok
}

func (w *MemoryWorld) UpdateAgent(id AgentID, next KinematicState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.committed[id]; !exists {
		return fmt.Errorf("agent %d does not exist in world", id)
	}
	w.staged[id] = next
	return nil
}

func (w *MemoryWorld) SyncGlobalData(tick int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, s := range w.staged {
		if _, exists := w.committed[id]; exists {
			w.committed[id] = s
		}
	}
	w.staged = make(map[AgentID]KinematicState)
	w.lastSync = tick
}

func (w *MemoryWorld) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.committed = make(map[AgentID]KinematicState)
	w.staged = make(map[AgentID]KinematicState)
	w.lastSync = -1
}

// Len returns the number of agents in the world.
func (w *MemoryWorld) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.committed)
}
