package trace

import "sync"

// TraceLevel controls the verbosity of lifecycle tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelLifecycle captures spawns, removals and manipulator actions.
	TraceLevelLifecycle TraceLevel = "lifecycle"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelLifecycle: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// Enabled reports whether records should be collected at all.
func (c TraceConfig) Enabled() bool {
	return c.Level == TraceLevelLifecycle
}

// SimulationTrace collects lifecycle records during one invocation.
// Safe for concurrent use.
type SimulationTrace struct {
	Config        TraceConfig
	Spawns        []SpawnRecord
	Removals      []RemovalRecord
	Manipulations []ManipulationRecord

	mu sync.Mutex
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config:        config,
		Spawns:        make([]SpawnRecord, 0),
		Removals:      make([]RemovalRecord, 0),
		Manipulations: make([]ManipulationRecord, 0),
	}
}

// RecordSpawn appends a spawn record.
func (st *SimulationTrace) RecordSpawn(record SpawnRecord) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Spawns = append(st.Spawns, record)
}

// RecordRemoval appends a removal record.
func (st *SimulationTrace) RecordRemoval(record RemovalRecord) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Removals = append(st.Removals, record)
}

// RecordManipulation appends a manipulation record.
func (st *SimulationTrace) RecordManipulation(record ManipulationRecord) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Manipulations = append(st.Manipulations, record)
}
