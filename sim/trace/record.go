// Package trace provides lifecycle and manipulation trace recording for
// post-run analysis. This package has no dependencies on sim/; it stores pure data types.
package trace

// SpawnRecord captures one agent entering the simulation.
type SpawnRecord struct {
	AgentID    int
	Profile    string
	SpawnPoint string
	Clock      int64
}

// RemovalRecord captures one agent leaving the simulation.
type RemovalRecord struct {
	AgentID int
	Clock   int64
	Reason  string
}

// ManipulationRecord captures one action event emitted by a manipulator.
type ManipulationRecord struct {
	Manipulator   string // watched event name
	Action        string // emitted event name
	SourceEventID int64
	EmittedID     int64
	ActingAgents  []int
	Clock         int64
}
