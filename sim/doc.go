// Package sim provides the core time-stepped multi-agent traffic simulation engine.
//
// # Reading Guide
//
// Start with these three files to understand the simulation kernel:
//   - agent.go: Agent lifecycle (spawned → active → marked for removal → removed)
//   - event.go, event_network.go: the categorized events that couple agents and scenario
//   - scheduler.go: the tick loop and the fixed order of its four steps
//
// # Architecture
//
// The sim package defines the engine and its extension interfaces; implementations
// live in sub-packages:
//   - sim/models/: Go-implemented behavior model libraries (driver, dynamics, remover, info)
//   - sim/wasm/: a LibraryLoader for model libraries compiled to WebAssembly
//   - sim/spawn/: spawn point implementations (scheduled, stochastic)
//   - sim/experiment/: repetition of invocations with retry and summary
//   - sim/store/: SQLite persistence of records and invocation outcomes
//   - sim/telemetry/: Prometheus metrics and OpenTelemetry tracing
//   - sim/trace/: lifecycle trace recording
//
// Sub-packages register their implementations via init() functions that call
// RegisterLibrary, RegisterLoader and RegisterSpawnPoint.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Library, Model: a behavior model and its per-component instances
//   - LibraryLoader: resolves library identifiers (builtin, WASM)
//   - SpawnPoint: decides when and which agents enter the simulation
//   - EventDetector, Manipulator: scenario triggers and the actions they cause
//   - World: kinematic state of every agent, committed once per tick
//   - RecordSink, Observer: where results and run notifications go
//
// # Determinism
//
// All randomness derives from a SimulationKey (seed, invocation) through
// PartitionedRNG, one stream per subsystem and per component. Components of
// one priority level may run in parallel; their events and records are staged
// and committed in (priority, agent, graph order), so a run produces the same
// event history and records regardless of the worker count.
package sim
