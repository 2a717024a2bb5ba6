// register.go wires the spawn point implementations into the sim package's
// factory registry. This init() runs when any package imports sim/spawn.
package spawn

import "github.com/traffic-sim/traffic-sim/sim"

const (
	TypeScheduled  = "scheduled"
	TypeStochastic = "stochastic"
)

func init() {
	sim.RegisterSpawnPoint(TypeScheduled, NewScheduled)
	sim.RegisterSpawnPoint(TypeStochastic, NewStochastic)
}
