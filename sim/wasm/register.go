package wasm

import "github.com/traffic-sim/traffic-sim/sim"

func init() {
	sim.RegisterLoader(&Loader{})
}
