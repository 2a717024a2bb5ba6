package models

import "github.com/traffic-sim/traffic-sim/sim"

func init() {
	sim.RegisterLibrary(&goLibrary{name: LibraryDynamics, create: newDynamics})
	sim.RegisterLibrary(&goLibrary{name: LibraryConstantDriver, create: newConstantDriver})
	sim.RegisterLibrary(&goLibrary{name: LibraryBoundaryRemover, create: newBoundaryRemover})
	sim.RegisterLibrary(&goLibrary{name: LibraryAgentInfo, create: newAgentInfo})
}
