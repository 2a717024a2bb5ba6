// main.go
//
// Entry point; the Cobra commands live in cmd/.

package main

import (
	"github.com/traffic-sim/traffic-sim/cmd"
)

func main() {
	cmd.Execute()
}
