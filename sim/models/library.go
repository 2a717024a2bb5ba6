// Package models provides the Go-implemented behavior model libraries that
// ship with the simulator. They are registered with sim.RegisterLibrary from
// init(); importing this package makes them resolvable by name.
package models

import (
	"context"

	"github.com/traffic-sim/traffic-sim/sim"
)

// Version is reported by every builtin library.
const Version = "1.0.0"

// goLibrary adapts a constructor function to sim.Library.
// Builtin models hold only per-instance state, so they are thread-safe.
type goLibrary struct {
	name   string
	create func(p sim.ComponentParams) (sim.Model, error)
}

func (l *goLibrary) Name() string                                    { return l.name }
func (l *goLibrary) Version() string                                 { return Version }
func (l *goLibrary) ThreadSafe() bool                                { return true }
func (l *goLibrary) Create(p sim.ComponentParams) (sim.Model, error) { return l.create(p) }
func (l *goLibrary) Destroy(sim.Model)                               {}
func (l *goLibrary) Close(context.Context) error                     { return nil }

// Library names.
const (
	LibraryDynamics        = "dynamics_speed"
	LibraryConstantDriver  = "driver_constant"
	LibraryBoundaryRemover = "boundary_remover"
	LibraryAgentInfo       = "agent_info"
)

// Input and output links used between the builtin models.
const (
	LinkAcceleration sim.LinkID = 0 // driver → dynamics, ScalarSignal (m/s²)
	LinkDynamics     sim.LinkID = 1 // dynamics → consumers, DynamicsSignal
)

// secondsPerTick converts tick counts into seconds. One tick is one millisecond.
const secondsPerTick = 0.001
