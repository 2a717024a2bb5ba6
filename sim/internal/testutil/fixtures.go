// Package testutil provides shared test infrastructure for the simulator:
// scripted model libraries, configuration fixtures and record helpers used
// across the sim/ sub-package tests.
package testutil

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/traffic-sim/traffic-sim/sim"
)

// ProcessFunc is the behavior of a scripted model for one invocation.
type ProcessFunc func(p sim.ComponentParams, tick int64, in sim.Inputs) (sim.Outputs, error)

// ScriptedLibrary is a sim.Library whose models all run the same ProcessFunc.
// It counts what the engine does with it.
type ScriptedLibrary struct {
	ID      string
	Process ProcessFunc

	mu        sync.Mutex
	created   int
	destroyed int
	closed    bool
}

// NewScriptedLibrary creates a library named id. A nil process does nothing.
func NewScriptedLibrary(id string, process ProcessFunc) *ScriptedLibrary {
	return &ScriptedLibrary{ID: id, Process: process}
}

func (l *ScriptedLibrary) Name() string     { return l.ID }
func (l *ScriptedLibrary) Version() string  { return "scripted" }
func (l *ScriptedLibrary) ThreadSafe() bool { return true }

func (l *ScriptedLibrary) Create(p sim.ComponentParams) (sim.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created++
	return &scriptedModel{params: p, process: l.Process}, nil
}

func (l *ScriptedLibrary) Destroy(sim.Model) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed++
}

func (l *ScriptedLibrary) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Counts returns how many models were created and destroyed, and whether the
// library was closed.
func (l *ScriptedLibrary) Counts() (created, destroyed int, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created, l.destroyed, l.closed
}

type scriptedModel struct {
	params  sim.ComponentParams
	process ProcessFunc
}

func (m *scriptedModel) Init() error { return nil }

func (m *scriptedModel) Process(tick int64, in sim.Inputs) (sim.Outputs, error) {
	if m.process == nil {
		return nil, nil
	}
	return m.process(m.params, tick, in)
}

// Loader resolves scripted libraries by ID.
type Loader map[string]sim.Library

// NewLoader creates a loader for libs.
func NewLoader(libs ...*ScriptedLibrary) Loader {
	l := Loader{}
	for _, lib := range libs {
		l[lib.ID] = lib
	}
	return l
}

func (l Loader) CanLoad(id string) bool {
	_, ok := l[id]
	return ok
}

func (l Loader) Load(_ context.Context, id string) (sim.Library, error) {
	lib, ok := l[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sim.ErrLibraryNotFound, id)
	}
	return lib, nil
}

// ParseConfig parses YAML and fails the test on error. The result is not
// validated, so it may reference scripted libraries.
func ParseConfig(t *testing.T, yaml string) *sim.Config {
	t.Helper()
	cfg, err := sim.ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	return cfg
}

// WriteFile writes content to name inside a fresh temp directory and returns the path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// WithKey returns the records with the given key, in order.
func WithKey(records []sim.Record, key string) []sim.Record {
	var out []sim.Record
	for _, r := range records {
		if r.Key == key {
			out = append(out, r)
		}
	}
	return out
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}
