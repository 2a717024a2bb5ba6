// Package wasm loads behavior model libraries compiled to WebAssembly.
//
// A library identifier ending in ".wasm" names a module file. The module runs
// inside a wazero runtime with WASI and must export:
//
//	memory
//	malloc(size u32) -> ptr u32
//	free(ptr u32)
//	model_create(ptr, len u32) -> u64
//	model_destroy(ptr, len u32) -> u64
//	model_init(ptr, len u32) -> u64
//	model_process(ptr, len u32) -> u64
//
// Every model_* function takes a JSON request in linear memory and returns
// (ptr << 32 | len) of a JSON response allocated with malloc, which the host
// frees after reading. An optional model_info export describes the library.
package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/traffic-sim/traffic-sim/sim"
)

// Extension marks library identifiers handled by this loader.
const Extension = ".wasm"

// DefaultMemoryLimitPages caps module memory at 256 MiB (64 KiB pages).
const DefaultMemoryLimitPages = 4096

// Loader implements sim.LibraryLoader for WebAssembly model libraries.
type Loader struct {
	// Dir resolves relative identifiers. Empty means the working directory.
	Dir string
	// MemoryLimitPages bounds each module's linear memory; 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
}

// CanLoad reports whether id names a WebAssembly module.
func (l *Loader) CanLoad(id string) bool {
	return strings.HasSuffix(id, Extension)
}

// Load compiles and instantiates the module named by id in a runtime of its own.
func (l *Loader) Load(ctx context.Context, id string) (sim.Library, error) {
	path := id
	if !filepath.IsAbs(path) && l.Dir != "" {
		path = filepath.Join(l.Dir, path)
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module: %w", err)
	}

	pages := l.MemoryLimitPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}
	// Calls are never interrupted by cancellation; the scheduler only stops
	// between ticks.
	ctx = context.WithoutCancel(ctx)
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}
	module, err := runtime.InstantiateWithConfig(ctx, code, wazero.NewModuleConfig().
		WithName(strings.TrimSuffix(filepath.Base(path), Extension)).
		WithStartFunctions("_initialize"))
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating module: %w", err)
	}
	b, err := newBridge(module)
	if err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	lib := &Library{ctx: ctx, runtime: runtime, bridge: b, name: module.Name(), version: "unknown"}
	if info, err := b.info(ctx); err != nil {
		logrus.Warnf("wasm library %s: model_info: %v", id, err)
	} else if info != nil {
		if info.Name != "" {
			lib.name = info.Name
		}
		if info.Version != "" {
			lib.version = info.Version
		}
	}
	return lib, nil
}

// Library is one instantiated WebAssembly model library.
// Module code is not reentrant, so ThreadSafe reports false.
type Library struct {
	ctx     context.Context
	runtime wazero.Runtime
	bridge  *bridge
	name    string
	version string
}

func (l *Library) Name() string     { return l.name }
func (l *Library) Version() string  { return l.version }
func (l *Library) ThreadSafe() bool { return false }

// Create asks the module for a new model instance.
func (l *Library) Create(p sim.ComponentParams) (sim.Model, error) {
	req := createRequest{
		Component:  p.ComponentName,
		CycleTime:  p.CycleTime,
		Priority:   p.Priority,
		Parameters: p.Parameters,
	}
	if p.Agent != nil {
		req.Agent = int(p.Agent.ID())
		req.Profile = p.Agent.Profile()
	}
	var resp createResponse
	if err := l.bridge.call(l.ctx, l.bridge.create, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model_create: %s", resp.Error)
	}
	return &Model{lib: l, handle: resp.Handle, params: p}, nil
}

// Destroy releases the module-side state of m.
func (l *Library) Destroy(m sim.Model) {
	wm, ok := m.(*Model)
	if !ok {
		return
	}
	var resp statusResponse
	if err := l.bridge.call(l.ctx, l.bridge.destroy, handleRequest{Handle: wm.handle}, &resp); err != nil {
		logrus.Warnf("wasm library %s: destroying instance %d: %v", l.name, wm.handle, err)
	}
}

// Close tears down the runtime and every module in it.
func (l *Library) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}
