package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// bridge marshals JSON calls through the module's linear memory.
type bridge struct {
	mu      sync.Mutex
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	create  api.Function
	destroy api.Function
	init    api.Function
	process api.Function
	modInfo api.Function // optional
}

func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{memory: module.Memory()}
	if b.memory == nil {
		return nil, errors.New("module does not export memory")
	}
	required := []struct {
		name string
		dst  *api.Function
	}{
		{"malloc", &b.malloc},
		{"free", &b.free},
		{"model_create", &b.create},
		{"model_destroy", &b.destroy},
		{"model_init", &b.init},
		{"model_process", &b.process},
	}
	for _, r := range required {
		fn := module.ExportedFunction(r.name)
		if fn == nil {
			return nil, fmt.Errorf("module does not export %s", r.name)
		}
		*r.dst = fn
	}
	b.modInfo = module.ExportedFunction("model_info")
	return b, nil
}

// call encodes req, invokes fn and decodes its response into resp.
func (b *bridge) call(ctx context.Context, fn api.Function, req, resp any) error {
	in, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out, err := b.invoke(ctx, fn, in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("decoding response of %s: %w", fn.Definition().Name(), err)
	}
	return nil
}

func (b *bridge) invoke(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var ptr, size uint32
	if len(input) > 0 {
		p, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.release(ctx, p)
		if !b.memory.Write(p, input) {
			return nil, errors.New("writing request out of memory range")
		}
		ptr, size = p, uint32(len(input))
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Definition().Name(), err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no result", fn.Definition().Name())
	}
	outPtr, outLen := unpack(results[0])
	if outLen == 0 {
		return []byte("{}"), nil
	}
	data, ok := b.memory.Read(outPtr, outLen)
	if !ok {
		return nil, errors.New("reading response out of memory range")
	}
	// Read returns a view; copy before the module reuses the buffer.
	out := make([]byte, len(data))
	copy(out, data)
	b.release(ctx, outPtr)
	return out, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc(%d) failed", size)
	}
	return uint32(results[0]), nil
}

func (b *bridge) release(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}

// info calls model_info when exported. Returns nil when it is not.
func (b *bridge) info(ctx context.Context) (*infoResponse, error) {
	if b.modInfo == nil {
		return nil, nil
	}
	var resp infoResponse
	if err := b.call(ctx, b.modInfo, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// unpack splits a packed (ptr << 32 | len) result.
func unpack(v uint64) (ptr, size uint32) {
	return uint32(v >> 32), uint32(v)
}
