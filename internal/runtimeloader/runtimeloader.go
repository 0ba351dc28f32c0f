// Package runtimeloader implements the Runtime Loader: given a
// FlowManifest, resolve every function's implementation_location to an
// executable implementation.Implementation (spec.md §4.5).
package runtimeloader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/flowmesh/flowrun/internal/implementation"
	"github.com/flowmesh/flowrun/internal/model"
)

// ContentProvider is the subset of provider.Provider the loader needs to
// fetch library manifests and WASM bytes.
type ContentProvider interface {
	GetContents(ctx context.Context, canonicalURL string) ([]byte, error)
}

// ContextRegistry resolves "context://..." locators (spec.md §4.5).
type ContextRegistry interface {
	Lookup(locator string) (implementation.Implementation, bool)
}

// LibraryLoader deserializes a library manifest's bytes (spec.md §6).
type LibraryLoader func(data []byte) (*model.LibraryManifest, error)

// Loader resolves manifest functions to Implementations and caches loaded
// libraries/WASM modules per process (spec.md §4.5: "load the named
// library manifest once per process").
type Loader struct {
	provider ContentProvider
	context  ContextRegistry
	natives  map[string]implementation.Implementation // lib name/func -> native closure
	loadLib  LibraryLoader

	mu       sync.Mutex
	libs     map[string]*model.LibraryManifest
	runtime  wazero.Runtime
	modules  map[string]*wasmModule // canonical url -> instantiated module
}

// New creates a Loader. natives is the set of statically linked library
// functions this binary provides (e.g. internal/flowstdlib.Library()),
// keyed by full "lib://name/path" locator.
func New(p ContentProvider, ctxReg ContextRegistry, natives map[string]implementation.Implementation, loadLib LibraryLoader) *Loader {
	return &Loader{
		provider: p,
		context:  ctxReg,
		natives:  natives,
		loadLib:  loadLib,
		libs:     map[string]*model.LibraryManifest{},
		modules:  map[string]*wasmModule{},
	}
}

// Resolve turns one manifest function's implementation_location into an
// Implementation (spec.md §4.5).
func (l *Loader) Resolve(ctx context.Context, mf model.ManifestFunction) (implementation.Implementation, error) {
	loc := mf.ImplementationLocation

	switch {
	case strings.HasPrefix(loc, "context://"):
		impl, ok := l.context.Lookup(loc)
		if !ok {
			return nil, fmt.Errorf("%w: no context implementation registered for %q", model.ErrResolution, loc)
		}
		return impl, nil

	case strings.HasPrefix(loc, "lib://"):
		if impl, ok := l.natives[loc]; ok {
			return impl, nil
		}
		return l.resolveLibraryWasm(ctx, loc)

	default:
		return l.resolveWasm(ctx, loc)
	}
}

func (l *Loader) resolveLibraryWasm(ctx context.Context, locator string) (implementation.Implementation, error) {
	libName, funcPath, ok := splitLibLocator(locator)
	if !ok {
		return nil, fmt.Errorf("%w: malformed lib locator %q", model.ErrResolution, locator)
	}

	l.mu.Lock()
	lm, loaded := l.libs[libName]
	l.mu.Unlock()

	if !loaded {
		manifestURL := "lib://" + libName + "/manifest.json"
		data, err := l.provider.GetContents(ctx, manifestURL)
		if err != nil {
			return nil, fmt.Errorf("loading library manifest %q: %w", manifestURL, err)
		}
		lm, err = l.loadLib(data)
		if err != nil {
			return nil, fmt.Errorf("deserializing library manifest %q: %w", manifestURL, err)
		}
		l.mu.Lock()
		l.libs[libName] = lm
		l.mu.Unlock()
	}

	entry, ok := lm.Locators[funcPath]
	if !ok {
		return nil, fmt.Errorf("%w: library %q has no entry %q", model.ErrResolution, libName, funcPath)
	}
	if entry.Native != "" {
		if impl, ok := l.natives["lib://"+libName+"/"+entry.Native]; ok {
			return impl, nil
		}
		return nil, fmt.Errorf("%w: library %q declares native entry %q with no registered implementation", model.ErrResolution, libName, entry.Native)
	}
	return l.resolveWasm(ctx, entry.Wasm)
}

// wasmModule holds an instantiated WASM module, its alloc/run_wasm exports,
// and a lock guarding memory mutation (spec.md §4.5).
type wasmModule struct {
	mu      sync.Mutex
	mod     api.Module
	alloc   api.Function
	runWasm api.Function
}

func (l *Loader) resolveWasm(ctx context.Context, canonicalURL string) (implementation.Implementation, error) {
	l.mu.Lock()
	if l.runtime == nil {
		l.runtime = wazero.NewRuntime(ctx)
		wasi_snapshot_preview1.MustInstantiate(ctx, l.runtime)
	}
	rt := l.runtime
	wm, loaded := l.modules[canonicalURL]
	l.mu.Unlock()

	if !loaded {
		bytes, err := l.provider.GetContents(ctx, canonicalURL)
		if err != nil {
			return nil, fmt.Errorf("fetching wasm module %q: %w", canonicalURL, err)
		}
		mod, err := rt.Instantiate(ctx, bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: instantiating wasm module %q: %v", model.ErrExecution, canonicalURL, err)
		}
		alloc := mod.ExportedFunction("alloc")
		runWasm := mod.ExportedFunction("run_wasm")
		if alloc == nil || runWasm == nil {
			return nil, fmt.Errorf("%w: wasm module %q does not export alloc/run_wasm", model.ErrExecution, canonicalURL)
		}
		wm = &wasmModule{mod: mod, alloc: alloc, runWasm: runWasm}

		l.mu.Lock()
		l.modules[canonicalURL] = wm
		l.mu.Unlock()
	}

	return implementation.NativeFunc(func(ctx context.Context, inputs []implementation.Value) (*implementation.Value, bool, error) {
		return wm.run(ctx, inputs)
	}), nil
}

// run marshals inputs into the module's linear memory, invokes run_wasm,
// and reads back the result (spec.md §4.5's alloc(len)->offset,
// run_wasm(offset,len)->result_len convention). One call at a time per
// module: wazero modules are not safe for concurrent invocation while
// memory is being mutated.
func (m *wasmModule) run(ctx context.Context, inputs []implementation.Value) (*implementation.Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload := marshalInputs(inputs)

	allocRes, err := m.alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return nil, false, fmt.Errorf("%w: wasm alloc failed: %v", model.ErrExecution, err)
	}
	offset := allocRes[0]

	mem := m.mod.Memory()
	if !mem.Write(uint32(offset), payload) {
		return nil, false, fmt.Errorf("%w: writing wasm input payload out of bounds", model.ErrExecution)
	}

	runRes, err := m.runWasm.Call(ctx, offset, uint64(len(payload)))
	if err != nil {
		return nil, false, fmt.Errorf("%w: wasm run_wasm failed: %v", model.ErrExecution, err)
	}
	resultLen := uint32(runRes[0])
	if resultLen == 0 {
		return nil, false, nil
	}

	result, ok := mem.Read(uint32(offset), resultLen)
	if !ok {
		return nil, false, fmt.Errorf("%w: reading wasm result out of bounds", model.ErrExecution)
	}
	out := make(implementation.Value, len(result))
	copy(out, result)
	return &out, false, nil
}

func marshalInputs(inputs []implementation.Value) []byte {
	var buf []byte
	buf = append(buf, '[')
	for i, in := range inputs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, in...)
	}
	buf = append(buf, ']')
	return buf
}

func splitLibLocator(locator string) (libName, funcPath string, ok bool) {
	rest := strings.TrimPrefix(locator, "lib://")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// Close releases the wazero runtime and any instantiated modules.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runtime != nil {
		return l.runtime.Close(ctx)
	}
	return nil
}
