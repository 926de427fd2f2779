package plugins

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/yufanbot/yufanbot/pkg/plugins/loader"
)

const (
	// EntryPrefix marks the synchronous initialization hook of an entry
	EntryPrefix = "yf_on_initialize__"
	// AsyncEntryPrefix marks the optional asynchronous hook of the same entry
	AsyncEntryPrefix = "yf_on_initialize_async__"
)

// EntryPoint is the single entry a module exports
type EntryPoint struct {
	// Name is the part after the prefix
	Name        string
	Export      string
	AsyncExport string
}

// isHook reports whether def has the hook signature () -> i32
func isHook(def api.FunctionDefinition) bool {
	results := def.ResultTypes()
	return len(def.ParamTypes()) == 0 && len(results) == 1 && results[0] == api.ValueTypeI32
}

// FindEntry scans the exported function table for yf_on_initialize__<Entry>
// hooks and asserts there is exactly one.
func FindEntry(exports map[string]api.FunctionDefinition) (*EntryPoint, error) {
	var candidates []string
	for name, def := range exports {
		entry := strings.TrimPrefix(name, EntryPrefix)
		if entry == name || entry == "" || !isHook(def) {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Strings(candidates)

	switch len(candidates) {
	case 0:
		return nil, ErrNoEntryPoint
	case 1:
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousEntryPoint, strings.Join(candidates, ", "))
	}

	ep := &EntryPoint{Name: candidates[0], Export: EntryPrefix + candidates[0]}
	if def, ok := exports[AsyncEntryPrefix+ep.Name]; ok && isHook(def) {
		ep.AsyncExport = AsyncEntryPrefix + ep.Name
	}
	return ep, nil
}

// Instantiate constructs the entry inside its load context. The module's
// imports are satisfied by the context's host services and its constructor
// runs; any trap, exit or panic is ErrInstantiationFailed.
func Instantiate(ctx context.Context, lc *loader.Context, m *loader.Module, entry *EntryPoint, meta *Metadata) (lp *LoadedPlugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			lp, err = nil, fmt.Errorf("%w: panic: %v", ErrInstantiationFailed, r)
		}
	}()

	mod, err := lc.Instantiate(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstantiationFailed, err)
	}

	return &LoadedPlugin{
		Entry:    &WasmPlugin{entry: entry, mod: mod, lc: lc},
		Metadata: meta,
	}, nil
}

// WasmPlugin adapts an instantiated entry module to the Plugin contract.
// Guest calls are serialized; a module instance is single-threaded.
type WasmPlugin struct {
	mu      sync.Mutex
	entry   *EntryPoint
	mod     api.Module
	lc      *loader.Context
	host    Host
	closers []io.Closer
	closed  bool
}

// Entry returns the bound entry point
func (p *WasmPlugin) Entry() *EntryPoint {
	return p.entry
}

// OnInitialize binds host and runs the synchronous hook
func (p *WasmPlugin) OnInitialize(ctx context.Context, host Host) error {
	p.mu.Lock()
	p.host = host
	p.mu.Unlock()

	return p.hook(ctx, p.entry.Export)
}

// OnInitializeAsync runs the async hook when the module has one
func (p *WasmPlugin) OnInitializeAsync(ctx context.Context, host Host) error {
	if p.entry.AsyncExport == "" {
		return nil
	}
	if host != nil {
		p.mu.Lock()
		p.host = host
		p.mu.Unlock()
	}
	return p.hook(ctx, p.entry.AsyncExport)
}

func (p *WasmPlugin) hook(ctx context.Context, export string) error {
	results, err := p.Call(ctx, export)
	if err != nil {
		return err
	}
	if len(results) != 1 {
		return fmt.Errorf("%s returned %d results", export, len(results))
	}
	if status := api.DecodeI32(results[0]); status != 0 {
		return &StatusError{Hook: export, Status: status}
	}
	return nil
}

// Call invokes any export of the entry module with the bound host in scope
func (p *WasmPlugin) Call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPluginClosed
	}
	fn := p.mod.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("export %s not found", export)
	}
	if p.host != nil {
		ctx = WithHost(ctx, p.host)
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", export, err)
	}
	return results, nil
}

// Close disposes the load context. Later calls fail with ErrPluginClosed.
func (p *WasmPlugin) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	err := p.lc.Close(ctx)
	for _, c := range p.closers {
		_ = c.Close()
	}
	return err
}
