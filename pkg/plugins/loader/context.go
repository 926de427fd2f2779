// Package loader loads a plugin's WebAssembly modules into an isolated
// runtime. Each plugin gets its own runtime; only allow-listed host modules
// are shared, everything else resolves from binaries captured at creation.
package loader

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// HostModuleName is the module plugins import host capabilities from
const HostModuleName = "yufan"

// StartFunction is the reactor constructor run on instantiation
const StartFunction = "_initialize"

var allowList = map[string]bool{
	HostModuleName:                    true,
	wasi_snapshot_preview1.ModuleName: true,
}

var (
	// ErrUnresolved is returned when an imported module cannot be resolved
	ErrUnresolved = errors.New("module could not be resolved")

	// ErrImportMismatch is returned when an import has no matching export
	ErrImportMismatch = errors.New("import does not match any export")

	// ErrImportCycle is returned when private modules import each other
	ErrImportCycle = errors.New("module import cycle")

	// ErrNotAllowed is returned when a service is offered for a name outside the allow-list
	ErrNotAllowed = errors.New("module is not on the shared allow-list")

	// ErrInvalidModule is returned for binaries that do not compile
	ErrInvalidModule = errors.New("invalid module")

	// ErrInstantiation is returned when a module fails while being instantiated
	ErrInstantiation = errors.New("module instantiation failed")

	// ErrDisposed is returned when a closed context is used
	ErrDisposed = errors.New("load context is disposed")

	// ErrEntryLoaded is returned when a second entry is loaded into a context
	ErrEntryLoaded = errors.New("entry module already loaded")
)

// IsAllowListed reports whether name is shared with the host
func IsAllowListed(name string) bool {
	return allowList[name]
}

// Kind tags how a module name was resolved
type Kind int

const (
	Unresolved Kind = iota
	Shared
	Private
)

func (k Kind) String() string {
	switch k {
	case Shared:
		return "shared"
	case Private:
		return "private"
	default:
		return "unresolved"
	}
}

// Resolution is the outcome of resolving one module name
type Resolution struct {
	Kind   Kind
	Name   string
	Module api.Module
}

// State is the lifecycle state of a Context
type State int

const (
	Created State = iota
	Loaded
	Disposed
)

// Options configures a Context
type Options struct {
	// Cache shares compiled code between contexts. Modules stay isolated.
	Cache wazero.CompilationCache
	// Stdout and Stderr receive guest output; discarded when nil
	Stdout io.Writer
	Stderr io.Writer
	Logger *logrus.Logger
}

// Context is an isolated, disposable load context for one plugin
type Context struct {
	mu sync.Mutex

	runtime   wazero.Runtime
	entryName string
	shared    Services
	private   map[string][]byte
	resolved  map[string]Resolution
	resolving map[string]bool
	state     State
	opts      Options
	log       *logrus.Logger
}

// Module is an entry module compiled inside a Context
type Module struct {
	Name     string
	Compiled wazero.CompiledModule
}

// ExportedFunctions returns the module's exported function table
func (m *Module) ExportedFunctions() map[string]api.FunctionDefinition {
	return m.Compiled.ExportedFunctions()
}

// New creates a context and captures the bytes of every binary in outputDir
// except the entry and allow-listed names. Nothing is read from disk later.
func New(ctx context.Context, outputDir, entryName string, shared Services, opts Options) (*Context, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	for name := range shared {
		if !IsAllowListed(name) {
			return nil, fmt.Errorf("%w: %s", ErrNotAllowed, name)
		}
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	private := make(map[string][]byte)
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != ".wasm" || e.Name() == entryName {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".wasm")
		if IsAllowListed(name) {
			opts.Logger.Debugf("Ignoring private copy of shared module %s", name)
			continue
		}
		data, err := os.ReadFile(filepath.Join(outputDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		private[name] = data
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if opts.Cache != nil {
		cfg = cfg.WithCompilationCache(opts.Cache)
	}

	return &Context{
		runtime:   wazero.NewRuntimeWithConfig(ctx, cfg),
		entryName: entryName,
		shared:    shared,
		private:   private,
		resolved:  make(map[string]Resolution),
		resolving: make(map[string]bool),
		opts:      opts,
		log:       opts.Logger,
	}, nil
}

// State returns the context's lifecycle state
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Private returns the names of the captured private modules, sorted
func (c *Context) Private() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.private))
	for name := range c.private {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolved returns how each module name requested so far was resolved
func (c *Context) Resolved() map[string]Kind {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Kind, len(c.resolved))
	for name, r := range c.resolved {
		out[name] = r.Kind
	}
	return out
}

// LoadEntry compiles the entry binary into this context and resolves the
// modules it imports. It is the only way modules enter a context.
func (c *Context) LoadEntry(ctx context.Context, path string) (*Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Disposed:
		return nil, ErrDisposed
	case Loaded:
		return nil, ErrEntryLoaded
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry binary: %w", err)
	}

	compiled, err := c.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidModule, filepath.Base(path), err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".wasm")
	if err := c.resolveImports(ctx, name, compiled); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	c.state = Loaded
	return &Module{Name: name, Compiled: compiled}, nil
}

// Resolve resolves one module name: allow-listed names come from the host
// services, captured binaries are loaded privately, anything else is
// unresolved. There is no filesystem lookup.
func (c *Context) Resolve(ctx context.Context, name string) (Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disposed {
		return Resolution{}, ErrDisposed
	}
	return c.resolve(ctx, name)
}

func (c *Context) resolve(ctx context.Context, name string) (Resolution, error) {
	if r, ok := c.resolved[name]; ok {
		return r, nil
	}

	if IsAllowListed(name) {
		svc, ok := c.shared[name]
		if !ok {
			return Resolution{Kind: Unresolved, Name: name}, fmt.Errorf("%w: host provides no %s", ErrUnresolved, name)
		}
		if err := svc.Instantiate(ctx, c.runtime); err != nil {
			return Resolution{}, fmt.Errorf("failed to instantiate host module %s: %w", name, err)
		}
		mod := c.runtime.Module(name)
		if mod == nil {
			return Resolution{}, fmt.Errorf("%w: host service did not provide %s", ErrUnresolved, name)
		}
		return c.remember(Resolution{Kind: Shared, Name: name, Module: mod}), nil
	}

	data, ok := c.private[name]
	if !ok {
		return Resolution{Kind: Unresolved, Name: name}, nil
	}
	if c.resolving[name] {
		return Resolution{}, fmt.Errorf("%w: %s", ErrImportCycle, name)
	}
	c.resolving[name] = true
	defer delete(c.resolving, name)

	compiled, err := c.runtime.CompileModule(ctx, data)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %s: %v", ErrInvalidModule, name, err)
	}
	if err := c.resolveImports(ctx, name, compiled); err != nil {
		compiled.Close(ctx)
		return Resolution{}, err
	}

	mod, err := c.instantiate(ctx, name, compiled)
	if err != nil {
		return Resolution{}, err
	}
	return c.remember(Resolution{Kind: Private, Name: name, Module: mod}), nil
}

func (c *Context) remember(r Resolution) Resolution {
	c.resolved[r.Name] = r
	c.log.Debugf("Resolved module %s as %s", r.Name, r.Kind)
	return r
}

// resolveImports resolves every module the compiled module imports from and
// checks each import against the resolved module's exports
func (c *Context) resolveImports(ctx context.Context, importer string, compiled wazero.CompiledModule) error {
	funcs := make(map[string][]api.FunctionDefinition)
	mems := make(map[string][]string)
	for _, def := range compiled.ImportedFunctions() {
		mod, _, _ := def.Import()
		funcs[mod] = append(funcs[mod], def)
	}
	for _, def := range compiled.ImportedMemories() {
		mod, field, _ := def.Import()
		mems[mod] = append(mems[mod], field)
	}

	names := make([]string, 0, len(funcs)+len(mems))
	for name := range funcs {
		names = append(names, name)
	}
	for name := range mems {
		if _, ok := funcs[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		res, err := c.resolve(ctx, name)
		if err != nil {
			return fmt.Errorf("%s: %w", importer, err)
		}
		if res.Kind == Unresolved {
			return fmt.Errorf("%w: %s imports %s", ErrUnresolved, importer, name)
		}

		exports := res.Module.ExportedFunctionDefinitions()
		for _, def := range funcs[name] {
			_, field, _ := def.Import()
			exp, ok := exports[field]
			if !ok {
				return fmt.Errorf("%w: %s imports %s.%s which is not exported", ErrImportMismatch, importer, name, field)
			}
			if !sameSignature(def, exp) {
				return fmt.Errorf("%w: %s imports %s.%s with signature %s, exported as %s",
					ErrImportMismatch, importer, name, field, signature(def), signature(exp))
			}
		}

		memExports := res.Module.ExportedMemoryDefinitions()
		for _, field := range mems[name] {
			if _, ok := memExports[field]; !ok {
				return fmt.Errorf("%w: %s imports memory %s.%s which is not exported", ErrImportMismatch, importer, name, field)
			}
		}
	}
	return nil
}

// Instantiate instantiates the entry module, running its constructor.
// A trap or exit during construction is ErrInstantiation.
func (c *Context) Instantiate(ctx context.Context, m *Module) (api.Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disposed {
		return nil, ErrDisposed
	}
	return c.instantiate(ctx, m.Name, m.Compiled)
}

func (c *Context) instantiate(ctx context.Context, name string, compiled wazero.CompiledModule) (api.Module, error) {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions(StartFunction).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	if c.opts.Stdout != nil {
		cfg = cfg.WithStdout(c.opts.Stdout)
	}
	if c.opts.Stderr != nil {
		cfg = cfg.WithStderr(c.opts.Stderr)
	}

	mod, err := c.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInstantiation, name, err)
	}
	if mod.IsClosed() {
		return nil, fmt.Errorf("%w: %s exited during initialization", ErrInstantiation, name)
	}
	return mod, nil
}

// Close disposes the context. Every module loaded into it is released and the
// context cannot be used again.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disposed {
		return nil
	}
	c.state = Disposed
	c.private = nil
	c.resolved = nil
	return c.runtime.Close(ctx)
}

func sameSignature(a, b api.FunctionDefinition) bool {
	return equalTypes(a.ParamTypes(), b.ParamTypes()) && equalTypes(a.ResultTypes(), b.ResultTypes())
}

func equalTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(def api.FunctionDefinition) string {
	names := func(types []api.ValueType) string {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = api.ValueTypeName(t)
		}
		return "(" + strings.Join(parts, ",") + ")"
	}
	return names(def.ParamTypes()) + "->" + names(def.ResultTypes())
}
