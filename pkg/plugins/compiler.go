package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yufanbot/yufanbot/pkg/observability"
	"github.com/yufanbot/yufanbot/pkg/plugins/archive"
	"github.com/yufanbot/yufanbot/pkg/plugins/builder"
	"github.com/yufanbot/yufanbot/pkg/plugins/depcache"
	"github.com/yufanbot/yufanbot/pkg/plugins/loader"
	"github.com/yufanbot/yufanbot/pkg/plugins/registry"
	"github.com/yufanbot/yufanbot/pkg/plugins/workspace"
)

var tracer = otel.Tracer("github.com/yufanbot/yufanbot/pkg/plugins")

// Pipeline stages, in order
const (
	StageValidate     = "validate"
	StageWorkspace    = "workspace"
	StageExtract      = "extract"
	StageMetadata     = "metadata"
	StageDependencies = "dependencies"
	StageBuild        = "build"
	StageLoad         = "load"
	StageDiscover     = "discover"
	StageInstantiate  = "instantiate"
)

// PackagesDir is the dependency store directory under the cache root
const PackagesDir = "packages"

// CompilerConfig configures a Compiler
type CompilerConfig struct {
	// CacheDir holds workspaces and the dependency store
	CacheDir string
	// Sources are registry sources in priority order
	Sources   []registry.Source
	Toolchain builder.Toolchain
	// BuildTimeout bounds one go build; zero waits for exit
	BuildTimeout     time.Duration
	VersionCacheSize int
	VersionCacheTTL  time.Duration
}

// Option customizes a Compiler
type Option func(*Compiler)

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(c *Compiler) {
		c.log = log
	}
}

// WithMetrics records compiles to m
func WithMetrics(m *observability.PluginMetrics) Option {
	return func(c *Compiler) {
		c.metrics = m
	}
}

// WithHostModule sets the yufan module shared with every plugin
func WithHostModule(h *HostModule) Option {
	return func(c *Compiler) {
		c.host = h
	}
}

// WithCompilationCache shares compiled wasm code between load contexts
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(c *Compiler) {
		c.cache = cache
	}
}

// Compiler runs .yf packages through the plugin pipeline: extract, read the
// manifest, resolve dependencies, build, load in isolation, discover the
// entry and instantiate it.
type Compiler struct {
	cfg     CompilerConfig
	log     *logrus.Logger
	metrics *observability.PluginMetrics
	host    *HostModule
	cache   wazero.CompilationCache

	workspaces *workspace.Manager
	store      *depcache.Store
	resolver   *registry.Resolver
	builder    *builder.Builder
}

// NewCompiler creates the cache root and sweeps what a previous run left
// behind. Failure to create the cache root is ErrCacheDirectoryUnavailable.
func NewCompiler(cfg CompilerConfig, opts ...Option) (*Compiler, error) {
	c := &Compiler{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.New()
	}
	if c.host == nil {
		c.host = NewHostModule(c.log)
	}
	if cfg.Toolchain == nil {
		return nil, errors.New("no build toolchain configured")
	}

	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("%w: no cache directory configured", ErrCacheDirectoryUnavailable)
	}
	packages := filepath.Join(cfg.CacheDir, PackagesDir)
	if err := os.MkdirAll(packages, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheDirectoryUnavailable, err)
	}

	c.workspaces = workspace.NewManager(cfg.CacheDir, c.log)
	removed, err := c.workspaces.Sweep()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheDirectoryUnavailable, err)
	}
	if removed > 0 {
		c.log.Infof("Removed %d stale entries from %s", removed, cfg.CacheDir)
	}

	c.store = depcache.New(packages, c.log)
	c.resolver = registry.NewResolver(cfg.Sources, c.store, registry.Options{
		VersionCacheSize: cfg.VersionCacheSize,
		VersionCacheTTL:  cfg.VersionCacheTTL,
		Logger:           c.log,
	})
	c.builder = builder.New(cfg.Toolchain, builder.Options{
		Timeout: cfg.BuildTimeout,
		Logger:  c.log,
	})

	return c, nil
}

// CleanCache sweeps the cache root; with purge it also empties the dependency store
func (c *Compiler) CleanCache(purge bool) (int, error) {
	removed, err := c.workspaces.Sweep()
	if err != nil {
		return removed, err
	}
	if purge {
		if err := c.store.Purge(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// CompilePlugin compiles one package and never fails: every error, panics
// included, is logged and yields nil.
func (c *Compiler) CompilePlugin(ctx context.Context, path string) (lp *LoadedPlugin) {
	defer observability.RecoverPanicWithCallback(c.log.WithField("package", path), "plugin compile", func(interface{}) {
		lp = nil
		c.metrics.RecordCompile(ctx, observability.KindPanic)
	})

	ctx, span := tracer.Start(ctx, "plugins.CompilePlugin")
	defer span.End()

	lp, err := c.Compile(ctx, path)
	if err != nil {
		c.report(ctx, err)
		return nil
	}
	return lp
}

// report logs a failed compile with its stage, package and dependency
func (c *Compiler) report(ctx context.Context, err error) {
	fields := logrus.Fields{"kind": KindOf(err).String()}
	var pe *PipelineError
	if errors.As(err, &pe) {
		fields["package"] = filepath.Base(pe.Package)
		fields["stage"] = pe.Stage
		if pe.PluginID != "" {
			fields["plugin"] = pe.PluginID
		}
		if pe.Dependency != "" {
			fields["dependency"] = pe.Dependency
		}
	}
	entry := observability.WithTraceContext(ctx, c.log.WithFields(fields))

	var compileErr *builder.CompileError
	if errors.As(err, &compileErr) {
		entry.Errorf("Plugin build failed:\n%s", compileErr.Output())
	}
	entry.Warnf("Failed to compile plugin: %v", err)
}

// Compile runs the pipeline for one package. Failures are *PipelineError.
// The workspace is released on every path, and the load context is closed
// on every failure after it was created.
func (c *Compiler) Compile(ctx context.Context, path string) (*LoadedPlugin, error) {
	ctx, span := tracer.Start(ctx, "plugins.Compile",
		trace.WithAttributes(attribute.String("plugin.package", filepath.Base(path))),
	)
	defer span.End()

	lp, err := c.compile(ctx, path)
	if err != nil {
		kind := KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		c.metrics.RecordCompile(ctx, kind.String())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("plugin.id", lp.Metadata.ID),
		attribute.String("plugin.version", lp.Metadata.Version),
	)
	span.SetStatus(codes.Ok, "plugin loaded")
	c.metrics.RecordCompile(ctx, "")
	return lp, nil
}

type compileRun struct {
	c    *Compiler
	pkg  string
	meta *Metadata
}

func (r *compileRun) fail(stage string, kind Kind, err error) error {
	pe := &PipelineError{Kind: kind, Stage: stage, Package: r.pkg, Err: err}
	if r.meta != nil {
		pe.PluginID = r.meta.ID
	}
	var depErr *registry.DependencyError
	if errors.As(err, &depErr) {
		pe.Dependency = depErr.Dependency
	}
	return pe
}

// failAs classifies err, falling back to kind when it matches no stage sentinel
func (r *compileRun) failAs(stage string, kind Kind, err error) error {
	if k := KindOf(err); k != KindUnknown {
		kind = k
	}
	return r.fail(stage, kind, err)
}

// stage runs fn in its own span and records its duration
func (c *Compiler) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "plugins."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	c.metrics.ObserveStage(ctx, name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

func (c *Compiler) compile(ctx context.Context, path string) (*LoadedPlugin, error) {
	run := &compileRun{c: c, pkg: path}

	if !archive.ValidateSuffix(path) {
		return nil, run.fail(StageValidate, NotAPlugin, fmt.Errorf("%w: %s", ErrNotAPlugin, filepath.Base(path)))
	}

	ws, err := c.workspaces.Acquire()
	if err != nil {
		return nil, run.fail(StageWorkspace, ExtractionFailed, err)
	}
	defer func() {
		if err := ws.Release(); err != nil {
			c.log.Warnf("Failed to release workspace: %v", err)
		}
	}()

	err = c.stage(ctx, StageExtract, func(context.Context) error {
		return archive.Extract(path, ws.Path())
	})
	if err != nil {
		return nil, run.fail(StageExtract, ExtractionFailed, err)
	}

	err = c.stage(ctx, StageMetadata, func(context.Context) error {
		meta, err := ReadMetadata(ws.Path())
		run.meta = meta
		return err
	})
	if err != nil {
		return nil, run.failAs(StageMetadata, ManifestInvalid, err)
	}
	meta := run.meta
	log := c.log.WithFields(logrus.Fields{"package": filepath.Base(path), "plugin": meta.ID})

	var deps []string
	if len(meta.Dependencies) > 0 {
		err = c.stage(ctx, StageDependencies, func(ctx context.Context) error {
			artifacts, err := c.resolver.ResolveAll(ctx, meta.Dependencies)
			if err != nil {
				return err
			}
			for _, a := range artifacts {
				c.metrics.RecordDependency(ctx, a.Cached)
				log.Debugf("Resolved %s@%s (%s, %d binaries)", a.Name, a.Version, a.Target, len(a.Files))
				deps = append(deps, a.Files...)
			}
			return nil
		})
		if err != nil {
			return nil, run.failAs(StageDependencies, DependencyNotFound, err)
		}
	}

	var artifact *builder.Artifact
	err = c.stage(ctx, StageBuild, func(ctx context.Context) error {
		artifact, err = c.builder.Build(ctx, ws.Path(), deps)
		return err
	})
	if err != nil {
		return nil, run.failAs(StageBuild, CompileFailed, err)
	}
	if rel, err := filepath.Rel(ws.Path(), filepath.Join(artifact.ProjectDir, builder.ProjectFile)); err == nil {
		meta.ProjectFile = filepath.ToSlash(rel)
	}

	stdout := log.WriterLevel(logrus.InfoLevel)
	stderr := log.WriterLevel(logrus.WarnLevel)
	closers := []io.Closer{stdout, stderr}

	var lc *loader.Context
	var mod *loader.Module
	err = c.stage(ctx, StageLoad, func(ctx context.Context) error {
		lc, err = loader.New(ctx, artifact.OutputDir, artifact.EntryName, c.host.Services(), loader.Options{
			Cache:  c.cache,
			Stdout: stdout,
			Stderr: stderr,
			Logger: c.log,
		})
		if err != nil {
			return err
		}
		mod, err = lc.LoadEntry(ctx, artifact.EntryPath())
		return err
	})

	loaded := false
	defer func() {
		if loaded {
			return
		}
		if lc != nil {
			_ = lc.Close(context.WithoutCancel(ctx))
		}
		for _, cl := range closers {
			_ = cl.Close()
		}
	}()
	if err != nil {
		return nil, run.fail(StageLoad, LoadFailed, err)
	}

	var entry *EntryPoint
	err = c.stage(ctx, StageDiscover, func(context.Context) error {
		entry, err = FindEntry(mod.ExportedFunctions())
		return err
	})
	if err != nil {
		return nil, run.failAs(StageDiscover, NoEntryPoint, err)
	}

	var lp *LoadedPlugin
	err = c.stage(ctx, StageInstantiate, func(ctx context.Context) error {
		lp, err = Instantiate(ctx, lc, mod, entry, meta)
		return err
	})
	if err != nil {
		return nil, run.fail(StageInstantiate, InstantiationFailed, err)
	}

	if wp, ok := lp.Entry.(*WasmPlugin); ok {
		wp.closers = closers
	}
	lp.Package = path
	lp.LoadedAt = time.Now()
	loaded = true

	log.Infof("Loaded plugin %s %s (entry %s)", meta.DisplayName(), meta.Version, entry.Name)
	return lp, nil
}
