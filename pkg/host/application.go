package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yufanbot/yufanbot/pkg/observability"
	"github.com/yufanbot/yufanbot/pkg/plugins"
	"github.com/yufanbot/yufanbot/pkg/plugins/archive"
)

// PluginCompiler compiles one package, returning nil on failure
type PluginCompiler interface {
	CompilePlugin(ctx context.Context, path string) *plugins.LoadedPlugin
}

// Options configures an Application
type Options struct {
	// PluginDir is scanned for .yf packages; created when missing
	PluginDir string
	// MaxWorkers bounds concurrent compiles
	MaxWorkers int
	// MetricsAddr serves the status endpoints; empty disables them
	MetricsAddr     string
	ShutdownTimeout time.Duration
	Version         string
}

// Option customizes an Application
type Option func(*Application)

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(a *Application) {
		a.log = log
	}
}

// WithMetrics records loaded plugins to metrics and serves gatherer on /metrics
func WithMetrics(metrics *observability.PluginMetrics, gatherer prometheus.Gatherer) Option {
	return func(a *Application) {
		a.metrics = metrics
		a.gatherer = gatherer
	}
}

// WithHost sets the capability object handed to plugins
func WithHost(h plugins.Host) Option {
	return func(a *Application) {
		a.host = h
	}
}

// LoadReport summarizes one LoadPlugins pass
type LoadReport struct {
	// Attempted counts packages whose compile started
	Attempted int
	// Skipped counts packages not started because shutdown began
	Skipped int
	Loaded  []*plugins.LoadedPlugin
}

// Application hosts the plugins compiled from a plugin directory
type Application struct {
	opts     Options
	compiler PluginCompiler
	plugins  *plugins.Collection
	host     plugins.Host
	log      *logrus.Logger
	metrics  *observability.PluginMetrics
	gatherer prometheus.Gatherer
	health   *observability.HealthChecker
}

// New creates an application that compiles plugins with compiler
func New(compiler PluginCompiler, opts Options, options ...Option) *Application {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	a := &Application{
		opts:     opts,
		compiler: compiler,
		plugins:  plugins.NewCollection(),
	}
	for _, opt := range options {
		opt(a)
	}
	if a.log == nil {
		a.log = logrus.New()
	}
	if a.host == nil {
		a.host = NewLogHost(0, a.log)
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.NewRegistry()
	}

	a.health = observability.NewHealthChecker(opts.Version)
	a.health.Register("plugin_directory", true, func(context.Context) error {
		_, err := os.Stat(a.opts.PluginDir)
		return err
	})
	a.health.Register("plugins", false, func(context.Context) error {
		if a.plugins.Len() == 0 {
			return errors.New("no plugins loaded")
		}
		return nil
	})
	return a
}

// Plugins returns the plugins loaded so far
func (a *Application) Plugins() []*plugins.LoadedPlugin {
	return a.plugins.List()
}

// PluginInfo describes the loaded plugins for the status server
func (a *Application) PluginInfo() []observability.PluginInfo {
	loaded := a.plugins.List()
	infos := make([]observability.PluginInfo, 0, len(loaded))
	for _, lp := range loaded {
		infos = append(infos, pluginInfo(lp))
	}
	return infos
}

func pluginInfo(lp *plugins.LoadedPlugin) observability.PluginInfo {
	return observability.PluginInfo{
		ID:       lp.Metadata.ID,
		Name:     lp.Metadata.DisplayName(),
		Version:  lp.Metadata.Version,
		Package:  filepath.Base(lp.Package),
		LoadedAt: lp.LoadedAt,
	}
}

// LookupPlugin describes the loaded plugin with the given id
func (a *Application) LookupPlugin(id string) (observability.PluginInfo, bool) {
	lp, ok := a.plugins.Get(id)
	if !ok {
		return observability.PluginInfo{}, false
	}
	return pluginInfo(lp), true
}

// Packages lists the .yf files directly inside dir, sorted by name
func Packages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !archive.ValidateSuffix(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadPlugins compiles every package in the plugin directory with at most
// MaxWorkers compiles in flight. Once ctx is done no new compile starts;
// compiles already running finish. Only a plugin directory that cannot be
// created or read is an error.
func (a *Application) LoadPlugins(ctx context.Context) (*LoadReport, error) {
	report := &LoadReport{}

	if _, err := os.Stat(a.opts.PluginDir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(a.opts.PluginDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create plugin directory: %w", err)
		}
		a.log.Infof("Created plugin directory %s", a.opts.PluginDir)
	}

	paths, err := Packages(a.opts.PluginDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var attempted, skipped atomic.Int64
	compileCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(a.opts.MaxWorkers)
	for _, path := range paths {
		if ctx.Err() != nil {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			attempted.Add(1)

			lp := a.compiler.CompilePlugin(compileCtx, path)
			if lp == nil {
				return nil
			}
			if err := a.plugins.Add(lp); err != nil {
				a.log.WithField("package", filepath.Base(path)).Warnf("Discarding plugin: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Attempted = int(attempted.Load())
	report.Skipped = int(skipped.Load())
	report.Loaded = a.plugins.List()
	a.metrics.SetLoaded(ctx, len(report.Loaded))

	a.log.Infof("%d plugins were loaded (%d packages attempted)", len(report.Loaded), report.Attempted)
	if report.Skipped > 0 {
		a.log.Warnf("%d packages were skipped because shutdown began", report.Skipped)
	}
	if len(report.Loaded) == 0 {
		a.log.Warn("You're running a yufan bot without any plugin, no actions will be done.")
	}
	for _, lp := range report.Loaded {
		a.log.Infof("- %s %s", lp.Metadata.DisplayName(), lp.Metadata.Version)
	}

	return report, nil
}

// InitializePlugins runs OnInitialize then OnInitializeAsync on every
// loaded plugin. A failing plugin is logged and the rest still run.
func (a *Application) InitializePlugins(ctx context.Context) int {
	failed := 0
	for _, lp := range a.plugins.List() {
		log := a.log.WithField("plugin", lp.Metadata.ID)
		if err := a.initialize(ctx, lp); err != nil {
			failed++
			log.Warnf("Plugin initialization failed: %v", err)
			continue
		}
		log.Debug("Plugin initialized")
	}
	return failed
}

func (a *Application) initialize(ctx context.Context, lp *plugins.LoadedPlugin) (err error) {
	defer observability.RecoverPanicWithCallback(a.log.WithField("plugin", lp.Metadata.ID), "plugin initialize", func(r interface{}) {
		err = observability.MustRecover(r)
	})

	if err := lp.Entry.OnInitialize(ctx, a.host); err != nil {
		return err
	}
	return lp.Entry.OnInitializeAsync(ctx, a.host)
}

// UnloadPlugins releases every loaded plugin
func (a *Application) UnloadPlugins(ctx context.Context) error {
	var errs []error
	for _, lp := range a.plugins.Clear() {
		if err := lp.Unload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", lp.Metadata.ID, err))
		}
	}
	a.metrics.SetLoaded(ctx, 0)
	return errors.Join(errs...)
}

// Run loads and initializes the plugins, serves status when configured and
// blocks until ctx is done. Plugins are unloaded before it returns.
func (a *Application) Run(ctx context.Context) error {
	shutdown := observability.NewShutdownManager(a.log, a.opts.ShutdownTimeout)
	shutdown.Register("plugins", a.UnloadPlugins)

	if _, err := a.LoadPlugins(ctx); err != nil {
		_ = shutdown.Shutdown()
		return err
	}

	if a.opts.MetricsAddr != "" {
		srv := observability.NewStatusServer(a.opts.MetricsAddr, a.gatherer, a.health, a, a.log)
		addr, err := srv.Start()
		if err != nil {
			_ = shutdown.Shutdown()
			return fmt.Errorf("failed to start status server: %w", err)
		}
		a.log.Infof("Status server listening on %s", addr)
		shutdown.Register("status server", srv.Shutdown)
	}

	if ctx.Err() == nil {
		if failed := a.InitializePlugins(ctx); failed > 0 {
			a.log.Warnf("%d plugins failed to initialize", failed)
		}
	}

	return shutdown.WaitForShutdown(ctx)
}
