package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/yufanbot/yufanbot/pkg/host"
	"github.com/yufanbot/yufanbot/pkg/observability"
)

// Version is reported by the health endpoint
var Version = "dev"

func newRunCommand() *Command {
	cmd := &Command{
		Name:        "run",
		Description: "Compile every plugin in the plugin directory and run the bot",
		Flags:       flag.NewFlagSet("run", flag.ExitOnError),
		Run:         runRun,
	}

	cmd.Flags.String("config", "", "Path to the configuration file (default yufanbot.yaml)")
	cmd.Flags.String("plugins", "", "Plugin directory, overrides plugin.directory")

	return cmd
}

func runRun(args []string) error {
	cmd := newRunCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	cfg, log, err := setup(cmd.Flags.Lookup("config").Value.String(), os.Stderr)
	if err != nil {
		return err
	}
	if dir := cmd.Flags.Lookup("plugins").Value.String(); dir != "" {
		cfg.Plugin.Directory = dir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTelConfig(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			log.Warnf("Failed to shut down OpenTelemetry: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewPluginMetrics(registry)
	if err != nil {
		return err
	}

	compiler, closeCompiler, err := host.NewCompiler(ctx, cfg, log, metrics)
	if err != nil {
		log.Errorf("Cannot start without a plugin cache: %v", err)
		return err
	}
	defer closeCompiler()

	app := host.New(compiler, host.Options{
		PluginDir:       cfg.Plugin.Directory,
		MaxWorkers:      cfg.Plugin.Compiler.MaxWorkers,
		MetricsAddr:     cfg.Observability.MetricsAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Version:         Version,
	},
		host.WithLogger(log),
		host.WithMetrics(metrics, registry),
		host.WithHost(host.NewLogHost(cfg.Bot.SelfID, log)),
	)

	log.Infof("Starting yufanbot %s (plugins from %s)", Version, cfg.Plugin.Directory)
	return app.Run(ctx)
}
