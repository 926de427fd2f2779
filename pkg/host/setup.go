package host

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yufanbot/yufanbot/pkg/config"
	"github.com/yufanbot/yufanbot/pkg/observability"
	"github.com/yufanbot/yufanbot/pkg/plugins"
	"github.com/yufanbot/yufanbot/pkg/plugins/builder"
	"github.com/yufanbot/yufanbot/pkg/plugins/registry"
)

// NewSources creates the configured registry sources in priority order
func NewSources(ctx context.Context, cfg config.CompilerConfig) ([]registry.Source, error) {
	opts := registry.SourceOptions{
		S3: registry.S3Options{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		},
	}

	sources := make([]registry.Source, 0, len(cfg.Sources))
	for _, raw := range cfg.Sources {
		src, err := registry.NewSource(ctx, raw, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create source %s: %w", raw, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// NewToolchain creates the configured build toolchain. The returned close
// function releases the Docker client when one was created.
func NewToolchain(cfg config.CompilerConfig) (builder.Toolchain, func() error, error) {
	switch cfg.Toolchain {
	case config.ToolchainDocker:
		tc, err := builder.NewDockerToolchain(builder.DockerOptions{Image: cfg.DockerImage})
		if err != nil {
			return nil, nil, err
		}
		return tc, tc.Close, nil
	case config.ToolchainExec, "":
		tc, err := builder.NewExecToolchain(cfg.GoBinary)
		if err != nil {
			return nil, nil, err
		}
		return tc, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown toolchain: %s", cfg.Toolchain)
	}
}

// NewCompiler wires a plugin compiler from configuration. Close the returned
// function when the compiler is no longer used.
func NewCompiler(ctx context.Context, cfg *config.Config, log *logrus.Logger, metrics *observability.PluginMetrics) (*plugins.Compiler, func() error, error) {
	compilerCfg := cfg.Plugin.Compiler

	sources, err := NewSources(ctx, compilerCfg)
	if err != nil {
		return nil, nil, err
	}

	toolchain, closeToolchain, err := NewToolchain(compilerCfg)
	if err != nil {
		return nil, nil, err
	}

	compiler, err := plugins.NewCompiler(plugins.CompilerConfig{
		CacheDir:         compilerCfg.CacheDir,
		Sources:          sources,
		Toolchain:        toolchain,
		BuildTimeout:     compilerCfg.BuildTimeout,
		VersionCacheSize: compilerCfg.VersionCacheSize,
		VersionCacheTTL:  compilerCfg.VersionCacheTTL,
	},
		plugins.WithLogger(log),
		plugins.WithMetrics(metrics),
	)
	if err != nil {
		_ = closeToolchain()
		return nil, nil, err
	}

	log.Infof("Plugin compiler ready (cache %s, %d sources, %s toolchain)", compilerCfg.CacheDir, len(sources), compilerCfg.Toolchain)
	return compiler, closeToolchain, nil
}
