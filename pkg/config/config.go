package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yufanbot/yufanbot/pkg/observability"
	"github.com/yufanbot/yufanbot/pkg/plugins/builder"
)

// DefaultFile is read when no config file is given
const DefaultFile = "yufanbot.yaml"

// Toolchains accepted by plugin.compiler.toolchain
const (
	ToolchainExec   = "exec"
	ToolchainDocker = "docker"
)

// Config holds all application configuration
type Config struct {
	Plugin        PluginConfig        `yaml:"plugin"`
	Bot           BotConfig           `yaml:"bot"`
	Observability ObservabilityConfig `yaml:"observability"`

	// ShutdownTimeout bounds plugin unloading and server shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// File is the config file that was read, empty when none was
	File string `yaml:"-"`
}

// PluginConfig holds plugin loading settings
type PluginConfig struct {
	Directory string         `yaml:"directory"`
	Compiler  CompilerConfig `yaml:"compiler"`
}

// CompilerConfig holds plugin compiler settings
type CompilerConfig struct {
	// Sources are dependency registries in priority order
	Sources    []string `yaml:"sources"`
	CacheDir   string   `yaml:"cache_dir"`
	MaxWorkers int      `yaml:"max_workers"`
	// BuildTimeout kills a build that runs longer; zero disables it
	BuildTimeout time.Duration `yaml:"build_timeout"`

	Toolchain   string `yaml:"toolchain"`
	GoBinary    string `yaml:"go_binary"`
	DockerImage string `yaml:"docker_image"`

	VersionCacheSize int           `yaml:"version_cache_size"`
	VersionCacheTTL  time.Duration `yaml:"version_cache_ttl"`

	S3 S3Config `yaml:"s3"`
}

// S3Config configures s3:// registry sources
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// BotConfig holds the identity the host reports to plugins
type BotConfig struct {
	SelfID int64 `yaml:"self_id"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsAddr serves /metrics, /healthz and /plugins; empty disables it
	MetricsAddr string `yaml:"metrics_addr"`

	OTel OTelConfig `yaml:"otel"`
}

// OTelConfig holds OpenTelemetry exporter settings
type OTelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Insecure       bool   `yaml:"insecure"`
}

// RuntimeRoot is the directory holding the running executable, or the
// working directory when that cannot be determined
func RuntimeRoot() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Plugin: PluginConfig{
			Directory: "plugins",
			Compiler: CompilerConfig{
				Sources:          []string{"registry"},
				CacheDir:         filepath.Join(RuntimeRoot(), ".plugincache"),
				MaxWorkers:       runtime.NumCPU(),
				BuildTimeout:     10 * time.Minute,
				Toolchain:        ToolchainExec,
				GoBinary:         "go",
				DockerImage:      builder.DefaultDockerImage,
				VersionCacheSize: 256,
				VersionCacheTTL:  5 * time.Minute,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: observability.FormatText,
			OTel: OTelConfig{
				Endpoint:       "localhost:4317",
				ServiceName:    "yufanbot",
				ServiceVersion: "1.0.0",
				Insecure:       true,
			},
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadConfig loads defaults, then the YAML file at path, then YUFAN_*
// environment overrides, and validates the result. An empty path reads
// DefaultFile when it exists.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	file := path
	if file == "" {
		file = DefaultFile
	}
	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file, err)
		}
		cfg.File = file
	case path == "" && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides settings from YUFAN_* environment variables
func (c *Config) applyEnv() {
	p := &c.Plugin
	p.Directory = getEnv("YUFAN_PLUGIN_DIR", p.Directory)
	p.Compiler.Sources = getEnvList("YUFAN_PLUGIN_SOURCES", p.Compiler.Sources)
	p.Compiler.CacheDir = getEnv("YUFAN_CACHE_DIR", p.Compiler.CacheDir)
	p.Compiler.MaxWorkers = getEnvInt("YUFAN_MAX_WORKERS", p.Compiler.MaxWorkers)
	p.Compiler.BuildTimeout = getEnvDuration("YUFAN_BUILD_TIMEOUT", p.Compiler.BuildTimeout)
	p.Compiler.Toolchain = getEnv("YUFAN_TOOLCHAIN", p.Compiler.Toolchain)
	p.Compiler.GoBinary = getEnv("YUFAN_GO_BINARY", p.Compiler.GoBinary)
	p.Compiler.DockerImage = getEnv("YUFAN_DOCKER_IMAGE", p.Compiler.DockerImage)
	p.Compiler.VersionCacheSize = getEnvInt("YUFAN_VERSION_CACHE_SIZE", p.Compiler.VersionCacheSize)
	p.Compiler.VersionCacheTTL = getEnvDuration("YUFAN_VERSION_CACHE_TTL", p.Compiler.VersionCacheTTL)

	s3 := &p.Compiler.S3
	s3.Region = getEnv("YUFAN_S3_REGION", s3.Region)
	s3.Endpoint = getEnv("YUFAN_S3_ENDPOINT", s3.Endpoint)
	s3.AccessKey = getEnv("YUFAN_S3_ACCESS_KEY", s3.AccessKey)
	s3.SecretKey = getEnv("YUFAN_S3_SECRET_KEY", s3.SecretKey)
	s3.UsePathStyle = getEnvBool("YUFAN_S3_USE_PATH_STYLE", s3.UsePathStyle)

	c.Bot.SelfID = getEnvInt64("YUFAN_SELF_ID", c.Bot.SelfID)

	o := &c.Observability
	o.LogLevel = getEnv("YUFAN_LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("YUFAN_LOG_FORMAT", o.LogFormat)
	o.MetricsAddr = getEnv("YUFAN_METRICS_ADDR", o.MetricsAddr)
	o.OTel.Enabled = getEnvBool("YUFAN_OTEL_ENABLED", o.OTel.Enabled)
	o.OTel.Endpoint = getEnv("YUFAN_OTEL_ENDPOINT", o.OTel.Endpoint)
	o.OTel.ServiceName = getEnv("YUFAN_OTEL_SERVICE_NAME", o.OTel.ServiceName)
	o.OTel.ServiceVersion = getEnv("YUFAN_OTEL_SERVICE_VERSION", o.OTel.ServiceVersion)
	o.OTel.Insecure = getEnvBool("YUFAN_OTEL_INSECURE", o.OTel.Insecure)

	c.ShutdownTimeout = getEnvDuration("YUFAN_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Plugin.Directory) == "" {
		return fmt.Errorf("plugin directory is required")
	}

	compiler := c.Plugin.Compiler
	if strings.TrimSpace(compiler.CacheDir) == "" {
		return fmt.Errorf("plugin cache directory is required")
	}
	if compiler.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1, got %d", compiler.MaxWorkers)
	}
	if compiler.BuildTimeout < 0 {
		return fmt.Errorf("build timeout must not be negative")
	}
	for i, src := range compiler.Sources {
		if strings.TrimSpace(src) == "" {
			return fmt.Errorf("plugin source %d is blank", i)
		}
	}

	switch compiler.Toolchain {
	case ToolchainExec:
		if compiler.GoBinary == "" {
			return fmt.Errorf("go binary is required for the exec toolchain")
		}
	case ToolchainDocker:
		if compiler.DockerImage == "" {
			return fmt.Errorf("docker image is required for the docker toolchain")
		}
	default:
		return fmt.Errorf("invalid toolchain: %s (must be exec or docker)", compiler.Toolchain)
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Observability.LogFormat {
	case observability.FormatText, observability.FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	if c.Observability.OTel.Enabled {
		if c.Observability.OTel.Endpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTel.ServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// OTelConfig converts the exporter settings for observability.InitOTel
func (o ObservabilityConfig) OTelConfig() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTel.Enabled,
		Endpoint:       o.OTel.Endpoint,
		ServiceName:    o.OTel.ServiceName,
		ServiceVersion: o.OTel.ServiceVersion,
		Insecure:       o.OTel.Insecure,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
