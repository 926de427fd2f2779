// Package config provides application configuration management.
//
// # Overview
//
// Configuration is resolved in layers: built-in defaults, then a YAML file
// (yufanbot.yaml unless another path is given), then YUFAN_* environment
// variables. The result is validated before use.
//
// # Configuration File
//
//	plugin:
//	  directory: plugins
//	  compiler:
//	    sources:
//	      - https://registry.example.com/plugins
//	      - s3://yufan-packages/registry
//	    cache_dir: /opt/yufanbot/.plugincache
//	    max_workers: 4
//	    build_timeout: 10m
//	    toolchain: exec        # exec or docker
//	bot:
//	  self_id: 10001
//	observability:
//	  log_level: info
//	  log_format: text         # text or json
//	  metrics_addr: ":9090"
//
// The cache directory defaults to .plugincache next to the running
// executable, so the cache stays put when the bot is started from another
// working directory. A relative cache_dir is still taken relative to the
// working directory.
//
// # Environment Overrides
//
//	YUFAN_PLUGIN_DIR="plugins"
//	YUFAN_PLUGIN_SOURCES="https://a.example.com,./registry"
//	YUFAN_CACHE_DIR=".plugincache"
//	YUFAN_MAX_WORKERS="8"
//	YUFAN_BUILD_TIMEOUT="5m"   # 0 disables the timeout
//	YUFAN_TOOLCHAIN="docker"
//	YUFAN_GO_BINARY="/usr/local/go/bin/go"
//	YUFAN_DOCKER_IMAGE="golang:1.24"
//	YUFAN_S3_REGION="us-east-1"
//	YUFAN_S3_ENDPOINT="http://localhost:9000"
//	YUFAN_SELF_ID="10001"
//	YUFAN_LOG_LEVEL="debug"
//	YUFAN_LOG_FORMAT="json"
//	YUFAN_METRICS_ADDR=":9090"
//	YUFAN_OTEL_ENABLED="true"
//	YUFAN_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage
//
//	cfg, err := config.LoadConfig("")
//	if err != nil {
//		log.Fatalf("Failed to load configuration: %v", err)
//	}
package config
