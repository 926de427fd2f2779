// Package observability provides logrus logging, Prometheus and OpenTelemetry
// metrics, tracing setup, health checks and the status server.
//
// # Logging
//
//	logger, err := observability.NewLogger("info", observability.FormatText, os.Stderr)
//	logger.WithField("plugin", "echo").Info("Plugin loaded")
//
// # Metrics
//
// PluginMetrics records every compile to Prometheus and to the global
// OpenTelemetry meter:
//
//	registry := prometheus.NewRegistry()
//	metrics, err := observability.NewPluginMetrics(registry)
//	metrics.RecordCompile(ctx, "")
//	metrics.ObserveStage(ctx, "build", time.Since(start))
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "yufanbot",
//	}, logger)
//	defer providers.Shutdown(ctx)
//
// # Status server
//
// NewStatusServer serves /metrics, /healthz, /healthz/ready, /plugins and /plugins/{id}.
package observability
