package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/yufanbot/yufanbot"

// OTelMetrics holds the OpenTelemetry instruments for the plugin pipeline.
// Instruments come from the global meter provider, a no-op until InitOTel.
type OTelMetrics struct {
	compiles        metric.Int64Counter
	stageDuration   metric.Float64Histogram
	dependencyCache metric.Int64Counter
	loaded          metric.Int64Gauge
}

// NewOTelMetrics creates the pipeline instruments
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(meterName)

	m := &OTelMetrics{}
	var err error

	m.compiles, err = meter.Int64Counter(
		"yufanbot.plugin.compiles",
		metric.WithDescription("Plugin package compiles by result"),
		metric.WithUnit("{compile}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin compiles counter: %w", err)
	}

	m.stageDuration, err = meter.Float64Histogram(
		"yufanbot.plugin.stage.duration",
		metric.WithDescription("Plugin pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	m.dependencyCache, err = meter.Int64Counter(
		"yufanbot.dependency.cache",
		metric.WithDescription("Dependency store lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dependency cache counter: %w", err)
	}

	m.loaded, err = meter.Int64Gauge(
		"yufanbot.plugins.loaded",
		metric.WithDescription("Number of plugins currently loaded"),
		metric.WithUnit("{plugin}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create loaded plugins gauge: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) recordCompile(ctx context.Context, result, kind string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("result", result)}
	if kind != "" {
		attrs = append(attrs, attribute.String("kind", kind))
	}
	m.compiles.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *OTelMetrics) recordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *OTelMetrics) recordDependency(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.dependencyCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *OTelMetrics) recordLoaded(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.loaded.Record(ctx, int64(n))
}
