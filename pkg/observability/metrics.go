package observability

import (
	"context"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Compile results
const (
	ResultLoaded = "loaded"
	ResultFailed = "failed"
)

// KindPanic labels failures that ended in a recovered panic rather than a
// classified error
const KindPanic = "panic"

// PluginMetrics records the compile pipeline to Prometheus and to the
// global OpenTelemetry meter. A nil *PluginMetrics records nothing.
type PluginMetrics struct {
	CompilesTotal        *prometheus.CounterVec
	FailuresTotal        *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	DependencyCacheTotal *prometheus.CounterVec
	PluginsLoaded        prometheus.Gauge

	otel *OTelMetrics
}

// NewPluginMetrics creates and registers the pipeline metrics
func NewPluginMetrics(registry prometheus.Registerer) (*PluginMetrics, error) {
	m := &PluginMetrics{
		CompilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yufanbot_plugin_compiles_total",
				Help: "Total number of plugin package compiles",
			},
			[]string{"result"},
		),
		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yufanbot_plugin_failures_total",
				Help: "Total number of failed plugin compiles by failure kind",
			},
			[]string{"kind"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yufanbot_plugin_stage_duration_seconds",
				Help:    "Duration of each plugin pipeline stage in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		DependencyCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yufanbot_dependency_cache_total",
				Help: "Dependency store lookups by result",
			},
			[]string{"result"},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "yufanbot_plugins_loaded",
				Help: "Number of plugins currently loaded",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.CompilesTotal,
			m.FailuresTotal,
			m.StageDuration,
			m.DependencyCacheTotal,
			m.PluginsLoaded,
		)
	}

	otelMetrics, err := NewOTelMetrics()
	if err != nil {
		return nil, err
	}
	m.otel = otelMetrics

	return m, nil
}

// RecordCompile counts one finished compile; kind is empty on success
func (m *PluginMetrics) RecordCompile(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	result := ResultLoaded
	if kind != "" {
		result = ResultFailed
		m.FailuresTotal.WithLabelValues(kind).Inc()
	}
	m.CompilesTotal.WithLabelValues(result).Inc()
	m.otel.recordCompile(ctx, result, kind)
}

// ObserveStage records how long one pipeline stage took
func (m *PluginMetrics) ObserveStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.otel.recordStage(ctx, stage, d)
}

// RecordDependency counts a dependency store hit or miss
func (m *PluginMetrics) RecordDependency(ctx context.Context, cached bool) {
	if m == nil {
		return
	}
	result := "miss"
	if cached {
		result = "hit"
	}
	m.DependencyCacheTotal.WithLabelValues(result).Inc()
	m.otel.recordDependency(ctx, result)
}

// SetLoaded sets the loaded-plugin gauge
func (m *PluginMetrics) SetLoaded(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
	m.otel.recordLoaded(ctx, n)
}

// RegisterMetricsEndpoint registers the Prometheus metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
}
