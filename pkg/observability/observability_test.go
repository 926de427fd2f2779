package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", FormatJSON, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("plugin", "echo").Info("loaded")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "echo", line["plugin"])
	assert.Equal(t, "loaded", line["msg"])
}

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger("", "", &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger("loud", FormatText, nil)
	assert.Error(t, err)

	_, err = NewLogger("info", "xml", nil)
	assert.Error(t, err)
}

func TestPluginMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPluginMetrics(registry)
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordCompile(ctx, "")
	m.RecordCompile(ctx, "CompileFailed")
	m.RecordCompile(ctx, "CompileFailed")
	m.RecordDependency(ctx, true)
	m.RecordDependency(ctx, false)
	m.RecordDependency(ctx, false)
	m.ObserveStage(ctx, "build", 2*time.Second)
	m.SetLoaded(ctx, 4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompilesTotal.WithLabelValues(ResultLoaded)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CompilesTotal.WithLabelValues(ResultFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("CompileFailed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DependencyCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DependencyCacheTotal.WithLabelValues("miss")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PluginsLoaded))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestPluginMetrics_NilIsNoop(t *testing.T) {
	var m *PluginMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordCompile(ctx, "NotAPlugin")
		m.RecordDependency(ctx, true)
		m.ObserveStage(ctx, "extract", time.Millisecond)
		m.SetLoaded(ctx, 1)
	})
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker("1.2.3")
	h.Register("cache", true, func(context.Context) error { return nil })
	h.Register("plugins", false, func(context.Context) error { return errors.New("no plugins loaded") })

	status := h.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, StatusHealthy, status.Dependencies["cache"].Status)
	assert.Equal(t, "no plugins loaded", status.Dependencies["plugins"].Message)

	h.Register("cache", true, func(context.Context) error { return errors.New("not writable") })
	assert.Equal(t, StatusUnhealthy, h.Check(context.Background()).Status)
}

// staticPlugins serves a fixed plugin list
type staticPlugins []PluginInfo

func (s staticPlugins) PluginInfo() []PluginInfo {
	return s
}

func (s staticPlugins) LookupPlugin(id string) (PluginInfo, bool) {
	for _, p := range s {
		if p.ID == id {
			return p, true
		}
	}
	return PluginInfo{}, false
}

func TestStatusServer_Routes(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPluginMetrics(registry)
	require.NoError(t, err)
	m.SetLoaded(context.Background(), 1)

	health := NewHealthChecker("test")
	health.Register("cache", true, func(context.Context) error { return errors.New("gone") })

	loadedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := NewStatusServer("127.0.0.1:0", registry, health, staticPlugins{
		{ID: "echo", Name: "Echo", Version: "1.0.0", Package: "echo.yf", LoadedAt: loadedAt},
	}, logrus.New())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "yufanbot_plugins_loaded 1")

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz/ready").Code)

	rec = get("/plugins")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []PluginInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "echo", list[0].ID)
	assert.True(t, loadedAt.Equal(list[0].LoadedAt))

	rec = get("/plugins/echo")
	require.Equal(t, http.StatusOK, rec.Code)
	var info PluginInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Echo", info.Name)

	assert.Equal(t, http.StatusNotFound, get("/plugins/weather").Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/plugins", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusServer_StartAndShutdown(t *testing.T) {
	srv := NewStatusServer("127.0.0.1:0", prometheus.NewRegistry(), NewHealthChecker(""), nil, logrus.New())
	addr, err := srv.Start()
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/plugins")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, "[]", strings.TrimSpace(buf.String()))

	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestShutdownManager_ReverseOrderOnce(t *testing.T) {
	sm := NewShutdownManager(logrus.New(), time.Second)
	var order []string
	sm.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	sm.Register("second", func(context.Context) error { order = append(order, "second"); return errors.New("boom") })
	sm.Register("third", func(context.Context) error { order = append(order, "third"); return nil })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, []string{"third", "second", "first"}, order)

	require.NoError(t, sm.Shutdown())
	assert.Len(t, order, 3)
}

func TestShutdownManager_WaitForShutdown(t *testing.T) {
	sm := NewShutdownManager(logrus.New(), 0)
	called := make(chan struct{}, 1)
	sm.Register("signal", func(context.Context) error { called <- struct{}{}; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.Len(t, called, 1)
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "worker")
		panic("boom")
	})
	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), "context=worker")

	var recovered interface{}
	func() {
		defer RecoverPanicWithCallback(logger, "worker", func(r interface{}) { recovered = r })
		panic("again")
	}()
	assert.Equal(t, "again", recovered)

	assert.NoError(t, MustRecover(nil))
	assert.EqualError(t, MustRecover("x"), "panic: x")
}

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, logrus.New())
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, providers.Shutdown(context.Background()))
}
