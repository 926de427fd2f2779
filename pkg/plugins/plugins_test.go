package plugins_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/yufanbot/yufanbot/pkg/plugins"
	"github.com/yufanbot/yufanbot/pkg/plugins/archive"
	"github.com/yufanbot/yufanbot/pkg/plugins/builder"
	"github.com/yufanbot/yufanbot/pkg/plugins/loader"
	"github.com/yufanbot/yufanbot/pkg/plugins/plugintest"
	"github.com/yufanbot/yufanbot/pkg/plugins/registry"
)

func exportsOf(t *testing.T, wasm []byte) map[string]api.FunctionDefinition {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = r.Close(ctx) })

	compiled, err := r.CompileModule(ctx, wasm)
	require.NoError(t, err)
	return compiled.ExportedFunctions()
}

func TestFindEntry(t *testing.T) {
	entry, err := plugins.FindEntry(exportsOf(t, plugintest.Plugin{Entries: []string{"Echo"}}.Wasm()))
	require.NoError(t, err)
	assert.Equal(t, "Echo", entry.Name)
	assert.Equal(t, "yf_on_initialize__Echo", entry.Export)
	assert.Empty(t, entry.AsyncExport)

	entry, err = plugins.FindEntry(exportsOf(t, plugintest.Plugin{Entries: []string{"Echo"}, Async: true}.Wasm()))
	require.NoError(t, err)
	assert.Equal(t, "yf_on_initialize_async__Echo", entry.AsyncExport)

	// a malformed hook is not a candidate
	entry, err = plugins.FindEntry(exportsOf(t, plugintest.Plugin{
		Entries:          []string{"Echo"},
		MalformedEntries: []string{"Broken"},
	}.Wasm()))
	require.NoError(t, err)
	assert.Equal(t, "Echo", entry.Name)

	_, err = plugins.FindEntry(exportsOf(t, plugintest.Plugin{}.Wasm()))
	assert.ErrorIs(t, err, plugins.ErrNoEntryPoint)

	_, err = plugins.FindEntry(exportsOf(t, plugintest.Plugin{Entries: []string{"Zeta", "Alpha"}}.Wasm()))
	assert.ErrorIs(t, err, plugins.ErrAmbiguousEntryPoint)
	assert.Contains(t, err.Error(), "Alpha, Zeta")
}

func TestFindEntry_IgnoresBarePrefix(t *testing.T) {
	m := plugintest.NewModule()
	status := plugintest.Sig{Results: []plugintest.ValType{plugintest.I32}}
	m.Export(plugins.EntryPrefix, m.Func(status, plugintest.I32Const(0)))

	_, err := plugins.FindEntry(exportsOf(t, m.Bytes()))
	assert.ErrorIs(t, err, plugins.ErrNoEntryPoint)
}

type hostModuleFixture struct {
	logs *bytes.Buffer
	mod  api.Module
}

func newHostModuleFixture(t *testing.T, guest plugintest.Plugin) *hostModuleFixture {
	t.Helper()
	ctx := context.Background()

	logs := &bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(logs)

	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = r.Close(ctx) })
	require.NoError(t, plugins.NewHostModule(log).Instantiate(ctx, r))

	mod, err := r.InstantiateWithConfig(ctx, guest.Wasm(), wazero.NewModuleConfig().WithName("echo"))
	require.NoError(t, err)
	return &hostModuleFixture{logs: logs, mod: mod}
}

func (f *hostModuleFixture) call(t *testing.T, ctx context.Context, export string) uint64 {
	t.Helper()
	results, err := f.mod.ExportedFunction(export).Call(ctx)
	require.NoError(t, err)
	return results[0]
}

func TestHostModule_SendMessage(t *testing.T) {
	f := newHostModuleFixture(t, plugintest.Plugin{
		Entries:  []string{"Echo"},
		Greeting: &plugintest.Message{Target: "group:42", Text: "hi there"},
	})
	hook := plugins.EntryPrefix + "Echo"

	assert.Equal(t, uint64(plugins.StatusNoHost), f.call(t, context.Background(), hook))

	host := &plugintest.RecordingHost{}
	assert.Equal(t, uint64(plugins.StatusOK), f.call(t, plugins.WithHost(context.Background(), host), hook))
	assert.Equal(t, []plugintest.SentMessage{{Target: "group:42", Text: "hi there"}}, host.Sent())

	failing := &plugintest.RecordingHost{Err: errors.New("rate limited")}
	assert.Equal(t, uint64(plugins.StatusFailed), f.call(t, plugins.WithHost(context.Background(), failing), hook))
	assert.Contains(t, f.logs.String(), "rate limited")
}

func TestHostModule_SelfID(t *testing.T) {
	f := newHostModuleFixture(t, plugintest.Plugin{Entries: []string{"Echo"}, SelfID: true})

	assert.Zero(t, f.call(t, context.Background(), "bot_self_id"))
	ctx := plugins.WithHost(context.Background(), &plugintest.RecordingHost{ID: 10001})
	assert.Equal(t, uint64(10001), f.call(t, ctx, "bot_self_id"))
}

func TestHostModule_Log(t *testing.T) {
	f := newHostModuleFixture(t, plugintest.Plugin{Entries: []string{"Echo"}, Log: "warming up"})

	assert.Equal(t, uint64(0), f.call(t, context.Background(), plugins.EntryPrefix+"Echo"))
	assert.Contains(t, f.logs.String(), "warming up")
	assert.Contains(t, f.logs.String(), "plugin=echo")
	assert.Contains(t, f.logs.String(), "level=info")
}

func TestHostModule_Services(t *testing.T) {
	services := plugins.NewHostModule(nil).Services()
	assert.Contains(t, services, loader.HostModuleName)
	assert.Contains(t, services, "wasi_snapshot_preview1")
	for name := range services {
		assert.True(t, loader.IsAllowListed(name), name)
	}
}

func TestWasmPlugin_StatusError(t *testing.T) {
	f := newFixture(t)
	f.output("echo", plugintest.Plugin{Entries: []string{"Echo"}, Async: true, Status: 7}.Wasm())

	lp, err := f.compile(plugintest.SimplePackage(t, f.pkgDir, "echo", "echo"))
	require.NoError(t, err)

	ctx := context.Background()
	err = lp.Entry.OnInitialize(ctx, &plugintest.RecordingHost{})
	var status *plugins.StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, int32(7), status.Status)
	assert.Equal(t, "yf_on_initialize__Echo", status.Hook)

	err = lp.Entry.OnInitializeAsync(ctx, nil)
	require.True(t, errors.As(err, &status))
	assert.Equal(t, "yf_on_initialize_async__Echo", status.Hook)

	require.NoError(t, lp.Unload(ctx))
	require.NoError(t, lp.Unload(ctx))
	assert.ErrorIs(t, lp.Entry.OnInitialize(ctx, nil), plugins.ErrPluginClosed)
}

func TestWasmPlugin_NoAsyncHook(t *testing.T) {
	f := newFixture(t)
	f.output("echo", echoPlugin())

	lp, err := f.compile(plugintest.SimplePackage(t, f.pkgDir, "echo", "echo"))
	require.NoError(t, err)
	assert.NoError(t, lp.Entry.OnInitializeAsync(context.Background(), &plugintest.RecordingHost{}))
}

func TestLoadedPlugin_UnloadNil(t *testing.T) {
	var lp *plugins.LoadedPlugin
	assert.NoError(t, lp.Unload(context.Background()))
}

func TestParseMetadata(t *testing.T) {
	meta, err := plugins.ParseMetadata([]byte(`{
		"id": "echo",
		"authors": ["a", "b"],
		"dependencies": ["counterlib:1.0.0", "jsonlib"],
		"nuget_dependencies": ["jsonlib", "textlib:latest"]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "echo", meta.ID)
	assert.Equal(t, plugins.DefaultVersion, meta.Version)
	assert.Equal(t, "echo", meta.DisplayName())
	assert.Equal(t, []string{"counterlib:1.0.0", "jsonlib", "textlib:latest"}, meta.Dependencies)

	meta, err = plugins.ParseMetadata([]byte(`{"id":"echo","name":"Echo","version":"0.2.0"}`))
	require.NoError(t, err)
	assert.Equal(t, "Echo", meta.DisplayName())
	assert.Equal(t, "0.2.0", meta.Version)
	assert.Empty(t, meta.Dependencies)
}

func TestParseMetadata_Invalid(t *testing.T) {
	docs := []string{
		``,
		`[]`,
		`{}`,
		`{"id":""}`,
		`{"id":"\t"}`,
		`{"id":42}`,
		`{"id":"echo","dependencies":"counterlib"}`,
		`{"id":"echo","authors":[1]}`,
	}
	for _, doc := range docs {
		_, err := plugins.ParseMetadata([]byte(doc))
		assert.ErrorIs(t, err, plugins.ErrManifestInvalid, doc)
	}
}

func TestReadMetadata_Missing(t *testing.T) {
	_, err := plugins.ReadMetadata(t.TempDir())
	assert.ErrorIs(t, err, plugins.ErrManifestMissing)
	assert.Equal(t, plugins.ManifestMissing, plugins.KindOf(err))
}

func TestCollection(t *testing.T) {
	c := plugins.NewCollection()
	assert.Error(t, c.Add(nil))
	assert.Error(t, c.Add(&plugins.LoadedPlugin{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("plugin-%02d", i)
			assert.NoError(t, c.Add(&plugins.LoadedPlugin{
				Metadata: &plugins.Metadata{ID: id},
				Package:  id + ".yf",
				LoadedAt: time.Now(),
			}))
		}(i)
	}
	wg.Wait()

	list := c.List()
	require.Len(t, list, 20)
	assert.Equal(t, 20, c.Len())
	for i, lp := range list {
		assert.Equal(t, fmt.Sprintf("plugin-%02d", i), lp.Metadata.ID)
	}

	lp, ok := c.Get("plugin-07")
	require.True(t, ok)
	assert.Equal(t, "plugin-07.yf", lp.Package)
	_, ok = c.Get("nope")
	assert.False(t, ok)

	assert.Len(t, c.Clear(), 20)
	assert.Zero(t, c.Len())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind plugins.Kind
	}{
		{nil, plugins.KindUnknown},
		{errors.New("other"), plugins.KindUnknown},
		{plugins.ErrNotAPlugin, plugins.NotAPlugin},
		{fmt.Errorf("wrapped: %w", archive.ErrExtractionFailed), plugins.ExtractionFailed},
		{plugins.ErrManifestMissing, plugins.ManifestMissing},
		{plugins.ErrManifestInvalid, plugins.ManifestInvalid},
		{&registry.DependencyError{Dependency: "a:b:c", Err: registry.ErrInvalidDependency}, plugins.DependencyStringInvalid},
		{registry.ErrInvalidVersion, plugins.DependencyVersionInvalid},
		{registry.ErrPackageNotFound, plugins.DependencyNotFound},
		{builder.ErrNoProjectFile, plugins.NoProjectFile},
		{builder.ErrAmbiguousProjectFile, plugins.AmbiguousProjectFile},
		{&builder.CompileError{ExitCode: 1}, plugins.CompileFailed},
		{builder.ErrToolchainUnavailable, plugins.CompileFailed},
		{loader.ErrUnresolved, plugins.LoadFailed},
		{loader.ErrImportCycle, plugins.LoadFailed},
		{plugins.ErrNoEntryPoint, plugins.NoEntryPoint},
		{plugins.ErrAmbiguousEntryPoint, plugins.AmbiguousEntryPoint},
		{loader.ErrInstantiation, plugins.InstantiationFailed},
		{plugins.ErrCacheDirectoryUnavailable, plugins.CacheDirectoryUnavailable},
		{&plugins.PipelineError{Kind: plugins.CompileFailed, Err: plugins.ErrNoEntryPoint}, plugins.CompileFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, plugins.KindOf(tt.err), fmt.Sprint(tt.err))
	}
}

func TestPipelineError(t *testing.T) {
	err := &plugins.PipelineError{
		Kind:       plugins.DependencyNotFound,
		Stage:      plugins.StageDependencies,
		Package:    "echo.yf",
		PluginID:   "echo",
		Dependency: "counterlib:9.9.9",
		Err:        registry.ErrPackageNotFound,
	}
	assert.Equal(t, `plugin echo.yf: DependencyNotFound (id echo) (dependency "counterlib:9.9.9"): package not found`, err.Error())
	assert.ErrorIs(t, err, registry.ErrPackageNotFound)

	assert.Equal(t, "Kind(99)", plugins.Kind(99).String())
	assert.Equal(t, "AmbiguousEntryPoint", plugins.AmbiguousEntryPoint.String())
}
