package loader

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/yufanbot/yufanbot/pkg/plugins/plugintest"
)

func writeBinaries(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
	}
	return dir
}

func selfIDService(id int64) Service {
	return ServiceFunc(func(ctx context.Context, r wazero.Runtime) error {
		_, err := r.NewHostModuleBuilder(HostModuleName).
			NewFunctionBuilder().
			WithFunc(func(context.Context) int64 { return id }).
			Export("self_id").
			Instantiate(ctx)
		return err
	})
}

func newContext(t *testing.T, dir, entry string, shared Services, opts Options) *Context {
	t.Helper()
	c, err := New(context.Background(), dir, entry, shared, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func load(t *testing.T, c *Context, dir, entry string) *Module {
	t.Helper()
	m, err := c.LoadEntry(context.Background(), filepath.Join(dir, entry))
	require.NoError(t, err)
	return m
}

func call(t *testing.T, c *Context, m *Module, export string) uint64 {
	t.Helper()
	mod, err := c.Instantiate(context.Background(), m)
	require.NoError(t, err)
	fn := mod.ExportedFunction(export)
	require.NotNil(t, fn, export)
	results, err := fn.Call(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0]
}

func TestNew_CapturesPrivateBinaries(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm":       plugintest.Plugin{Entries: []string{"Echo"}}.Wasm(),
		"counterlib.wasm": plugintest.Library{Version: 1}.Wasm(),
		"yufan.wasm":      plugintest.Library{Version: 9}.Wasm(),
		"notes.txt":       []byte("not a module"),
	})

	c := newContext(t, dir, "echo.wasm", nil, Options{})
	assert.Equal(t, []string{"counterlib"}, c.Private())

	// Captured up front; later disk changes are invisible
	require.NoError(t, os.Remove(filepath.Join(dir, "counterlib.wasm")))
	res, err := c.Resolve(context.Background(), "counterlib")
	require.NoError(t, err)
	assert.Equal(t, Private, res.Kind)
}

func TestNew_RejectsServiceOutsideAllowList(t *testing.T) {
	_, err := New(context.Background(), t.TempDir(), "echo.wasm", Services{"counterlib": WASI()}, Options{})
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestNew_MissingOutputDirectory(t *testing.T) {
	_, err := New(context.Background(), filepath.Join(t.TempDir(), "bin"), "echo.wasm", nil, Options{})
	assert.Error(t, err)
}

func TestLoadEntry_PrivateDependency(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm":       plugintest.Plugin{Entries: []string{"Echo"}, Library: "counterlib"}.Wasm(),
		"counterlib.wasm": plugintest.Library{Version: 3}.Wasm(),
	})
	c := newContext(t, dir, "echo.wasm", nil, Options{})

	m := load(t, c, dir, "echo.wasm")
	assert.Equal(t, "echo", m.Name)
	assert.Contains(t, m.ExportedFunctions(), "yf_on_initialize__Echo")
	assert.Equal(t, Loaded, c.State())
	assert.Equal(t, uint64(3), call(t, c, m, "lib_version"))
	assert.Equal(t, map[string]Kind{"counterlib": Private}, c.Resolved())
}

func TestLoadEntry_ResolvesLazily(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm":   plugintest.Plugin{Entries: []string{"Echo"}}.Wasm(),
		"unused.wasm": []byte("garbage that would not compile"),
	})
	c := newContext(t, dir, "echo.wasm", nil, Options{})

	m := load(t, c, dir, "echo.wasm")
	assert.Empty(t, c.Resolved())
	assert.Equal(t, uint64(0), call(t, c, m, "yf_on_initialize__Echo"))
}

func TestLoadEntry_TransitiveDependencies(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm":  plugintest.Plugin{Entries: []string{"Echo"}, Library: "outer"}.Wasm(),
		"outer.wasm": plugintest.Library{Version: 10, Import: "inner"}.Wasm(),
		"inner.wasm": plugintest.Library{Version: 5}.Wasm(),
	})
	c := newContext(t, dir, "echo.wasm", nil, Options{})

	m := load(t, c, dir, "echo.wasm")
	assert.Equal(t, uint64(15), call(t, c, m, "lib_version"))
	assert.Equal(t, map[string]Kind{"outer": Private, "inner": Private}, c.Resolved())
}

func TestLoadEntry_SharedHostModule(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm": plugintest.Plugin{Entries: []string{"Echo"}, SelfID: true}.Wasm(),
	})
	c := newContext(t, dir, "echo.wasm", Services{HostModuleName: selfIDService(4242)}, Options{})

	m := load(t, c, dir, "echo.wasm")
	assert.Equal(t, uint64(4242), call(t, c, m, "bot_self_id"))
	assert.Equal(t, Shared, c.Resolved()[HostModuleName])
}

func TestLoadEntry_SharedModuleWithoutProvider(t *testing.T) {
	// A private copy of an allow-listed name is never used
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm":  plugintest.Plugin{Entries: []string{"Echo"}, SelfID: true}.Wasm(),
		"yufan.wasm": plugintest.Library{Version: 1}.Wasm(),
	})
	c := newContext(t, dir, "echo.wasm", nil, Options{})

	_, err := c.LoadEntry(context.Background(), filepath.Join(dir, "echo.wasm"))
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, Created, c.State())
}

func TestLoadEntry_UnresolvedImport(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm": plugintest.Plugin{Entries: []string{"Echo"}, Library: "missinglib"}.Wasm(),
	})
	c := newContext(t, dir, "echo.wasm", nil, Options{})

	_, err := c.LoadEntry(context.Background(), filepath.Join(dir, "echo.wasm"))
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Contains(t, err.Error(), "missinglib")

	res, err := c.Resolve(context.Background(), "missinglib")
	require.NoError(t, err)
	assert.Equal(t, Unresolved, res.Kind)
}

func TestLoadEntry_ImportMismatch(t *testing.T) {
	tests := []struct {
		name string
		imp  plugintest.Import
	}{
		{
			name: "wrong signature",
			imp: plugintest.Import{Module: "counterlib", Name: "version", Sig: plugintest.Sig{
				Params:  []plugintest.ValType{plugintest.I32},
				Results: []plugintest.ValType{plugintest.I32},
			}},
		},
		{
			name: "missing export",
			imp:  plugintest.Import{Module: "counterlib", Name: "reset", Sig: plugintest.Sig{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeBinaries(t, map[string][]byte{
				"echo.wasm":       plugintest.Plugin{Entries: []string{"Echo"}, Imports: []plugintest.Import{tt.imp}}.Wasm(),
				"counterlib.wasm": plugintest.Library{Version: 1}.Wasm(),
			})
			c := newContext(t, dir, "echo.wasm", nil, Options{})

			_, err := c.LoadEntry(context.Background(), filepath.Join(dir, "echo.wasm"))
			assert.ErrorIs(t, err, ErrImportMismatch)
		})
	}
}

func TestLoadEntry_ImportCycle(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm": plugintest.Plugin{Entries: []string{"Echo"}, Library: "ping"}.Wasm(),
		"ping.wasm": plugintest.Library{Version: 1, Import: "pong"}.Wasm(),
		"pong.wasm": plugintest.Library{Version: 2, Import: "ping"}.Wasm(),
	})
	c := newContext(t, dir, "echo.wasm", nil, Options{})

	_, err := c.LoadEntry(context.Background(), filepath.Join(dir, "echo.wasm"))
	assert.ErrorIs(t, err, ErrImportCycle)
}

func TestLoadEntry_InvalidBinary(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{"echo.wasm": []byte("not wasm")})
	c := newContext(t, dir, "echo.wasm", nil, Options{})

	_, err := c.LoadEntry(context.Background(), filepath.Join(dir, "echo.wasm"))
	assert.ErrorIs(t, err, ErrInvalidModule)
}

func TestLoadEntry_OnlyOnce(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm": plugintest.Plugin{Entries: []string{"Echo"}}.Wasm(),
	})
	c := newContext(t, dir, "echo.wasm", nil, Options{})
	load(t, c, dir, "echo.wasm")

	_, err := c.LoadEntry(context.Background(), filepath.Join(dir, "echo.wasm"))
	assert.ErrorIs(t, err, ErrEntryLoaded)
}

func TestInstantiate_TrapInConstructor(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm": plugintest.Plugin{Entries: []string{"Echo"}, TrapOnInit: true}.Wasm(),
	})
	c := newContext(t, dir, "echo.wasm", nil, Options{})
	m := load(t, c, dir, "echo.wasm")

	_, err := c.Instantiate(context.Background(), m)
	assert.ErrorIs(t, err, ErrInstantiation)
}

func TestContexts_AreIsolated(t *testing.T) {
	cache := wazero.NewCompilationCache()
	defer cache.Close(context.Background())

	first := writeBinaries(t, map[string][]byte{
		"alpha.wasm":      plugintest.Plugin{Entries: []string{"Alpha"}, Library: "counterlib"}.Wasm(),
		"counterlib.wasm": plugintest.Library{Version: 1}.Wasm(),
	})
	second := writeBinaries(t, map[string][]byte{
		"beta.wasm":       plugintest.Plugin{Entries: []string{"Beta"}, Library: "counterlib"}.Wasm(),
		"counterlib.wasm": plugintest.Library{Version: 2}.Wasm(),
	})

	a := newContext(t, first, "alpha.wasm", nil, Options{Cache: cache})
	b := newContext(t, second, "beta.wasm", nil, Options{Cache: cache})

	ma := load(t, a, first, "alpha.wasm")
	mb := load(t, b, second, "beta.wasm")

	assert.Equal(t, uint64(1), call(t, a, ma, "lib_version"))
	assert.Equal(t, uint64(2), call(t, b, mb, "lib_version"))
}

func TestClose_Disposes(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm": plugintest.Plugin{Entries: []string{"Echo"}}.Wasm(),
	})
	c, err := New(context.Background(), dir, "echo.wasm", nil, Options{})
	require.NoError(t, err)
	m := load(t, c, dir, "echo.wasm")

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, Disposed, c.State())

	_, err = c.LoadEntry(context.Background(), filepath.Join(dir, "echo.wasm"))
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = c.Instantiate(context.Background(), m)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = c.Resolve(context.Background(), "counterlib")
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestInstantiate_GuestOutput(t *testing.T) {
	dir := writeBinaries(t, map[string][]byte{
		"echo.wasm": plugintest.Plugin{Entries: []string{"Echo"}}.Wasm(),
	})
	var out bytes.Buffer
	c := newContext(t, dir, "echo.wasm", Services{"wasi_snapshot_preview1": WASI()}, Options{Stdout: &out, Stderr: &out})
	m := load(t, c, dir, "echo.wasm")

	_, err := c.Instantiate(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, out.String())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "shared", Shared.String())
	assert.Equal(t, "private", Private.String())
	assert.Equal(t, "unresolved", Unresolved.String())
}
