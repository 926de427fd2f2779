package builder_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yufanbot/yufanbot/pkg/plugins/builder"
	"github.com/yufanbot/yufanbot/pkg/plugins/builder/buildertest"
)

func writeProject(t *testing.T, dir, modulePath string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module "+modulePath+"\n\ngo 1.24\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644))
}

func TestBuild_Success(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/echo")
	tc := &buildertest.Toolchain{Wasm: []byte("\x00asm")}

	artifact, err := builder.New(tc, builder.Options{}).Build(context.Background(), ws, nil)
	require.NoError(t, err)

	assert.Equal(t, "echo.wasm", artifact.EntryName)
	assert.Equal(t, filepath.Join(ws, "bin"), artifact.OutputDir)
	data, err := os.ReadFile(artifact.EntryPath())
	require.NoError(t, err)
	assert.Equal(t, "\x00asm", string(data))

	calls := tc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ws, calls[0].Dir)
	assert.Equal(t, []string{"build", "-trimpath", "-buildmode=c-shared", "-ldflags=-s -w", "-o", "bin/echo.wasm", "."}, calls[0].Args)
	assert.Contains(t, calls[0].Env, "GOOS=wasip1")
	assert.Contains(t, calls[0].Env, "GOARCH=wasm")
}

func TestBuild_ProjectInSubdirectory(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, filepath.Join(ws, "src"), "example.com/nested/v2")
	tc := &buildertest.Toolchain{Wasm: []byte{0}}

	artifact, err := builder.New(tc, builder.Options{}).Build(context.Background(), ws, nil)
	require.NoError(t, err)
	assert.Equal(t, "nested.wasm", artifact.EntryName)
	assert.Equal(t, filepath.Join(ws, "src", "bin"), artifact.OutputDir)
}

func TestBuild_NoProjectFile(t *testing.T) {
	tc := &buildertest.Toolchain{}
	_, err := builder.New(tc, builder.Options{}).Build(context.Background(), t.TempDir(), nil)

	assert.True(t, builder.IsNoProjectFileError(err))
	assert.Empty(t, tc.Calls())
}

func TestBuild_AmbiguousProjectFile(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/a")
	writeProject(t, filepath.Join(ws, "tools"), "example.com/b")
	tc := &buildertest.Toolchain{}

	_, err := builder.New(tc, builder.Options{}).Build(context.Background(), ws, nil)
	assert.True(t, builder.IsAmbiguousProjectFileError(err))
	assert.Empty(t, tc.Calls())
}

func TestBuild_CleansPreviousOutput(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/echo")
	stale := filepath.Join(ws, "bin", "stale.wasm")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte{0}, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "obj", "cache"), 0755))

	tc := &buildertest.Toolchain{Wasm: []byte{0}}
	_, err := builder.New(tc, builder.Options{}).Build(context.Background(), ws, nil)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ws, "obj"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuild_NonZeroExitSurfacesOutput(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/echo")
	tc := &buildertest.Toolchain{ExitCode: 1, Stderr: "./main.go:3:1: syntax error"}

	_, err := builder.New(tc, builder.Options{}).Build(context.Background(), ws, nil)
	require.True(t, builder.IsCompileFailedError(err))

	var compileErr *builder.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, 1, compileErr.ExitCode)
	assert.Contains(t, compileErr.Output(), "syntax error")
}

func TestBuild_MissingOutput(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/echo")
	tc := &buildertest.Toolchain{SkipOutput: true}

	_, err := builder.New(tc, builder.Options{}).Build(context.Background(), ws, nil)
	assert.True(t, builder.IsCompileFailedError(err))
}

func TestBuild_ToolchainLaunchFailure(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/echo")
	tc := &buildertest.Toolchain{Err: errors.New("exec: \"go\": executable file not found")}

	_, err := builder.New(tc, builder.Options{}).Build(context.Background(), ws, nil)
	assert.True(t, builder.IsCompileFailedError(err))
}

func TestBuild_Timeout(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/echo")
	tc := &buildertest.Toolchain{Block: true}

	_, err := builder.New(tc, builder.Options{Timeout: 50 * time.Millisecond}).Build(context.Background(), ws, nil)

	var compileErr *builder.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.True(t, compileErr.TimedOut)
}

func TestBuild_CancelledIsNotATimeout(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/echo")
	tc := &buildertest.Toolchain{Block: true}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := builder.New(tc, builder.Options{}).Build(ctx, ws, nil)

	var compileErr *builder.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.False(t, compileErr.TimedOut)
	assert.Equal(t, -1, compileErr.ExitCode)
}

func TestBuild_PublishesDependencies(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, "example.com/echo")

	depDir := t.TempDir()
	lib := filepath.Join(depDir, "counterlib.wasm")
	shadow := filepath.Join(depDir, "echo.wasm")
	require.NoError(t, os.WriteFile(lib, []byte("lib"), 0644))
	require.NoError(t, os.WriteFile(shadow, []byte("shadow"), 0644))

	tc := &buildertest.Toolchain{Wasm: []byte("entry")}
	artifact, err := builder.New(tc, builder.Options{}).Build(context.Background(), ws, []string{lib, shadow})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(artifact.OutputDir, "counterlib.wasm"))
	require.NoError(t, err)
	assert.Equal(t, "lib", string(data))

	data, err = os.ReadFile(artifact.EntryPath())
	require.NoError(t, err)
	assert.Equal(t, "entry", string(data))
}

func TestEntryName(t *testing.T) {
	tests := []struct {
		module string
		want   string
	}{
		{"example.com/echo", "echo.wasm"},
		{"echo", "echo.wasm"},
		{"github.com/acme/weather/v3", "weather.wasm"},
		{"gopkg.in/plugin.v1", "plugin.wasm"},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			dir := t.TempDir()
			writeProject(t, dir, tt.module)
			got, err := builder.EntryName(filepath.Join(dir, "go.mod"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEntryName_NoModuleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go.mod")
	require.NoError(t, os.WriteFile(path, []byte("go 1.24\n"), 0644))

	_, err := builder.EntryName(path)
	assert.True(t, builder.IsCompileFailedError(err))
}
