// Package plugintest provides fixtures for exercising the plugin pipeline
// without a Go toolchain: a WebAssembly assembler, plugin package and
// registry writers, and a host that records what plugins do.
package plugintest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Manifest renders a META_INF document.
func Manifest(id string, deps ...string) string {
	quoted := make([]string, len(deps))
	for i, d := range deps {
		quoted[i] = fmt.Sprintf("%q", d)
	}
	return fmt.Sprintf(`{"id":%q,"name":%q,"version":"1.0.0","authors":["test"],"dependencies":[%s]}`,
		id, id, strings.Join(quoted, ","))
}

// GoMod renders a go.mod for module path.
func GoMod(path string) string {
	return fmt.Sprintf("module %s\n\ngo 1.24\n", path)
}

// ZipBytes builds an in-memory zip archive from name->content pairs.
func ZipBytes(t testing.TB, files map[string][]byte) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// WritePackage writes a .yf plugin package to dir/file and returns its path.
// A nil manifest omits META_INF.
func WritePackage(t testing.TB, dir, file string, manifest *string, files map[string]string) string {
	t.Helper()

	contents := make(map[string][]byte, len(files)+1)
	for name, content := range files {
		contents[name] = []byte(content)
	}
	if manifest != nil {
		contents["META_INF"] = []byte(*manifest)
	}

	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, ZipBytes(t, contents), 0644))
	return path
}

// SimplePackage writes a package with a manifest for id, a go.mod for
// example.com/<module> and a main.go.
func SimplePackage(t testing.TB, dir, id, module string, deps ...string) string {
	t.Helper()
	manifest := Manifest(id, deps...)
	return WritePackage(t, dir, id+".yf", &manifest, map[string]string{
		"go.mod":  GoMod("example.com/" + module),
		"main.go": "package main\n\nfunc main() {}\n",
	})
}

// WriteRegistryPackage publishes name@version into a directory registry,
// keeping the @v/list file sorted and free of duplicates.
func WriteRegistryPackage(t testing.TB, root, name, version string, files map[string][]byte) {
	t.Helper()

	dir := filepath.Join(root, strings.ToLower(name), "@v")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, version+".zip"), ZipBytes(t, files), 0644))

	listPath := filepath.Join(dir, "list")
	versions := map[string]bool{version: true}
	if data, err := os.ReadFile(listPath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				versions[line] = true
			}
		}
	}

	list := make([]string, 0, len(versions))
	for v := range versions {
		list = append(list, v)
	}
	sort.Strings(list)
	require.NoError(t, os.WriteFile(listPath, []byte(strings.Join(list, "\n")+"\n"), 0644))
}

// SentMessage is one message a plugin asked the host to send.
type SentMessage struct {
	Target, Text string
}

// RecordingHost records every message plugins send through it.
type RecordingHost struct {
	ID int64
	// Err, when set, is returned from every SendMessage
	Err error

	mu   sync.Mutex
	sent []SentMessage
}

// SelfID returns the configured bot id.
func (h *RecordingHost) SelfID() int64 {
	return h.ID
}

// SendMessage records the message.
func (h *RecordingHost) SendMessage(_ context.Context, target, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return h.Err
	}
	h.sent = append(h.sent, SentMessage{Target: target, Text: text})
	return nil
}

// Sent returns a snapshot of the recorded messages.
func (h *RecordingHost) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SentMessage(nil), h.sent...)
}
