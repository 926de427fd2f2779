package depcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLib(content string) FillFunc {
	return func(_ context.Context, dir string) (string, error) {
		lib := filepath.Join(dir, "lib", "wasip1")
		if err := os.MkdirAll(lib, 0755); err != nil {
			return "", err
		}
		return "test", os.WriteFile(filepath.Join(lib, "counterlib.wasm"), []byte(content), 0644)
	}
}

func TestStore_Path(t *testing.T) {
	s := New("/cache/packages", nil)
	assert.Equal(t, filepath.Join("/cache/packages", "counterlib", "1.0.0"), s.Path(Key{Name: "CounterLib", Version: "1.0.0"}))
}

func TestStore_PutThenLookup(t *testing.T) {
	s := New(t.TempDir(), nil)
	key := Key{Name: "counterlib", Version: "1.0.0"}

	_, ok := s.Lookup(key)
	assert.False(t, ok)

	dir, err := s.Put(context.Background(), key, writeLib("v1"))
	require.NoError(t, err)
	assert.Equal(t, s.Path(key), dir)

	found, ok := s.Lookup(key)
	assert.True(t, ok)
	assert.Equal(t, dir, found)

	entry, err := s.Entry(key)
	require.NoError(t, err)
	assert.Equal(t, "counterlib", entry.Name)
	assert.Equal(t, "1.0.0", entry.Version)
	assert.Equal(t, "test", entry.Source)
}

func TestStore_PutReusesExistingEntry(t *testing.T) {
	s := New(t.TempDir(), nil)
	key := Key{Name: "counterlib", Version: "1.0.0"}

	_, err := s.Put(context.Background(), key, writeLib("first"))
	require.NoError(t, err)

	called := false
	dir, err := s.Put(context.Background(), key, func(ctx context.Context, d string) (string, error) {
		called = true
		return writeLib("second")(ctx, d)
	})
	require.NoError(t, err)
	assert.False(t, called)

	data, err := os.ReadFile(filepath.Join(dir, "lib", "wasip1", "counterlib.wasm"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestStore_FailedFillLeavesNoEntry(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil)
	key := Key{Name: "broken", Version: "1.0.0"}

	_, err := s.Put(context.Background(), key, func(_ context.Context, dir string) (string, error) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "partial"), []byte("x"), 0644))
		return "", errors.New("download interrupted")
	})
	require.Error(t, err)

	_, ok := s.Lookup(key)
	assert.False(t, ok)

	entries, err := os.ReadDir(filepath.Join(root, "broken"))
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory should be removed")
}

func TestStore_ReplacesUnfinishedEntry(t *testing.T) {
	s := New(t.TempDir(), nil)
	key := Key{Name: "counterlib", Version: "2.0.0"}

	// Left behind by an interrupted run: no marker.
	require.NoError(t, os.MkdirAll(filepath.Join(s.Path(key), "lib"), 0755))

	dir, err := s.Put(context.Background(), key, writeLib("v2"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "lib", "wasip1", "counterlib.wasm"))
	assert.NoError(t, err)
}

func TestStore_ConcurrentFirstUseFillsOnce(t *testing.T) {
	s := New(t.TempDir(), nil)
	key := Key{Name: "counterlib", Version: "1.0.0"}

	var fills int32
	start := make(chan struct{})
	fill := func(ctx context.Context, dir string) (string, error) {
		atomic.AddInt32(&fills, 1)
		<-start
		return writeLib("v1")(ctx, dir)
	}

	const workers = 8
	var wg sync.WaitGroup
	dirs := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dirs[i], errs[i] = s.Put(context.Background(), key, fill)
		}(i)
	}

	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, s.Path(key), dirs[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fills))
	_, ok := s.Lookup(key)
	assert.True(t, ok)
}

func TestStore_PutHonoursCancelledContext(t *testing.T) {
	s := New(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, Key{Name: "x", Version: "1.0.0"}, writeLib("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_EntryNotFound(t *testing.T) {
	s := New(t.TempDir(), nil)
	_, err := s.Entry(Key{Name: "missing", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestStore_Purge(t *testing.T) {
	root := filepath.Join(t.TempDir(), "packages")
	s := New(root, nil)
	_, err := s.Put(context.Background(), Key{Name: "a", Version: "1.0.0"}, writeLib("a"))
	require.NoError(t, err)

	require.NoError(t, s.Purge())
	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Remove(t *testing.T) {
	s := New(t.TempDir(), nil)
	key := Key{Name: "a", Version: "1.0.0"}
	_, err := s.Put(context.Background(), key, writeLib("a"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(key))
	_, ok := s.Lookup(key)
	assert.False(t, ok)
}
