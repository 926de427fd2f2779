// Package depcache stores extracted dependency packages on disk, keyed by
// name and version, for reuse across compiles and runs.
package depcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// markerFile is written last into a finished entry
const markerFile = ".complete"

// ErrEntryNotFound is returned when no finished entry exists for a key
var ErrEntryNotFound = errors.New("cache entry not found")

// Key identifies an immutable dependency package
type Key struct {
	Name    string
	Version string
}

func (k Key) String() string {
	return k.Name + "@" + k.Version
}

// Entry is the record stored in a finished entry's marker file
type Entry struct {
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Source   string    `json:"source,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// FillFunc populates a staging directory with the contents of an entry.
// It returns the source the contents came from.
type FillFunc func(ctx context.Context, dir string) (source string, err error)

// Store is a content-addressed directory store keyed by (name, version).
// Entries are created once and reused afterwards.
type Store struct {
	root  string
	log   *logrus.Logger
	group singleflight.Group
}

// New creates a store rooted at root. The directory is created lazily.
func New(root string, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{root: root, log: log}
}

// Root returns the store's root directory
func (s *Store) Root() string {
	return s.root
}

// Path returns the directory an entry lives in, finished or not
func (s *Store) Path(key Key) string {
	return filepath.Join(s.root, strings.ToLower(key.Name), key.Version)
}

// Lookup returns the directory of a finished entry
func (s *Store) Lookup(key Key) (string, bool) {
	dir := s.Path(key)
	if _, err := os.Stat(filepath.Join(dir, markerFile)); err != nil {
		return "", false
	}
	return dir, true
}

// Entry reads the marker record of a finished entry
func (s *Store) Entry(key Key) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.Path(key), markerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cache entry: %w", err)
	}
	return &entry, nil
}

// Put returns the directory of the entry for key, creating it with fill when
// absent. Concurrent first use of the same key in this process runs fill once.
// Across processes the contents are staged in a temporary directory and moved
// into place; when two writers race, the last one wins.
func (s *Store) Put(ctx context.Context, key Key, fill FillFunc) (string, error) {
	if dir, ok := s.Lookup(key); ok {
		return dir, nil
	}

	v, err, _ := s.group.Do(key.String(), func() (interface{}, error) {
		if dir, ok := s.Lookup(key); ok {
			return dir, nil
		}
		return s.create(ctx, key, fill)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) create(ctx context.Context, key Key, fill FillFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	final := s.Path(key)
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	staging, err := os.MkdirTemp(parent, ".tmp-"+key.Version+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	source, err := fill(ctx, staging)
	if err != nil {
		return "", err
	}

	entry := Entry{Name: key.Name, Version: key.Version, Source: source, StoredAt: time.Now().UTC()}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, markerFile), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write cache entry: %w", err)
	}

	// An unfinished or concurrently written entry may already be in place.
	if _, err := os.Stat(final); err == nil {
		if err := os.RemoveAll(final); err != nil {
			return "", fmt.Errorf("failed to replace cache entry %s: %w", key, err)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		if dir, ok := s.Lookup(key); ok {
			return dir, nil
		}
		return "", fmt.Errorf("failed to commit cache entry %s: %w", key, err)
	}
	committed = true

	s.log.Debugf("Stored %s in dependency cache", key)
	return final, nil
}

// Remove deletes one entry, finished or not
func (s *Store) Remove(key Key) error {
	if err := os.RemoveAll(s.Path(key)); err != nil {
		return fmt.Errorf("failed to remove cache entry %s: %w", key, err)
	}
	return nil
}

// Purge deletes every entry in the store
func (s *Store) Purge() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to purge dependency cache: %w", err)
	}
	return nil
}
