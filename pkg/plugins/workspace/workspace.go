package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Manager allocates scratch directories for extraction and build cycles
type Manager struct {
	root string
	log  *logrus.Logger
}

// Workspace is a uniquely named directory that lives for one extraction+build cycle
type Workspace struct {
	ID  uuid.UUID
	Dir string

	once sync.Once
	err  error
}

// NewManager creates a workspace manager rooted at root
func NewManager(root string, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{root: root, log: log}
}

// Root returns the directory workspaces are created in
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a new empty workspace directory named by a fresh UUID
func (m *Manager) Acquire() (*Workspace, error) {
	id := uuid.New()
	dir := filepath.Join(m.root, id.String())

	// Mkdir rather than MkdirAll: an existing directory means the id collided.
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}

	m.log.Debugf("Acquired workspace %s", dir)
	return &Workspace{ID: id, Dir: dir}, nil
}

// Release recursively deletes the workspace. Only the first call does any work,
// later calls return the first call's result.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.Dir); err != nil {
			w.err = fmt.Errorf("failed to delete workspace %s: %w", w.Dir, err)
		}
	})
	return w.err
}

// Path joins elem onto the workspace directory
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Dir}, elem...)...)
}

// Sweep removes stale top-level files from the root along with workspace
// directories abandoned by a previous run. Other directories are kept.
// It returns the number of removed entries.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cache root: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(m.root, entry.Name())

		if entry.IsDir() {
			if _, err := uuid.Parse(entry.Name()); err != nil {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				m.log.Warnf("Failed to delete abandoned workspace %s: %v", entry.Name(), err)
				continue
			}
			removed++
			continue
		}

		if err := os.Remove(path); err != nil {
			m.log.Warnf("Failed to delete %s in compiler cache: %v", entry.Name(), err)
			continue
		}
		removed++
	}

	return removed, nil
}
