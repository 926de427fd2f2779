package plugins

import (
	"fmt"
	"sort"
	"sync"
)

// Collection accumulates loaded plugins from concurrent compiles
type Collection struct {
	mu      sync.RWMutex
	plugins []*LoadedPlugin
}

// NewCollection creates an empty collection
func NewCollection() *Collection {
	return &Collection{}
}

// Add appends a loaded plugin
func (c *Collection) Add(p *LoadedPlugin) error {
	if p == nil {
		return fmt.Errorf("cannot add nil plugin")
	}
	if p.Metadata == nil {
		return fmt.Errorf("plugin has nil metadata")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = append(c.plugins, p)
	return nil
}

// List returns a snapshot ordered by plugin id, then package
func (c *Collection) List() []*LoadedPlugin {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*LoadedPlugin, len(c.plugins))
	copy(result, c.plugins)
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Metadata.ID != result[j].Metadata.ID {
			return result[i].Metadata.ID < result[j].Metadata.ID
		}
		return result[i].Package < result[j].Package
	})
	return result
}

// Get returns the first plugin with the given id
func (c *Collection) Get(id string) (*LoadedPlugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.plugins {
		if p.Metadata.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Len returns the number of plugins collected
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plugins)
}

// Clear removes every plugin and returns what was held
func (c *Collection) Clear() []*LoadedPlugin {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.plugins
	c.plugins = nil
	return held
}
