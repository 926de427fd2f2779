package plugins

import (
	"context"
	"time"
)

// Plugin is the contract every loaded plugin satisfies
type Plugin interface {
	// OnInitialize runs synchronously once the host is ready
	OnInitialize(ctx context.Context, host Host) error
	// OnInitializeAsync runs after OnInitialize; a no-op when the plugin has no async hook
	OnInitializeAsync(ctx context.Context, host Host) error
	// Close releases the plugin and everything it loaded
	Close(ctx context.Context) error
}

// Host is the capability object the host hands to plugins
type Host interface {
	SelfID() int64
	SendMessage(ctx context.Context, target, text string) error
}

// LoadedPlugin is the result of a successful compile
type LoadedPlugin struct {
	Entry    Plugin
	Metadata *Metadata
	// Package is the .yf file the plugin was built from
	Package  string
	LoadedAt time.Time
}

// Unload closes the entry and releases its isolated load context
func (p *LoadedPlugin) Unload(ctx context.Context) error {
	if p == nil || p.Entry == nil {
		return nil
	}
	return p.Entry.Close(ctx)
}
