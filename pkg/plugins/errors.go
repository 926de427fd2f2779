package plugins

import (
	"errors"
	"fmt"

	"github.com/yufanbot/yufanbot/pkg/plugins/archive"
	"github.com/yufanbot/yufanbot/pkg/plugins/builder"
	"github.com/yufanbot/yufanbot/pkg/plugins/loader"
	"github.com/yufanbot/yufanbot/pkg/plugins/registry"
)

var (
	// ErrNotAPlugin is returned when a file does not carry the plugin suffix
	ErrNotAPlugin = errors.New("not a plugin package")

	// ErrManifestMissing is returned when a package has no META_INF
	ErrManifestMissing = errors.New("manifest not found")

	// ErrManifestInvalid is returned when META_INF cannot be parsed or has no id
	ErrManifestInvalid = errors.New("invalid manifest")

	// ErrNoEntryPoint is returned when a module exports no entry hook
	ErrNoEntryPoint = errors.New("no entry point found")

	// ErrAmbiguousEntryPoint is returned when a module exports more than one entry hook
	ErrAmbiguousEntryPoint = errors.New("more than one entry point found")

	// ErrInstantiationFailed is returned when constructing the entry fails
	ErrInstantiationFailed = errors.New("plugin instantiation failed")

	// ErrCacheDirectoryUnavailable is returned when the cache root cannot be created
	ErrCacheDirectoryUnavailable = errors.New("plugin cache directory unavailable")

	// ErrPluginClosed is returned when a closed plugin is called
	ErrPluginClosed = errors.New("plugin is closed")
)

// Kind classifies why a package yielded no plugin
type Kind int

const (
	KindUnknown Kind = iota
	NotAPlugin
	ExtractionFailed
	ManifestMissing
	ManifestInvalid
	DependencyStringInvalid
	DependencyVersionInvalid
	DependencyNotFound
	NoProjectFile
	AmbiguousProjectFile
	CompileFailed
	LoadFailed
	NoEntryPoint
	AmbiguousEntryPoint
	InstantiationFailed
	CacheDirectoryUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	NotAPlugin:                "NotAPlugin",
	ExtractionFailed:          "ExtractionFailed",
	ManifestMissing:           "ManifestMissing",
	ManifestInvalid:           "ManifestInvalid",
	DependencyStringInvalid:   "DependencyStringInvalid",
	DependencyVersionInvalid:  "DependencyVersionInvalid",
	DependencyNotFound:        "DependencyNotFound",
	NoProjectFile:             "NoProjectFile",
	AmbiguousProjectFile:      "AmbiguousProjectFile",
	CompileFailed:             "CompileFailed",
	LoadFailed:                "LoadFailed",
	NoEntryPoint:              "NoEntryPoint",
	AmbiguousEntryPoint:       "AmbiguousEntryPoint",
	InstantiationFailed:       "InstantiationFailed",
	CacheDirectoryUnavailable: "CacheDirectoryUnavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// PipelineError reports which stage rejected which package
type PipelineError struct {
	Kind       Kind
	Stage      string
	Package    string
	PluginID   string
	Dependency string
	Err        error
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("plugin %s: %s", e.Package, e.Kind)
	if e.PluginID != "" {
		msg += fmt.Sprintf(" (id %s)", e.PluginID)
	}
	if e.Dependency != "" {
		msg += fmt.Sprintf(" (dependency %q)", e.Dependency)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. A *PipelineError reports its own kind; anything
// else is matched against the stage sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	switch {
	case errors.Is(err, ErrCacheDirectoryUnavailable):
		return CacheDirectoryUnavailable
	case errors.Is(err, ErrNotAPlugin):
		return NotAPlugin
	case archive.IsExtractionFailedError(err):
		return ExtractionFailed
	case errors.Is(err, ErrManifestMissing):
		return ManifestMissing
	case errors.Is(err, ErrManifestInvalid):
		return ManifestInvalid
	case registry.IsInvalidDependencyError(err):
		return DependencyStringInvalid
	case registry.IsInvalidVersionError(err):
		return DependencyVersionInvalid
	case registry.IsPackageNotFoundError(err):
		return DependencyNotFound
	case builder.IsNoProjectFileError(err):
		return NoProjectFile
	case builder.IsAmbiguousProjectFileError(err):
		return AmbiguousProjectFile
	case builder.IsCompileFailedError(err), errors.Is(err, builder.ErrToolchainUnavailable):
		return CompileFailed
	case errors.Is(err, ErrNoEntryPoint):
		return NoEntryPoint
	case errors.Is(err, ErrAmbiguousEntryPoint):
		return AmbiguousEntryPoint
	case errors.Is(err, ErrInstantiationFailed), errors.Is(err, loader.ErrInstantiation):
		return InstantiationFailed
	case errors.Is(err, loader.ErrUnresolved),
		errors.Is(err, loader.ErrImportMismatch),
		errors.Is(err, loader.ErrImportCycle),
		errors.Is(err, loader.ErrInvalidModule):
		return LoadFailed
	}
	return KindUnknown
}

// StatusError is returned when a guest hook reports a non-zero status
type StatusError struct {
	Hook   string
	Status int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Hook, e.Status)
}
