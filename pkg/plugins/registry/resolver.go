package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"

	"github.com/yufanbot/yufanbot/pkg/plugins/archive"
	"github.com/yufanbot/yufanbot/pkg/plugins/depcache"
)

var tracer = otel.Tracer("github.com/yufanbot/yufanbot/pkg/plugins/registry")

// Options configures a Resolver
type Options struct {
	// VersionCacheSize bounds the number of cached version listings
	VersionCacheSize int
	// VersionCacheTTL is how long a version listing is trusted
	VersionCacheTTL time.Duration
	Logger          *logrus.Logger
}

// Resolver resolves dependency declarations against ordered sources and
// stores fetched packages in a shared dependency store
type Resolver struct {
	sources  []Source
	store    *depcache.Store
	versions *expirable.LRU[string, []string]
	log      *logrus.Logger
}

// NewResolver creates a resolver. Sources are consulted in the given order.
func NewResolver(sources []Source, store *depcache.Store, opts Options) *Resolver {
	if opts.VersionCacheSize <= 0 {
		opts.VersionCacheSize = 256
	}
	if opts.VersionCacheTTL <= 0 {
		opts.VersionCacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &Resolver{
		sources:  sources,
		store:    store,
		versions: expirable.NewLRU[string, []string](opts.VersionCacheSize, nil, opts.VersionCacheTTL),
		log:      opts.Logger,
	}
}

// ResolveAll resolves every declaration or none. All declarations are parsed
// and version-checked before any source is contacted; the first failure is
// returned as a *DependencyError naming the offending string.
func (r *Resolver) ResolveAll(ctx context.Context, deps []string) ([]*Artifact, error) {
	artifacts := make([]*Artifact, 0, len(deps))
	if len(deps) == 0 {
		return artifacts, nil
	}

	specs := make([]Spec, 0, len(deps))
	for _, dep := range deps {
		spec, ok := ParseDependency(dep)
		if !ok {
			return nil, &DependencyError{Dependency: dep, Err: ErrInvalidDependency}
		}
		if !ValidVersion(spec.Version) {
			return nil, &DependencyError{Dependency: dep, Err: fmt.Errorf("%w: %s", ErrInvalidVersion, spec.Version)}
		}
		specs = append(specs, spec)
	}

	for i, spec := range specs {
		artifact, err := r.Resolve(ctx, spec)
		if err != nil {
			return nil, &DependencyError{Dependency: deps[i], Err: err}
		}
		artifacts = append(artifacts, artifact)
	}

	return artifacts, nil
}

// Resolve resolves one dependency to the binaries of its best runtime target
func (r *Resolver) Resolve(ctx context.Context, spec Spec) (*Artifact, error) {
	if !ValidVersion(spec.Version) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVersion, spec.Version)
	}

	ctx, span := tracer.Start(ctx, "registry.Resolve",
		trace.WithAttributes(
			attribute.String("dependency.name", spec.Name),
			attribute.String("dependency.version", spec.Version),
		),
	)
	defer span.End()

	artifact, err := r.resolve(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dependency resolution failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("dependency.resolved_version", artifact.Version),
		attribute.String("dependency.target", artifact.Target),
		attribute.Bool("dependency.cached", artifact.Cached),
	)
	span.SetStatus(codes.Ok, "dependency resolved")
	return artifact, nil
}

// resolve looks the dependency up under its normalized version. Sources are
// asked for the normalized version, or for the listed one when resolving latest.
func (r *Resolver) resolve(ctx context.Context, spec Spec) (*Artifact, error) {
	requested := NormalizeVersion(spec.Version)
	if spec.IsLatest() {
		latest, err := r.latest(ctx, spec.Name)
		if err != nil {
			return nil, err
		}
		r.log.Debugf("Resolved %s to version %s", spec, latest)
		requested = latest
	}
	version := NormalizeVersion(requested)

	key := depcache.Key{Name: spec.Name, Version: version}
	if dir, ok := r.store.Lookup(key); ok {
		artifact, err := collect(spec.Name, version, dir)
		if err == nil {
			artifact.Cached = true
			return artifact, nil
		}
		r.log.Warnf("Cached %s is unusable, fetching it again: %v", key, err)
		if rmErr := r.store.Remove(key); rmErr != nil {
			r.log.Warnf("Failed to drop unusable cache entry %s: %v", key, rmErr)
		}
	}

	var failures []error
	for _, src := range r.sources {
		data, err := r.fetch(ctx, src, spec.Name, requested)
		if err != nil {
			if !IsPackageNotFoundError(err) {
				r.log.Warnf("Registry %s failed for %s@%s: %v", src.Name(), spec.Name, requested, err)
				failures = append(failures, err)
			}
			continue
		}

		source := src.Name()
		dir, err := r.store.Put(ctx, key, func(_ context.Context, tmp string) (string, error) {
			return source, archive.ExtractBytes(data, tmp)
		})
		if err != nil {
			r.log.Warnf("Failed to store %s@%s from %s: %v", spec.Name, version, source, err)
			failures = append(failures, err)
			continue
		}

		artifact, err := collect(spec.Name, version, dir)
		if err != nil {
			// Let the next source fill the entry
			if rmErr := r.store.Remove(key); rmErr != nil {
				r.log.Warnf("Failed to drop unusable cache entry %s: %v", key, rmErr)
			}
			continue
		}
		return artifact, nil
	}

	return nil, errors.Join(append([]error{NewPackageNotFoundError(spec.Name, version)}, failures...)...)
}

// fetch downloads name@version from src. On a miss it retries with the
// spelling src lists for the same version (1.0.0 for 1.0, v2.1.0 for 2.1.0).
func (r *Resolver) fetch(ctx context.Context, src Source, name, version string) ([]byte, error) {
	data, err := src.Fetch(ctx, name, version)
	if err == nil || !IsPackageNotFoundError(err) {
		return data, err
	}

	spelling, ok := r.listedAs(ctx, src, name, version)
	if !ok {
		return nil, err
	}
	return src.Fetch(ctx, name, spelling)
}

// listedAs finds a differently spelled entry of src's version list that
// denotes the same version
func (r *Resolver) listedAs(ctx context.Context, src Source, name, version string) (string, bool) {
	want, ok := CanonicalVersion(version)
	if !ok {
		return "", false
	}
	versions, err := r.listVersions(ctx, src, name)
	if err != nil {
		return "", false
	}
	for _, v := range versions {
		v = strings.TrimSpace(v)
		if c, ok := CanonicalVersion(v); ok && v != version && semver.Compare(c, want) == 0 {
			return v, true
		}
	}
	return "", false
}

// latest returns the highest version listed by the first source that lists any
func (r *Resolver) latest(ctx context.Context, name string) (string, error) {
	var failures []error
	for _, src := range r.sources {
		versions, err := r.listVersions(ctx, src, name)
		if err != nil {
			if !IsPackageNotFoundError(err) {
				r.log.Warnf("Registry %s failed to list %s: %v", src.Name(), name, err)
				failures = append(failures, err)
			}
			continue
		}

		if best := Highest(versions); best != "" {
			return best, nil
		}
	}

	return "", errors.Join(append([]error{NewPackageNotFoundError(name, Latest)}, failures...)...)
}

func (r *Resolver) listVersions(ctx context.Context, src Source, name string) ([]string, error) {
	cacheKey := src.Name() + "\x00" + strings.ToLower(name)
	if versions, ok := r.versions.Get(cacheKey); ok {
		return versions, nil
	}

	versions, err := src.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	r.versions.Add(cacheKey, versions)
	return versions, nil
}
