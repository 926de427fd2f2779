package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Source is one registry a dependency can be resolved from. Sources use the
// module-proxy layout:
//
//	<base>/<lower(name)>/@v/list
//	<base>/<lower(name)>/@v/<version>.zip
//
// Both operations return an error wrapping ErrPackageNotFound for a definitive
// miss; any other error is a transport failure.
type Source interface {
	// Name identifies the source in logs and cache keys
	Name() string
	Versions(ctx context.Context, name string) ([]string, error)
	Fetch(ctx context.Context, name, version string) ([]byte, error)
}

// SourceOptions configures sources created by NewSource
type SourceOptions struct {
	HTTPClient *http.Client
	S3         S3Options
}

// NewSource creates a source from a URL: http(s)://, s3://bucket/prefix,
// file:// or a bare directory path.
func NewSource(ctx context.Context, raw string, opts SourceOptions) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty source", ErrUnsupportedSource)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters
		return NewDirSource(raw), nil
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(raw, opts.HTTPClient), nil
	case "file":
		return NewDirSource(u.Path), nil
	case "s3":
		return NewS3Source(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), opts.S3)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, raw)
	}
}

func listPath(name string) string {
	return strings.ToLower(name) + "/@v/list"
}

func zipPath(name, version string) string {
	return strings.ToLower(name) + "/@v/" + version + ".zip"
}

func parseList(data []byte) []string {
	var versions []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			versions = append(versions, line)
		}
	}
	return versions
}

// HTTPSource reads a registry served over HTTP(S)
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource creates an HTTP source. A nil client gets a traced default
// with a five minute timeout.
func NewHTTPSource(base string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPSource{base: strings.TrimRight(base, "/"), client: client}
}

func (s *HTTPSource) Name() string {
	return s.base
}

// Versions lists the published versions of name
func (s *HTTPSource) Versions(ctx context.Context, name string) ([]string, error) {
	data, err := s.get(ctx, listPath(name))
	if err != nil {
		return nil, err
	}
	return parseList(data), nil
}

// Fetch downloads the package blob for name@version
func (s *HTTPSource) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	return s.get(ctx, zipPath(name, url.PathEscape(version)))
}

func (s *HTTPSource) get(ctx context.Context, path string) ([]byte, error) {
	target := s.base + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, target)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("download failed: HTTP %d for %s", resp.StatusCode, target)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}
	return data, nil
}

// DirSource reads a registry laid out on the local filesystem
type DirSource struct {
	root string
}

// NewDirSource creates a directory source rooted at root
func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

func (s *DirSource) Name() string {
	return "file://" + filepath.ToSlash(s.root)
}

// Versions lists the published versions of name
func (s *DirSource) Versions(_ context.Context, name string) ([]string, error) {
	data, err := s.read(listPath(name))
	if err != nil {
		return nil, err
	}
	return parseList(data), nil
}

// Fetch reads the package blob for name@version
func (s *DirSource) Fetch(_ context.Context, name, version string) ([]byte, error) {
	if strings.ContainsAny(version, `/\`) || strings.Contains(version, "..") {
		return nil, fmt.Errorf("%w: %s@%s", ErrPackageNotFound, name, version)
	}
	return s.read(zipPath(name, version))
}

func (s *DirSource) read(path string) ([]byte, error) {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, full)
		}
		return nil, fmt.Errorf("failed to read %s: %w", full, err)
	}
	return data, nil
}
