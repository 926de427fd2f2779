package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PluginSuffix is the file suffix every plugin package must carry
const PluginSuffix = ".yf"

var (
	// ErrNotAPlugin is returned when a file does not carry the plugin suffix
	ErrNotAPlugin = errors.New("not a plugin package")

	// ErrExtractionFailed is returned for corrupt, malformed or unsafe archives
	ErrExtractionFailed = errors.New("archive extraction failed")
)

// IsExtractionFailedError checks if the error is or wraps ErrExtractionFailed
func IsExtractionFailedError(err error) bool {
	return errors.Is(err, ErrExtractionFailed)
}

// ValidateSuffix reports whether the file name ends with the plugin suffix.
// The comparison is exact and case-sensitive.
func ValidateSuffix(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, PluginSuffix) && len(name) > len(PluginSuffix)
}

// Extract unpacks the zip archive at path into dest
func Extract(path, dest string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filepath.Base(path), err)
	}
	defer r.Close()

	return extractFiles(r.File, dest)
}

// ExtractBytes unpacks an in-memory zip archive into dest
func ExtractBytes(data []byte, dest string) error {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	return extractFiles(r.File, dest)
}

func extractFiles(files []*zip.File, dest string) error {
	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	for _, f := range files {
		target, err := safeJoin(root, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			return fmt.Errorf("%w: symlink entry %s", ErrExtractionFailed, f.Name)
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
			}
			continue
		case !mode.IsRegular():
			return fmt.Errorf("%w: unsupported entry %s", ErrExtractionFailed, f.Name)
		}

		if err := writeFile(f, target); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrExtractionFailed, f.Name, err)
		}
	}

	return nil
}

// safeJoin resolves an archive entry name under root, rejecting entries that
// would land outside of it
func safeJoin(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: illegal entry name %q", ErrExtractionFailed, name)
	}

	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrExtractionFailed, name)
	}

	return target, nil
}

func writeFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
