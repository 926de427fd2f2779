package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Pack writes the contents of srcDir into a plugin package at out.
// Build output directories (bin/, obj/) and hidden entries are skipped.
func Pack(srcDir, out string) error {
	if !ValidateSuffix(out) {
		return fmt.Errorf("%w: output must end with %s", ErrNotAPlugin, PluginSuffix)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}

	zw := zip.NewWriter(f)
	walkErr := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if rel == "bin" || rel == "obj" || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !d.Type().IsRegular() {
			return nil
		}

		// Never pack the output file into itself
		if abs, _ := filepath.Abs(path); abs == absOrEmpty(out) {
			return nil
		}

		return addFile(zw, path, filepath.ToSlash(rel))
	})

	if walkErr != nil {
		zw.Close()
		f.Close()
		os.Remove(out)
		return fmt.Errorf("failed to pack %s: %w", srcDir, walkErr)
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finalize package: %w", err)
	}
	return f.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}

	_, err = io.Copy(w, src)
	return err
}

func absOrEmpty(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return abs
}
