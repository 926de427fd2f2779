package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// targetFamilies lists supported runtime targets, best first. Matching is by
// prefix, so more specific families must precede their prefixes.
var targetFamilies = []string{"wasip1", "wasm32-wasi", "wasm32"}

func targetRank(name string) int {
	for i, family := range targetFamilies {
		if strings.HasPrefix(name, family) {
			return len(targetFamilies) - i
		}
	}
	return 0
}

// SelectTarget picks the best runtime-target directory under libDir. Known
// families rank by preference; unknown ones sort last but remain eligible.
// Ties are broken by name, highest first.
func SelectTarget(libDir string) (string, bool) {
	entries, err := os.ReadDir(libDir)
	if err != nil {
		return "", false
	}

	var targets []string
	for _, e := range entries {
		if e.IsDir() {
			targets = append(targets, e.Name())
		}
	}
	if len(targets) == 0 {
		return "", false
	}

	sort.Slice(targets, func(i, j int) bool {
		ri, rj := targetRank(targets[i]), targetRank(targets[j])
		if ri != rj {
			return ri > rj
		}
		return targets[i] > targets[j]
	})
	return targets[0], true
}

// Artifact is the set of binaries a resolved dependency contributes to a build
type Artifact struct {
	Name    string
	Version string
	Target  string
	Dir     string
	Files   []string
	// Cached is true when no source was contacted
	Cached bool
}

// collect gathers the binaries of the best target in an extracted package
func collect(name, version, pkgDir string) (*Artifact, error) {
	libDir := filepath.Join(pkgDir, "lib")
	target, ok := SelectTarget(libDir)
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s has no lib targets", ErrPackageNotFound, name, version)
	}

	files, err := filepath.Glob(filepath.Join(libDir, target, "*.wasm"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s@%s has no binaries for %s", ErrPackageNotFound, name, version, target)
	}
	sort.Strings(files)

	return &Artifact{
		Name:    name,
		Version: version,
		Target:  target,
		Dir:     filepath.Join(libDir, target),
		Files:   files,
	}, nil
}
