// Package builder turns an extracted plugin project into a WebAssembly entry
// module by running the go toolchain against it.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

const (
	// ProjectFile is the project descriptor every plugin carries
	ProjectFile = "go.mod"

	// OutputDir is where the toolchain writes binaries, relative to the project
	OutputDir = "bin"

	// IntermediateDir holds intermediate build state, relative to the project
	IntermediateDir = "obj"

	// BinaryExt is the extension of every built or published binary
	BinaryExt = ".wasm"
)

// Env is the target environment every build runs with
var Env = []string{"GOOS=wasip1", "GOARCH=wasm", "CGO_ENABLED=0"}

// Options configures a Builder
type Options struct {
	// Timeout bounds a single toolchain run. Zero waits for the process
	// to exit without a deadline.
	Timeout time.Duration
	Logger  *logrus.Logger
}

// Builder compiles plugin projects
type Builder struct {
	toolchain Toolchain
	timeout   time.Duration
	log       *logrus.Logger
}

// Artifact is the output of a successful build
type Artifact struct {
	ProjectDir string
	OutputDir  string
	// EntryName is the entry binary's file name inside OutputDir
	EntryName string
	Result    *Result
}

// EntryPath returns the full path of the entry binary
func (a *Artifact) EntryPath() string {
	return filepath.Join(a.OutputDir, a.EntryName)
}

// New creates a builder that runs the given toolchain
func New(toolchain Toolchain, opts Options) *Builder {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Builder{toolchain: toolchain, timeout: opts.Timeout, log: opts.Logger}
}

// Build compiles the single project found in workspaceDir and publishes the
// given dependency binaries next to the entry binary.
func (b *Builder) Build(ctx context.Context, workspaceDir string, deps []string) (*Artifact, error) {
	projectFile, err := FindProjectFile(workspaceDir)
	if err != nil {
		return nil, err
	}

	entryName, err := EntryName(projectFile)
	if err != nil {
		return nil, err
	}

	projectDir := filepath.Dir(projectFile)
	for _, dir := range []string{OutputDir, IntermediateDir} {
		if err := os.RemoveAll(filepath.Join(projectDir, dir)); err != nil {
			return nil, fmt.Errorf("failed to clean %s: %w", dir, err)
		}
	}

	inv := &Invocation{
		Dir: projectDir,
		Args: []string{
			"build",
			"-trimpath",
			"-buildmode=c-shared",
			"-ldflags=-s -w",
			"-o", path.Join(OutputDir, entryName),
			".",
		},
		Env: Env,
	}

	runCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	b.log.Debugf("Building %s in %s", entryName, projectDir)
	result, err := b.toolchain.Run(runCtx, inv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}

	if result.ExitCode != 0 || runCtx.Err() != nil {
		return nil, &CompileError{
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
		}
	}

	outputDir := filepath.Join(projectDir, OutputDir)
	if _, err := os.Stat(filepath.Join(outputDir, entryName)); err != nil {
		return nil, fmt.Errorf("%w: entry binary %s was not produced", ErrCompileFailed, entryName)
	}

	if err := b.publish(outputDir, entryName, deps); err != nil {
		return nil, err
	}

	return &Artifact{
		ProjectDir: projectDir,
		OutputDir:  outputDir,
		EntryName:  entryName,
		Result:     result,
	}, nil
}

// publish copies dependency binaries into the output directory
func (b *Builder) publish(outputDir, entryName string, deps []string) error {
	for _, dep := range deps {
		name := filepath.Base(dep)
		if name == entryName {
			b.log.Warnf("Skipping dependency binary %s: it shadows the entry binary", dep)
			continue
		}
		if err := copyFile(dep, filepath.Join(outputDir, name)); err != nil {
			return fmt.Errorf("%w: failed to publish %s: %v", ErrCompileFailed, name, err)
		}
	}
	return nil
}

// FindProjectFile returns the one go.mod in dir. Zero or several are errors,
// never a guess.
func FindProjectFile(dir string) (string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == ProjectFile {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan workspace: %w", err)
	}

	switch len(found) {
	case 0:
		return "", ErrNoProjectFile
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %d candidates", ErrAmbiguousProjectFile, len(found))
	}
}

// EntryName derives the entry binary name from the module path declared in
// goModPath: the last path element, ignoring a major version suffix.
func EntryName(goModPath string) (string, error) {
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", ProjectFile, err)
	}

	modulePath := modfile.ModulePath(data)
	if modulePath == "" {
		return "", fmt.Errorf("%w: %s declares no module path", ErrCompileFailed, ProjectFile)
	}

	prefix := modulePath
	if p, _, ok := module.SplitPathVersion(modulePath); ok && p != "" {
		prefix = p
	}

	name := path.Base(prefix)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("%w: unusable module path %q", ErrCompileFailed, modulePath)
	}
	return name + BinaryExt, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
