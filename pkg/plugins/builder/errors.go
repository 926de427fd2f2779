package builder

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProjectFile is returned when the workspace holds no go.mod
	ErrNoProjectFile = errors.New("no project file found")

	// ErrAmbiguousProjectFile is returned when the workspace holds more than one go.mod
	ErrAmbiguousProjectFile = errors.New("more than one project file found")

	// ErrCompileFailed is returned when the toolchain fails or produces no output
	ErrCompileFailed = errors.New("compilation failed")

	// ErrToolchainUnavailable is returned when a toolchain cannot be started
	ErrToolchainUnavailable = errors.New("build toolchain is not available")

	// ErrDockerNotAvailable is returned when the Docker daemon cannot be reached
	ErrDockerNotAvailable = errors.New("docker is not available")

	// ErrImagePullFailed is returned when the toolchain image cannot be pulled
	ErrImagePullFailed = errors.New("failed to pull docker image")
)

// IsNoProjectFileError checks if the error is or wraps ErrNoProjectFile
func IsNoProjectFileError(err error) bool {
	return errors.Is(err, ErrNoProjectFile)
}

// IsAmbiguousProjectFileError checks if the error is or wraps ErrAmbiguousProjectFile
func IsAmbiguousProjectFileError(err error) bool {
	return errors.Is(err, ErrAmbiguousProjectFile)
}

// IsCompileFailedError checks if the error is or wraps ErrCompileFailed
func IsCompileFailedError(err error) bool {
	return errors.Is(err, ErrCompileFailed)
}

// CompileError carries the toolchain output of a failed build
type CompileError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

func (e *CompileError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%v: build timed out", ErrCompileFailed)
	}
	return fmt.Sprintf("%v: toolchain exited with code %d", ErrCompileFailed, e.ExitCode)
}

func (e *CompileError) Unwrap() error {
	return ErrCompileFailed
}

// Output returns the captured stdout and stderr
func (e *CompileError) Output() string {
	var parts []string
	if s := strings.TrimSpace(e.Stdout); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}
