package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDependency is returned for dependency strings that do not match
	// <name> or <name>:<version>
	ErrInvalidDependency = errors.New("invalid dependency string")

	// ErrInvalidVersion is returned when an explicit version is not a valid
	// semantic version
	ErrInvalidVersion = errors.New("invalid dependency version")

	// ErrPackageNotFound is returned when no source can serve a package
	ErrPackageNotFound = errors.New("package not found")

	// ErrUnsupportedSource is returned for source URLs with an unknown scheme
	ErrUnsupportedSource = errors.New("unsupported registry source")
)

// IsInvalidDependencyError checks if the error is or wraps ErrInvalidDependency
func IsInvalidDependencyError(err error) bool {
	return errors.Is(err, ErrInvalidDependency)
}

// IsInvalidVersionError checks if the error is or wraps ErrInvalidVersion
func IsInvalidVersionError(err error) bool {
	return errors.Is(err, ErrInvalidVersion)
}

// IsPackageNotFoundError checks if the error is or wraps ErrPackageNotFound
func IsPackageNotFoundError(err error) bool {
	return errors.Is(err, ErrPackageNotFound)
}

// NewPackageNotFoundError creates a not found error for name@version
func NewPackageNotFoundError(name, version string) error {
	return fmt.Errorf("%w: %s@%s", ErrPackageNotFound, name, version)
}

// DependencyError reports which declared dependency failed to resolve
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %q: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
