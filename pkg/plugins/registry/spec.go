package registry

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// Latest is the version sentinel resolved to the newest published version
const Latest = "latest"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Spec is a parsed dependency declaration
type Spec struct {
	Name    string
	Version string
}

func (s Spec) String() string {
	return s.Name + ":" + s.Version
}

// IsLatest reports whether the version is the latest sentinel
func (s Spec) IsLatest() bool {
	return s.Version == Latest
}

// ParseDependency parses "<name>" or "<name>:<version>". Both parts are
// trimmed; a bare name means the latest version. More than one colon, a blank
// part, or a name unusable as a registry path all yield false.
func ParseDependency(s string) (Spec, bool) {
	if strings.TrimSpace(s) == "" {
		return Spec{}, false
	}

	parts := strings.Split(s, ":")
	var spec Spec
	switch len(parts) {
	case 1:
		spec = Spec{Name: strings.TrimSpace(parts[0]), Version: Latest}
	case 2:
		spec = Spec{Name: strings.TrimSpace(parts[0]), Version: strings.TrimSpace(parts[1])}
		if spec.Version == "" {
			return Spec{}, false
		}
	default:
		return Spec{}, false
	}

	if spec.Name == "" || !namePattern.MatchString(spec.Name) {
		return Spec{}, false
	}
	return spec, true
}

// CanonicalVersion returns the semver form of v, accepting versions with or
// without the leading "v".
func CanonicalVersion(v string) (string, bool) {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}

// NormalizeVersion returns the canonical semantic version without the leading
// "v", so 1.0, v1.0.0 and 1.0.0+build all become 1.0.0. Strings that are not
// semantic versions are returned unchanged.
func NormalizeVersion(v string) string {
	c, ok := CanonicalVersion(v)
	if !ok {
		return v
	}
	return strings.TrimPrefix(semver.Canonical(c), "v")
}

// ValidVersion reports whether v is the latest sentinel or a semantic version
func ValidVersion(v string) bool {
	if v == Latest {
		return true
	}
	_, ok := CanonicalVersion(v)
	return ok
}

// Highest returns the highest valid semantic version in versions, as listed.
// Invalid entries are ignored; an empty result means none was valid.
func Highest(versions []string) string {
	best, bestCanonical := "", ""
	for _, v := range versions {
		c, ok := CanonicalVersion(strings.TrimSpace(v))
		if !ok {
			continue
		}
		if bestCanonical == "" || semver.Compare(c, bestCanonical) > 0 {
			best, bestCanonical = strings.TrimSpace(v), c
		}
	}
	return best
}
