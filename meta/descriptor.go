// Package meta holds the data model shared by the lifecycle manager, the
// catalog backends, the snapshot store and the runtime governor.
package meta

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrInvalidID      = errors.New("meta: invalid extension id")
	ErrInvalidVersion = errors.New("meta: invalid semantic version")
)

// idPattern restricts identifiers to names that are safe as a single path element.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// Dependency is a declared requirement on another installed extension.
type Dependency struct {
	ID         string `json:"id" yaml:"id"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"`
}

func (d Dependency) String() string {
	if d.MinVersion == "" {
		return d.ID
	}
	return d.ID + ">=" + d.MinVersion
}

// Descriptor describes one extension package. It is produced by a validator
// and must be treated as immutable afterwards.
type Descriptor struct {
	ID            string       `json:"id" yaml:"id"`
	Name          string       `json:"name" yaml:"name"`
	Version       string       `json:"version" yaml:"version"`
	Dependencies  []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	MinHostAPI    string       `json:"min_host_api,omitempty" yaml:"min_host_api,omitempty"`
	TargetHostAPI string       `json:"target_host_api,omitempty" yaml:"target_host_api,omitempty"`
}

// String returns "id@version".
func (d Descriptor) String() string {
	return d.ID + "@" + d.Version
}

// Clone returns a deep copy so callers cannot mutate shared dependency slices.
func (d Descriptor) Clone() Descriptor {
	c := d
	if d.Dependencies != nil {
		c.Dependencies = append([]Dependency(nil), d.Dependencies...)
	}
	return c
}

// Validate checks the identifier and every version field.
func (d Descriptor) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if _, err := ParseVersion(d.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	for _, v := range []string{d.MinHostAPI, d.TargetHostAPI} {
		if v == "" {
			continue
		}
		if _, err := ParseVersion(v); err != nil {
			return fmt.Errorf("host api: %w", err)
		}
	}
	for _, dep := range d.Dependencies {
		if err := ValidateID(dep.ID); err != nil {
			return fmt.Errorf("dependency: %w", err)
		}
		if dep.ID == d.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrInvalidID, d.ID)
		}
		if dep.MinVersion != "" {
			if _, err := ParseVersion(dep.MinVersion); err != nil {
				return fmt.Errorf("dependency %s: %w", dep.ID, err)
			}
		}
	}
	return nil
}

// ValidateID reports whether id can be used as an extension identifier.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ParseVersion parses a major.minor.patch version, tolerating a leading "v".
func ParseVersion(v string) (*semver.Version, error) {
	sv, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(v), "v"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, v, err)
	}
	return sv, nil
}

// CompareVersions returns -1, 0 or 1 as a is older than, equal to or newer than b.
func CompareVersions(a, b string) (int, error) {
	av, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	bv, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}
	return av.Compare(bv), nil
}

// Validation is the outcome of running a content validator over a package.
type Validation struct {
	Valid      bool
	Descriptor *Descriptor
	Errors     []string
}
