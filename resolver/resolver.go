// Package resolver decides whether an extension can be installed against the
// current catalog contents and the host API version. It never mutates the
// catalog.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/toolink/extgov/meta"
)

var (
	// ErrMissingDependency means no active extension with the required id exists.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrVersionTooLow means the dependency is active but older than required.
	ErrVersionTooLow = errors.New("dependency version too low")
	// ErrHostAPIIncompatible means the host API does not satisfy the descriptor.
	ErrHostAPIIncompatible = errors.New("host api incompatible")
)

// Catalog is the read side of the extension catalog the resolver consults.
type Catalog interface {
	List(ctx context.Context) ([]meta.Record, error)
}

// Resolver checks dependency and host API requirements.
type Resolver struct {
	catalog Catalog
	host    *semver.Version
}

// New creates a Resolver for a host exposing the given API version.
func New(catalog Catalog, hostAPI string) (*Resolver, error) {
	v, err := meta.ParseVersion(hostAPI)
	if err != nil {
		return nil, fmt.Errorf("resolver: host api: %w", err)
	}
	return &Resolver{catalog: catalog, host: v}, nil
}

// HostAPI returns the host API version the resolver checks against.
func (r *Resolver) HostAPI() string { return r.host.String() }

// Check returns nil if desc is installable. Otherwise the returned error
// joins one wrapped sentinel per unmet requirement, so errors.Is works for
// each of ErrMissingDependency, ErrVersionTooLow and ErrHostAPIIncompatible.
func (r *Resolver) Check(ctx context.Context, desc meta.Descriptor) error {
	var errs []error
	if err := r.checkHost(desc); err != nil {
		errs = append(errs, err)
	}

	if len(desc.Dependencies) > 0 {
		active, err := r.active(ctx)
		if err != nil {
			return err
		}
		for _, dep := range desc.Dependencies {
			if err := satisfies(active, dep); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		log.Debug().Str("extension", desc.String()).Int("problems", len(errs)).Msg("dependency check rejected")
		return errors.Join(errs...)
	}
	return nil
}

// checkHost requires host >= min and, when a target is declared, the same
// major API line as the target.
func (r *Resolver) checkHost(desc meta.Descriptor) error {
	if desc.MinHostAPI != "" {
		minAPI, err := meta.ParseVersion(desc.MinHostAPI)
		if err != nil {
			return err
		}
		if r.host.LessThan(minAPI) {
			return fmt.Errorf("%w: requires host api >= %s, host is %s", ErrHostAPIIncompatible, minAPI, r.host)
		}
	}
	if desc.TargetHostAPI != "" {
		target, err := meta.ParseVersion(desc.TargetHostAPI)
		if err != nil {
			return err
		}
		if target.Major() != r.host.Major() {
			return fmt.Errorf("%w: built for host api %s, host is %s", ErrHostAPIIncompatible, target, r.host)
		}
	}
	return nil
}

func satisfies(active map[string]*semver.Version, dep meta.Dependency) error {
	have, ok := active[dep.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingDependency, dep.ID)
	}
	if dep.MinVersion == "" {
		return nil
	}
	want, err := meta.ParseVersion(dep.MinVersion)
	if err != nil {
		return err
	}
	if have.LessThan(want) {
		return fmt.Errorf("%w: %s requires >= %s, have %s", ErrVersionTooLow, dep.ID, want, have)
	}
	return nil
}

// active maps every enabled extension id to its installed version.
func (r *Resolver) active(ctx context.Context) (map[string]*semver.Version, error) {
	records, err := r.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolver: listing catalog: %w", err)
	}
	out := make(map[string]*semver.Version, len(records))
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		v, err := meta.ParseVersion(rec.Descriptor.Version)
		if err != nil {
			log.Warn().Err(err).Str("extension", rec.Descriptor.ID).Msg("ignoring catalog record with invalid version")
			continue
		}
		out[rec.Descriptor.ID] = v
	}
	return out, nil
}

// Dependents returns the ids of installed extensions that declare id as a
// dependency, enabled or not, in lexical order.
func (r *Resolver) Dependents(ctx context.Context, id string) ([]string, error) {
	records, err := r.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolver: listing catalog: %w", err)
	}
	var out []string
	for _, rec := range records {
		for _, dep := range rec.Descriptor.Dependencies {
			if dep.ID == id {
				out = append(out, rec.Descriptor.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
