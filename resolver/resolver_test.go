package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/extgov/meta"
)

type staticCatalog []meta.Record

func (c staticCatalog) List(context.Context) ([]meta.Record, error) { return c, nil }

type failingCatalog struct{}

func (failingCatalog) List(context.Context) ([]meta.Record, error) {
	return nil, errors.New("catalog offline")
}

func record(id, version string, enabled bool, deps ...meta.Dependency) meta.Record {
	return meta.Record{
		Descriptor: meta.Descriptor{ID: id, Version: version, Dependencies: deps},
		Enabled:    enabled,
	}
}

func newResolver(t *testing.T, host string, records ...meta.Record) *Resolver {
	t.Helper()
	r, err := New(staticCatalog(records), host)
	require.NoError(t, err)
	return r
}

func TestCheckInstallable(t *testing.T) {
	r := newResolver(t, "2.3.0", record("core", "1.4.0", true))
	desc := meta.Descriptor{
		ID:            "reader",
		Version:       "1.0.0",
		MinHostAPI:    "2.0.0",
		TargetHostAPI: "2.5.0",
		Dependencies:  []meta.Dependency{{ID: "core", MinVersion: "1.4.0"}},
	}
	assert.NoError(t, r.Check(context.Background(), desc))
}

func TestCheckMissingDependency(t *testing.T) {
	r := newResolver(t, "2.0.0", record("core", "1.0.0", false))
	desc := meta.Descriptor{ID: "reader", Version: "1.0.0", Dependencies: []meta.Dependency{{ID: "core"}}}

	err := r.Check(context.Background(), desc)
	assert.ErrorIs(t, err, ErrMissingDependency, "a disabled dependency does not count")
}

func TestCheckVersionTooLow(t *testing.T) {
	r := newResolver(t, "2.0.0", record("core", "1.9.9", true))
	desc := meta.Descriptor{ID: "reader", Version: "1.0.0", Dependencies: []meta.Dependency{{ID: "core", MinVersion: "1.10.0"}}}

	err := r.Check(context.Background(), desc)
	assert.ErrorIs(t, err, ErrVersionTooLow)
	assert.NotErrorIs(t, err, ErrMissingDependency)
}

func TestCheckHostAPI(t *testing.T) {
	r := newResolver(t, "2.0.0")
	ctx := context.Background()

	tooNew := meta.Descriptor{ID: "reader", Version: "1.0.0", MinHostAPI: "2.1.0"}
	assert.ErrorIs(t, r.Check(ctx, tooNew), ErrHostAPIIncompatible)

	otherMajor := meta.Descriptor{ID: "reader", Version: "1.0.0", TargetHostAPI: "3.0.0"}
	assert.ErrorIs(t, r.Check(ctx, otherMajor), ErrHostAPIIncompatible)

	sameMajor := meta.Descriptor{ID: "reader", Version: "1.0.0", MinHostAPI: "1.0.0", TargetHostAPI: "2.9.0"}
	assert.NoError(t, r.Check(ctx, sameMajor))
}

func TestCheckReportsEveryProblem(t *testing.T) {
	r := newResolver(t, "1.0.0", record("core", "1.0.0", true))
	desc := meta.Descriptor{
		ID:         "reader",
		Version:    "1.0.0",
		MinHostAPI: "2.0.0",
		Dependencies: []meta.Dependency{
			{ID: "core", MinVersion: "2.0.0"},
			{ID: "fonts"},
		},
	}

	err := r.Check(context.Background(), desc)
	assert.ErrorIs(t, err, ErrHostAPIIncompatible)
	assert.ErrorIs(t, err, ErrVersionTooLow)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestCheckCatalogFailure(t *testing.T) {
	r, err := New(failingCatalog{}, "1.0.0")
	require.NoError(t, err)

	desc := meta.Descriptor{ID: "reader", Version: "1.0.0", Dependencies: []meta.Dependency{{ID: "core"}}}
	assert.ErrorContains(t, r.Check(context.Background(), desc), "catalog offline")

	noDeps := meta.Descriptor{ID: "reader", Version: "1.0.0"}
	assert.NoError(t, r.Check(context.Background(), noDeps))
}

func TestDependents(t *testing.T) {
	r := newResolver(t, "1.0.0",
		record("core", "1.0.0", true),
		record("viewer", "1.0.0", false, meta.Dependency{ID: "core"}),
		record("reader", "1.0.0", true, meta.Dependency{ID: "fonts"}, meta.Dependency{ID: "core", MinVersion: "1.0.0"}),
	)

	got, err := r.Dependents(context.Background(), "core")
	require.NoError(t, err)
	assert.Equal(t, []string{"reader", "viewer"}, got)

	none, err := r.Dependents(context.Background(), "viewer")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNewRejectsInvalidHostAPI(t *testing.T) {
	_, err := New(staticCatalog(nil), "two")
	assert.ErrorIs(t, err, meta.ErrInvalidVersion)
}
