// Package catalog provides reference implementations of the extension
// catalog: the single source of truth for which extensions are installed
// and whether each may run right now.
//
// Three backends share the same contract: Memory for tests and embedded
// hosts, Redis for hosts that share one catalog, and SQL (gorm) for a
// durable local catalog.
package catalog

import (
	"context"
	"errors"

	"github.com/toolink/extgov/meta"
)

// ErrNotFound is returned when the extension id is not registered.
var ErrNotFound = errors.New("catalog: extension not found")

// Catalog is the contract every backend implements.
//
// Register stores or replaces the descriptor for its id and leaves the
// record disabled; callers enable it once the install is committed.
// Unregister is idempotent. IsEnabled fails closed: a backend error reads
// as disabled.
type Catalog interface {
	Register(ctx context.Context, desc meta.Descriptor) error
	Unregister(ctx context.Context, id string) error
	Enable(ctx context.Context, id string) error
	Disable(ctx context.Context, id, reason string) error
	IsEnabled(ctx context.Context, id string) bool
	Get(ctx context.Context, id string) (*meta.Record, error)
	List(ctx context.Context) ([]meta.Record, error)
}

var (
	_ Catalog = (*Memory)(nil)
	_ Catalog = (*Redis)(nil)
	_ Catalog = (*SQL)(nil)
)
