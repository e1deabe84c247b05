// Package extension drives the lifecycle of installed extensions: install,
// update, rollback and uninstall as failure-safe workflows over a catalog,
// a snapshot store and the installed file trees, plus the operator
// re-enable.
//
// Every workflow either commits or leaves the catalog and the installed
// files as they were before it started. The one exception is a restore
// that fails part way through recovery; that is reported as
// ErrRollbackFailed and the extension is left disabled.
package extension

import (
	"context"

	"github.com/toolink/extgov/fstree"
	"github.com/toolink/extgov/meta"
)

// Validator inspects a package directory. See validator.Validator.
type Validator interface {
	Validate(path string) (*meta.Validation, error)
}

// Resolver decides installability. See resolver.Resolver.
type Resolver interface {
	Check(ctx context.Context, desc meta.Descriptor) error
	Dependents(ctx context.Context, id string) ([]string, error)
}

// Snapshots keeps the last-known-good copy of each extension. Get returns
// snapshot.ErrNoSnapshot when none exists. See snapshot.Store.
type Snapshots interface {
	Capture(ctx context.Context, desc meta.Descriptor) (*meta.Snapshot, error)
	Restore(ctx context.Context, snap *meta.Snapshot) error
	Get(id string) (*meta.Snapshot, error)
	Discard(id string) error
}

// Monitor is the runtime governor as seen by the lifecycle: it is told
// which extensions exist and when an operator re-enables one.
type Monitor interface {
	Register(id string)
	Unregister(id string)
	Enable(id string)
}

// Guard serializes lifecycle operations on one id across processes.
// Acquire returns a release func, or an error if another holder owns id.
type Guard interface {
	Acquire(ctx context.Context, id string) (func(), error)
}

// Publisher makes a staged tree visible at an installed location and
// removes installed trees. Both must be all-or-nothing as seen by readers
// of target.
type Publisher interface {
	Publish(staged, target string) error
	Remove(target string) error
}

// DirPublisher publishes by directory rename. Staging and install roots
// must share a filesystem.
type DirPublisher struct{}

func (DirPublisher) Publish(staged, target string) error { return fstree.Swap(staged, target) }
func (DirPublisher) Remove(target string) error          { return fstree.Remove(target) }

type nopMonitor struct{}

func (nopMonitor) Register(string)   {}
func (nopMonitor) Unregister(string) {}
func (nopMonitor) Enable(string)     {}
