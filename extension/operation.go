package extension

import (
	"context"
	"time"

	"github.com/toolink/extgov/meta"
)

// Op names a lifecycle operation.
type Op string

const (
	OpInstall   Op = "install"
	OpUpdate    Op = "update"
	OpRollback  Op = "rollback"
	OpUninstall Op = "uninstall"
)

// Request asks for one lifecycle operation. Package is the package
// directory for install and update; ID is required for everything but
// install, where it comes from the package.
type Request struct {
	Op      Op
	ID      string
	Package string
}

// Result describes a committed operation.
type Result struct {
	Op          Op
	ID          string
	OperationID string
	// Descriptor is what is installed now; nil after uninstall.
	Descriptor *meta.Descriptor
	// Previous is what was installed before; nil after install.
	Previous *meta.Descriptor
	// Warnings are problems that did not stop the operation, such as
	// installed extensions that still depend on an uninstalled one.
	Warnings []string
	Duration time.Duration
}

// Operation is a lifecycle operation running in the background.
type Operation struct {
	ID      string
	Request Request

	done chan struct{}
	res  *Result
	err  error
}

func newOperation(id string, req Request) *Operation {
	return &Operation{ID: id, Request: req, done: make(chan struct{})}
}

func (o *Operation) finish(res *Result, err error) {
	o.res, o.err = res, err
	close(o.done)
}

// Done is closed when the operation has finished.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation finishes or ctx is done. Giving up on the
// wait does not cancel the operation.
func (o *Operation) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-o.done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
