package extension

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolink/extgov/catalog"
	"github.com/toolink/extgov/fstree"
	"github.com/toolink/extgov/meta"
	"github.com/toolink/extgov/notify"
	"github.com/toolink/extgov/resolver"
	"github.com/toolink/extgov/snapshot"
)

// Disable reasons recorded while an operation owns an extension.
const (
	ReasonUpdating     = "updating"
	ReasonRollingBack  = "rolling back"
	ReasonUninstalling = "uninstalling"
	// ReasonCorrupt marks an extension whose installed tree could not be
	// restored.
	ReasonCorrupt = "corrupt install, manual intervention required"
)

// OpEnable labels errors from Manager.Enable. It is not accepted by Start.
const OpEnable Op = "enable"

// Config locates the installed trees and the private staging area. Both
// must be on the same filesystem.
type Config struct {
	InstallRoot string
	StagingRoot string
}

// Option configures a Manager.
type Option func(*Manager)

// WithMonitor sets the runtime monitor told about installs, uninstalls and
// re-enables.
func WithMonitor(mon Monitor) Option {
	return func(m *Manager) {
		if mon != nil {
			m.monitor = mon
		}
	}
}

// WithGuard adds a cross-process guard on top of the in-process one.
func WithGuard(g Guard) Option {
	return func(m *Manager) { m.guard = g }
}

// WithPublisher replaces DirPublisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithSink sets the sink for lifecycle events.
func WithSink(s notify.Sink) Option {
	return func(m *Manager) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager runs lifecycle operations. At most one operation per extension
// id is in flight at a time; a second request is rejected with ErrBusy.
type Manager struct {
	cfg       Config
	catalog   catalog.Catalog
	validator Validator
	resolver  Resolver
	snapshots Snapshots
	monitor   Monitor
	guard     Guard
	publisher Publisher
	sink      notify.Sink
	tracer    trace.Tracer
	now       func() time.Time

	seq atomic.Uint64

	mu       sync.Mutex
	inflight map[string]meta.State
}

// NewManager creates a Manager and ensures its directories exist.
func NewManager(cfg Config, cat catalog.Catalog, v Validator, r Resolver, s Snapshots, opts ...Option) (*Manager, error) {
	if cfg.InstallRoot == "" || cfg.StagingRoot == "" {
		return nil, errors.New("extension: install and staging roots are required")
	}
	if cat == nil || v == nil || r == nil || s == nil {
		return nil, errors.New("extension: catalog, validator, resolver and snapshots are required")
	}
	for _, dir := range []string{cfg.InstallRoot, cfg.StagingRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("extension: creating %s: %w", dir, err)
		}
	}

	m := &Manager{
		cfg:       cfg,
		catalog:   cat,
		validator: v,
		resolver:  r,
		snapshots: s,
		monitor:   nopMonitor{},
		publisher: DirPublisher{},
		sink:      notify.Nop,
		tracer:    otel.Tracer("github.com/toolink/extgov/extension"),
		now:       time.Now,
		inflight:  make(map[string]meta.State),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Start begins req in the background. For update, rollback and uninstall
// the id is claimed before Start returns, so a conflicting request made
// after Start returns is rejected with ErrBusy. An install claims its id
// once the package has been validated.
func (m *Manager) Start(ctx context.Context, req Request) *Operation {
	op := newOperation(uuid.NewString(), req)

	var release func()
	switch req.Op {
	case OpInstall:
	case OpUpdate, OpRollback, OpUninstall:
		if err := meta.ValidateID(req.ID); err != nil {
			m.conclude(op, nil, newError(req.Op, req.ID, ErrNotInstalled, err), 0)
			return op
		}
		var err error
		release, err = m.reserve(ctx, req.Op, req.ID, initialState(req.Op))
		if err != nil {
			m.conclude(op, nil, err, 0)
			return op
		}
	default:
		m.conclude(op, nil, failf(req.Op, req.ID, ErrUnknown, "unsupported operation %q", req.Op), 0)
		return op
	}

	go func() {
		if release != nil {
			defer release()
		}
		m.run(ctx, op)
	}()
	return op
}

// Install installs the package directory pkg and waits for the result.
func (m *Manager) Install(ctx context.Context, pkg string) (*Result, error) {
	return m.Start(ctx, Request{Op: OpInstall, Package: pkg}).Wait(ctx)
}

// Update replaces installed extension id with the package directory pkg and
// waits for the result.
func (m *Manager) Update(ctx context.Context, id, pkg string) (*Result, error) {
	return m.Start(ctx, Request{Op: OpUpdate, ID: id, Package: pkg}).Wait(ctx)
}

// Rollback restores the last snapshot of id and waits for the result.
func (m *Manager) Rollback(ctx context.Context, id string) (*Result, error) {
	return m.Start(ctx, Request{Op: OpRollback, ID: id}).Wait(ctx)
}

// Uninstall removes id and waits for the result.
func (m *Manager) Uninstall(ctx context.Context, id string) (*Result, error) {
	return m.Start(ctx, Request{Op: OpUninstall, ID: id}).Wait(ctx)
}

func initialState(op Op) meta.State {
	switch op {
	case OpInstall:
		return meta.StateInstalling
	case OpUpdate:
		return meta.StateUpdating
	case OpRollback:
		return meta.StateRollingBack
	case OpUninstall:
		return meta.StateUninstalling
	}
	return meta.StateNone
}

func (m *Manager) run(ctx context.Context, op *Operation) {
	req := op.Request
	ctx, span := m.tracer.Start(ctx, "extension."+string(req.Op), trace.WithAttributes(
		attribute.String("extension.id", req.ID),
		attribute.String("operation.id", op.ID),
	))
	defer span.End()

	start := m.now()
	var (
		res *Result
		err error
	)
	switch req.Op {
	case OpInstall:
		res, err = m.install(ctx, op)
	case OpUpdate:
		res, err = m.update(ctx, op)
	case OpRollback:
		res, err = m.rollback(ctx, op)
	case OpUninstall:
		res, err = m.uninstall(ctx, op)
	}

	if err != nil {
		span.SetAttributes(attribute.String("extension.id", idOf(err, req.ID)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.conclude(op, res, err, m.now().Sub(start))
}

// conclude publishes the outcome of op and completes it.
func (m *Manager) conclude(op *Operation, res *Result, err error, took time.Duration) {
	req := op.Request
	if err != nil {
		id := idOf(err, req.ID)
		log.Error().Err(err).Str("extension", id).Str("op", string(req.Op)).Str("operation", op.ID).Str("kind", KindOf(err).Error()).Dur("duration", took).Msg("lifecycle operation failed")
		m.emit(op, failedKind(req.Op), id, "", err.Error())
		op.finish(nil, err)
		return
	}

	res.Op = req.Op
	res.OperationID = op.ID
	res.Duration = took
	version := ""
	if res.Descriptor != nil {
		version = res.Descriptor.Version
	}
	log.Info().Str("extension", res.ID).Str("op", string(req.Op)).Str("operation", op.ID).Str("version", version).Dur("duration", took).Msg("lifecycle operation completed")
	m.emit(op, completedKind(req.Op), res.ID, version, "")
	op.finish(res, nil)
}

func completedKind(op Op) notify.Kind {
	switch op {
	case OpInstall:
		return notify.KindInstallCompleted
	case OpUpdate:
		return notify.KindUpdateCompleted
	case OpRollback:
		return notify.KindRollbackCompleted
	}
	return notify.KindUninstallCompleted
}

func failedKind(op Op) notify.Kind {
	switch op {
	case OpUpdate:
		return notify.KindUpdateFailed
	case OpRollback:
		return notify.KindRollbackFailed
	case OpUninstall:
		return notify.KindUninstallFailed
	}
	return notify.KindInstallFailed
}

func idOf(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.ID != "" {
		return e.ID
	}
	return fallback
}

func (m *Manager) emit(op *Operation, kind notify.Kind, id, version, reason string) {
	m.sink.Notify(notify.Event{
		Kind:        kind,
		ExtensionID: id,
		Version:     version,
		Reason:      reason,
		OperationID: op.ID,
		Seq:         m.seq.Add(1),
		Time:        m.now(),
	})
}

// reserve claims id for one operation. The returned func releases it.
func (m *Manager) reserve(ctx context.Context, op Op, id string, state meta.State) (func(), error) {
	m.mu.Lock()
	if cur, ok := m.inflight[id]; ok {
		m.mu.Unlock()
		return nil, failf(op, id, ErrBusy, "extension is %s", cur)
	}
	m.inflight[id] = state
	m.mu.Unlock()

	unlock := func() {}
	if m.guard != nil {
		u, err := m.guard.Acquire(ctx, id)
		if err != nil {
			m.drop(id)
			return nil, newError(op, id, ErrBusy, err)
		}
		unlock = u
	}
	return func() {
		unlock()
		m.drop(id)
	}, nil
}

func (m *Manager) setState(id string, state meta.State) {
	m.mu.Lock()
	if _, ok := m.inflight[id]; ok {
		m.inflight[id] = state
	}
	m.mu.Unlock()
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

func (m *Manager) target(id string) string { return filepath.Join(m.cfg.InstallRoot, id) }

func (m *Manager) install(ctx context.Context, op *Operation) (*Result, error) {
	path := op.Request.Package
	desc, err := m.inspect(OpInstall, "", path)
	if err != nil {
		return nil, err
	}
	id := desc.ID
	logger := log.With().Str("extension", id).Str("operation", op.ID).Logger()

	release, err := m.reserve(ctx, OpInstall, id, meta.StateInstalling)
	if err != nil {
		return nil, err
	}
	defer release()
	m.emit(op, notify.KindInstallStarted, id, desc.Version, "")

	if rec, err := m.catalog.Get(ctx, id); err == nil {
		return nil, failf(OpInstall, id, ErrAlreadyInstalled, "version %s is installed, use update", rec.Descriptor.Version)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, newError(OpInstall, id, ErrUnknown, err)
	}
	if err := m.check(ctx, OpInstall, *desc); err != nil {
		return nil, err
	}

	staged, cleanup, err := m.stage(OpInstall, id, path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	target := m.target(id)
	if err := m.publisher.Publish(staged, target); err != nil {
		return nil, newError(OpInstall, id, ErrPublishFailed, err)
	}
	logger.Debug().Str("target", target).Msg("package published")

	if err := m.commit(ctx, *desc); err != nil {
		// nothing of the install may stay visible
		rctx := context.WithoutCancel(ctx)
		if rerr := m.catalog.Unregister(rctx, id); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to unregister after failed install")
		}
		if rerr := m.publisher.Remove(target); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to remove files after failed install")
		}
		return nil, newError(OpInstall, id, ErrPublishFailed, err)
	}
	m.monitor.Register(id)
	return &Result{ID: id, Descriptor: desc}, nil
}

func (m *Manager) update(ctx context.Context, op *Operation) (*Result, error) {
	id := op.Request.ID
	prev, err := m.record(ctx, OpUpdate, id)
	if err != nil {
		return nil, err
	}
	m.emit(op, notify.KindUpdateStarted, id, prev.Descriptor.Version, "")

	// no backup, no update
	snap, err := m.snapshots.Capture(ctx, prev.Descriptor)
	if err != nil {
		return nil, newError(OpUpdate, id, ErrBackupFailed, err)
	}

	desc, err := m.replace(ctx, id, op.Request.Package)
	if err != nil {
		return nil, m.recover(ctx, op, snap, *prev, err)
	}
	m.monitor.Enable(id)

	previous := prev.Descriptor.Clone()
	return &Result{ID: id, Descriptor: desc, Previous: &previous}, nil
}

// replace is the part of an update that runs with a verified backup in
// place. Any error it returns must be followed by recover.
func (m *Manager) replace(ctx context.Context, id, path string) (*meta.Descriptor, error) {
	m.setState(id, meta.StateUpdating)
	if err := m.catalog.Disable(ctx, id, ReasonUpdating); err != nil {
		return nil, newError(OpUpdate, id, ErrUnknown, fmt.Errorf("disabling: %w", err))
	}

	desc, err := m.inspect(OpUpdate, id, path)
	if err != nil {
		return nil, err
	}
	if desc.ID != id {
		return nil, failf(OpUpdate, id, ErrMalformedPackage, "package is for %q", desc.ID)
	}
	if err := m.check(ctx, OpUpdate, *desc); err != nil {
		return nil, err
	}

	staged, cleanup, err := m.stage(OpUpdate, id, path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := m.publisher.Publish(staged, m.target(id)); err != nil {
		return nil, newError(OpUpdate, id, ErrPublishFailed, err)
	}
	if err := m.commit(ctx, *desc); err != nil {
		return nil, newError(OpUpdate, id, ErrPublishFailed, err)
	}
	return desc, nil
}

// recover puts back the tree and catalog record an update replaced and
// returns cause. If the tree itself cannot be restored the extension is
// left disabled and the returned error is fatal.
func (m *Manager) recover(ctx context.Context, op *Operation, snap *meta.Snapshot, prev meta.Record, cause error) error {
	ctx = context.WithoutCancel(ctx)
	id := prev.Descriptor.ID
	m.setState(id, meta.StateRollingBack)
	log.Warn().Err(cause).Str("extension", id).Str("operation", op.ID).Msg("update failed, rolling back")

	if err := m.snapshots.Restore(ctx, snap); err != nil {
		return m.abandon(ctx, op, id, err, cause)
	}
	if err := m.reinstate(ctx, prev); err != nil {
		return m.abandon(ctx, op, id, err, cause)
	}
	m.emit(op, notify.KindRollbackCompleted, id, prev.Descriptor.Version, cause.Error())
	return cause
}

// reinstate writes rec back to the catalog with its enabled flag and reason.
func (m *Manager) reinstate(ctx context.Context, rec meta.Record) error {
	id := rec.Descriptor.ID
	if err := m.catalog.Register(ctx, rec.Descriptor); err != nil {
		return err
	}
	if !rec.Enabled {
		return m.catalog.Disable(ctx, id, rec.Reason)
	}
	if err := m.catalog.Enable(ctx, id); err != nil {
		return err
	}
	m.monitor.Enable(id)
	return nil
}

func (m *Manager) abandon(ctx context.Context, op *Operation, id string, restoreErr, cause error) error {
	log.Error().Err(restoreErr).AnErr("cause", cause).Str("extension", id).Str("operation", op.ID).Msg("restore failed, extension left disabled")
	if err := m.catalog.Disable(ctx, id, ReasonCorrupt); err != nil {
		log.Error().Err(err).Str("extension", id).Msg("failed to mark extension corrupt")
	}
	m.emit(op, notify.KindRollbackFailed, id, "", ReasonCorrupt)

	reason := fmt.Sprintf("%s: restore: %v", ReasonCorrupt, restoreErr)
	if cause != nil {
		reason += fmt.Sprintf("; after: %v", cause)
	}
	return &Error{
		Op:     op.Request.Op,
		ID:     id,
		Kind:   ErrRollbackFailed,
		Reason: reason,
		Err:    errors.Join(restoreErr, cause),
	}
}

func (m *Manager) rollback(ctx context.Context, op *Operation) (*Result, error) {
	id := op.Request.ID
	prev, err := m.record(ctx, OpRollback, id)
	if err != nil {
		return nil, err
	}

	snap, err := m.snapshots.Get(id)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil, failf(OpRollback, id, ErrNoBackupAvailable, "no snapshot of %s", id)
	} else if err != nil {
		return nil, newError(OpRollback, id, ErrUnknown, err)
	}

	if err := m.catalog.Disable(ctx, id, ReasonRollingBack); err != nil {
		return nil, newError(OpRollback, id, ErrUnknown, fmt.Errorf("disabling: %w", err))
	}

	rctx := context.WithoutCancel(ctx)
	if err := m.snapshots.Restore(ctx, snap); err != nil {
		// Restore leaves the tree untouched unless the swap itself broke.
		kind := ErrUnknown
		switch {
		case errors.Is(err, snapshot.ErrCorrupt), errors.Is(err, snapshot.ErrStale), errors.Is(err, snapshot.ErrNoSnapshot):
			kind = ErrNoBackupAvailable
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			return nil, m.abandon(rctx, op, id, err, nil)
		}
		if rerr := m.reinstate(rctx, *prev); rerr != nil {
			log.Error().Err(rerr).Str("extension", id).Msg("failed to reinstate catalog record after failed rollback")
		}
		return nil, newError(OpRollback, id, kind, err)
	}

	restored := snap.Descriptor.Clone()
	if err := m.commit(rctx, restored); err != nil {
		return nil, m.abandon(rctx, op, id, fmt.Errorf("registering restored version: %w", err), nil)
	}
	m.monitor.Enable(id)

	previous := prev.Descriptor.Clone()
	return &Result{ID: id, Descriptor: &restored, Previous: &previous}, nil
}

func (m *Manager) uninstall(ctx context.Context, op *Operation) (*Result, error) {
	id := op.Request.ID
	prev, err := m.record(ctx, OpUninstall, id)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("extension", id).Str("operation", op.ID).Logger()
	m.emit(op, notify.KindUninstallStarted, id, prev.Descriptor.Version, "")

	if err := m.catalog.Disable(ctx, id, ReasonUninstalling); err != nil {
		return nil, newError(OpUninstall, id, ErrUnknown, fmt.Errorf("disabling: %w", err))
	}

	var warnings []string
	dependents, err := m.resolver.Dependents(ctx, id)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("could not check dependents: %v", err))
	}
	var users []string
	for _, d := range dependents {
		if d != id {
			users = append(users, d)
			warnings = append(warnings, fmt.Sprintf("%s depends on %s", d, id))
		}
	}
	if len(users) > 0 {
		logger.Warn().Strs("dependents", users).Msg("uninstalling an extension other extensions depend on")
	}

	rctx := context.WithoutCancel(ctx)
	if err := m.publisher.Remove(m.target(id)); err != nil {
		if rerr := m.reinstate(rctx, *prev); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to reinstate catalog record after failed uninstall")
		}
		return nil, newError(OpUninstall, id, ErrUnknown, err)
	}

	// the files are gone; finish the bookkeeping regardless of ctx
	if err := m.snapshots.Discard(id); err != nil {
		warnings = append(warnings, fmt.Sprintf("could not discard snapshot: %v", err))
	}
	m.monitor.Unregister(id)
	if err := m.catalog.Unregister(rctx, id); err != nil {
		return nil, newError(OpUninstall, id, ErrUnknown, fmt.Errorf("unregistering: %w", err))
	}

	previous := prev.Descriptor.Clone()
	return &Result{ID: id, Previous: &previous, Warnings: warnings}, nil
}

// record loads the catalog record an operation on an installed id starts from.
func (m *Manager) record(ctx context.Context, op Op, id string) (*meta.Record, error) {
	rec, err := m.catalog.Get(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, failf(op, id, ErrNotInstalled, "%s is not installed", id)
	}
	if err != nil {
		return nil, newError(op, id, ErrUnknown, err)
	}
	return rec, nil
}

// inspect validates the package at path and returns its descriptor.
func (m *Manager) inspect(op Op, id, path string) (*meta.Descriptor, error) {
	v, err := m.validator.Validate(path)
	if err != nil {
		return nil, newError(op, id, ErrUnknown, fmt.Errorf("validating package: %w", err))
	}
	if !v.Valid {
		return nil, failf(op, id, ErrSecurityRejected, "%s", strings.Join(v.Errors, "; "))
	}
	if v.Descriptor == nil {
		reason := "package has no descriptor"
		if len(v.Errors) > 0 {
			reason = strings.Join(v.Errors, "; ")
		}
		return nil, failf(op, id, ErrMalformedPackage, "%s", reason)
	}
	if err := v.Descriptor.Validate(); err != nil {
		return nil, newError(op, id, ErrMalformedPackage, err)
	}
	desc := v.Descriptor.Clone()
	return &desc, nil
}

func (m *Manager) check(ctx context.Context, op Op, desc meta.Descriptor) error {
	err := m.resolver.Check(ctx, desc)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resolver.ErrHostAPIIncompatible):
		return newError(op, desc.ID, ErrIncompatibleVersion, err)
	case errors.Is(err, resolver.ErrMissingDependency), errors.Is(err, resolver.ErrVersionTooLow):
		return newError(op, desc.ID, ErrDependencyUnmet, err)
	}
	return newError(op, desc.ID, ErrUnknown, err)
}

// stage copies the package into a private directory and verifies the
// copy. The returned cleanup removes whatever is left of the staging
// directory.
func (m *Manager) stage(op Op, id, path string) (string, func(), error) {
	tmp, err := fstree.TempDir(m.cfg.StagingRoot, id+".stage")
	if err != nil {
		return "", nil, newError(op, id, ErrStagingFailed, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmp); err != nil {
			log.Warn().Err(err).Str("path", tmp).Msg("failed to remove staging directory")
		}
	}

	staged := filepath.Join(tmp, "tree")
	if err := fstree.Copy(path, staged); err != nil {
		cleanup()
		return "", nil, newError(op, id, ErrStagingFailed, err)
	}
	want, err := fstree.Digest(path)
	if err == nil {
		var got fstree.Summary
		got, err = fstree.Digest(staged)
		if err == nil && got.Digest != want.Digest {
			err = errors.New("staged copy does not match package")
		}
	}
	if err != nil {
		cleanup()
		return "", nil, newError(op, id, ErrStagingFailed, err)
	}
	return staged, cleanup, nil
}

// commit registers desc and enables it.
func (m *Manager) commit(ctx context.Context, desc meta.Descriptor) error {
	if err := m.catalog.Register(ctx, desc); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	if err := m.catalog.Enable(ctx, desc.ID); err != nil {
		return fmt.Errorf("enabling: %w", err)
	}
	return nil
}

// Enable is the operator re-enable of a disabled extension. The governor's
// metrics for id start over.
func (m *Manager) Enable(ctx context.Context, id string) error {
	release, err := m.reserve(ctx, OpEnable, id, meta.StateDisabled)
	if err != nil {
		return err
	}
	defer release()

	if err := m.catalog.Enable(ctx, id); errors.Is(err, catalog.ErrNotFound) {
		return failf(OpEnable, id, ErrNotInstalled, "%s is not installed", id)
	} else if err != nil {
		return newError(OpEnable, id, ErrUnknown, err)
	}
	m.monitor.Enable(id)

	log.Info().Str("extension", id).Msg("extension enabled by operator")
	m.sink.Notify(notify.Event{Kind: notify.KindEnabled, ExtensionID: id, Seq: m.seq.Add(1), Time: m.now()})
	return nil
}

// State returns the lifecycle state of id: the in-flight operation's state
// if there is one, otherwise what the catalog records.
func (m *Manager) State(ctx context.Context, id string) (meta.Status, error) {
	m.mu.Lock()
	s, ok := m.inflight[id]
	m.mu.Unlock()
	if ok {
		return meta.Status{State: s}, nil
	}

	rec, err := m.catalog.Get(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return meta.Status{State: meta.StateNone}, nil
	}
	if err != nil {
		return meta.Status{}, err
	}
	return rec.Status(), nil
}

// Installed is a catalog record with its current lifecycle status.
type Installed struct {
	Record meta.Record `json:"record"`
	Status meta.Status `json:"status"`
}

// List returns every installed extension ordered by id.
func (m *Manager) List(ctx context.Context) ([]Installed, error) {
	records, err := m.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Installed, 0, len(records))
	for _, rec := range records {
		st := rec.Status()
		if s, ok := m.inflight[rec.Descriptor.ID]; ok {
			st = meta.Status{State: s}
		}
		out = append(out, Installed{Record: rec, Status: st})
	}
	return out, nil
}

// CleanupStaging removes entries of the staging root last modified more
// than maxAge ago, left behind by a crashed process. maxAge should be far
// longer than any operation takes.
func (m *Manager) CleanupStaging(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.cfg.StagingRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.StagingRoot, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Str("staging", m.cfg.StagingRoot).Msg("stale staging entries removed")
	}
	return removed, errors.Join(errs...)
}
