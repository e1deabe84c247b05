// Package snapshot keeps one verified copy of an extension's installed file
// tree per extension, used for backup before update and for rollback.
//
// Layout under the backup root:
//
//	<backup>/<id>/snapshot.json   descriptor, digest and capture time
//	<backup>/<id>/tree/           byte-for-byte copy of <install>/<id>
//
// A capture is assembled in a hidden temporary directory and swapped into
// place only after its digest matches the source, so a half-written
// snapshot is never visible to Restore.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/extgov/fstree"
	"github.com/toolink/extgov/meta"
)

const (
	manifestName = "snapshot.json"
	treeName     = "tree"
)

var (
	// ErrSourceMissing is returned when there is no installed tree to capture.
	ErrSourceMissing = errors.New("snapshot: installed tree not found")
	// ErrNoSnapshot is returned when no snapshot exists for the extension.
	ErrNoSnapshot = errors.New("snapshot: no snapshot available")
	// ErrCorrupt is returned when a stored snapshot fails verification.
	ErrCorrupt = errors.New("snapshot: snapshot is corrupt")
	// ErrStale is returned when restoring a snapshot that has since been replaced.
	ErrStale = errors.New("snapshot: snapshot has been replaced")
)

// Options configures the directories used by a Store. All three should live
// on the same filesystem so that publishing is a rename.
type Options struct {
	InstallRoot string
	BackupRoot  string
	StagingRoot string
}

// Store is a filesystem snapshot store.
type Store struct {
	opts  Options
	locks sync.Map // extension id -> *sync.Mutex
	now   func() time.Time
}

// NewStore creates a Store and ensures its directories exist.
func NewStore(opts Options) (*Store, error) {
	if opts.InstallRoot == "" || opts.BackupRoot == "" {
		return nil, errors.New("snapshot: install and backup roots are required")
	}
	if opts.StagingRoot == "" {
		opts.StagingRoot = filepath.Join(opts.BackupRoot, ".staging")
	}
	for _, dir := range []string{opts.InstallRoot, opts.BackupRoot, opts.StagingRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("snapshot: creating %s: %w", dir, err)
		}
	}
	return &Store{opts: opts, now: time.Now}, nil
}

func (s *Store) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) dir(id string) string { return filepath.Join(s.opts.BackupRoot, id) }

// Capture copies the installed tree of desc.ID and records desc alongside
// it, replacing any previous snapshot for the same id.
func (s *Store) Capture(ctx context.Context, desc meta.Descriptor) (*meta.Snapshot, error) {
	if err := meta.ValidateID(desc.ID); err != nil {
		return nil, err
	}
	defer s.lock(desc.ID)()

	logger := log.With().Str("extension", desc.ID).Logger()
	src := filepath.Join(s.opts.InstallRoot, desc.ID)
	if !fstree.Exists(src) {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, desc.ID)
	}

	tmp, err := fstree.TempDir(s.opts.StagingRoot, desc.ID+".capture")
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			os.RemoveAll(tmp)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fstree.Copy(src, filepath.Join(tmp, treeName)); err != nil {
		return nil, fmt.Errorf("snapshot: copying %s: %w", desc.ID, err)
	}

	want, err := fstree.Digest(src)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading %s: %w", desc.ID, err)
	}
	got, err := fstree.Digest(filepath.Join(tmp, treeName))
	if err != nil {
		return nil, fmt.Errorf("snapshot: verifying %s: %w", desc.ID, err)
	}
	if got.Digest != want.Digest {
		return nil, fmt.Errorf("%w: copy of %s does not match source", ErrCorrupt, desc.ID)
	}

	snap := &meta.Snapshot{
		ID:          uuid.NewString(),
		ExtensionID: desc.ID,
		Descriptor:  desc.Clone(),
		CreatedAt:   s.now().UTC(),
		Files:       got.Files,
		Bytes:       got.Bytes,
		Digest:      got.Digest,
	}
	if err := writeManifest(filepath.Join(tmp, manifestName), snap); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	if err := fstree.Swap(tmp, s.dir(desc.ID)); err != nil {
		return nil, fmt.Errorf("snapshot: committing %s: %w", desc.ID, err)
	}
	keep = true

	logger.Info().Str("snapshot", snap.ID).Int("files", snap.Files).Int64("bytes", snap.Bytes).Msg("snapshot captured")
	return snap, nil
}

// Get returns the stored snapshot for id.
func (s *Store) Get(id string) (*meta.Snapshot, error) {
	if err := meta.ValidateID(id); err != nil {
		return nil, err
	}
	return readManifest(filepath.Join(s.dir(id), manifestName))
}

// Restore verifies snap and replaces the installed tree with it. The
// installed tree is either fully replaced or left untouched.
func (s *Store) Restore(ctx context.Context, snap *meta.Snapshot) error {
	if snap == nil {
		return ErrNoSnapshot
	}
	id := snap.ExtensionID
	if err := meta.ValidateID(id); err != nil {
		return err
	}
	defer s.lock(id)()

	stored, err := readManifest(filepath.Join(s.dir(id), manifestName))
	if err != nil {
		return err
	}
	if stored.ID != snap.ID {
		return fmt.Errorf("%w: %s has snapshot %s, not %s", ErrStale, id, stored.ID, snap.ID)
	}

	tree := filepath.Join(s.dir(id), treeName)
	sum, err := fstree.Digest(tree)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if sum.Digest != stored.Digest {
		return fmt.Errorf("%w: %s digest mismatch", ErrCorrupt, id)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := fstree.TempDir(s.opts.StagingRoot, id+".restore")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer os.RemoveAll(tmp)

	staged := filepath.Join(tmp, treeName)
	if err := fstree.Copy(tree, staged); err != nil {
		return fmt.Errorf("snapshot: staging restore of %s: %w", id, err)
	}
	if err := fstree.Swap(staged, filepath.Join(s.opts.InstallRoot, id)); err != nil {
		return fmt.Errorf("snapshot: restoring %s: %w", id, err)
	}

	log.Info().Str("extension", id).Str("snapshot", snap.ID).Msg("snapshot restored")
	return nil
}

// Discard removes the snapshot for id. It is a no-op if none exists.
func (s *Store) Discard(id string) error {
	if err := meta.ValidateID(id); err != nil {
		return err
	}
	defer s.lock(id)()

	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("snapshot: discarding %s: %w", id, err)
	}
	log.Debug().Str("extension", id).Msg("snapshot discarded")
	return nil
}

func writeManifest(path string, snap *meta.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readManifest(path string) (*meta.Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	var snap meta.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}
	return &snap, nil
}
