package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/extgov/fstree"
	"github.com/toolink/extgov/meta"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewStore(Options{
		InstallRoot: filepath.Join(root, "extensions"),
		BackupRoot:  filepath.Join(root, "backups"),
		StagingRoot: filepath.Join(root, "staging"),
	})
	require.NoError(t, err)
	return s, root
}

func install(t *testing.T, root, id string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, "extensions", id)
	require.NoError(t, os.RemoveAll(dir))
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(body)
}

var reader = meta.Descriptor{ID: "reader", Name: "Reader", Version: "1.0.0"}

func TestCaptureAndRestore(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t)
	install(t, root, "reader", map[string]string{"main.js": "v1", "assets/icon.svg": "<svg/>"})

	snap, err := s.Capture(ctx, reader)
	require.NoError(t, err)
	assert.Equal(t, "reader", snap.ExtensionID)
	assert.Equal(t, "1.0.0", snap.Descriptor.Version)
	assert.Equal(t, 2, snap.Files)
	assert.NotEmpty(t, snap.Digest)

	install(t, root, "reader", map[string]string{"main.js": "v2"})
	require.NoError(t, s.Restore(ctx, snap))

	target := filepath.Join(root, "extensions", "reader")
	assert.Equal(t, "v1", readFile(t, filepath.Join(target, "main.js")))
	assert.FileExists(t, filepath.Join(target, "assets", "icon.svg"))

	sum, err := fstree.Digest(target)
	require.NoError(t, err)
	assert.Equal(t, snap.Digest, sum.Digest)
}

func TestRestoreIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t)
	install(t, root, "reader", map[string]string{"main.js": "v1"})

	snap, err := s.Capture(ctx, reader)
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, snap))
	install(t, root, "reader", map[string]string{"main.js": "broken"})
	require.NoError(t, s.Restore(ctx, snap))
	assert.Equal(t, "v1", readFile(t, filepath.Join(root, "extensions", "reader", "main.js")))
}

func TestCaptureReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t)
	install(t, root, "reader", map[string]string{"main.js": "v1"})
	first, err := s.Capture(ctx, reader)
	require.NoError(t, err)

	install(t, root, "reader", map[string]string{"main.js": "v2"})
	v2 := reader
	v2.Version = "2.0.0"
	second, err := s.Capture(ctx, v2)
	require.NoError(t, err)

	got, err := s.Get("reader")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "2.0.0", got.Descriptor.Version)

	err = s.Restore(ctx, first)
	assert.ErrorIs(t, err, ErrStale)
}

func TestCaptureWithoutInstalledTree(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Capture(context.Background(), reader)
	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestRestoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t)
	install(t, root, "reader", map[string]string{"main.js": "v1"})
	snap, err := s.Capture(ctx, reader)
	require.NoError(t, err)

	install(t, root, "reader", map[string]string{"main.js": "v2"})
	tampered := filepath.Join(root, "backups", "reader", "tree", "main.js")
	require.NoError(t, os.WriteFile(tampered, []byte("tampered"), 0o644))

	err = s.Restore(ctx, snap)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, "v2", readFile(t, filepath.Join(root, "extensions", "reader", "main.js")),
		"a failed restore must not touch the installed tree")
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t)
	install(t, root, "reader", map[string]string{"main.js": "v1"})
	snap, err := s.Capture(ctx, reader)
	require.NoError(t, err)

	require.NoError(t, s.Discard("reader"))
	require.NoError(t, s.Discard("reader"))

	_, err = s.Get("reader")
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.ErrorIs(t, s.Restore(ctx, snap), ErrNoSnapshot)
}

func TestCaptureLeavesNoStagingDebris(t *testing.T) {
	s, root := newTestStore(t)
	install(t, root, "reader", map[string]string{"main.js": "v1"})
	_, err := s.Capture(context.Background(), reader)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "staging"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInvalidID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get("../etc")
	assert.ErrorIs(t, err, meta.ErrInvalidID)
}
