// Package fstree provides the file tree primitives used to stage, publish,
// snapshot and restore extension directories: recursive copy, content
// digests and an atomic directory swap.
package fstree

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotDirectory is returned when a tree root is not a directory.
	ErrNotDirectory = errors.New("fstree: not a directory")
	// ErrUnsupportedEntry is returned for symlinks and device files inside a tree.
	ErrUnsupportedEntry = errors.New("fstree: unsupported file type")
)

// Summary describes the content of a tree.
type Summary struct {
	Files  int
	Bytes  int64
	Digest string
}

// Exists reports whether path exists and is a directory.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Copy recursively copies the directory src to dst. dst must not exist.
// Symlinks and special files are rejected rather than skipped so that a
// copy is always complete.
func Copy(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(dst, info.Mode().Perm()|0o700); err != nil {
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.Mkdir(target, info.Mode().Perm()|0o700)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedEntry, rel)
		}
	})
}

// copyFile copies a single file, preserving permissions, and syncs it.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Digest walks root in lexical order and hashes every relative path and
// file body into one SHA-256 digest. Two trees with the same digest are
// byte-identical.
func Digest(root string) (Summary, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Summary{}, err
	}
	if !info.IsDir() {
		return Summary{}, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%w: %s", ErrUnsupportedEntry, path)
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	sort.Strings(paths)

	h := sha256.New()
	var sum Summary
	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return Summary{}, err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})

		f, err := os.Open(path)
		if err != nil {
			return Summary{}, err
		}
		n, err := io.Copy(h, f)
		f.Close()
		if err != nil {
			return Summary{}, err
		}
		h.Write([]byte{0})
		sum.Files++
		sum.Bytes += n
	}
	sum.Digest = hex.EncodeToString(h.Sum(nil))
	return sum, nil
}

// Swap atomically makes the directory staged visible at target. If target
// already exists it is moved aside first and either removed on success or
// moved back on failure, so target always holds a complete tree.
func Swap(staged, target string) error {
	if !Exists(staged) {
		return fmt.Errorf("%w: %s", ErrNotDirectory, staged)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	aside := ""
	if _, err := os.Lstat(target); err == nil {
		aside = sibling(target, "old")
		if err := os.Rename(target, aside); err != nil {
			return fmt.Errorf("moving %s aside: %w", target, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Rename(staged, target); err != nil {
		if aside != "" {
			if rerr := os.Rename(aside, target); rerr != nil {
				log.Error().Err(rerr).Str("target", target).Str("aside", aside).Msg("failed to move previous tree back after swap failure")
				return errors.Join(fmt.Errorf("publishing %s: %w", target, err), rerr)
			}
		}
		return fmt.Errorf("publishing %s: %w", target, err)
	}

	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			log.Warn().Err(err).Str("path", aside).Msg("failed to remove replaced tree")
		}
	}
	return nil
}

// TempDir creates a uniquely named directory under parent.
func TempDir(parent, prefix string) (string, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	dir := filepath.Join(parent, prefix+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func sibling(path, tag string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+tag+"-"+uuid.NewString())
}

// Remove deletes the tree at target. The tree is first renamed aside, so
// target is either intact or gone; a failure while deleting the renamed
// copy is logged and leaves only a hidden sibling behind. Removing a
// missing target is not an error.
func Remove(target string) error {
	if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	aside := sibling(target, "removed")
	if err := os.Rename(target, aside); err != nil {
		return fmt.Errorf("moving %s aside: %w", target, err)
	}
	if err := os.RemoveAll(aside); err != nil {
		log.Warn().Err(err).Str("path", aside).Msg("failed to delete removed tree")
	}
	return nil
}
