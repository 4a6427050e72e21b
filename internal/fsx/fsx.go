// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsx provides the filesystem primitives every other px package
// builds on: scoped temporary directories, atomic writes, and directory-link
// replacement. Grounded on the teacher's tempdir-with-cleanup idiom in
// pkg/build/local/build_executor.go and the CAS write-then-rename contract
// described in spec.md §4.1/§4.2.
package fsx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ScopedTempDir is a temporary directory that reverts itself to writable
// permissions recursively before removal, tolerating read-only hardening
// applied by CAS materialization during use.
type ScopedTempDir struct {
	Path string
}

// NewScopedTempDir creates a temp dir under base (or os.TempDir() if empty)
// with the given prefix, and prunes siblings older than 24h sharing the
// prefix.
func NewScopedTempDir(base, prefix string) (*ScopedTempDir, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating temp base %s", base)
	}
	pruneOldSiblings(base, prefix, 24*time.Hour)
	dir, err := os.MkdirTemp(base, prefix+"-")
	if err != nil {
		return nil, errors.Wrap(err, "creating scoped temp dir")
	}
	return &ScopedTempDir{Path: dir}, nil
}

// Close reverts permissions recursively and removes the directory. Safe to
// call multiple times; never deletes anything outside Path.
func (s *ScopedTempDir) Close() error {
	if s == nil || s.Path == "" {
		return nil
	}
	if err := MakeWritableRecursive(s.Path); err != nil {
		// Best effort: still attempt removal.
	}
	return os.RemoveAll(s.Path)
}

func pruneOldSiblings(base, prefix string, maxAge time.Duration) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix+"-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(base, e.Name())
		_ = MakeWritableRecursive(full)
		_ = os.RemoveAll(full)
	}
}

// MakeWritableRecursive walks root and ensures every entry carries owner
// write permission, undoing the read-only hardening the CAS applies to
// stored objects (spec.md §4.2 "mark the resulting file tree read-only").
func MakeWritableRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		mode := info.Mode()
		var want os.FileMode
		if info.IsDir() {
			want = mode | 0o700
		} else {
			want = mode | 0o600
		}
		if want != mode {
			_ = os.Chmod(path, want)
		}
		return nil
	})
}

// AtomicWriteJSON marshals v and writes it to path via a sibling .tmp file
// plus rename, per spec.md §4.1.
func AtomicWriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling json")
	}
	b = append(b, '\n')
	return AtomicWriteFile(path, b, 0o644)
}

// AtomicWriteFile writes data to a sibling .tmp file and renames it into
// place, fsyncing both the temp file and its parent directory.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory %s", dir)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrapf(err, "creating temp file %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing temp file %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "syncing temp file %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing temp file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp, path)
	}
	fsyncDir(dir)
	return nil
}

func fsyncDir(dir string) {
	if runtime.GOOS == "windows" {
		return // directories aren't fsync-able on Windows
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// ReplaceDirLink replaces an existing directory link at link with one
// pointing at target. On POSIX it uses a symlink; callers on Windows should
// prefer a directory symlink and fall back to a junction (not implemented
// here; see replace_dir_link_windows.go in a full port). The operation is
// idempotent under concurrent callers racing to install the same target: it
// never removes target if the link step fails.
func ReplaceDirLink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent of %s", link)
	}
	tmp := link + ".tmp-link"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return errors.Wrapf(err, "creating symlink %s -> %s", tmp, target)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		existing, readErr := os.Readlink(link)
		if readErr == nil && existing == target {
			// Another caller already installed the same target: idempotent success.
			return nil
		}
		return errors.Wrapf(err, "installing link %s -> %s", link, target)
	}
	return nil
}

// DirLinkTarget returns the target a directory link points at, or "" if
// link is not a symlink.
func DirLinkTarget(link string) string {
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	return target
}
