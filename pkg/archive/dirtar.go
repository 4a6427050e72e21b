// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// BuildCanonicalTarGzOptions controls CanonicalTarGzFromDir.
type BuildCanonicalTarGzOptions struct {
	// Exclude is tested against each entry's slash-separated relative path;
	// a true result skips the entry (and its subtree, for directories).
	Exclude func(relPath string) bool
}

// CanonicalTarGzFromDir walks root, builds a TarArchive in memory, and runs
// it through the same stabilizer pipeline StabilizeTar uses before writing a
// canonical tar.gz to dst: sorted entries, mtimes/uids/gids zeroed,
// permissions normalized, POSIX-style forward-slash paths. This is the
// RepoSnapshot payload format (spec.md §4.4) and is also used to package
// sandbox application layers (spec.md §4.11).
func CanonicalTarGzFromDir(dst io.Writer, root string, opts BuildCanonicalTarGzOptions) error {
	entries, err := collectTarEntries(root, opts)
	if err != nil {
		return err
	}
	archive := TarArchive{Files: entries}
	for _, s := range AllTarStabilizers {
		switch stab := s.(type) {
		case TarArchiveStabilizer:
			stab.Func(&archive)
		case TarEntryStabilizer:
			for _, ent := range archive.Files {
				stab.Func(ent)
			}
		}
	}

	gzw := gzip.NewWriter(dst)
	tw := tar.NewWriter(gzw)
	for _, ent := range archive.Files {
		if err := ent.WriteTo(tw); err != nil {
			return errors.Wrapf(err, "writing tar entry %s", ent.Name)
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "closing tar writer")
	}
	return errors.Wrap(gzw.Close(), "closing gzip writer")
}

// CanonicalTarFromDir is CanonicalTarGzFromDir without the gzip wrapper,
// for callers (sandbox OCI layers) that compress the tar themselves.
func CanonicalTarFromDir(dst io.Writer, root string, opts BuildCanonicalTarGzOptions) error {
	entries, err := collectTarEntries(root, opts)
	if err != nil {
		return err
	}
	archive := TarArchive{Files: entries}
	for _, s := range AllTarStabilizers {
		switch stab := s.(type) {
		case TarArchiveStabilizer:
			stab.Func(&archive)
		case TarEntryStabilizer:
			for _, ent := range archive.Files {
				stab.Func(ent)
			}
		}
	}
	tw := tar.NewWriter(dst)
	for _, ent := range archive.Files {
		if err := ent.WriteTo(tw); err != nil {
			return errors.Wrapf(err, "writing tar entry %s", ent.Name)
		}
	}
	return errors.Wrap(tw.Close(), "closing tar writer")
}

// TarFromEntries stabilizes and writes an explicit entry list, for layer
// writers (sandbox env/system-deps layers) that synthesize content instead
// of walking a directory.
func TarFromEntries(dst io.Writer, entries []*TarEntry) error {
	archive := TarArchive{Files: entries}
	for _, s := range AllTarStabilizers {
		switch stab := s.(type) {
		case TarArchiveStabilizer:
			stab.Func(&archive)
		case TarEntryStabilizer:
			for _, ent := range archive.Files {
				stab.Func(ent)
			}
		}
	}
	tw := tar.NewWriter(dst)
	for _, ent := range archive.Files {
		if err := ent.WriteTo(tw); err != nil {
			return errors.Wrapf(err, "writing tar entry %s", ent.Name)
		}
	}
	return errors.Wrap(tw.Close(), "closing tar writer")
}

func collectTarEntries(root string, opts BuildCanonicalTarGzOptions) ([]*TarEntry, error) {
	var entries []*TarEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel := filepath.ToSlash(mustRel(root, path))
		if opts.Exclude != nil && opts.Exclude(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
			entries = append(entries, &TarEntry{hdr, nil})
			return nil
		}
		var body []byte
		if info.Mode().IsRegular() {
			if body, err = os.ReadFile(path); err != nil {
				return err
			}
		}
		hdr.Size = int64(len(body))
		entries = append(entries, &TarEntry{hdr, body})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", root)
	}
	return entries, nil
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return target
	}
	return rel
}

// ExcludeGitDir is the default BuildCanonicalTarGzOptions.Exclude for
// repo-snapshot ingestion: drop the `.git` directory entirely.
func ExcludeGitDir(relPath string) bool {
	return relPath == ".git" || hasPathPrefix(relPath, ".git/")
}

func hasPathPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
