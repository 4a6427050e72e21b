// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/fsx"
	"github.com/pxtool/px/pkg/archive"
)

// MaterializedPkgBuildPath returns materialized-pkg-builds/<oid>/ under the
// store root (spec.md §4.2).
func (s *Store) MaterializedPkgBuildPath(oid string) string {
	return filepath.Join(s.root, "materialized-pkg-builds", oid)
}

// MaterializedRuntimePath returns materialized-runtimes/<oid>/ under the
// store root (spec.md §4.2).
func (s *Store) MaterializedRuntimePath(oid string) string {
	return filepath.Join(s.root, "materialized-runtimes", oid)
}

// MaterializedRepoSnapshotPath returns materialized-repo-snapshots/<oid>/
// under the store root, used as the working directory for a `run` target
// resolved from a `git+` locator (spec.md §4.10).
func (s *Store) MaterializedRepoSnapshotPath(oid string) string {
	return filepath.Join(s.root, "materialized-repo-snapshots", oid)
}

// MaterializeRepoSnapshot extracts a RepoSnapshot object's tar.gz payload
// into MaterializedRepoSnapshotPath(oid).
func (s *Store) MaterializeRepoSnapshot(ctx context.Context, oid string) (string, error) {
	dest := s.MaterializedRepoSnapshotPath(oid)
	if dirNonEmpty(dest) {
		return dest, nil
	}
	loaded, err := s.Load(ctx, oid)
	if err != nil {
		return "", err
	}
	if loaded.Kind != KindRepoSnapshot {
		return "", errors.Errorf("object %s is not a repo_snapshot (kind=%s)", oid, loaded.Kind)
	}
	if err := extractTarGzTo(dest, loaded.Body); err != nil {
		return "", errors.Wrapf(err, "materializing repo-snapshot %s", oid)
	}
	return dest, nil
}

// MaterializePkgBuild extracts a PkgBuild object's tar.gz payload into
// MaterializedPkgBuildPath(oid), reusing an existing directory without
// re-extracting (materialization is content-addressed, so a present
// directory is assumed correct).
func (s *Store) MaterializePkgBuild(ctx context.Context, oid string) (string, error) {
	dest := s.MaterializedPkgBuildPath(oid)
	if dirNonEmpty(dest) {
		return dest, nil
	}
	loaded, err := s.Load(ctx, oid)
	if err != nil {
		return "", err
	}
	if loaded.Kind != KindPkgBuild {
		return "", errors.Errorf("object %s is not a pkg_build (kind=%s)", oid, loaded.Kind)
	}
	if err := extractTarGzTo(dest, loaded.Body); err != nil {
		return "", errors.Wrapf(err, "materializing pkg-build %s", oid)
	}
	return dest, nil
}

// MaterializeRuntime extracts a Runtime object's tar.gz payload into
// MaterializedRuntimePath(oid). A header-only (host-only) Runtime has no
// payload to extract; callers fall back to the host interpreter path in
// that case.
func (s *Store) MaterializeRuntime(ctx context.Context, oid string) (string, error) {
	dest := s.MaterializedRuntimePath(oid)
	if dirNonEmpty(dest) {
		return dest, nil
	}
	loaded, err := s.Load(ctx, oid)
	if err != nil {
		return "", err
	}
	if loaded.Kind != KindRuntime {
		return "", errors.Errorf("object %s is not a runtime (kind=%s)", oid, loaded.Kind)
	}
	if len(loaded.Body) == 0 {
		return "", nil
	}
	if err := extractTarGzTo(dest, loaded.Body); err != nil {
		return "", errors.Wrapf(err, "materializing runtime %s", oid)
	}
	return dest, nil
}

func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

func extractTarGzTo(dest string, body []byte) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if err := archive.ExtractTarGz(bytes.NewReader(body), osfs.New(dest), archive.ExtractOptions{}); err != nil {
		return err
	}
	return fsx.AtomicWriteFile(filepath.Join(dest, ".materialized"), []byte{}, 0o644)
}
