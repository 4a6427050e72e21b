// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package reposnap

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/fsx"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/pkg/archive"
)

// Ingester materializes RepoSnapshotSpecs into the CAS, deduping on the
// spec's lookup key so identical specs never re-clone or re-hash
// (spec.md §4.4).
type Ingester struct {
	Store  *cas.Store
	Online bool
}

// Ensure resolves spec to a RepoSnapshot OID, ingesting it if not already
// cached. It refuses remote specs while offline unless already cached
// (CodeOfflineUncached).
func (in *Ingester) Ensure(ctx context.Context, spec *Spec) (string, error) {
	key := spec.LookupKey()
	if oid, found, err := in.Store.LookupKey(ctx, key); err != nil {
		return "", errors.Wrap(err, "checking repo-snapshot cache")
	} else if found && in.Store.Exists(oid) {
		return oid, nil
	}

	if spec.IsRemote() && !in.Online {
		return "", offlineError(spec)
	}

	oid, err := in.clone(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := in.Store.RecordKey(ctx, key, oid); err != nil {
		return "", errors.Wrap(err, "recording repo-snapshot cache key")
	}
	return oid, nil
}

func (in *Ingester) clone(ctx context.Context, spec *Spec) (string, error) {
	tmp, err := fsx.NewScopedTempDir("", "px-reposnap")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	cloneURL := spec.URL
	mirrorRoot := filepath.Join(in.Store.Root(), "repo-mirrors")
	mirrorDir, err := ensureMirror(ctx, mirrorRoot, cloneURL)
	if err != nil {
		return "", errors.Wrapf(err, "mirroring %s", spec.Locator)
	}
	repo, err := git.PlainCloneContext(ctx, tmp.Path, false, &git.CloneOptions{
		URL:        mirrorDir,
		NoCheckout: true,
	})
	if err != nil {
		return "", errors.Wrapf(err, "cloning %s", spec.Locator)
	}

	hash := plumbing.NewHash(spec.Commit)
	wt, err := repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "opening worktree")
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash}); err != nil {
		// go-git's object walk does not smudge LFS pointers or populate
		// submodules; fall back to the system git for those cases.
		if fallbackErr := checkoutViaSystemGit(ctx, tmp.Path, cloneURL, spec.Commit); fallbackErr != nil {
			return "", errors.Wrapf(err, "checking out %s (fallback also failed: %v)", spec.Commit, fallbackErr)
		}
	}
	if err := updateSubmodulesAndLFS(ctx, tmp.Path); err != nil {
		return "", err
	}

	archiveRoot := tmp.Path
	if spec.Subdir != "" {
		archiveRoot = filepath.Join(tmp.Path, spec.Subdir)
	}

	var buf bytes.Buffer
	if err := archive.CanonicalTarGzFromDir(&buf, archiveRoot, archive.BuildCanonicalTarGzOptions{Exclude: archive.ExcludeGitDir}); err != nil {
		return "", errors.Wrap(err, "building canonical repo-snapshot archive")
	}

	obj, err := cas.NewObject(cas.KindRepoSnapshot, cas.RepoSnapshotHeader{
		Locator: spec.Locator, Commit: spec.Commit, Subdir: spec.Subdir,
	}, cas.PayloadKindTarGz, buf.Bytes())
	if err != nil {
		return "", err
	}
	stored, err := in.Store.Store(ctx, obj)
	if err != nil {
		return "", errors.Wrap(err, "storing repo-snapshot object")
	}
	return stored.OID, nil
}

// checkoutViaSystemGit shells to the system git for checkouts go-git cannot
// perform on its own (detached-HEAD checkout of an arbitrary commit when
// go-git's in-memory object walk rejects the pack layout).
func checkoutViaSystemGit(ctx context.Context, dir, url, commit string) error {
	cmds := [][]string{
		{"git", "-C", dir, "fetch", "--depth", "1", url, commit},
		{"git", "-C", dir, "checkout", "--detach", commit},
	}
	for _, args := range cmds {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return errors.Wrapf(err, "running %v: %s", args, out)
		}
	}
	return nil
}

// updateSubmodulesAndLFS shells to system git for submodule population and
// LFS smudging, which go-git does not implement.
func updateSubmodulesAndLFS(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "submodule", "update", "--init", "--recursive")
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "updating submodules: %s", out)
	}
	lfsCmd := exec.CommandContext(ctx, "git", "-C", dir, "lfs", "pull")
	_ = lfsCmd.Run() // best effort: repos without git-lfs installed/configured are common and not an error
	return nil
}

func offlineError(spec *Spec) error {
	return pxerr.New(CodeOfflineUncached, "repo-snapshot is remote and not cached; refusing to fetch while offline", map[string]any{"locator": spec.Locator}).
		WithHint("run with network access once to populate the cache, or pass --offline=false")
}
