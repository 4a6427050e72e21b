// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package reposnap

import (
	"context"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/pkg/errors"
)

// mirrorDirName maps a remote URL to a stable directory name under the
// CAS store's repo-mirror cache.
func mirrorDirName(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host + u.Path
	}
	name = strings.TrimSuffix(name, ".git")
	return unsafePathChars.ReplaceAllString(name, "_")
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ensureMirror fetches (or, on first use, bare-clones) a persistent local
// mirror of rawURL under mirrorRoot and returns its directory, so the
// caller can clone from that local path instead of the network. A mirror
// is kept per remote URL: cloning N versions of the same upstream only
// ever fetches new objects once, instead of walking the full history on
// every RepoSnapshot ingestion (spec.md §4.4's dedup-on-lookup-key applies
// to the final snapshot object, not to the network traffic needed to
// produce one).
func ensureMirror(ctx context.Context, mirrorRoot, rawURL string) (string, error) {
	dir := filepath.Join(mirrorRoot, mirrorDirName(rawURL))
	fs := osfs.New(dir)
	store := filesystem.NewStorage(fs, nil)

	repo, err := git.Open(store, nil)
	switch {
	case err == nil:
		if fetchErr := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", Force: true}); fetchErr != nil && fetchErr != git.NoErrAlreadyUpToDate {
			return "", errors.Wrapf(fetchErr, "fetching mirror for %s", rawURL)
		}
		return dir, nil
	case err == git.ErrRepositoryNotExists:
		repo, err = git.InitWithOptions(store, nil, git.InitOptions{})
		if err != nil {
			return "", errors.Wrapf(err, "initializing mirror for %s", rawURL)
		}
		if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{rawURL}}); err != nil {
			return "", errors.Wrap(err, "creating mirror remote")
		}
		if err := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"}); err != nil {
			return "", errors.Wrapf(err, "fetching mirror for %s", rawURL)
		}
		return dir, nil
	default:
		return "", errors.Wrapf(err, "opening mirror for %s", rawURL)
	}
}
