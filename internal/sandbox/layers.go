// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/pxtool/px/pkg/archive"
)

// Rooted mount points the env layer rewrites paths onto inside the image.
const (
	RootedEnv     = "/px/env"
	RootedRuntime = "/px/runtime"
	RootedStore   = "/px/store"
)

// Layer is one deterministic, uncompressed tar the image/bundle assembler
// gzip-compresses itself.
type Layer struct {
	Name string
	Tar  []byte
}

// BuildEnvLayer walks envRoot, rewrites pyvenv.cfg and .pth files to the
// rooted paths (every other file, the python shim included, is copied
// unchanged), and includes each dist root (deduplicated)
// under RootedStore plus the runtime tree under RootedRuntime. It errors if
// distRoots don't all share storeRoot, since the image can only rebase one
// store onto RootedStore (spec.md §4.11).
func BuildEnvLayer(envRoot, storeRoot, runtimeRoot string, distRoots []string) (Layer, error) {
	for _, d := range distRoots {
		if !strings.HasPrefix(d, storeRoot) {
			return Layer{}, errors.Errorf("%s: %s is outside store root %s", CodeMixedStoreRoots, d, storeRoot)
		}
	}

	var entries []*archive.TarEntry
	err := filepath.WalkDir(envRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == envRoot {
			return nil
		}
		rel := filepath.ToSlash(mustRel(envRoot, path))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			entries = append(entries, dirEntry(RootedEnv+"/"+rel+"/"))
			return nil
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if filepath.Base(path) == "pyvenv.cfg" || strings.HasSuffix(path, ".pth") {
			body = rewriteEnvPaths(body, envRoot, storeRoot, runtimeRoot)
		}
		entries = append(entries, fileEntry(RootedEnv+"/"+rel, body, info.Mode()))
		return nil
	})
	if err != nil {
		return Layer{}, errors.Wrapf(err, "walking env root %s", envRoot)
	}

	seen := map[string]bool{}
	for _, dist := range distRoots {
		rel := filepath.ToSlash(mustRel(storeRoot, dist))
		if seen[rel] {
			continue
		}
		seen[rel] = true
		distEntries, err := collectUnderPrefix(dist, RootedStore+"/"+rel)
		if err != nil {
			return Layer{}, err
		}
		entries = append(entries, distEntries...)
	}

	if runtimeRoot != "" {
		runtimeEntries, err := collectUnderPrefix(runtimeRoot, RootedRuntime)
		if err != nil {
			return Layer{}, err
		}
		entries = append(entries, runtimeEntries...)
	}

	var buf bytes.Buffer
	if err := archive.TarFromEntries(&buf, entries); err != nil {
		return Layer{}, err
	}
	return Layer{Name: "env", Tar: buf.Bytes()}, nil
}

// rewriteEnvPaths replaces absolute references to envRoot/storeRoot/
// runtimeRoot with their rooted image equivalents.
func rewriteEnvPaths(body []byte, envRoot, storeRoot, runtimeRoot string) []byte {
	s := string(body)
	s = strings.ReplaceAll(s, envRoot, RootedEnv)
	s = strings.ReplaceAll(s, storeRoot, RootedStore)
	if runtimeRoot != "" {
		s = strings.ReplaceAll(s, runtimeRoot, RootedRuntime)
	}
	return []byte(s)
}

// BuildSystemDepsLayer produces a synthetic layer recording the pinned apt
// packages to install, plus an apt sources.list honoring mirror overrides.
// The real `apt-get install` happens when the image is built by a caller
// with network access (e.g. CI); this layer only carries the manifest the
// build step consumes, since px never shells out to apt itself (spec.md
// §4.11 "never mounting host apt caches").
func BuildSystemDepsLayer(deps []SystemDep, aptMirror, aptSecurityMirror string) (Layer, error) {
	var manifest strings.Builder
	for _, d := range deps {
		fmt.Fprintf(&manifest, "%s=%s\n", d.Package, d.Version)
	}
	entries := []*archive.TarEntry{
		dirEntry("px/"),
		fileEntry("px/system-deps.txt", []byte(manifest.String()), 0o644),
	}
	if aptMirror != "" || aptSecurityMirror != "" {
		entries = append(entries, fileEntry("px/sources.list", []byte(aptSourcesList(aptMirror, aptSecurityMirror)), 0o644))
	}
	var buf bytes.Buffer
	if err := archive.TarFromEntries(&buf, entries); err != nil {
		return Layer{}, err
	}
	return Layer{Name: "system-deps", Tar: buf.Bytes()}, nil
}

func aptSourcesList(mirror, securityMirror string) string {
	if mirror == "" {
		mirror = "http://deb.debian.org/debian"
	}
	if securityMirror == "" {
		securityMirror = "http://security.debian.org/debian-security"
	}
	return fmt.Sprintf("deb %s bookworm main\ndeb %s bookworm-security main\n", mirror, securityMirror)
}

// BuildAppLayer packages projectRoot minus VCS metadata.
func BuildAppLayer(projectRoot string) (Layer, error) {
	var buf bytes.Buffer
	if err := archive.CanonicalTarFromDir(&buf, projectRoot, archive.BuildCanonicalTarGzOptions{Exclude: archive.ExcludeGitDir}); err != nil {
		return Layer{}, err
	}
	return Layer{Name: "app", Tar: buf.Bytes()}, nil
}

func collectUnderPrefix(root, prefix string) ([]*archive.TarEntry, error) {
	var entries []*archive.TarEntry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel := filepath.ToSlash(mustRel(root, path))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			entries = append(entries, dirEntry(prefix+"/"+rel+"/"))
			return nil
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, fileEntry(prefix+"/"+rel, body, info.Mode()))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", root)
	}
	return entries, nil
}

func dirEntry(name string) *archive.TarEntry {
	return &archive.TarEntry{Header: &tar.Header{Typeflag: tar.TypeDir, Name: name}}
}

func fileEntry(name string, body []byte, mode os.FileMode) *archive.TarEntry {
	return &archive.TarEntry{
		Header: &tar.Header{Typeflag: tar.TypeReg, Name: name, Size: int64(len(body)), Mode: int64(mode.Perm())},
		Body:   body,
	}
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return target
	}
	return rel
}
