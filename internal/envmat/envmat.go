// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package envmat materializes a Profile CAS object into a usable on-disk
// environment directory (spec.md §4.7 "Environment Materializer").
package envmat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/envmat/pyccache"
	"github.com/pxtool/px/internal/fsx"
)

// MaterializedEnv describes a realized environment directory.
type MaterializedEnv struct {
	ID             string
	Root           string
	BinDir         string
	SitePackages   string
	PthFile        string
	PycDir         string
	DistRoots      []string
	PythonExecPath string
	EnvVars        map[string]string
}

// MaterializeOptions carries the parts of Materialize's work that aren't
// derivable from the Profile header alone.
type MaterializeOptions struct {
	// ActiveProfileOID exempts this profile's bytecode cache from pruning,
	// even if it would otherwise be evicted by the soft cap or max age.
	ActiveProfileOID string
	// EditableVersion, if non-nil, writes a _version.py stub for the
	// project's own editable install (spec.md §4.7 third bullet).
	EditableVersion *EditableVersionSpec
	// EditableVersionDest is the path (relative to SitePackages) the
	// _version.py stub is written to, e.g. "demo/_version.py".
	EditableVersionDest string
}

// Materializer realizes Profile CAS objects into env directories under
// EnvsRoot, named stably by profile and runtime oid (spec.md §3
// "Lifecycle").
type Materializer struct {
	Store        *cas.Store
	EnvsRoot     string
	PythonMinor  string // e.g. "3.12", used for lib/pythonX.Y/site-packages
	PycCacheRoot string // $PX_CACHE_PATH/pyc

	// CacheSoftCap/CacheTarget bound the number of per-profile bytecode
	// caches kept around; zero disables the count-based prune.
	CacheSoftCap int
	CacheTarget  int
	// CacheMaxAge overrides pyccache.DefaultMaxAge when non-zero.
	CacheMaxAge time.Duration
}

// Materialize builds (or reuses) the env directory for profileOID, using
// pythonExecPath as the runtime interpreter (host path, or a path inside a
// materialized runtime archive).
func (m *Materializer) Materialize(ctx context.Context, profileOID, pythonExecPath string, opts MaterializeOptions) (*MaterializedEnv, error) {
	loaded, err := m.Store.Load(ctx, profileOID)
	if err != nil {
		return nil, errors.Wrap(err, "loading profile")
	}
	if loaded.Kind != cas.KindProfile || loaded.ProfileHeader == nil {
		return nil, errors.Errorf("object %s is not a profile", profileOID)
	}
	header := loaded.ProfileHeader

	envID := stableEnvID(profileOID, header.RuntimeOID)
	envRoot := filepath.Join(m.EnvsRoot, envID)
	binDir := filepath.Join(envRoot, "bin")
	sitePkgs := filepath.Join(envRoot, "lib", "python"+m.PythonMinor, "site-packages")

	env := &MaterializedEnv{ID: envID, Root: envRoot, BinDir: binDir, SitePackages: sitePkgs, PythonExecPath: pythonExecPath}

	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating env bin directory")
	}
	if err := os.MkdirAll(sitePkgs, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating env site-packages directory")
	}

	distRoots := make([]string, 0, len(header.SysPathOrder))
	for _, oid := range header.SysPathOrder {
		dist, err := m.Store.MaterializePkgBuild(ctx, oid)
		if err != nil {
			return nil, errors.Wrapf(err, "materializing pkg-build %s", oid)
		}
		distRoots = append(distRoots, dist)
		if err := linkConsoleScripts(dist, binDir); err != nil {
			return nil, err
		}
	}
	env.DistRoots = distRoots

	pthPath := filepath.Join(sitePkgs, "px.pth")
	if err := writePthFile(pthPath, distRoots); err != nil {
		return nil, err
	}
	env.PthFile = pthPath
	env.EnvVars = composeEnvVars(header.EnvVars, distRoots)

	if err := writePythonShim(filepath.Join(binDir, "python"), pythonExecPath); err != nil {
		return nil, err
	}
	if err := writePythonShim(filepath.Join(binDir, "python3"), pythonExecPath); err != nil {
		return nil, err
	}

	if opts.EditableVersion != nil && opts.EditableVersionDest != "" {
		version := ResolveEditableVersion(*opts.EditableVersion)
		dest := filepath.Join(sitePkgs, opts.EditableVersionDest)
		if err := WriteVersionStub(dest, version); err != nil {
			return nil, errors.Wrap(err, "writing editable install version stub")
		}
	}

	if err := writeManifest(envRoot, profileOID, header); err != nil {
		return nil, err
	}

	if m.PycCacheRoot != "" {
		if err := pyccache.Touch(m.PycCacheRoot, profileOID); err != nil {
			return nil, errors.Wrap(err, "touching bytecode cache")
		}
		env.PycDir = filepath.Join(m.PycCacheRoot, profileOID)

		activeOID := opts.ActiveProfileOID
		if activeOID == "" {
			activeOID = profileOID
		}
		maxAge := m.CacheMaxAge
		if maxAge == 0 {
			maxAge = pyccache.DefaultMaxAge
		}
		if _, err := pyccache.Prune(m.PycCacheRoot, pyccache.Policy{
			SoftCap:          m.CacheSoftCap,
			TargetAfterPrune: m.CacheTarget,
			MaxAge:           maxAge,
			ActiveProfileOID: activeOID,
		}); err != nil {
			return nil, errors.Wrap(err, "pruning bytecode caches")
		}
	}

	return env, nil
}

// composeEnvVars overlays a header's declared env vars with LD_LIBRARY_PATH
// computed from native shared libraries found under each materialized
// pkg-build's dist tree (deferred here from profile assembly, spec.md §4.6
// step 3, since detecting `*.so` files needs a materialized copy).
func composeEnvVars(declared map[string]string, distRoots []string) map[string]string {
	out := make(map[string]string, len(declared)+1)
	for k, v := range declared {
		out[k] = v
	}
	var libDirs []string
	for _, root := range distRoots {
		libDirs = append(libDirs, nativeLibDirs(root)...)
	}
	if len(libDirs) == 0 {
		return out
	}
	sort.Strings(libDirs)
	joined := strings.Join(libDirs, string(os.PathListSeparator))
	if existing := out["LD_LIBRARY_PATH"]; existing != "" {
		joined = joined + string(os.PathListSeparator) + existing
	}
	out["LD_LIBRARY_PATH"] = joined
	return out
}

// nativeLibDirs returns the set of directories under root containing at
// least one *.so file, deduplicated.
func nativeLibDirs(root string) []string {
	seen := map[string]bool{}
	var dirs []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".so") && !strings.Contains(info.Name(), ".so.") {
			return nil
		}
		dir := filepath.Dir(path)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
		return nil
	})
	return dirs
}

// manifestBody is the witness internal/cas.RebuildFromDisk reads back to
// reconstruct refs for a materialized env whose index entries were lost
// (spec.md §8): it names the profile that produced this directory, so the
// profile's whole dependency chain can be re-pinned in one pass.
type manifestBody struct {
	ProfileOID string   `json:"profile_oid"`
	RuntimeOID string   `json:"runtime_oid"`
	Packages   []string `json:"pkg_build_oids,omitempty"`
}

func writeManifest(envRoot, profileOID string, header *cas.ProfileHeader) error {
	body := manifestBody{ProfileOID: profileOID, RuntimeOID: header.RuntimeOID, Packages: header.SysPathOrder}
	raw, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding env manifest")
	}
	return fsx.AtomicWriteFile(filepath.Join(envRoot, "manifest.json"), raw, 0o644)
}

func stableEnvID(profileOID, runtimeOID string) string {
	shorten := func(s string) string {
		if len(s) > 16 {
			return s[:16]
		}
		return s
	}
	return fmt.Sprintf("%s-%s", shorten(profileOID), shorten(runtimeOID))
}

func writePthFile(path string, distRoots []string) error {
	sorted := append([]string(nil), distRoots...)
	sort.Strings(sorted)
	var b strings.Builder
	for _, root := range sorted {
		b.WriteString(root)
		b.WriteString("\n")
	}
	return fsx.AtomicWriteFile(path, []byte(b.String()), 0o644)
}

func writePythonShim(path, target string) error {
	if target == "" {
		return nil
	}
	_ = os.Remove(path)
	if err := os.Symlink(target, path); err != nil {
		// Symlinks can fail on filesystems that don't support them (some
		// Windows configurations); fall back to a tiny launcher script.
		script := "#!/bin/sh\nexec \"" + target + "\" \"$@\"\n"
		return fsx.AtomicWriteFile(path, []byte(script), 0o755)
	}
	return nil
}

// linkConsoleScripts symlinks every console-script shim a PkgBuild staged
// under its dist root's bin/ directory into the env's shared bin/.
func linkConsoleScripts(distRoot, envBinDir string) error {
	pkgBin := filepath.Join(distRoot, "bin")
	entries, err := os.ReadDir(pkgBin)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading pkg-build bin directory %s", pkgBin)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dest := filepath.Join(envBinDir, e.Name())
		_ = os.Remove(dest)
		if err := os.Symlink(filepath.Join(pkgBin, e.Name()), dest); err != nil {
			return errors.Wrapf(err, "linking console script %s", e.Name())
		}
	}
	return nil
}
