// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/envmat"
	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/profile"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/registry/pypi"
	"github.com/pxtool/px/internal/resolver"
	"github.com/pxtool/px/internal/runtimereg"
	"github.com/pxtool/px/internal/state"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Resolve dependencies and materialize the project environment",
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runSync(cmd.Context(), currentDir()))
	},
}

var updateCmd = &cobra.Command{
	Use:   "update [packages...]",
	Short: "Re-resolve dependencies against their current constraints and re-sync",
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runSync(cmd.Context(), currentDir()))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(updateCmd)
}

// specifiersFor collects a project's direct dependencies plus any declared
// groups named in [tool.px].dependencies.include-groups (spec.md §4.2).
func specifiersFor(snap *manifest.ProjectSnapshot) []string {
	specs := append([]string{}, snap.Dependencies...)
	for _, group := range snap.PxOptions.IncludeGroups {
		specs = append(specs, snap.GroupDependencies[group]...)
	}
	return specs
}

// resolveLock runs the resolver against snap's specifiers and tags,
// fetching and picking an artifact for each, and returns a fresh
// LockSnapshot ready to render. It does not write anything to disk.
func resolveLock(ctx context.Context, reg pypi.Registry, snap *manifest.ProjectSnapshot, tags resolver.Tags) (*lockfile.LockSnapshot, error) {
	specs := specifiersFor(snap)
	resolved, err := resolver.Resolve(ctx, reg, tags, specs)
	if err != nil {
		return nil, err
	}

	lock := &lockfile.LockSnapshot{
		Version:             lockfile.LockVersion1,
		ProjectName:         snap.Name,
		PythonRequirement:   snap.RequiresPython,
		ManifestFingerprint: snap.ManifestFingerprint,
		Mode:                lockfile.ModePinned,
	}
	for _, r := range resolved {
		dep := lockfile.LockedDependency{
			Name:      r.Normalized,
			Specifier: r.Specifier,
			Direct:    true,
			Source:    "pypi",
		}
		release, err := reg.Release(ctx, r.Normalized, r.SelectedVersion)
		if err != nil {
			return nil, pxerr.New(resolver.CodeNoCompatibleRelease, "fetching release metadata failed", map[string]any{"name": r.Normalized, "version": r.SelectedVersion, "error": err.Error()})
		}
		if art, ok := resolver.PickArtifact(release.Artifacts, tags); ok {
			locked := lockfile.Artifact{
				Filename: art.Filename,
				URL:      art.URL,
				SHA256:   art.SHA256,
				Size:     art.Size,
			}
			if py, abi, plat, ok := resolver.WheelTags(art.Filename); ok {
				locked.PythonTag, locked.ABITag, locked.PlatformTag = py, abi, plat
			} else if art.PackageType == "sdist" {
				// No wheel tags to key a build on; force obtainPkgBuild down
				// the source-builder path instead of the wheel-unpack path.
				locked.BuildOptionsHash = "sdist-build"
			}
			dep.Artifact = &locked
		}
		lock.Dependencies = append(lock.Dependencies, dep)
	}
	return lock, nil
}

// syncResult is what doSync produces for callers that need the pieces
// (add/remove print a summary; run/test/fmt's AutoSync takes Env and State).
type syncResult struct {
	Lock      *lockfile.LockSnapshot
	Selection runtimereg.Selection
	Env       *envmat.MaterializedEnv
	State     state.Report
}

// doSync implements the shared resolve -> lock -> assemble -> materialize
// pipeline spec.md §4.9 describes for `sync`/`update`, and that `run`/
// `test`/`fmt` trigger implicitly via AutoSyncFunc.
func doSync(ctx context.Context, root string) (*syncResult, error) {
	snap, err := manifest.ReadProjectSnapshot(root)
	if err != nil {
		return nil, err
	}

	selection, err := resolveRuntime(app, snap.RequiresPython, snap.PxOptions.Python)
	if err != nil {
		return nil, err
	}
	tags := resolver.DeriveTags(selection.Record.Channel)

	lock, err := resolveLock(ctx, app.PyPI, snap, tags)
	if err != nil {
		return nil, err
	}
	lockID, err := lockfile.ComputeLockID(lock)
	if err != nil {
		return nil, err
	}
	lock.LockID = lockID
	rendered, err := lockfile.Render(lock, pxVersion)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomicish(snap.LockPath, rendered); err != nil {
		return nil, err
	}

	owner := cas.Owner{Type: cas.OwnerProjectEnv, ID: snap.Name}
	assembler := &profile.Assembler{Store: app.Store, PyPI: app.PyPI, Builder: profile.PipWheelBuilder{}}
	runtimeOID, err := assembler.ObtainRuntime(ctx, owner, profile.RuntimeInfo{
		Version:        selection.Record.FullVersion,
		Platform:       hostPlatformTag(),
		Implementation: "cpython",
		ABI:            "cp" + channelDigits(selection.Record.Channel),
	})
	if err != nil {
		return nil, err
	}
	profileOID, err := assembler.Assemble(ctx, owner, lock, runtimeOID, "cp"+channelDigits(selection.Record.Channel), selection.Record.Path, app.Config.ProfileEnvVars)
	if err != nil {
		return nil, err
	}

	mat := &envmat.Materializer{
		Store:        app.Store,
		EnvsRoot:     app.Config.EnvsPath,
		PythonMinor:  selection.Record.Channel,
		PycCacheRoot: filepath.Join(app.Config.CachePath, "pyc"),
	}
	env, err := mat.Materialize(ctx, profileOID, selection.Record.Path, envmat.MaterializeOptions{})
	if err != nil {
		return nil, err
	}

	stored := &state.StoredEnv{
		ID:           env.ID,
		LockID:       lock.LockID,
		Platform:     hostPlatformTag(),
		SitePackages: env.SitePackages,
		EnvPath:      env.Root,
		Python:       state.PythonRef{Path: selection.Record.Path, Version: selection.Record.FullVersion},
		ProfileOID:   profileOID,
	}
	if err := state.SaveStoredEnv(statePath(root), stored); err != nil {
		return nil, err
	}

	pc := &projectContext{Root: root, Snapshot: snap, Lock: lock, StoredEnv: stored}
	report := evaluateState(ctx, app, pc, &selection)
	return &syncResult{Lock: lock, Selection: selection, Env: env, State: report}, nil
}

func runSync(ctx context.Context, root string) (error, string, map[string]any) {
	res, err := doSync(ctx, root)
	if err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("synced %d dependencies", len(res.Lock.Dependencies)), map[string]any{
		"lock_id": res.Lock.LockID,
		"state":   string(res.State.State),
		"env":     res.Env.Root,
	}
}

func channelDigits(channel string) string {
	out := make([]byte, 0, len(channel))
	for i := 0; i < len(channel); i++ {
		if channel[i] != '.' {
			out = append(out, channel[i])
		}
	}
	return string(out)
}
