// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/runtimereg"
	"github.com/pxtool/px/internal/state"
)

// projectContext bundles everything read from disk for a single project
// root, reused across init/sync/exec/status commands.
type projectContext struct {
	Root      string
	Snapshot  *manifest.ProjectSnapshot // nil if uninitialized
	Lock      *lockfile.LockSnapshot    // nil if px.lock absent
	StoredEnv *state.StoredEnv          // nil if no recorded env
}

func statePath(root string) string { return filepath.Join(root, ".px", "state.json") }
func workspaceStatePath(root string) string {
	return filepath.Join(root, ".px", "workspace-state.json")
}

// loadProjectContext reads the manifest, lock, and stored env for root,
// tolerating the absence of any of them (spec.md §4.8).
func loadProjectContext(root string) (*projectContext, error) {
	pc := &projectContext{Root: root}

	snap, err := manifest.ReadProjectSnapshot(root)
	if err != nil {
		if isMissingManifest(err) {
			return pc, nil
		}
		return nil, err
	}
	pc.Snapshot = snap

	lock, err := lockfile.ReadLockSnapshot(snap.LockPath)
	if err != nil {
		if isMissingLock(err) {
			return pc, nil
		}
		return nil, err
	}
	pc.Lock = lock

	stored, err := state.LoadStoredEnv(statePath(root))
	if err != nil {
		return nil, err
	}
	pc.StoredEnv = stored
	return pc, nil
}

func isMissingManifest(err error) bool {
	pe, ok := err.(*pxerr.Error)
	return ok && pe.Code == manifest.CodeMissingManifest
}

func isMissingLock(err error) bool {
	pe, ok := err.(*pxerr.Error)
	return ok && pe.Code == lockfile.CodeMissingLock
}

// resolveRuntime picks a runtime for requiresPython, preferring the
// project's [tool.px].python override over the global selection policy.
func resolveRuntime(app *App, requiresPython, override string) (runtimereg.Selection, error) {
	return app.Runtimes.ResolveRuntime(override, requiresPython)
}

// runtimeMatches reports whether storedEnv was built against the runtime
// ResolveRuntime currently selects.
func runtimeMatches(storedEnv *state.StoredEnv, selection runtimereg.Selection) bool {
	if storedEnv == nil {
		return false
	}
	return storedEnv.Python.Path == selection.Record.Path && storedEnv.Python.Version == selection.Record.FullVersion
}

// evaluateState classifies pc against the currently selected runtime.
func evaluateState(ctx context.Context, app *App, pc *projectContext, selection *runtimereg.Selection) state.Report {
	matches := false
	if selection != nil {
		matches = runtimeMatches(pc.StoredEnv, *selection)
	}
	return state.Evaluate(ctx, state.ProjectInput{
		Snapshot:       pc.Snapshot,
		Lock:           pc.Lock,
		StoredEnv:      pc.StoredEnv,
		Store:          app.Store,
		RuntimeMatches: matches,
	})
}

// loadWorkspaceContext reads a workspace root's members, lock, and stored
// env.
type workspaceContext struct {
	Root      string
	Snapshot  *manifest.WorkspaceSnapshot
	Lock      *lockfile.LockSnapshot
	StoredEnv *state.StoredEnv
}

func loadWorkspaceContext(root string) (*workspaceContext, error) {
	wc := &workspaceContext{Root: root}
	ws, err := manifest.ReadWorkspaceSnapshot(root)
	if err != nil {
		if isMissingManifest(err) || isMissingWorkspaceTable(err) {
			return wc, nil
		}
		return nil, err
	}
	wc.Snapshot = ws

	lockPath := filepath.Join(root, "workspace-lock.toml")
	lock, err := lockfile.ReadLockSnapshot(lockPath)
	if err != nil {
		if isMissingLock(err) {
			return wc, nil
		}
		return nil, err
	}
	wc.Lock = lock

	stored, err := state.LoadStoredEnv(workspaceStatePath(root))
	if err != nil {
		return nil, err
	}
	wc.StoredEnv = stored
	return wc, nil
}

func isMissingWorkspaceTable(err error) bool {
	pe, ok := err.(*pxerr.Error)
	return ok && pe.Code == manifest.CodeMissingProject
}

func isWorkspaceRoot(root string) bool {
	_, err := manifest.ReadWorkspaceSnapshot(root)
	return err == nil
}

// manifestEditorFor opens root's pyproject.toml for in-place edits.
func manifestEditorFor(root string) (*manifest.Editor, error) {
	snap, err := manifest.ReadProjectSnapshot(root)
	if err != nil {
		return nil, err
	}
	return manifest.OpenEditor(snap.ManifestPath)
}

func currentDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}
