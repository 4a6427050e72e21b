// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
)

// WorkspaceInput is everything EvaluateWorkspace needs, mirroring
// ProjectInput over a workspace's own lock and stored env.
type WorkspaceInput struct {
	Snapshot       *manifest.WorkspaceSnapshot
	Lock           *lockfile.LockSnapshot
	StoredEnv      *StoredEnv
	Store          *cas.Store
	RuntimeMatches bool
}

// workspaceDrift compares a workspace's member fingerprints against what
// the workspace lock captured, reusing per-member AnalyzeDrift against a
// synthetic combined dependency view.
func workspaceDrift(ws *manifest.WorkspaceSnapshot, lock *lockfile.LockSnapshot) lockfile.DriftReport {
	fp, err := manifest.WorkspaceFingerprint(ws.Members)
	report := lockfile.DriftReport{FingerprintMatches: err == nil && fp == lock.ManifestFingerprint}

	declared := map[string]bool{}
	for _, m := range ws.Members {
		for _, dep := range m.Dependencies {
			declared[dep] = true
		}
	}
	lockedDirect := map[string]bool{}
	resolvedNames := map[string]bool{}
	for _, dep := range lock.Dependencies {
		resolvedNames[dep.Name] = true
		if dep.Direct {
			lockedDirect[dep.Name] = true
		}
	}
	for name := range declared {
		if !lockedDirect[name] {
			report.Added = append(report.Added, name)
		}
	}
	for name := range lockedDirect {
		if !declared[name] {
			report.Removed = append(report.Removed, name)
		}
	}
	return report
}

// EvaluateWorkspace classifies a workspace into its `W*` state variant,
// with identical semantics to Evaluate over the workspace lock and env.
func EvaluateWorkspace(ctx context.Context, in WorkspaceInput) Report {
	r := Report{ManifestExists: in.Snapshot != nil}
	if !r.ManifestExists {
		r.State = WUninitialized
		r.Reasons = append(r.Reasons, "workspace root pyproject.toml not found")
		return r
	}

	r.LockExists = in.Lock != nil
	if r.LockExists {
		drift := workspaceDrift(in.Snapshot, in.Lock)
		r.Drift = &drift
		r.LockAgrees = drift.Clean()
		if !r.LockAgrees {
			r.Reasons = append(r.Reasons, drift.Issues()...)
		}
	} else {
		r.Reasons = append(r.Reasons, "workspace-lock.toml not found")
	}
	if !r.LockAgrees {
		r.State = WNeedsLock
		return r
	}

	projIn := ProjectInput{Lock: in.Lock, StoredEnv: in.StoredEnv, Store: in.Store, RuntimeMatches: in.RuntimeMatches}
	r.EnvExists, r.EnvAgrees = evaluateEnv(ctx, projIn)
	if !r.EnvAgrees {
		if !r.EnvExists {
			r.Reasons = append(r.Reasons, "workspace environment not materialized")
		}
		r.State = WNeedsEnv
		return r
	}

	r.DepsEmpty = len(in.Lock.Dependencies) == 0
	if r.DepsEmpty {
		r.State = WInitializedEmpty
	} else {
		r.State = WConsistent
	}
	return r
}
