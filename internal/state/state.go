// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package state evaluates the canonical 5-state (plus workspace `W*`
// variants) lifecycle of a project or workspace, per spec.md §4.8.
package state

import (
	"context"
	"os"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
)

// State is one of the canonical lifecycle states (spec.md §4.8).
type State string

const (
	Uninitialized    State = "uninitialized"
	NeedsLock        State = "needs_lock"
	NeedsEnv         State = "needs_env"
	InitializedEmpty State = "initialized_empty"
	Consistent       State = "consistent"

	WUninitialized    State = "w_uninitialized"
	WNeedsLock        State = "w_needs_lock"
	WNeedsEnv         State = "w_needs_env"
	WInitializedEmpty State = "w_initialized_empty"
	WConsistent       State = "w_consistent"
)

// Report is the outcome of evaluating a project or workspace's state.
type Report struct {
	State          State
	ManifestExists bool
	LockExists     bool
	EnvExists      bool
	LockAgrees     bool
	EnvAgrees      bool
	DepsEmpty      bool
	Drift          *lockfile.DriftReport
	Reasons        []string
}

// ProjectInput is everything Evaluate needs to classify a single project.
type ProjectInput struct {
	Snapshot  *manifest.ProjectSnapshot // nil if pyproject.toml is absent
	Lock      *lockfile.LockSnapshot    // nil if px.lock is absent
	StoredEnv *StoredEnv                // nil if no recorded env
	Store     *cas.Store

	// RuntimeMatches reports whether the currently selected runtime
	// matches the one the stored env was built against. Callers compute
	// this via internal/runtimereg since the comparison depends on
	// selection policy this package doesn't own.
	RuntimeMatches bool
}

// Evaluate classifies a project per spec.md §4.8's canonical state table.
func Evaluate(ctx context.Context, in ProjectInput) Report {
	r := Report{ManifestExists: in.Snapshot != nil}
	if !r.ManifestExists {
		r.State = Uninitialized
		r.Reasons = append(r.Reasons, "pyproject.toml not found")
		return r
	}

	r.LockExists = in.Lock != nil
	if r.LockExists {
		drift := lockfile.AnalyzeDrift(in.Snapshot, in.Lock)
		r.Drift = &drift
		r.LockAgrees = drift.Clean()
		if !r.LockAgrees {
			r.Reasons = append(r.Reasons, drift.Issues()...)
		}
	} else {
		r.Reasons = append(r.Reasons, "px.lock not found")
	}
	if !r.LockAgrees {
		r.State = NeedsLock
		return r
	}

	r.EnvExists, r.EnvAgrees = evaluateEnv(ctx, in)
	if !r.EnvAgrees {
		if !r.EnvExists {
			r.Reasons = append(r.Reasons, "environment not materialized")
		}
		r.State = NeedsEnv
		return r
	}

	r.DepsEmpty = len(in.Lock.Dependencies) == 0
	if r.DepsEmpty {
		r.State = InitializedEmpty
	} else {
		r.State = Consistent
	}
	return r
}

func evaluateEnv(ctx context.Context, in ProjectInput) (exists, agrees bool) {
	if in.StoredEnv == nil || !dirExists(in.StoredEnv.SitePackages) {
		return false, false
	}
	exists = true

	if in.StoredEnv.LockID != in.Lock.LockID {
		return exists, false
	}
	if !in.RuntimeMatches {
		return exists, false
	}
	if in.StoredEnv.ProfileOID == "" {
		return exists, false
	}
	if in.Store == nil || !in.Store.Exists(in.StoredEnv.ProfileOID) {
		return exists, false
	}
	if err := ValidateCASEnvironment(ctx, in.Store, in.StoredEnv.ProfileOID); err != nil {
		return exists, false
	}
	return exists, true
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
