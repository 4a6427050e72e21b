// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pxtool/px/internal/plan"
	"github.com/pxtool/px/internal/state"
)

func TestPrepInvocationErrorsOnMissingManifest(t *testing.T) {
	root := t.TempDir()
	_, _, _, _, err := prepInvocation(context.Background(), root)
	if err == nil {
		t.Fatal("prepInvocation() on empty root: want error, got nil")
	}
}

func TestNewInvocationAutoSyncPropagatesSyncFailure(t *testing.T) {
	setupAppRuntimesForTest(t)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname=\"demo\"\nrequires-python=\">=3.12\"\ndependencies=[]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pc, err := loadProjectContext(root)
	if err != nil {
		t.Fatalf("loadProjectContext() error = %v", err)
	}

	inv := newInvocation(pc, state.Report{State: state.NeedsLock}, nil, false, root, plan.Request{})
	if inv.AutoSync == nil {
		t.Fatal("newInvocation() AutoSync = nil, want non-nil")
	}

	// No runtime is registered for >=3.12, so doSync fails before producing
	// an env; the closure must surface that error rather than panic, and
	// leave inv.Env untouched.
	_, syncErr := inv.AutoSync(context.Background())
	if syncErr == nil {
		t.Fatal("AutoSync() error = nil, want error (no runtime registered)")
	}
	if inv.Env != nil {
		t.Fatalf("inv.Env = %+v, want nil after failed AutoSync", inv.Env)
	}
}
