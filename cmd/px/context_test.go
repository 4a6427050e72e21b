// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProjectContextToleratesMissingManifest(t *testing.T) {
	root := t.TempDir()
	pc, err := loadProjectContext(root)
	if err != nil {
		t.Fatalf("loadProjectContext() error = %v", err)
	}
	if pc.Snapshot != nil || pc.Lock != nil || pc.StoredEnv != nil {
		t.Fatalf("loadProjectContext() on empty root = %+v, want all nil", pc)
	}
}

func TestLoadProjectContextToleratesMissingLock(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname=\"demo\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pc, err := loadProjectContext(root)
	if err != nil {
		t.Fatalf("loadProjectContext() error = %v", err)
	}
	if pc.Snapshot == nil {
		t.Fatal("loadProjectContext() snapshot = nil, want non-nil")
	}
	if pc.Lock != nil {
		t.Fatalf("loadProjectContext() lock = %+v, want nil", pc.Lock)
	}
}

func TestLoadWorkspaceContextToleratesNonWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname=\"demo\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wc, err := loadWorkspaceContext(root)
	if err != nil {
		t.Fatalf("loadWorkspaceContext() error = %v", err)
	}
	if wc.Snapshot != nil {
		t.Fatalf("loadWorkspaceContext() snapshot = %+v, want nil", wc.Snapshot)
	}
}

func TestIsWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname=\"demo\"\n\n[tool.px.workspace]\nmembers = [\"packages/*\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !isWorkspaceRoot(root) {
		t.Fatal("isWorkspaceRoot() = false, want true")
	}

	notWorkspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(notWorkspace, "pyproject.toml"), []byte("[project]\nname=\"demo\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if isWorkspaceRoot(notWorkspace) {
		t.Fatal("isWorkspaceRoot() = true, want false")
	}
}
