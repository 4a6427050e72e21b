// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunMigrateDryRunDoesNotWriteManifest(t *testing.T) {
	root := t.TempDir()
	reqs := "requests==2.31.0\n# a comment\n\n-e .\nclick>=8.0\n"
	if err := os.WriteFile(filepath.Join(root, "requirements.txt"), []byte(reqs), 0o644); err != nil {
		t.Fatal(err)
	}

	err, _, details := runMigrate(root, "", "", false, false)
	if err != nil {
		t.Fatalf("runMigrate() error = %v", err)
	}
	deps, _ := details["dependencies"].([]string)
	if len(deps) != 2 {
		t.Fatalf("details[dependencies] = %v, want 2 entries", details["dependencies"])
	}
	if _, err := os.Stat(filepath.Join(root, "pyproject.toml")); err == nil {
		t.Fatal("dry-run migrate wrote pyproject.toml")
	}
}

func TestRunMigrateApplyWritesManifestAndLock(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("requests==2.31.0\nclick>=8.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err, _, details := runMigrate(root, "", "", true, false)
	if err != nil {
		t.Fatalf("runMigrate() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "pyproject.toml")); err != nil {
		t.Fatalf("migrate --apply did not write pyproject.toml: %v", err)
	}
	snap, err := loadProjectContext(root)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Lock == nil {
		t.Fatal("migrate --apply did not write px.lock")
	}
	added, _ := details["added"].([]string)
	if len(added) != 2 {
		t.Fatalf("details[added] = %v, want 2 entries", details["added"])
	}
}

func TestRunMigrateRefusesExistingManifestWithoutAllowDirty(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("requests==2.31.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname=\"demo\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err, _, _ := runMigrate(root, "", "", true, false)
	if err == nil {
		t.Fatal("runMigrate() with existing manifest and no --allow-dirty: want error, got nil")
	}
}

func TestRunMigrateNoSourceFound(t *testing.T) {
	root := t.TempDir()
	err, _, _ := runMigrate(root, "", "", false, false)
	if err == nil {
		t.Fatal("runMigrate() with no detectable source: want error, got nil")
	}
}

func TestParsePipfileSeparatesDevPackages(t *testing.T) {
	root := t.TempDir()
	body := "[packages]\nrequests = \"*\"\nclick = \"==8.1.0\"\n\n[dev-packages]\npytest = \"*\"\n"
	path := filepath.Join(root, "Pipfile")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	deps, devDeps, err := parsePipfile(path)
	if err != nil {
		t.Fatalf("parsePipfile() error = %v", err)
	}
	if len(deps) != 2 || len(devDeps) != 1 {
		t.Fatalf("parsePipfile() = deps %v, devDeps %v", deps, devDeps)
	}
	if devDeps[0] != "pytest" {
		t.Fatalf("devDeps[0] = %s, want pytest", devDeps[0])
	}
}
