// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePyproject = `[project]
name = "demo"
version = "0.1.0"
requires-python = ">=3.11"
dependencies = ["requests==2.32.3"]

[tool.px]
python = "3.11"
`

func writeSample(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "pyproject.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadProjectSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, samplePyproject)

	snap, err := ReadProjectSnapshot(dir)
	if err != nil {
		t.Fatalf("ReadProjectSnapshot() error = %v", err)
	}
	if snap.Name != "demo" {
		t.Errorf("Name = %q, want demo", snap.Name)
	}
	if snap.RequiresPython != ">=3.11" {
		t.Errorf("RequiresPython = %q, want >=3.11", snap.RequiresPython)
	}
	if len(snap.Dependencies) != 1 || snap.Dependencies[0] != "requests==2.32.3" {
		t.Errorf("Dependencies = %v", snap.Dependencies)
	}
	if snap.PxOptions.Python != "3.11" {
		t.Errorf("PxOptions.Python = %q, want 3.11", snap.PxOptions.Python)
	}
	if snap.ManifestFingerprint == "" {
		t.Error("ManifestFingerprint is empty")
	}
}

func TestFingerprint_PathIndependent(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	writeSample(t, dirA, samplePyproject)
	writeSample(t, dirB, samplePyproject)

	a, err := ReadProjectSnapshot(dirA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ReadProjectSnapshot(dirB)
	if err != nil {
		t.Fatal(err)
	}
	if a.ManifestFingerprint != b.ManifestFingerprint {
		t.Errorf("fingerprints differ across paths: %s != %s", a.ManifestFingerprint, b.ManifestFingerprint)
	}
}

func TestFingerprint_ChangesWithDependencies(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, samplePyproject)
	base, err := ReadProjectSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	writeSample(t, dir, `[project]
name = "demo"
version = "0.1.0"
requires-python = ">=3.11"
dependencies = ["requests==2.32.3", "httpx==0.27.0"]
`)
	changed, err := ReadProjectSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if base.ManifestFingerprint == changed.ManifestFingerprint {
		t.Error("fingerprint did not change after adding a dependency")
	}
}

func TestReadProjectSnapshot_MissingManifest(t *testing.T) {
	_, err := ReadProjectSnapshot(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestEditor_AddAndRemoveSpecs(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir, samplePyproject)

	ed, err := OpenEditor(path)
	if err != nil {
		t.Fatal(err)
	}
	addReport, err := ed.AddSpecs([]string{"httpx==0.27.0"})
	if err != nil {
		t.Fatalf("AddSpecs() error = %v", err)
	}
	if len(addReport.Added) != 1 || addReport.Added[0] != "httpx" {
		t.Errorf("AddSpecs() added = %v", addReport.Added)
	}

	snap, err := ReadProjectSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, dep := range snap.Dependencies {
		if dep == "httpx==0.27.0" {
			found = true
		}
	}
	if !found {
		t.Errorf("Dependencies after add = %v, missing httpx", snap.Dependencies)
	}

	ed2, err := OpenEditor(path)
	if err != nil {
		t.Fatal(err)
	}
	removeReport, err := ed2.RemoveSpecs([]string{"requests"})
	if err != nil {
		t.Fatalf("RemoveSpecs() error = %v", err)
	}
	if len(removeReport.Removed) != 1 || removeReport.Removed[0] != "requests" {
		t.Errorf("RemoveSpecs() removed = %v", removeReport.Removed)
	}
	snap2, err := ReadProjectSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, dep := range snap2.Dependencies {
		if dependencyName(dep) == "requests" {
			t.Errorf("requests still present after removal: %v", snap2.Dependencies)
		}
	}
}

func TestReadWorkspaceSnapshot(t *testing.T) {
	root := t.TempDir()
	writeSample(t, root, `[project]
name = "root-pkg"
version = "0.1.0"

[tool.px.workspace]
members = ["packages/*"]
exclude = ["packages/skipped"]
`)
	for _, pkg := range []string{"a", "b", "skipped"} {
		dir := filepath.Join(root, "packages", pkg)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		writeSample(t, dir, `[project]
name = "`+pkg+`"
version = "0.1.0"
`)
	}
	notAPackage := filepath.Join(root, "packages", "no-manifest")
	if err := os.MkdirAll(notAPackage, 0o755); err != nil {
		t.Fatal(err)
	}

	ws, err := ReadWorkspaceSnapshot(root)
	if err != nil {
		t.Fatalf("ReadWorkspaceSnapshot() error = %v", err)
	}
	var names []string
	for _, m := range ws.Members {
		names = append(names, m.Name)
	}
	want := []string{"a", "b", "root-pkg"}
	if len(names) != len(want) {
		t.Fatalf("Members = %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("Members[%d] = %q, want %q", i, names[i], n)
		}
	}
	if ws.WorkspaceManifestFingerprint == "" {
		t.Error("WorkspaceManifestFingerprint is empty")
	}
}

func TestReadWorkspaceSnapshot_NoWorkspaceTableErrors(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, samplePyproject)
	if _, err := ReadWorkspaceSnapshot(dir); err == nil {
		t.Fatal("expected error when pyproject.toml has no [tool.px.workspace]")
	}
}

func TestDependencyName(t *testing.T) {
	cases := map[string]string{
		"requests==2.32.3":           "requests",
		"  Flask[async] >=2.0":       "flask",
		"'numpy>=1.0'":               "numpy",
		"httpx ; python_version>'3'": "httpx",
	}
	for spec, want := range cases {
		if got := dependencyName(spec); got != want {
			t.Errorf("dependencyName(%q) = %q, want %q", spec, got, want)
		}
	}
}
