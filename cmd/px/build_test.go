// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeDemoManifest(t *testing.T, root string) {
	t.Helper()
	body := "[project]\nname = \"demo\"\nversion = \"0.1.0\"\nrequires-python = \">=3.12\"\ndependencies = []\n"
	if err := os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunBuildWheelIsDeterministicAcrossRuns(t *testing.T) {
	root := t.TempDir()
	writeDemoManifest(t, root)
	out := filepath.Join(root, "dist")

	err, _, details := runBuild(context.Background(), root, "wheel", out)
	if err != nil {
		t.Fatalf("runBuild() error = %v", err)
	}
	wheelPath, ok := details["wheel"].(string)
	if !ok || wheelPath == "" {
		t.Fatalf("details[wheel] = %v, want non-empty path", details["wheel"])
	}
	if filepath.Base(wheelPath) != "demo-0.1.0-py3-none-any.whl" {
		t.Fatalf("wheel filename = %s, want demo-0.1.0-py3-none-any.whl", filepath.Base(wheelPath))
	}
	first, err := os.ReadFile(wheelPath)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(wheelPath); err != nil {
		t.Fatal(err)
	}
	err, _, _ = runBuild(context.Background(), root, "wheel", out)
	if err != nil {
		t.Fatalf("runBuild() second run error = %v", err)
	}
	second, err := os.ReadFile(wheelPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatal("wheel bytes differ across identical runs")
	}

	zr, err := zip.OpenReader(wheelPath)
	if err != nil {
		t.Fatalf("wheel is not a valid zip: %v", err)
	}
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"demo-0.1.0.dist-info/METADATA", "demo-0.1.0.dist-info/WHEEL", "demo-0.1.0.dist-info/RECORD"} {
		if !names[want] {
			t.Errorf("wheel missing entry %s", want)
		}
	}
}

func TestRunBuildSdistProducesTarball(t *testing.T) {
	root := t.TempDir()
	writeDemoManifest(t, root)
	out := filepath.Join(root, "dist")

	err, _, details := runBuild(context.Background(), root, "sdist", out)
	if err != nil {
		t.Fatalf("runBuild() error = %v", err)
	}
	sdistPath, ok := details["sdist"].(string)
	if !ok || sdistPath == "" {
		t.Fatalf("details[sdist] = %v, want non-empty path", details["sdist"])
	}
	if filepath.Base(sdistPath) != "demo-0.1.0.tar.gz" {
		t.Fatalf("sdist filename = %s, want demo-0.1.0.tar.gz", filepath.Base(sdistPath))
	}
	if _, err := os.Stat(sdistPath); err != nil {
		t.Fatalf("sdist not written: %v", err)
	}
}

func TestRunBuildUnknownTarget(t *testing.T) {
	root := t.TempDir()
	writeDemoManifest(t, root)
	err, _, _ := runBuild(context.Background(), root, "bogus", filepath.Join(root, "dist"))
	if err == nil {
		t.Fatal("runBuild() with unknown target: want error, got nil")
	}
}

func TestRunBuildErrorsOnMissingManifest(t *testing.T) {
	root := t.TempDir()
	err, _, _ := runBuild(context.Background(), root, "both", filepath.Join(root, "dist"))
	if err == nil {
		t.Fatal("runBuild() on empty root: want error, got nil")
	}
}
