// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunPublishDryRunListsArtifactsWithoutUploading(t *testing.T) {
	root := t.TempDir()
	writeDemoManifest(t, root)
	dist := filepath.Join(root, "dist")
	if err := os.MkdirAll(dist, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dist, "demo-0.1.0-py3-none-any.whl"), []byte("fake wheel"), 0o644); err != nil {
		t.Fatal(err)
	}

	err, _, details := runPublish(context.Background(), root, true, "pypi", "PX_PYPI_TOKEN", false)
	if err != nil {
		t.Fatalf("runPublish() error = %v", err)
	}
	if details["uploaded"] != false {
		t.Fatalf("details[uploaded] = %v, want false", details["uploaded"])
	}
	artifacts, _ := details["artifacts"].([]string)
	if len(artifacts) != 1 {
		t.Fatalf("details[artifacts] = %v, want 1 entry", details["artifacts"])
	}
}

func TestRunPublishErrorsWithNoArtifacts(t *testing.T) {
	root := t.TempDir()
	writeDemoManifest(t, root)
	err, _, _ := runPublish(context.Background(), root, true, "pypi", "PX_PYPI_TOKEN", false)
	if err == nil {
		t.Fatal("runPublish() with no dist/ artifacts: want error, got nil")
	}
}

func TestRunPublishErrorsOnUnsupportedRegistry(t *testing.T) {
	root := t.TempDir()
	writeDemoManifest(t, root)
	err, _, _ := runPublish(context.Background(), root, true, "custom-index", "PX_PYPI_TOKEN", false)
	if err == nil {
		t.Fatal("runPublish() with unsupported registry: want error, got nil")
	}
}

func TestRunPublishRequiresTokenWhenUploading(t *testing.T) {
	root := t.TempDir()
	writeDemoManifest(t, root)
	dist := filepath.Join(root, "dist")
	if err := os.MkdirAll(dist, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dist, "demo-0.1.0-py3-none-any.whl"), []byte("fake wheel"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PX_EMPTY_TOKEN_TEST", "")

	err, _, _ := runPublish(context.Background(), root, false, "pypi", "PX_EMPTY_TOKEN_TEST", true)
	if err == nil {
		t.Fatal("runPublish() with --upload and no token: want error, got nil")
	}
}
