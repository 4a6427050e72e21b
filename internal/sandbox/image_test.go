// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildImageSetsConfigAndLayers(t *testing.T) {
	req := Request{
		Env:        []string{"PATH=/px/env/bin"},
		WorkingDir: "/app",
		Cmd:        []string{"python", "-m", "demo"},
	}
	layers := []Layer{
		{Name: "env", Tar: []byte("env-tar")},
		{Name: "app", Tar: []byte("app-tar")},
	}
	img, err := BuildImage(req, layers)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Config.WorkingDir != "/app" {
		t.Errorf("WorkingDir = %s", cfg.Config.WorkingDir)
	}
	if len(cfg.Config.Cmd) != 3 {
		t.Errorf("Cmd = %v", cfg.Config.Cmd)
	}
	got, err := img.Layers()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("layers = %d, want 2", len(got))
	}
}

func TestWriteOCILayoutProducesValidLayout(t *testing.T) {
	img, err := BuildImage(Request{}, []Layer{{Name: "app", Tar: []byte("app-tar")}})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := WriteOCILayout(dir, img, "px-sandbox:latest"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "index.json")); err != nil {
		t.Errorf("index.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "oci-layout")); err != nil {
		t.Errorf("oci-layout missing: %v", err)
	}
	blobs, err := os.ReadDir(filepath.Join(dir, "blobs", "sha256"))
	if err != nil || len(blobs) == 0 {
		t.Errorf("expected blobs, err = %v", err)
	}
}
