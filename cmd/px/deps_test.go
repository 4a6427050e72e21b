// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pxtool/px/internal/runtimereg"
)

func TestRunAddEditsManifestBeforeSyncing(t *testing.T) {
	root := t.TempDir()
	manifestPath := filepath.Join(root, "pyproject.toml")
	if err := os.WriteFile(manifestPath, []byte("[project]\nname=\"demo\"\nrequires-python=\">=3.12\"\ndependencies=[]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	registry, err := runtimereg.Open(t.TempDir())
	if err != nil {
		t.Fatalf("runtimereg.Open() error = %v", err)
	}
	app.Runtimes = registry

	// doSync will fail past the manifest edit (no runtime registered in this
	// test's App), but the edit itself must already be durable on disk.
	err, _, _ = runAdd(context.Background(), root, []string{"requests>=2.0"})
	if err == nil {
		t.Fatal("runAdd() error = nil, want error from doSync with no runtimes configured")
	}

	raw, readErr := os.ReadFile(manifestPath)
	if readErr != nil {
		t.Fatalf("reading manifest: %v", readErr)
	}
	if !strings.Contains(string(raw), "requests") {
		t.Fatalf("manifest after runAdd = %s, want it to contain requests", raw)
	}
}
