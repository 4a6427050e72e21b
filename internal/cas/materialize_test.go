// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pxtool/px/pkg/archive"
)

func buildPkgBuildObject(t *testing.T, files map[string]string) CanonicalObject {
	t.Helper()
	srcDir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(srcDir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := archive.CanonicalTarGzFromDir(&buf, srcDir, archive.BuildCanonicalTarGzOptions{}); err != nil {
		t.Fatal(err)
	}
	obj, err := NewObject(KindPkgBuild, PkgBuildHeader{SourceOID: "src", RuntimeABI: "cp311", BuilderID: "px-wheel-fetch"}, PayloadKindTarGz, buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return obj
}

func TestMaterializePkgBuild(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	obj := buildPkgBuildObject(t, map[string]string{"demo/__init__.py": "", "bin/demo-cli": "#!/usr/bin/env python3\n"})
	stored, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatal(err)
	}

	dest, err := s.MaterializePkgBuild(ctx, stored.OID)
	if err != nil {
		t.Fatalf("MaterializePkgBuild() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "demo", "__init__.py")); err != nil {
		t.Errorf("expected demo/__init__.py materialized: %v", err)
	}

	// Re-materializing is a no-op reuse, not a re-extraction.
	dest2, err := s.MaterializePkgBuild(ctx, stored.OID)
	if err != nil {
		t.Fatalf("second MaterializePkgBuild() error = %v", err)
	}
	if dest != dest2 {
		t.Errorf("materialize path changed: %q != %q", dest, dest2)
	}
}

func TestMaterializeRuntimeHostOnlyIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	obj, err := NewObject(KindRuntime, RuntimeHeader{Version: "3.11.8"}, PayloadKindNone, nil)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatal(err)
	}
	dest, err := s.MaterializeRuntime(ctx, stored.OID)
	if err != nil {
		t.Fatalf("MaterializeRuntime() error = %v", err)
	}
	if dest != "" {
		t.Errorf("MaterializeRuntime() for host-only runtime = %q, want empty", dest)
	}
}

func TestMaterializePkgBuildWrongKind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	obj := sourceObject(t, "demo", []byte("bytes"))
	stored, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MaterializePkgBuild(ctx, stored.OID); err == nil {
		t.Fatal("expected error materializing a non-pkg_build object")
	}
}
