// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInferCapabilitiesFromDependency(t *testing.T) {
	caps := InferCapabilities(nil, []string{"psycopg2-binary"}, "")
	if len(caps) != 1 || caps[0] != "postgres" {
		t.Errorf("caps = %v", caps)
	}
}

func TestInferCapabilitiesExplicitFalseRemoves(t *testing.T) {
	caps := InferCapabilities(map[string]bool{"postgres": false}, []string{"psycopg2"}, "")
	if len(caps) != 0 {
		t.Errorf("caps = %v, want none", caps)
	}
}

func TestInferCapabilitiesExplicitTrueAdds(t *testing.T) {
	caps := InferCapabilities(map[string]bool{"opencv": true}, nil, "")
	if len(caps) != 1 || caps[0] != "opencv" {
		t.Errorf("caps = %v", caps)
	}
}

func TestInferCapabilitiesFromSentinel(t *testing.T) {
	root := t.TempDir()
	pkgDir := filepath.Join(root, "somepkg")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "libgdal.so.32"), []byte{}, 0o644); err != nil {
		t.Fatal(err)
	}
	caps := InferCapabilities(nil, nil, root)
	if len(caps) != 1 || caps[0] != "geospatial" {
		t.Errorf("caps = %v", caps)
	}
}

func TestInferCapabilitiesUnionIsDeduplicatedAndSorted(t *testing.T) {
	caps := InferCapabilities(map[string]bool{"opencv": true}, []string{"gdal", "opencv-python"}, "")
	want := []string{"geospatial", "opencv"}
	if len(caps) != len(want) {
		t.Fatalf("caps = %v", caps)
	}
	for i := range want {
		if caps[i] != want[i] {
			t.Errorf("caps[%d] = %s, want %s", i, caps[i], want[i])
		}
	}
}

func TestExplicitCapabilitiesIgnoresNonBool(t *testing.T) {
	out := ExplicitCapabilities(map[string]any{"postgres": true, "weird": "yes"})
	if len(out) != 1 || !out["postgres"] {
		t.Errorf("out = %v", out)
	}
}
