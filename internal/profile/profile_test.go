// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pxtool/px/internal/lockfile"
)

func TestNeedsBuildFromSource(t *testing.T) {
	cases := []struct {
		name string
		art  lockfile.Artifact
		want bool
	}{
		{"pure wheel", lockfile.Artifact{PlatformTag: "any", ABITag: "none"}, false},
		{"platform wheel", lockfile.Artifact{PlatformTag: "manylinux_2_28_x86_64", ABITag: "cp311"}, true},
		{"build options hint", lockfile.Artifact{PlatformTag: "any", ABITag: "none", BuildOptionsHash: "abc"}, true},
		{"untagged sdist", lockfile.Artifact{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := needsBuildFromSource(&tc.art); got != tc.want {
				t.Errorf("needsBuildFromSource(%+v) = %v, want %v", tc.art, got, tc.want)
			}
		})
	}
}

func TestSpecifierVersion(t *testing.T) {
	if got := specifierVersion("demo==1.2.3"); got != "1.2.3" {
		t.Errorf("specifierVersion() = %q, want 1.2.3", got)
	}
	if got := specifierVersion("demo"); got != "" {
		t.Errorf("specifierVersion() = %q, want empty", got)
	}
}

func TestSourceAndPkgBuildLookupKeysAreDeterministic(t *testing.T) {
	art := &lockfile.Artifact{Filename: "demo-1.0-py3-none-any.whl", URL: "https://example.invalid/demo.whl", SHA256: "deadbeef"}
	k1 := sourceLookupKey("demo", "1.0", art)
	k2 := sourceLookupKey("demo", "1.0", art)
	if k1 != k2 {
		t.Errorf("sourceLookupKey not deterministic: %q != %q", k1, k2)
	}
	p1 := pkgBuildLookupKey("src-oid", "cp311", "px-wheel-fetch", "")
	p2 := pkgBuildLookupKey("src-oid", "cp311", "px-wheel-fetch", "")
	if p1 != p2 {
		t.Errorf("pkgBuildLookupKey not deterministic: %q != %q", p1, p2)
	}
}

// buildFakeWheel constructs a minimal in-memory wheel zip with a
// console_scripts entry point, used to exercise unpackWheel end to end.
func buildFakeWheel(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name, content string) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	write("demo/__init__.py", "")
	write("demo-1.0.dist-info/entry_points.txt", "[console_scripts]\ndemo-cli = demo.cli:main\n")
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnpackWheelWritesConsoleScriptShim(t *testing.T) {
	dest := t.TempDir()
	if err := unpackWheel(buildFakeWheel(t), dest); err != nil {
		t.Fatalf("unpackWheel() error = %v", err)
	}
	shimPath := filepath.Join(dest, "bin", "demo-cli")
	data, err := os.ReadFile(shimPath)
	if err != nil {
		t.Fatalf("reading shim: %v", err)
	}
	if !bytes.Contains(data, []byte("from demo.cli import main")) {
		t.Errorf("shim content = %q, want import of demo.cli:main", data)
	}
	if _, err := os.Stat(filepath.Join(dest, "demo", "__init__.py")); err != nil {
		t.Errorf("expected demo/__init__.py to be extracted: %v", err)
	}
}

func TestUnpackWheelWithoutEntryPointsSkipsBinDir(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("plain/__init__.py")
	w.Write([]byte(""))
	zw.Close()

	dest := t.TempDir()
	if err := unpackWheel(buf.Bytes(), dest); err != nil {
		t.Fatalf("unpackWheel() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "bin")); !os.IsNotExist(err) {
		t.Errorf("expected no bin/ directory, stat error = %v", err)
	}
}
