// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pxtool/px/internal/pxconfig"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/registry/pypi"
	"github.com/pxtool/px/internal/resolver"
)

func TestLoadEphemeralInputsPrefersManifestOverRequirements(t *testing.T) {
	root := t.TempDir()
	manifestBody := "[project]\nname=\"demo\"\nrequires-python=\">=3.12\"\ndependencies=[\"requests==2.31.0\"]\n"
	if err := os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte(manifestBody), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("click==8.1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	in, err := loadEphemeralInputs(root)
	if err != nil {
		t.Fatalf("loadEphemeralInputs() error = %v", err)
	}
	if len(in.Dependencies) != 1 || in.Dependencies[0] != "requests==2.31.0" {
		t.Fatalf("loadEphemeralInputs() deps = %v, want [requests==2.31.0]", in.Dependencies)
	}
}

func TestLoadEphemeralInputsFallsBackToRequirementsFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("colorama>=0.4.6\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	in, err := loadEphemeralInputs(root)
	if err != nil {
		t.Fatalf("loadEphemeralInputs() error = %v", err)
	}
	if len(in.Dependencies) != 1 || in.Dependencies[0] != "colorama>=0.4.6" {
		t.Fatalf("loadEphemeralInputs() deps = %v, want [colorama>=0.4.6]", in.Dependencies)
	}
}

func TestLoadEphemeralInputsWithNeitherFileRunsBare(t *testing.T) {
	root := t.TempDir()
	in, err := loadEphemeralInputs(root)
	if err != nil {
		t.Fatalf("loadEphemeralInputs() error = %v", err)
	}
	if len(in.Dependencies) != 0 {
		t.Fatalf("loadEphemeralInputs() deps = %v, want none", in.Dependencies)
	}
}

func TestParseEphemeralRequirementsFollowsIncludes(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "base.txt"), []byte("requests==2.31.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	top := "-r base.txt\nclick==8.1.0  # pinned cli\n--hash=sha256:deadbeef\n"
	topPath := filepath.Join(root, "requirements.txt")
	if err := os.WriteFile(topPath, []byte(top), 0o644); err != nil {
		t.Fatal(err)
	}

	specs, err := parseEphemeralRequirements(topPath)
	if err != nil {
		t.Fatalf("parseEphemeralRequirements() error = %v", err)
	}
	want := []string{"requests==2.31.0", "click==8.1.0"}
	if len(specs) != len(want) {
		t.Fatalf("parseEphemeralRequirements() = %v, want %v", specs, want)
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Fatalf("parseEphemeralRequirements()[%d] = %q, want %q", i, specs[i], want[i])
		}
	}
}

func TestParseEphemeralRequirementsStripsHashAnnotations(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "requirements.txt")
	body := "requests==2.31.0 --hash=sha256:abc123 \\\n    --hash=sha256:def456\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	specs, err := parseEphemeralRequirements(path)
	if err != nil {
		t.Fatalf("parseEphemeralRequirements() error = %v", err)
	}
	if len(specs) != 1 || specs[0] != "requests==2.31.0" {
		t.Fatalf("parseEphemeralRequirements() = %v, want [requests==2.31.0]", specs)
	}
}

func TestParseEphemeralRequirementsRejectsLocalPath(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "requirements.txt")
	if err := os.WriteFile(path, []byte("./vendor/localpkg\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := parseEphemeralRequirements(path)
	if err == nil {
		t.Fatal("parseEphemeralRequirements() error = nil, want local-path refusal")
	}
	pe, ok := err.(*pxerr.Error)
	if !ok || pe.Code != CodeEphemeralLocalPath {
		t.Fatalf("parseEphemeralRequirements() error = %v, want *pxerr.Error with code %q", err, CodeEphemeralLocalPath)
	}
}

func TestFullyPinned(t *testing.T) {
	cases := []struct {
		specs []string
		want  bool
	}{
		{[]string{"colorama==0.4.6"}, true},
		{[]string{"colorama==0.4.6", "click===8.1.0"}, true},
		{[]string{`colorama==0.4.6 ; python_version>="3.8"`}, true},
		{[]string{"colorama>=0.4.6"}, false},
		{[]string{"colorama"}, false},
		{nil, true},
	}
	for _, c := range cases {
		if got := fullyPinned(c.specs); got != c.want {
			t.Errorf("fullyPinned(%v) = %v, want %v", c.specs, got, c.want)
		}
	}
}

func TestEphemeralGateRefusesUnpinnedInputsWhenStrict(t *testing.T) {
	in := ephemeralInputs{Dependencies: []string{"colorama>=0.4.6"}}
	err := ephemeralGate(true, in)
	if err == nil {
		t.Fatal("ephemeralGate() error = nil, want refusal")
	}
	pe, ok := err.(*pxerr.Error)
	if !ok || pe.Code != CodeEphemeralUnpinnedInputs {
		t.Fatalf("ephemeralGate() error = %v, want *pxerr.Error with code %q", err, CodeEphemeralUnpinnedInputs)
	}
	if pe.Details["reason"] != "ephemeral_unpinned_inputs" {
		t.Fatalf("details[reason] = %v, want ephemeral_unpinned_inputs", pe.Details["reason"])
	}
}

func TestEphemeralGateAllowsUnpinnedInputsWhenNotStrict(t *testing.T) {
	in := ephemeralInputs{Dependencies: []string{"colorama>=0.4.6"}}
	if err := ephemeralGate(false, in); err != nil {
		t.Fatalf("ephemeralGate(false) error = %v, want nil", err)
	}
}

func TestEphemeralGateAllowsPinnedInputsWhenStrict(t *testing.T) {
	in := ephemeralInputs{Dependencies: []string{"colorama==0.4.6"}}
	if err := ephemeralGate(true, in); err != nil {
		t.Fatalf("ephemeralGate(true) error = %v, want nil", err)
	}
}

func TestEphemeralFingerprintIndependentOfDirectory(t *testing.T) {
	a := ephemeralInputs{Dependencies: []string{"colorama==0.4.6", "click==8.1.0"}, RequiresPython: ">=3.12"}
	b := ephemeralInputs{Dependencies: []string{"click==8.1.0", "colorama==0.4.6"}, RequiresPython: ">=3.12"}

	fpA, err := ephemeralFingerprint(a)
	if err != nil {
		t.Fatalf("ephemeralFingerprint() error = %v", err)
	}
	fpB, err := ephemeralFingerprint(b)
	if err != nil {
		t.Fatalf("ephemeralFingerprint() error = %v", err)
	}
	if fpA != fpB {
		t.Fatalf("ephemeralFingerprint() differs by dependency order: %q != %q", fpA, fpB)
	}

	c := ephemeralInputs{Dependencies: []string{"colorama==0.4.7"}, RequiresPython: ">=3.12"}
	fpC, err := ephemeralFingerprint(c)
	if err != nil {
		t.Fatalf("ephemeralFingerprint() error = %v", err)
	}
	if fpC == fpA {
		t.Fatal("ephemeralFingerprint() did not change with a different dependency set")
	}
}

func TestResolveEphemeralLockCachesForOfflineReuse(t *testing.T) {
	prev := app.Config
	app.Config = &pxconfig.Config{CachePath: t.TempDir(), Online: true}
	t.Cleanup(func() { app.Config = prev })

	reg := &fakeRegistry{
		projects: map[string]*pypi.Project{
			"demo": {Releases: map[string][]pypi.Artifact{
				"1.2.0": {{Filename: "demo-1.2.0-py3-none-any.whl", PackageType: "bdist_wheel", URL: "https://example/demo-1.2.0-py3-none-any.whl", Digests: pypi.Digests{SHA256: "abc"}}},
			}},
		},
		releases: map[string]*pypi.Release{
			"demo==1.2.0": {Artifacts: []pypi.Artifact{
				{Filename: "demo-1.2.0-py3-none-any.whl", PackageType: "bdist_wheel", URL: "https://example/demo-1.2.0-py3-none-any.whl", Digests: pypi.Digests{SHA256: "abc"}},
			}},
		},
	}
	app.PyPI = reg
	in := ephemeralInputs{Dependencies: []string{"demo==1.2.0"}, RequiresPython: ">=3.12"}
	fingerprint, err := ephemeralFingerprint(in)
	if err != nil {
		t.Fatalf("ephemeralFingerprint() error = %v", err)
	}

	lock, err := resolveEphemeralLock(context.Background(), in, resolver.Tags{}, fingerprint)
	if err != nil {
		t.Fatalf("resolveEphemeralLock() online error = %v", err)
	}
	if len(lock.Dependencies) != 1 {
		t.Fatalf("resolveEphemeralLock() deps = %v, want 1 entry", lock.Dependencies)
	}

	app.Config.Online = false
	app.PyPI = nil
	cached, err := resolveEphemeralLock(context.Background(), in, resolver.Tags{}, fingerprint)
	if err != nil {
		t.Fatalf("resolveEphemeralLock() offline error = %v", err)
	}
	if len(cached.Dependencies) != 1 || cached.Dependencies[0].Name != lock.Dependencies[0].Name {
		t.Fatalf("resolveEphemeralLock() offline deps = %v, want to match the cached online resolution", cached.Dependencies)
	}
}

func TestResolveEphemeralLockOfflineWithoutCacheFails(t *testing.T) {
	prev := app.Config
	app.Config = &pxconfig.Config{CachePath: t.TempDir(), Online: false}
	t.Cleanup(func() { app.Config = prev })

	in := ephemeralInputs{Dependencies: []string{"demo==9.9.9"}, RequiresPython: ">=3.12"}
	fingerprint, _ := ephemeralFingerprint(in)
	_, err := resolveEphemeralLock(context.Background(), in, resolver.Tags{}, fingerprint)
	if err == nil {
		t.Fatal("resolveEphemeralLock() error = nil, want no-cached-resolution failure")
	}
	pe, ok := err.(*pxerr.Error)
	if !ok || pe.Code != CodeEphemeralNoCachedResolution {
		t.Fatalf("resolveEphemeralLock() error = %v, want *pxerr.Error with code %q", err, CodeEphemeralNoCachedResolution)
	}
}
