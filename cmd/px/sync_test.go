// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"testing"

	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/registry/pypi"
	"github.com/pxtool/px/internal/resolver"
)

func TestSpecifiersForIncludesOnlyListedGroups(t *testing.T) {
	snap := &manifest.ProjectSnapshot{
		Dependencies: []string{"demo>=1.0"},
		GroupDependencies: map[string][]string{
			"dev":  {"pytest>=7"},
			"docs": {"sphinx>=6"},
		},
		PxOptions: manifest.PxOptions{IncludeGroups: []string{"dev"}},
	}
	got := specifiersFor(snap)
	want := []string{"demo>=1.0", "pytest>=7"}
	if len(got) != len(want) {
		t.Fatalf("specifiersFor() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("specifiersFor()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChannelDigits(t *testing.T) {
	if got := channelDigits("3.12"); got != "312" {
		t.Fatalf("channelDigits(3.12) = %q, want 312", got)
	}
}

func TestHostPlatformTagNonEmpty(t *testing.T) {
	if hostPlatformTag() == "" {
		t.Fatal("hostPlatformTag() = empty")
	}
}

type fakeRegistry struct {
	releases map[string]*pypi.Release
	projects map[string]*pypi.Project
}

func (f *fakeRegistry) Project(ctx context.Context, pkg string) (*pypi.Project, error) {
	p, ok := f.projects[pkg]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return p, nil
}

func (f *fakeRegistry) Release(ctx context.Context, pkg, version string) (*pypi.Release, error) {
	r, ok := f.releases[pkg+"=="+version]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return r, nil
}

func (f *fakeRegistry) Artifact(ctx context.Context, pkg, version, filename string) (io.ReadCloser, error) {
	return nil, io.ErrUnexpectedEOF
}

var _ pypi.Registry = (*fakeRegistry)(nil)

func TestResolveLockPicksWheelArtifact(t *testing.T) {
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
	snap := &manifest.ProjectSnapshot{Name: "proj", RequiresPython: ">=3.12", Dependencies: []string{"demo>=1.0"}}
	lock, err := resolveLock(context.Background(), reg, snap, resolver.Tags{})
	if err != nil {
		t.Fatalf("resolveLock() error = %v", err)
	}
	if len(lock.Dependencies) != 1 {
		t.Fatalf("resolveLock() dependencies = %v, want 1 entry", lock.Dependencies)
	}
	dep := lock.Dependencies[0]
	if dep.Artifact == nil || dep.Artifact.SHA256 != "abc" {
		t.Fatalf("resolveLock() artifact = %+v, want sha256 abc", dep.Artifact)
	}
	if dep.Artifact.PythonTag != "py3" {
		t.Fatalf("resolveLock() python tag = %q, want py3", dep.Artifact.PythonTag)
	}
}

func TestResolveLockMarksSdistForSourceBuild(t *testing.T) {
	reg := &fakeRegistry{
		projects: map[string]*pypi.Project{
			"demo": {Releases: map[string][]pypi.Artifact{
				"1.0.0": {{Filename: "demo-1.0.0.tar.gz", PackageType: "sdist", URL: "https://example/demo-1.0.0.tar.gz"}},
			}},
		},
		releases: map[string]*pypi.Release{
			"demo==1.0.0": {Artifacts: []pypi.Artifact{
				{Filename: "demo-1.0.0.tar.gz", PackageType: "sdist", URL: "https://example/demo-1.0.0.tar.gz"},
			}},
		},
	}
	snap := &manifest.ProjectSnapshot{Name: "proj", RequiresPython: ">=3.12", Dependencies: []string{"demo==1.0.0"}}
	lock, err := resolveLock(context.Background(), reg, snap, resolver.Tags{})
	if err != nil {
		t.Fatalf("resolveLock() error = %v", err)
	}
	dep := lock.Dependencies[0]
	if dep.Artifact == nil || dep.Artifact.BuildOptionsHash != "sdist-build" {
		t.Fatalf("resolveLock() artifact = %+v, want BuildOptionsHash=sdist-build", dep.Artifact)
	}
}
