// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/fsx"
)

// SourceBuilder produces an unpacked, linkable package tree from an sdist.
// Implementations run outside the CAS; Assemble archives their output.
type SourceBuilder interface {
	// ID is the stable builder_id recorded in a PkgBuildHeader and folded
	// into its lookup key, so switching builders never collides caches.
	ID() string
	// Build unpacks/builds sdist (raw bytes, the named file) using
	// pythonPath and returns a directory containing the built package tree.
	// Callers own the returned directory's lifetime.
	Build(ctx context.Context, pythonPath, name, version, filename string, sdist []byte) (string, error)
}

// PipWheelBuilder shells out to `pip wheel` to turn an sdist into a wheel and
// then unpacks that wheel, mirroring what px's bundled pip does for
// platform-specific or builder-native dependencies (spec.md §4.6 step 2).
type PipWheelBuilder struct{}

func (PipWheelBuilder) ID() string { return "px-pip-wheel-builder" }

func (PipWheelBuilder) Build(ctx context.Context, pythonPath, name, version, filename string, sdist []byte) (string, error) {
	work, err := fsx.NewScopedTempDir("", "px-build-"+name)
	if err != nil {
		return "", err
	}
	defer work.Close()

	sdistPath := filepath.Join(work.Path, filename)
	if err := os.WriteFile(sdistPath, sdist, 0o644); err != nil {
		return "", errors.Wrap(err, "staging sdist for build")
	}

	wheelDir := filepath.Join(work.Path, "wheel")
	if err := os.MkdirAll(wheelDir, 0o755); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, pythonPath, "-m", "pip", "wheel", "--no-deps", "--no-build-isolation", "-w", wheelDir, sdistPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", errors.Wrapf(err, "pip wheel failed for %s==%s: %s", name, version, out)
	}

	entries, err := os.ReadDir(wheelDir)
	if err != nil || len(entries) == 0 {
		return "", errors.Errorf("pip wheel produced no output for %s==%s", name, version)
	}
	wheelPath := filepath.Join(wheelDir, entries[0].Name())
	wheelBytes, err := os.ReadFile(wheelPath)
	if err != nil {
		return "", err
	}

	distRoot, err := os.MkdirTemp("", "px-pkgbuild-")
	if err != nil {
		return "", errors.Wrap(err, "creating pkg-build staging dir")
	}
	if err := unpackWheel(wheelBytes, distRoot); err != nil {
		os.RemoveAll(distRoot)
		return "", err
	}
	return distRoot, nil
}
