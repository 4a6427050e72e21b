// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/fsx"
	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/pkg/archive"
)

// obtainPkgBuild implements spec.md §4.6 step 2 for a single resolved
// dependency: fetch-or-build, then store Source and PkgBuild CAS objects
// keyed for reuse across assemblies. The returned nativeLibRoot is always
// empty: native-lib detection under a dist tree is left to the env
// materializer, which has the unpacked tree available; here the tree only
// exists transiently before being archived into the PkgBuild payload.
func (a *Assembler) obtainPkgBuild(ctx context.Context, owner cas.Owner, dep lockfile.ResolvedDependency, runtimeABI, pythonPath string) (pkgBuildOID string, nativeLibRoot string, err error) {
	art := dep.Artifact
	version := specifierVersion(dep.Specifier)

	raw, err := a.fetchArtifactBytes(ctx, dep.Name, version, art)
	if err != nil {
		return "", "", err
	}

	sourceObj, err := cas.NewObject(cas.KindSource, cas.SourceHeader{
		Name: dep.Name, Version: version, Filename: art.Filename, IndexURL: art.URL, SHA256: art.SHA256,
	}, cas.PayloadKindRaw, raw)
	if err != nil {
		return "", "", err
	}
	storedSource, err := a.Store.Store(ctx, sourceObj)
	if err != nil {
		return "", "", errors.Wrapf(err, "storing source object for %s", dep.Name)
	}
	if err := a.Store.RecordKey(ctx, sourceLookupKey(dep.Name, version, art), storedSource.OID); err != nil {
		return "", "", err
	}

	builderID := "px-wheel-fetch"
	if needsBuildFromSource(art) {
		builderID = a.Builder.ID()
	}
	pkgKey := pkgBuildLookupKey(storedSource.OID, runtimeABI, builderID, art.BuildOptionsHash)
	if oid, found, err := a.Store.LookupKey(ctx, pkgKey); err != nil {
		return "", "", err
	} else if found && a.Store.Exists(oid) {
		return oid, "", nil
	}

	var distRoot string
	if needsBuildFromSource(art) {
		if a.Builder == nil {
			return "", "", errors.Errorf("package %s requires a source build but no builder is configured", dep.Name)
		}
		distRoot, err = a.Builder.Build(ctx, pythonPath, dep.Name, version, art.Filename, raw)
	} else {
		distRoot, err = unpackWheelToTempDir(raw)
	}
	if err != nil {
		return "", "", errors.Wrapf(err, "building package tree for %s", dep.Name)
	}
	defer os.RemoveAll(distRoot)

	var buf bytes.Buffer
	if err := archive.CanonicalTarGzFromDir(&buf, distRoot, archive.BuildCanonicalTarGzOptions{}); err != nil {
		return "", "", errors.Wrapf(err, "archiving package build for %s", dep.Name)
	}
	pkgObj, err := cas.NewObject(cas.KindPkgBuild, cas.PkgBuildHeader{
		SourceOID: storedSource.OID, RuntimeABI: runtimeABI, BuilderID: builderID, BuildOptionsHash: art.BuildOptionsHash,
	}, cas.PayloadKindTarGz, buf.Bytes())
	if err != nil {
		return "", "", err
	}
	storedPkg, err := a.Store.Store(ctx, pkgObj)
	if err != nil {
		return "", "", errors.Wrapf(err, "storing pkg-build object for %s", dep.Name)
	}
	if err := a.Store.RecordKey(ctx, pkgKey, storedPkg.OID); err != nil {
		return "", "", err
	}
	return storedPkg.OID, "", nil
}

func (a *Assembler) fetchArtifactBytes(ctx context.Context, name, version string, art *lockfile.Artifact) ([]byte, error) {
	rc, err := a.PyPI.Artifact(ctx, name, version, art.Filename)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", art.Filename)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// unpackWheelToTempDir extracts a wheel's contents into a fresh temp dir and
// derives a bin/ directory from its console_scripts entry points.
func unpackWheelToTempDir(wheelBytes []byte) (string, error) {
	dir, err := os.MkdirTemp("", "px-pkgbuild-")
	if err != nil {
		return "", errors.Wrap(err, "creating pkg-build staging dir")
	}
	if err := unpackWheel(wheelBytes, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func unpackWheel(wheelBytes []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(wheelBytes), int64(len(wheelBytes)))
	if err != nil {
		return errors.Wrap(err, "opening wheel as zip")
	}
	var entryPoints string
	for _, f := range zr.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "reading wheel entry %s", f.Name)
		}
		out, err := os.Create(target)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return errors.Wrapf(copyErr, "extracting wheel entry %s", f.Name)
		}
		if strings.HasSuffix(f.Name, ".dist-info/entry_points.txt") {
			raw, err := os.ReadFile(target)
			if err == nil {
				entryPoints = string(raw)
			}
		}
	}
	if entryPoints != "" {
		return writeConsoleScriptShims(dest, entryPoints)
	}
	return nil
}

// writeConsoleScriptShims parses the [console_scripts] section of an
// entry_points.txt (INI-style) and writes a thin launcher per script under
// dest/bin, matching what the env materializer expects to find alongside a
// PkgBuild's dist tree.
func writeConsoleScriptShims(dest, entryPoints string) error {
	binDir := filepath.Join(dest, "bin")
	inConsoleScripts := false
	var wrote bool
	for _, line := range strings.Split(entryPoints, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inConsoleScripts = line == "[console_scripts]"
			continue
		}
		if !inConsoleScripts {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		target := strings.TrimSpace(parts[1])
		module, attr, ok := strings.Cut(target, ":")
		if !ok {
			continue
		}
		if !wrote {
			if err := os.MkdirAll(binDir, 0o755); err != nil {
				return err
			}
			wrote = true
		}
		script := "#!/usr/bin/env python3\nimport sys\nfrom " + module + " import " + strings.SplitN(attr, ".", 2)[0] + "\nif __name__ == \"__main__\":\n    sys.exit(" + attr + "())\n"
		if err := fsx.AtomicWriteFile(filepath.Join(binDir, name), []byte(script), 0o755); err != nil {
			return err
		}
	}
	return nil
}
