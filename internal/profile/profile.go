// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile assembles a Profile CAS object from a Lock Snapshot and a
// runtime (spec.md §4.6 "Profile Assembly").
package profile

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/registry/pypi"
	"github.com/pxtool/px/pkg/archive"
)

// RuntimeInfo describes the runtime a Profile will be assembled against.
// InstallRoot comes from runtimereg.Record / the host; InstallRoot
// is empty in host-only mode, in which case the stored Runtime object is
// header-only (spec.md §4.6 step 1).
type RuntimeInfo struct {
	Version        string
	Platform       string
	Implementation string
	ABI            string
	InstallRoot    string // python install root to archive; empty = host-only
}

// Assembler produces Profile CAS objects from resolved dependencies.
type Assembler struct {
	Store   *cas.Store
	PyPI    pypi.Registry
	Builder SourceBuilder
}

// ObtainRuntime implements spec.md §4.6 step 1: in host-only mode store a
// header-only Runtime object; otherwise archive the install root canonically
// and store its body too.
func (a *Assembler) ObtainRuntime(ctx context.Context, owner cas.Owner, rt RuntimeInfo) (string, error) {
	header := cas.RuntimeHeader{
		Version:        rt.Version,
		Platform:       rt.Platform,
		Implementation: rt.Implementation,
		ABI:            rt.ABI,
	}

	if rt.InstallRoot == "" {
		obj, err := cas.NewObject(cas.KindRuntime, header, cas.PayloadKindNone, nil)
		if err != nil {
			return "", err
		}
		stored, err := a.Store.Store(ctx, obj)
		if err != nil {
			return "", errors.Wrap(err, "storing host-only runtime object")
		}
		if err := a.Store.AddRef(ctx, stored.OID, owner); err != nil {
			return "", err
		}
		return stored.OID, nil
	}

	var buf bytes.Buffer
	if err := archive.CanonicalTarGzFromDir(&buf, rt.InstallRoot, archive.BuildCanonicalTarGzOptions{}); err != nil {
		return "", errors.Wrap(err, "archiving runtime install root")
	}
	obj, err := cas.NewObject(cas.KindRuntime, header, cas.PayloadKindTarGz, buf.Bytes())
	if err != nil {
		return "", err
	}
	stored, err := a.Store.Store(ctx, obj)
	if err != nil {
		return "", errors.Wrap(err, "storing runtime object")
	}
	if err := a.Store.AddRef(ctx, stored.OID, owner); err != nil {
		return "", err
	}
	return stored.OID, nil
}

// Assemble runs spec.md §4.6 steps 2-4: for each resolved dependency with an
// artifact, obtain a PkgBuild (building from source or fetching+unpacking a
// wheel), compose the Profile header, store it, and record owner refs.
func (a *Assembler) Assemble(ctx context.Context, owner cas.Owner, lock *lockfile.LockSnapshot, runtimeOID, runtimeABI, pythonPath string, envVars map[string]string) (string, error) {
	deps := lockfile.CollectResolvedDependencies(lock)

	type built struct {
		name, version, pkgBuildOID string
	}
	var packages []built
	var sysPathOrder []string
	var nativeLibRoots []string

	for _, dep := range deps {
		if dep.Artifact == nil {
			continue
		}
		pkgBuildOID, distRoot, err := a.obtainPkgBuild(ctx, owner, dep, runtimeABI, pythonPath)
		if err != nil {
			return "", errors.Wrapf(err, "obtaining package build for %s", dep.Name)
		}
		packages = append(packages, built{name: dep.Name, version: specifierVersion(dep.Specifier), pkgBuildOID: pkgBuildOID})
		sysPathOrder = append(sysPathOrder, pkgBuildOID)
		if distRoot != "" {
			nativeLibRoots = append(nativeLibRoots, distRoot)
		}
	}

	sort.Slice(packages, func(i, j int) bool { return packages[i].name < packages[j].name })
	profilePackages := make([]cas.ProfilePackage, 0, len(packages))
	for _, p := range packages {
		profilePackages = append(profilePackages, cas.ProfilePackage{Name: p.name, Version: p.version, PkgBuildOID: p.pkgBuildOID})
	}

	finalEnvVars := map[string]string{}
	for k, v := range envVars {
		finalEnvVars[k] = v
	}
	if len(nativeLibRoots) > 0 {
		finalEnvVars["LD_LIBRARY_PATH"] = strings.Join(nativeLibRoots, ":")
	}

	header := cas.ProfileHeader{
		RuntimeOID:   runtimeOID,
		Packages:     profilePackages,
		SysPathOrder: sysPathOrder,
		EnvVars:      finalEnvVars,
	}
	obj, err := cas.NewObject(cas.KindProfile, header, cas.PayloadKindNone, nil)
	if err != nil {
		return "", err
	}
	stored, err := a.Store.Store(ctx, obj)
	if err != nil {
		return "", errors.Wrap(err, "storing profile object")
	}

	for _, p := range packages {
		if err := a.Store.AddRef(ctx, p.pkgBuildOID, owner); err != nil {
			return "", err
		}
	}
	if err := a.Store.AddRef(ctx, runtimeOID, owner); err != nil {
		return "", err
	}
	if err := a.Store.AddRef(ctx, stored.OID, owner); err != nil {
		return "", err
	}
	return stored.OID, nil
}

// needsBuildFromSource implements spec.md §4.6 step 2's decision: a
// platform-specific wheel tag, a non-"none" abi tag, or a builder-native
// hint in build_options_hash all require running the source builder rather
// than fetching a prebuilt wheel.
func needsBuildFromSource(a *lockfile.Artifact) bool {
	if a.PlatformTag != "" && a.PlatformTag != "any" {
		return true
	}
	if a.ABITag != "" && a.ABITag != "none" {
		return true
	}
	return a.BuildOptionsHash != ""
}

func sourceLookupKey(name, version string, art *lockfile.Artifact) string {
	if art.SHA256 != "" {
		return fmt.Sprintf("source:%s:%s:%s", name, version, art.SHA256)
	}
	return fmt.Sprintf("source:%s:%s:%s:%s", name, version, art.Filename, art.URL)
}

func pkgBuildLookupKey(sourceOID, runtimeABI, builderID, buildOptionsHash string) string {
	return strings.Join([]string{"pkg_build", sourceOID, runtimeABI, builderID, buildOptionsHash}, ":")
}

func specifierVersion(specifier string) string {
	if idx := strings.Index(specifier, "=="); idx >= 0 {
		return strings.TrimSpace(specifier[idx+2:])
	}
	return ""
}
