// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package lockfile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pxtool/px/internal/manifest"
)

// DriftReport is the lock-vs-manifest comparison used by the workspace
// state evaluator (spec.md §4.8 item 3).
type DriftReport struct {
	FingerprintMatches bool
	Added              []string
	Removed            []string
	IncompleteClosure  []string
}

// Clean reports whether the lock fully agrees with the manifest: the
// fingerprint matches, no direct dependency was added or removed, and the
// resolved closure is complete.
func (r DriftReport) Clean() bool {
	return r.FingerprintMatches && len(r.Added) == 0 && len(r.Removed) == 0 && len(r.IncompleteClosure) == 0
}

// Issues renders r's individual disagreements as human-readable messages,
// in a stable order. `px status` surfaces these as reasons and `px why
// --issue` addresses them by their 1-based position in this slice.
func (r DriftReport) Issues() []string {
	var issues []string
	if !r.FingerprintMatches {
		issues = append(issues, "manifest fingerprint changed since lock")
	}
	for _, name := range r.Added {
		issues = append(issues, fmt.Sprintf("dependency %q added but not locked", name))
	}
	for _, name := range r.Removed {
		issues = append(issues, fmt.Sprintf("dependency %q locked but no longer declared", name))
	}
	for _, name := range r.IncompleteClosure {
		issues = append(issues, fmt.Sprintf("resolved closure missing %q", name))
	}
	return issues
}

// AnalyzeDrift compares snap's declared dependencies against lock's
// resolved set.
func AnalyzeDrift(snap *manifest.ProjectSnapshot, lock *LockSnapshot) DriftReport {
	report := DriftReport{FingerprintMatches: snap.ManifestFingerprint == lock.ManifestFingerprint}

	declared := map[string]bool{}
	for _, spec := range snap.Dependencies {
		declared[specifierName(spec)] = true
	}
	lockedDirect := map[string]bool{}
	resolvedNames := map[string]bool{}
	for _, dep := range lock.Dependencies {
		resolvedNames[strings.ToLower(dep.Name)] = true
		if dep.Direct {
			lockedDirect[strings.ToLower(dep.Name)] = true
		}
	}
	for name := range declared {
		if !lockedDirect[name] {
			report.Added = append(report.Added, name)
		}
	}
	for name := range lockedDirect {
		if !declared[name] {
			report.Removed = append(report.Removed, name)
		}
	}
	for _, dep := range lock.Dependencies {
		for _, req := range dep.Requires {
			if !resolvedNames[specifierName(req)] {
				report.IncompleteClosure = append(report.IncompleteClosure, req)
			}
		}
	}
	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.Strings(report.IncompleteClosure)
	return report
}

// VerifyLockedArtifacts returns a list of issues for dependencies missing
// the artifact metadata required to fetch or verify their distribution.
func VerifyLockedArtifacts(lock *LockSnapshot) []string {
	var issues []string
	for _, dep := range lock.Dependencies {
		if dep.Artifact == nil {
			continue
		}
		a := dep.Artifact
		if a.Filename == "" {
			issues = append(issues, dep.Name+": missing artifact filename")
		}
		if a.SHA256 == "" {
			issues = append(issues, dep.Name+": missing artifact sha256")
		}
		if a.Size <= 0 {
			issues = append(issues, dep.Name+": missing artifact size")
		}
	}
	return issues
}

// CollectResolvedDependencies merges each direct dependency spec's
// extras/marker (parsed from the manifest-style specifier string) with the
// matching resolved entry's source/requires, producing the shape the
// profile assembler consumes.
func CollectResolvedDependencies(lock *LockSnapshot) []ResolvedDependency {
	out := make([]ResolvedDependency, 0, len(lock.Dependencies))
	for _, dep := range lock.Dependencies {
		name, extras, marker := parseSpecifier(dep.Specifier)
		if name == "" {
			name = dep.Name
		}
		out = append(out, ResolvedDependency{
			Name: dep.Name, Specifier: dep.Specifier, Extras: extras, Marker: marker,
			Artifact: dep.Artifact, Direct: dep.Direct, Requires: dep.Requires, Source: dep.Source,
		})
	}
	return out
}

// specifierName extracts the normalized package name from a PEP
// 508-style specifier, e.g. "demo[a]==1.0.0 ; python_version>='3.10'".
func specifierName(spec string) string {
	name, _, _ := parseSpecifier(spec)
	if name == "" {
		name = spec
	}
	return strings.ToLower(name)
}

// parseSpecifier splits a dependency specifier into (name, extras, marker).
func parseSpecifier(spec string) (name string, extras []string, marker string) {
	trimmed := strings.TrimSpace(spec)
	if idx := strings.Index(trimmed, ";"); idx >= 0 {
		marker = strings.TrimSpace(trimmed[idx+1:])
		trimmed = strings.TrimSpace(trimmed[:idx])
	}
	head := trimmed
	for i, ch := range trimmed {
		if ch == '<' || ch == '>' || ch == '=' || ch == '!' || ch == '~' || ch == ' ' {
			head = trimmed[:i]
			break
		}
	}
	if idx := strings.Index(head, "["); idx >= 0 {
		extrasPart := strings.TrimSuffix(head[idx+1:], "]")
		for _, e := range strings.Split(extrasPart, ",") {
			e = strings.TrimSpace(e)
			if e != "" {
				extras = append(extras, e)
			}
		}
		head = head[:idx]
	}
	name = strings.ToLower(strings.TrimSpace(head))
	return name, extras, marker
}
