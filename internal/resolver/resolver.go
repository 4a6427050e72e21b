// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver turns manifest dependency specifiers into pinned
// versions by querying the PyPI JSON API, picking the highest version
// satisfying the specifier that publishes a release matching the given
// interpreter tags (or, failing that, any sdist). It does not perform
// transitive SAT-style version solving: only the project's own declared
// specifiers are resolved, one at a time.
package resolver

import (
	"context"
	"sort"
	"strings"

	pep440version "github.com/aquasecurity/go-pep440-version"

	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/registry/pypi"
)

const CodeNoCompatibleRelease = "PX800"

// Tags are the interpreter/platform tags used to score candidate wheels,
// matching the ABI/platform computed for the target runtime (spec.md
// §4.5/§4.6).
type Tags struct {
	Python   []string
	ABI      []string
	Platform []string
}

// Resolved is one specifier's pinned outcome.
type Resolved struct {
	Name            string
	Specifier       string
	Normalized      string
	SelectedVersion string
	Extras          []string
	Marker          string
}

// Resolve pins each of specifiers against PyPI. It does no marker
// evaluation (px has no dependency on a PEP 508 marker-grammar library):
// every specifier is resolved, and its marker is only recorded in
// Resolved.Marker.
func Resolve(ctx context.Context, registry pypi.Registry, tags Tags, specifiers []string) ([]Resolved, error) {
	out := make([]Resolved, 0, len(specifiers))
	for _, spec := range specifiers {
		resolved, err := resolveOne(ctx, registry, tags, spec)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

func resolveOne(ctx context.Context, registry pypi.Registry, tags Tags, specifier string) (Resolved, error) {
	name, versionSpec, extras, marker := splitSpecifier(specifier)
	normalized := NormalizeDistName(name)

	if pinned := pinnedVersion(versionSpec); pinned != "" {
		return Resolved{Name: name, Specifier: specifier, Normalized: normalized, SelectedVersion: pinned, Extras: extras, Marker: marker}, nil
	}

	spec, err := pep440version.NewSpecifiers(versionSpec)
	if err != nil {
		return Resolved{}, pxerr.New(CodeNoCompatibleRelease, "invalid version specifier", map[string]any{"specifier": specifier, "error": err.Error()})
	}

	project, err := registry.Project(ctx, normalized)
	if err != nil {
		return Resolved{}, pxerr.New(CodeNoCompatibleRelease, "PyPI lookup failed", map[string]any{"name": normalized, "error": err.Error()})
	}
	selected := selectVersion(project.Releases, spec, tags)
	if selected == "" {
		return Resolved{}, pxerr.New(CodeNoCompatibleRelease, "no compatible release found", map[string]any{"name": normalized, "specifier": specifier}).
			WithHint("check the version constraint or drop --frozen to allow a different pin")
	}
	return Resolved{Name: name, Specifier: specifier, Normalized: normalized, SelectedVersion: selected, Extras: extras, Marker: marker}, nil
}

// NormalizeDistName canonicalizes a distribution name per PEP 503: lowercase
// with runs of "_"/"."/"-" folded to a single "-". Callers outside this
// package use it to match a dependency name against a lock's resolved set
// (e.g. `px why <package>`).
func NormalizeDistName(name string) string {
	var b strings.Builder
	prevSep := false
	for _, r := range strings.ToLower(name) {
		if r == '_' || r == '.' || r == '-' {
			if !prevSep {
				b.WriteByte('-')
			}
			prevSep = true
			continue
		}
		prevSep = false
		b.WriteRune(r)
	}
	return b.String()
}

// splitSpecifier breaks a PEP 508-ish specifier into (name, version
// constraint, extras, marker); e.g. "demo[tests]>=1.0,<2 ; python_version
// >= '3.10'".
func splitSpecifier(specifier string) (name, versionSpec string, extras []string, marker string) {
	trimmed := strings.TrimSpace(specifier)
	if idx := strings.Index(trimmed, ";"); idx >= 0 {
		marker = strings.TrimSpace(trimmed[idx+1:])
		trimmed = strings.TrimSpace(trimmed[:idx])
	}
	head := trimmed
	versionSpec = ""
	for i, ch := range trimmed {
		if ch == '<' || ch == '>' || ch == '=' || ch == '!' || ch == '~' {
			head = trimmed[:i]
			versionSpec = strings.TrimSpace(trimmed[i:])
			break
		}
	}
	if idx := strings.Index(head, "["); idx >= 0 {
		extrasPart := strings.TrimSuffix(strings.TrimSpace(head[idx+1:]), "]")
		for _, e := range strings.Split(extrasPart, ",") {
			if e = strings.TrimSpace(e); e != "" {
				extras = append(extras, e)
			}
		}
		head = head[:idx]
	}
	sort.Strings(extras)
	name = strings.TrimSpace(head)
	return name, versionSpec, extras, marker
}

// pinnedVersion returns the exact version when versionSpec is a single
// "=="/"===" constraint, so Resolve can skip the network round-trip.
func pinnedVersion(versionSpec string) string {
	spec, err := pep440version.NewSpecifiers(versionSpec)
	if err != nil || len(spec) != 1 {
		return ""
	}
	s := spec[0].String()
	if !strings.HasPrefix(s, "==") {
		return ""
	}
	return strings.TrimPrefix(strings.TrimPrefix(s, "==="), "==")
}

func selectVersion(releases map[string][]pypi.Artifact, spec pep440version.Specifiers, tags Tags) string {
	var bestVersion pep440version.Version
	var bestScore int
	var bestString string
	haveBest := false

	for versionStr, files := range releases {
		candidate, err := pep440version.Parse(versionStr)
		if err != nil || !spec.Check(candidate) {
			continue
		}
		score, ok := releaseScore(files, tags)
		if !ok {
			continue
		}
		replace := !haveBest
		if haveBest {
			cmp := candidate.Compare(bestVersion)
			replace = cmp > 0 || (cmp == 0 && score > bestScore)
		}
		if replace {
			bestVersion, bestScore, bestString, haveBest = candidate, score, versionStr, true
		}
	}
	return bestString
}

// releaseScore ranks a release's files: 2 for a wheel matching the target
// tags, 1 for a universal (py3-none-any) wheel, 0 for sdist-only, and
// "not usable" otherwise.
func releaseScore(files []pypi.Artifact, tags Tags) (int, bool) {
	sawSdist := false
	best := -1
	for _, f := range files {
		if f.Yanked {
			continue
		}
		switch f.PackageType {
		case "sdist":
			sawSdist = true
		case "bdist_wheel":
			py, abi, platform, ok := parseWheelTags(f.Filename)
			if !ok {
				continue
			}
			if wheelMatches(py, abi, platform, tags) {
				best = 2
			} else if best < 1 && strings.EqualFold(py, "py3") && strings.EqualFold(abi, "none") && strings.EqualFold(platform, "any") {
				best = 1
			}
		}
	}
	if best >= 0 {
		return best, true
	}
	if sawSdist {
		return 0, true
	}
	return 0, false
}

// PickArtifact selects the best distribution file for tags out of files,
// using the same scoring Resolve applies when ranking releases: an exact
// wheel-tag match first, a universal (py3-none-any) wheel second, the
// sdist last. It skips yanked files.
func PickArtifact(files []pypi.Artifact, tags Tags) (pypi.Artifact, bool) {
	var best pypi.Artifact
	bestScore := -1
	var sdist pypi.Artifact
	haveSdist := false
	for _, f := range files {
		if f.Yanked {
			continue
		}
		switch f.PackageType {
		case "sdist":
			sdist, haveSdist = f, true
		case "bdist_wheel":
			py, abi, platform, ok := parseWheelTags(f.Filename)
			if !ok {
				continue
			}
			score := 0
			if wheelMatches(py, abi, platform, tags) {
				score = 2
			} else if strings.EqualFold(py, "py3") && strings.EqualFold(abi, "none") && strings.EqualFold(platform, "any") {
				score = 1
			} else {
				continue
			}
			if score > bestScore {
				best, bestScore = f, score
			}
		}
	}
	if bestScore >= 0 {
		return best, true
	}
	if haveSdist {
		return sdist, true
	}
	return pypi.Artifact{}, false
}

// WheelTags exposes parseWheelTags for callers building a lockfile.Artifact
// from a picked file, so build_options_hash-style build/no-build decisions
// can see the same python/abi/platform split Resolve used to pick it.
func WheelTags(filename string) (python, abi, platform string, ok bool) {
	return parseWheelTags(filename)
}

func parseWheelTags(filename string) (python, abi, platform string, ok bool) {
	if !strings.HasSuffix(filename, ".whl") {
		return "", "", "", false
	}
	trimmed := strings.TrimSuffix(filename, ".whl")
	parts := strings.Split(trimmed, "-")
	if len(parts) < 5 {
		return "", "", "", false
	}
	n := len(parts)
	return parts[n-3], parts[n-2], parts[n-1], true
}

// wheelMatches reports whether a wheel's tags fit tags. A universal
// py3-none-any wheel is not a match here; callers rank it separately.
func wheelMatches(python, abi, platform string, tags Tags) bool {
	if strings.EqualFold(python, "py3") && strings.EqualFold(abi, "none") && strings.EqualFold(platform, "any") {
		return false
	}
	return (strings.EqualFold(python, "py3") || matchesAny(tags.Python, python)) &&
		(strings.EqualFold(abi, "none") || matchesAny(tags.ABI, abi)) &&
		(strings.EqualFold(platform, "any") || matchesAny(tags.Platform, platform))
}

func matchesAny(values []string, candidate string) bool {
	for _, part := range strings.Split(candidate, ".") {
		for _, v := range values {
			if strings.EqualFold(part, v) {
				return true
			}
		}
	}
	return false
}
