// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest reads and edits pyproject.toml project manifests,
// producing path-independent ProjectSnapshot/WorkspaceSnapshot values
// (spec.md §3 "Project Snapshot"/"Workspace Snapshot").
package manifest

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/hashx"
	"github.com/pxtool/px/internal/pxerr"
)

const (
	CodeMissingManifest  = "PX740"
	CodeMalformedTOML    = "PX741"
	CodeMissingProject   = "PX742"
	DefaultRequiresPython = ">=3.12"
	DefaultVersion        = "0.0.0"
)

// PxOptions is the parsed [tool.px] table.
type PxOptions struct {
	Python              string         `toml:"python,omitempty"`
	Env                 string         `toml:"env,omitempty"`
	Fmt                 FmtOptions     `toml:"fmt,omitempty"`
	Sandbox             map[string]any `toml:"sandbox,omitempty"`
	IncludeGroups       []string       `toml:"-"`
}

// WorkspaceOptions is the parsed [tool.px.workspace] table, following the
// member-glob convention common to Python workspace tooling: Members are
// glob patterns (relative to the workspace root) naming directories that
// each carry their own pyproject.toml; Exclude removes matches from that
// set before they're read.
type WorkspaceOptions struct {
	Members []string `toml:"members,omitempty"`
	Exclude []string `toml:"exclude,omitempty"`
}

// FmtOptions is the [tool.px.fmt] table (spec.md §4.10 fmt).
type FmtOptions struct {
	Commands []string `toml:"commands,omitempty"`
}

type pyprojectDoc struct {
	Project struct {
		Name                   string              `toml:"name"`
		Version                string              `toml:"version"`
		RequiresPython         string              `toml:"requires-python"`
		Dependencies           []string            `toml:"dependencies"`
		OptionalDependencies   map[string][]string `toml:"optional-dependencies"`
		Scripts                map[string]string              `toml:"scripts"`
		GuiScripts             map[string]string              `toml:"gui-scripts"`
		EntryPoints            map[string]map[string]string   `toml:"entry-points"`
	} `toml:"project"`
	Tool struct {
		Px struct {
			Python  string         `toml:"python"`
			Env     string         `toml:"env"`
			Fmt     FmtOptions     `toml:"fmt"`
			Sandbox map[string]any `toml:"sandbox"`
			Dependencies struct {
				IncludeGroups []string `toml:"include-groups"`
			} `toml:"dependencies"`
			Workspace WorkspaceOptions `toml:"workspace"`
		} `toml:"px"`
	} `toml:"tool"`
	DependencyGroups map[string][]string `toml:"dependency-groups"`
}

// ProjectSnapshot is an immutable view of a project root (spec.md §3).
type ProjectSnapshot struct {
	Root                   string
	ManifestPath           string
	LockPath               string
	Name                   string
	Version                string
	RequiresPython         string
	Dependencies           []string
	DeclaredGroups         []string
	GroupDependencies      map[string][]string
	PxOptions              PxOptions
	Scripts                map[string]string
	GuiScripts             map[string]string
	EntryPoints            map[string]map[string]string
	ManifestFingerprint    string
}

// ReadProjectSnapshot reads and parses pyproject.toml under root.
func ReadProjectSnapshot(root string) (*ProjectSnapshot, error) {
	path := filepath.Join(root, "pyproject.toml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pxerr.New(CodeMissingManifest, "pyproject.toml not found", map[string]any{"path": path})
		}
		return nil, errors.Wrap(err, "reading manifest")
	}
	return parseProjectSnapshot(root, path, raw)
}

func parseProjectSnapshot(root, path string, raw []byte) (*ProjectSnapshot, error) {
	var doc pyprojectDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, pxerr.New(CodeMalformedTOML, "pyproject.toml is not valid TOML", map[string]any{"path": path, "error": err.Error()})
	}
	if doc.Project.Name == "" {
		return nil, pxerr.New(CodeMissingProject, "pyproject.toml is missing [project].name", map[string]any{"path": path})
	}
	requiresPython := doc.Project.RequiresPython
	if requiresPython == "" {
		requiresPython = DefaultRequiresPython
	}
	version := doc.Project.Version
	if version == "" {
		version = DefaultVersion
	}
	groups := declaredGroups(doc)
	snap := &ProjectSnapshot{
		Root:           root,
		ManifestPath:   path,
		LockPath:       filepath.Join(root, "px.lock"),
		Name:           doc.Project.Name,
		Version:        version,
		RequiresPython: requiresPython,
		Dependencies:   append([]string{}, doc.Project.Dependencies...),
		DeclaredGroups: groups,
		GroupDependencies: mergedGroupDependencies(doc),
		Scripts:     doc.Project.Scripts,
		GuiScripts:  doc.Project.GuiScripts,
		EntryPoints: doc.Project.EntryPoints,
		PxOptions: PxOptions{
			Python:        doc.Tool.Px.Python,
			Env:           doc.Tool.Px.Env,
			Fmt:           doc.Tool.Px.Fmt,
			Sandbox:       doc.Tool.Px.Sandbox,
			IncludeGroups: doc.Tool.Px.Dependencies.IncludeGroups,
		},
	}
	fp, err := Fingerprint(snap)
	if err != nil {
		return nil, err
	}
	snap.ManifestFingerprint = fp
	return snap, nil
}

func declaredGroups(doc pyprojectDoc) []string {
	seen := map[string]bool{}
	var groups []string
	for name := range doc.DependencyGroups {
		if !seen[name] {
			seen[name] = true
			groups = append(groups, name)
		}
	}
	for name := range doc.Project.OptionalDependencies {
		if !seen[name] {
			seen[name] = true
			groups = append(groups, name)
		}
	}
	sort.Strings(groups)
	return groups
}

func mergedGroupDependencies(doc pyprojectDoc) map[string][]string {
	out := map[string][]string{}
	for name, specs := range doc.DependencyGroups {
		out[name] = append([]string{}, specs...)
	}
	for name, specs := range doc.Project.OptionalDependencies {
		out[name] = append([]string{}, specs...)
	}
	return out
}

// fingerprintView is the normalized, path-independent shape hashed into
// ManifestFingerprint: name, requires-python, dependencies, and group
// declarations, exactly as spec.md §3 describes, with nothing path-derived.
type fingerprintView struct {
	Name              string              `json:"name"`
	RequiresPython    string              `json:"requires_python"`
	Dependencies      []string            `json:"dependencies"`
	DeclaredGroups    []string            `json:"declared_groups"`
	GroupDependencies map[string][]string `json:"group_dependencies"`
}

// Fingerprint computes the manifest_fingerprint: a stable hash over
// normalized project contents. Two snapshots with identical manifest bytes
// in different directories produce equal fingerprints; paths never enter it.
func Fingerprint(snap *ProjectSnapshot) (string, error) {
	deps := append([]string{}, snap.Dependencies...)
	sort.Strings(deps)
	view := fingerprintView{
		Name:              snap.Name,
		RequiresPython:    snap.RequiresPython,
		Dependencies:      deps,
		DeclaredGroups:    append([]string{}, snap.DeclaredGroups...),
		GroupDependencies: snap.GroupDependencies,
	}
	canon, err := hashx.CanonicalJSON(view)
	if err != nil {
		return "", errors.Wrap(err, "computing manifest fingerprint")
	}
	return hashx.SHA256Hex(canon), nil
}

// WorkspaceSnapshot is a root manifest plus its Member snapshots (spec.md
// §3 "Workspace Snapshot").
type WorkspaceSnapshot struct {
	Root                          string
	Members                       []*ProjectSnapshot
	WorkspaceManifestFingerprint  string
}

// ReadWorkspaceSnapshot reads the root pyproject.toml's [tool.px.workspace]
// table and resolves its Members glob patterns into ProjectSnapshots, in
// the manner of uv/hatch workspaces: each pattern is matched relative to
// root, matches without their own pyproject.toml are skipped, and Exclude
// patterns remove matches before they're read. Root itself is always
// included as a member; Members is ordered by project name.
func ReadWorkspaceSnapshot(root string) (*WorkspaceSnapshot, error) {
	rootSnap, err := ReadProjectSnapshot(root)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(root, "pyproject.toml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	var doc pyprojectDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, pxerr.New(CodeMalformedTOML, "pyproject.toml is not valid TOML", map[string]any{"path": path, "error": err.Error()})
	}
	ws := doc.Tool.Px.Workspace
	if len(ws.Members) == 0 {
		return nil, pxerr.New(CodeMissingProject, "pyproject.toml does not declare [tool.px.workspace]", map[string]any{"path": path}).
			WithHint(`add members = ["packages/*"] under [tool.px.workspace]`)
	}
	excluded := make(map[string]bool, len(ws.Exclude))
	for _, pattern := range ws.Exclude {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, pxerr.New(CodeMalformedTOML, "invalid workspace exclude pattern", map[string]any{"pattern": pattern, "error": err.Error()})
		}
		for _, m := range matches {
			excluded[m] = true
		}
	}
	byName := map[string]*ProjectSnapshot{rootSnap.Name: rootSnap}
	var order []string
	order = append(order, rootSnap.Name)
	for _, pattern := range ws.Members {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, pxerr.New(CodeMalformedTOML, "invalid workspace member pattern", map[string]any{"pattern": pattern, "error": err.Error()})
		}
		sort.Strings(matches)
		for _, m := range matches {
			if excluded[m] {
				continue
			}
			info, err := os.Stat(m)
			if err != nil || !info.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(m, "pyproject.toml")); err != nil {
				continue
			}
			snap, err := ReadProjectSnapshot(m)
			if err != nil {
				return nil, err
			}
			if _, ok := byName[snap.Name]; ok {
				continue
			}
			byName[snap.Name] = snap
			order = append(order, snap.Name)
		}
	}
	sort.Strings(order)
	members := make([]*ProjectSnapshot, len(order))
	for i, name := range order {
		members[i] = byName[name]
	}
	fp, err := WorkspaceFingerprint(members)
	if err != nil {
		return nil, err
	}
	return &WorkspaceSnapshot{Root: root, Members: members, WorkspaceManifestFingerprint: fp}, nil
}

// WorkspaceFingerprint computes the workspace_manifest_fingerprint: a hash
// over member fingerprints in the order given (ReadWorkspaceSnapshot passes
// members sorted by name, not in their declared order).
func WorkspaceFingerprint(members []*ProjectSnapshot) (string, error) {
	fps := make([]string, len(members))
	for i, m := range members {
		fps[i] = m.ManifestFingerprint
	}
	canon, err := hashx.CanonicalJSON(struct {
		Members []string `json:"members"`
	}{Members: fps})
	if err != nil {
		return "", errors.Wrap(err, "computing workspace manifest fingerprint")
	}
	return hashx.SHA256Hex(canon), nil
}
