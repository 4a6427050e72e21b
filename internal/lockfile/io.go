// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package lockfile

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/hashx"
	"github.com/pxtool/px/internal/pxerr"
)

const (
	CodeMissingLock = "PX750"
	CodeMalformed   = "PX751"
)

type onDiskMetadata struct {
	PxVersion           string `toml:"px_version"`
	CreatedAt           string `toml:"created_at,omitempty"`
	Mode                string `toml:"mode"`
	ManifestFingerprint string `toml:"manifest_fingerprint"`
	LockID              string `toml:"lock_id"`
}

type onDiskDependency struct {
	Name      string           `toml:"name"`
	Specifier string           `toml:"specifier"`
	Direct    bool             `toml:"direct"`
	Artifact  *onDiskArtifact  `toml:"artifact,omitempty"`
	Source    string           `toml:"source,omitempty"`
	Requires  []string         `toml:"requires,omitempty"`
}

type onDiskGraphArtifact struct {
	Node     string          `toml:"node"`
	Target   string          `toml:"target"`
	Artifact onDiskArtifact  `toml:"artifact"`
}

type onDiskGraph struct {
	Nodes     []GraphNode           `toml:"nodes,omitempty"`
	Targets   []GraphTarget         `toml:"targets,omitempty"`
	Artifacts []onDiskGraphArtifact `toml:"artifacts,omitempty"`
}

type onDiskDoc struct {
	Version  int              `toml:"version"`
	Metadata onDiskMetadata   `toml:"metadata"`
	Project  struct {
		Name string `toml:"name"`
	} `toml:"project"`
	Python struct {
		Requirement string `toml:"requirement"`
	} `toml:"python"`
	Dependencies []onDiskDependency `toml:"dependencies"`
	Graph        *onDiskGraph       `toml:"graph,omitempty"`
}

// ReadLockSnapshot reads and parses path, backfilling wheel tags from
// filenames where the lock predates tag capture.
func ReadLockSnapshot(path string) (*LockSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pxerr.New(CodeMissingLock, "px.lock not found", map[string]any{"path": path})
		}
		return nil, errors.Wrap(err, "reading lockfile")
	}
	return ParseLockSnapshot(raw)
}

// ParseLockSnapshot parses raw TOML lock bytes.
func ParseLockSnapshot(raw []byte) (*LockSnapshot, error) {
	var doc onDiskDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, pxerr.New(CodeMalformed, "px.lock is not valid TOML", map[string]any{"error": err.Error()})
	}
	lock := &LockSnapshot{
		Version:             doc.Version,
		ProjectName:         doc.Project.Name,
		PythonRequirement:   doc.Python.Requirement,
		ManifestFingerprint: doc.Metadata.ManifestFingerprint,
		LockID:              doc.Metadata.LockID,
		Mode:                doc.Metadata.Mode,
	}
	for _, d := range doc.Dependencies {
		dep := LockedDependency{
			Name: d.Name, Specifier: d.Specifier, Direct: d.Direct,
			Source: d.Source, Requires: append([]string{}, d.Requires...),
		}
		if d.Artifact != nil {
			a := d.Artifact.Artifact
			backfillWheelTags(&a)
			dep.Artifact = &a
		}
		lock.Dependencies = append(lock.Dependencies, dep)
	}
	if doc.Graph != nil {
		g := &Graph{Nodes: doc.Graph.Nodes, Targets: doc.Graph.Targets}
		for _, entry := range doc.Graph.Artifacts {
			a := entry.Artifact.Artifact
			backfillWheelTags(&a)
			g.Artifacts = append(g.Artifacts, GraphArtifactEntry{Node: entry.Node, Target: entry.Target, Artifact: a})
		}
		lock.Graph = g
	}
	return lock, nil
}

// backfillWheelTags infers python_tag/abi_tag/platform_tag from a wheel
// filename when a lock written before tag capture omitted them.
func backfillWheelTags(a *Artifact) {
	if a.PythonTag != "" && a.ABITag != "" && a.PlatformTag != "" {
		return
	}
	name := strings.TrimSuffix(a.Filename, ".whl")
	if name == a.Filename {
		return // not a wheel filename
	}
	parts := strings.Split(name, "-")
	if len(parts) < 5 {
		return
	}
	n := len(parts)
	if a.PythonTag == "" {
		a.PythonTag = parts[n-3]
	}
	if a.ABITag == "" {
		a.ABITag = parts[n-2]
	}
	if a.PlatformTag == "" {
		a.PlatformTag = parts[n-1]
	}
}

// Render writes snapshot/resolved under the schema version lock.Version
// names, adding a [graph] table when lock.Graph is set. lock_id is
// computed by the caller via ComputeLockID and passed through lock.LockID;
// px_version is the pxVersion argument; created_at is never emitted.
func Render(lock *LockSnapshot, pxVersion string) (string, error) {
	doc := onDiskDoc{
		Version: lock.Version,
		Metadata: onDiskMetadata{
			PxVersion:           pxVersion,
			Mode:                lock.Mode,
			ManifestFingerprint: lock.ManifestFingerprint,
			LockID:              lock.LockID,
		},
	}
	doc.Project.Name = lock.ProjectName
	doc.Python.Requirement = lock.PythonRequirement
	for _, dep := range lock.Dependencies {
		d := onDiskDependency{Name: dep.Name, Specifier: dep.Specifier, Direct: dep.Direct, Source: dep.Source, Requires: dep.Requires}
		if dep.Artifact != nil {
			d.Artifact = &onDiskArtifact{Artifact: *dep.Artifact}
		}
		doc.Dependencies = append(doc.Dependencies, d)
	}
	if lock.Graph != nil {
		g := &onDiskGraph{Nodes: lock.Graph.Nodes, Targets: lock.Graph.Targets}
		for _, entry := range lock.Graph.Artifacts {
			g.Artifacts = append(g.Artifacts, onDiskGraphArtifact{Node: entry.Node, Target: entry.Target, Artifact: onDiskArtifact{Artifact: entry.Artifact}})
		}
		doc.Graph = g
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "rendering lockfile")
	}
	return string(out), nil
}

// lockIDView is the canonical shape hashed into lock_id: everything that
// determines resolution identity, excluding px_version (tool version
// bumps must not churn the lock_id) and any timestamp.
type lockIDView struct {
	ProjectName         string              `json:"project_name"`
	PythonRequirement   string              `json:"python_requirement"`
	ManifestFingerprint string              `json:"manifest_fingerprint"`
	Mode                string              `json:"mode"`
	Dependencies        []LockedDependency  `json:"dependencies"`
	Graph               *Graph              `json:"graph,omitempty"`
}

// ComputeLockID hashes the canonical lock contents, excluding lock_id
// itself and any timestamp, into the stable lock_id (spec.md §3).
func ComputeLockID(lock *LockSnapshot) (string, error) {
	view := lockIDView{
		ProjectName:         lock.ProjectName,
		PythonRequirement:   lock.PythonRequirement,
		ManifestFingerprint: lock.ManifestFingerprint,
		Mode:                lock.Mode,
		Dependencies:        lock.Dependencies,
		Graph:               lock.Graph,
	}
	canon, err := hashx.CanonicalJSON(view)
	if err != nil {
		return "", errors.Wrap(err, "computing lock_id")
	}
	return hashx.SHA256Hex(canon), nil
}
