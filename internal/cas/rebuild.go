// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// RebuildWitnesses names the on-disk owner witnesses RebuildFromDisk scans
// to reconstruct refs, grounded on the original store's
// populate_refs_from_runtimes/_envs/_state_files/_tools passes.
//
// EnvsRoot and ToolsRoot are each a single well-known directory this port
// already writes manifests into, so RebuildFromDisk can enumerate them
// itself. State files are different: the original store discovers every
// project/workspace root on the machine through a registry this port has
// no equivalent of, so StateFiles instead takes the witnesses a caller
// already knows about (e.g. the project root `px` is currently running
// against). There is no separate "runtime manifest" pass: this port never
// materializes a runtime install directory independent of the profile
// that references it (internal/profile.RuntimeInfo.InstallRoot is always
// empty), so a runtime OID's only owner witness is the profile that
// pins it, which the env-manifest and state-file passes already cover.
type RebuildWitnesses struct {
	EnvsRoot  string
	ToolsRoot string
	// StateFiles is the caller-supplied set of .px/state.json and
	// workspace-state.json files to rescan, each paired with the owner
	// identity it was written under (spec.md §4.3's project_env/
	// workspace_env refs).
	StateFiles []StateFileWitness
}

// StateFileWitness is one project or workspace's recorded environment
// state, naming the owner a recovered ref should be asserted against.
type StateFileWitness struct {
	Path      string
	OwnerType OwnerType // OwnerProjectEnv or OwnerWorkspaceEnv
	OwnerID   string
}

// envManifest is the witness internal/envmat.Materializer writes into
// every materialized env directory (spec.md §4.2), mirroring the
// original's env-manifest shape: {profile_oid, runtime_oid, packages}.
type envManifest struct {
	ProfileOID string   `json:"profile_oid"`
	RuntimeOID string   `json:"runtime_oid"`
	Packages   []string `json:"pkg_build_oids,omitempty"`
}

// toolWitness mirrors cmd/px's toolRecord on-disk shape; only the field
// this package needs to rebuild refs.
type toolWitness struct {
	Name       string `json:"name"`
	ProfileOID string `json:"profile_oid"`
}

// stateFileBody mirrors internal/state.StoredEnv's on-disk shape; only
// the field this package needs to rebuild refs.
type stateFileBody struct {
	ProfileOID string `json:"profile_oid"`
}

// populateRefsFromEnvManifests re-refs every materialized env's profile
// (and, transitively, the runtime and pkg-builds it pins) under
// OwnerProfile keyed by the profile's own OID — the env directory's mere
// existence on disk is the witness, independent of which project created
// it.
func (s *Store) populateRefsFromEnvManifests(ctx context.Context, envsRoot string, known map[string]bool) error {
	if envsRoot == "" {
		return nil
	}
	entries, err := os.ReadDir(envsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "reading envs directory during rebuild")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(envsRoot, entry.Name(), "manifest.json")
		raw, err := os.ReadFile(manifestPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "reading env manifest %s", manifestPath)
		}
		var manifest envManifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			continue // corrupt manifest; leave its refs unasserted, same as a skipped object
		}
		owner := Owner{Type: OwnerProfile, ID: manifest.ProfileOID}
		if err := s.reassertProfileChain(ctx, manifest.ProfileOID, owner, known); err != nil {
			return err
		}
	}
	return nil
}

// populateRefsFromToolRecords re-refs every installed tool's profile chain
// under OwnerToolEnv keyed by the tool's name, matching the owner identity
// cmd/px's installTool assembles against.
func (s *Store) populateRefsFromToolRecords(ctx context.Context, toolsRoot string, known map[string]bool) error {
	if toolsRoot == "" {
		return nil
	}
	entries, err := os.ReadDir(toolsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "reading tools directory during rebuild")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		recordPath := filepath.Join(toolsRoot, entry.Name(), "tool.json")
		raw, err := os.ReadFile(recordPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "reading tool record %s", recordPath)
		}
		var rec toolWitness
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		owner := Owner{Type: OwnerToolEnv, ID: rec.Name}
		if err := s.reassertProfileChain(ctx, rec.ProfileOID, owner, known); err != nil {
			return err
		}
	}
	return nil
}

// populateRefsFromStateFiles re-refs each caller-supplied project's or
// workspace's recorded environment.
func (s *Store) populateRefsFromStateFiles(ctx context.Context, files []StateFileWitness, known map[string]bool) error {
	for _, w := range files {
		raw, err := os.ReadFile(w.Path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "reading state file %s", w.Path)
		}
		var body stateFileBody
		if err := json.Unmarshal(raw, &body); err != nil {
			continue
		}
		owner := Owner{Type: w.OwnerType, ID: w.OwnerID}
		if err := s.reassertProfileChain(ctx, body.ProfileOID, owner, known); err != nil {
			return err
		}
	}
	return nil
}

// reassertProfileChain is insert_ref_if_known generalized to a whole
// dependency chain: refs are flat (internal/cas/index.go has no
// transitive reachability), so a witness that wants to protect a profile
// and everything it pulls in must AddRef every OID in that chain directly,
// exactly as internal/profile.Assembler.Assemble/ObtainRuntime do when
// they first build it. Missing or corrupt profiles are tolerated: the
// profile ref itself (if known) is still asserted, and anything
// unreadable is left for GarbageCollect/fsck to report separately.
func (s *Store) reassertProfileChain(ctx context.Context, profileOID string, owner Owner, known map[string]bool) error {
	if profileOID == "" || !known[profileOID] {
		return nil
	}
	if err := s.AddRef(ctx, profileOID, owner); err != nil {
		return err
	}
	loaded, err := s.Load(ctx, profileOID)
	if err != nil || loaded.ProfileHeader == nil {
		return nil
	}
	if known[loaded.ProfileHeader.RuntimeOID] {
		if err := s.AddRef(ctx, loaded.ProfileHeader.RuntimeOID, owner); err != nil {
			return err
		}
	}
	for _, pkg := range loaded.ProfileHeader.Packages {
		if pkg.PkgBuildOID == "" || !known[pkg.PkgBuildOID] {
			continue
		}
		if err := s.AddRef(ctx, pkg.PkgBuildOID, owner); err != nil {
			return err
		}
	}
	return nil
}
