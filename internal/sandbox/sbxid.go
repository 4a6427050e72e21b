// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"sort"

	"github.com/pxtool/px/internal/hashx"
)

// sbxIDInput is the canonical-JSON shape hashed into sbx_id. Capabilities
// and SystemDeps are pre-sorted by the caller so hashx.CanonicalJSON's map-
// key sort alone isn't relied on to order them (they're slices, not maps).
type sbxIDInput struct {
	BaseOSOID    string      `json:"base_os_oid"`
	Capabilities []string    `json:"capabilities"`
	SystemDeps   []SystemDep `json:"system_deps"`
	ProfileOID   string      `json:"profile_oid"`
	SbxVersion   string      `json:"sbx_version"`
}

// ComputeSbxID hashes (base_os_oid, sorted capabilities, sorted system deps,
// profile_oid, sbx_version), stable regardless of the caller's insertion
// order (spec.md §4.11).
func ComputeSbxID(baseOSOID string, capabilities []string, systemDeps []SystemDep, profileOID, sbxVersion string) (string, error) {
	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)
	deps := append([]SystemDep(nil), systemDeps...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Package < deps[j].Package })

	canon, err := hashx.CanonicalJSON(sbxIDInput{
		BaseOSOID:    baseOSOID,
		Capabilities: caps,
		SystemDeps:   deps,
		ProfileOID:   profileOID,
		SbxVersion:   sbxVersion,
	})
	if err != nil {
		return "", err
	}
	return hashx.SHA256Hex(canon), nil
}

// BuildPlan resolves a Request into the capability/system-dep/sbx_id
// triple shared by both the OCI image and pxapp bundle products.
func BuildPlan(req Request, sitePackages string) (Plan, error) {
	caps := InferCapabilities(req.Capabilities, req.DependencyNames, sitePackages)
	deps := DeriveSystemDeps(caps)
	id, err := ComputeSbxID(req.BaseOSOID, caps, deps, req.ProfileOID, req.SbxVersion)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Capabilities: caps, SystemDeps: deps, SbxID: id, SbxVersion: req.SbxVersion}, nil
}
