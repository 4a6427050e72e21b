// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox builds sandbox images and pxapp bundles from a
// materialized environment and a project tree (spec.md §4.11 "Sandbox / OCI
// Packaging"). It is grounded on the teacher's `pkg/archive` canonical tar
// writers and on the OCI-assembly idiom shown by the pack's
// go-containerregistry consumers.
package sandbox

// Error codes, continuing the runner block (PX780-785).
const (
	CodeMixedStoreRoots  = "PX786"
	CodeRegistryAuthFail = "PX787"
	CodeMalformedBundle  = "PX788"
)

// Request describes one sandbox build invocation.
type Request struct {
	// EnvRoot is the materialized environment's Root directory.
	EnvRoot string
	// DistRoots are the env's materialized pkg-build directories
	// (envmat.MaterializedEnv.DistRoots); all must share a common store
	// root so the env layer can rewrite them under a single /px/store.
	DistRoots []string
	// StoreRoot is the CAS store root owning DistRoots.
	StoreRoot string
	// RuntimeRoot is the materialized runtime directory, if any (empty
	// for a host-passthrough runtime).
	RuntimeRoot string
	// ProjectRoot is the project tree to package as the app layer.
	ProjectRoot string
	// Capabilities is the explicit [tool.px.sandbox] boolean map.
	Capabilities map[string]bool
	// DependencyNames is the set of locked dependency names, used for
	// per-dependency capability hints.
	DependencyNames []string
	// BaseOSOID identifies the base OS image layer set (spec.md calls
	// this base_os_oid; px has no CAS object kind for it, so it is a
	// plain caller-supplied identifier naming a known base, e.g.
	// "debian:bookworm-slim").
	BaseOSOID string
	// ProfileOID is the Profile CAS object the env was materialized
	// from, folded into sbx_id.
	ProfileOID string
	// SbxVersion is the sandbox format version, folded into sbx_id.
	SbxVersion string
	// AptMirror/AptSecurityMirror override the default Debian mirrors in
	// the system-deps layer's sources.list.
	AptMirror         string
	AptSecurityMirror string
	// Entrypoint/Cmd/WorkingDir/Env populate the fabricated config.
	Entrypoint []string
	Cmd        []string
	WorkingDir string
	Env        []string
	// ImageRefName, if set, is written as the
	// org.opencontainers.image.ref.name annotation on the index entry.
	ImageRefName string
}

// Plan is the fully resolved set of inputs needed to assemble an image or
// bundle, derived once from a Request so both products share it.
type Plan struct {
	Capabilities []string
	SystemDeps   []SystemDep
	SbxID        string
	SbxVersion   string
}
