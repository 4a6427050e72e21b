// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas implements the content-addressable object store described in
// spec.md §3 ("CAS Object") and §4.2-§4.3. It is grounded on the original
// px-core `store::cas` module (store_impl/objects.rs, index/rebuild.rs) and
// on the teacher's canonical-tar and typed-store conventions
// (pkg/archive/tar.go, pkg/rebuild/rebuild/storage.go).
package cas

import "encoding/json"

// ObjectKind is the typed discriminant for a CAS object.
type ObjectKind string

const (
	KindSource       ObjectKind = "source"
	KindPkgBuild     ObjectKind = "pkg_build"
	KindRuntime      ObjectKind = "runtime"
	KindProfile      ObjectKind = "profile"
	KindRepoSnapshot ObjectKind = "repo_snapshot"
	KindMeta         ObjectKind = "meta"
)

// SourceHeader describes a distribution artifact (wheel or sdist).
type SourceHeader struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Filename  string `json:"filename"`
	IndexURL  string `json:"index_url"`
	SHA256    string `json:"sha256"`
}

// PkgBuildHeader describes an unpacked package ready to link.
type PkgBuildHeader struct {
	SourceOID        string `json:"source_oid"`
	RuntimeABI       string `json:"runtime_abi"`
	BuilderID        string `json:"builder_id"`
	BuildOptionsHash string `json:"build_options_hash"`
}

// RuntimeHeader describes a Python install archive.
type RuntimeHeader struct {
	Version        string `json:"version"`
	Platform       string `json:"platform"`
	Implementation string `json:"implementation"`
	ABI            string `json:"abi"`
}

// ProfilePackage is one resolved package entry in a Profile header.
type ProfilePackage struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	PkgBuildOID string `json:"pkg_build_oid"`
}

// ProfileHeader is the deterministic description of a runnable environment.
type ProfileHeader struct {
	RuntimeOID    string            `json:"runtime_oid"`
	Packages      []ProfilePackage  `json:"packages"`
	SysPathOrder  []string          `json:"sys_path_order"`
	EnvVars       map[string]string `json:"env_vars"`
}

// RepoSnapshotHeader describes a commit-pinned git tree stored as a CAS
// object.
type RepoSnapshotHeader struct {
	Locator string `json:"locator"`
	Commit  string `json:"commit"`
	Subdir  string `json:"subdir,omitempty"`
}

// CanonicalObject is the on-disk/on-wire encoding of every CAS object:
// {header, kind, payload, payload_kind}, with the header's keys sorted
// (spec.md §4.2 "Canonical encoding"). Header is kept as json.RawMessage so
// that ComputeOID/Store can canonicalize the *whole* envelope consistently
// via hashx.CanonicalJSON regardless of which concrete header type it holds.
type CanonicalObject struct {
	Header      json.RawMessage `json:"header"`
	Kind        ObjectKind      `json:"kind"`
	Payload     string          `json:"payload"` // base64-standard-no-pad
	PayloadKind string          `json:"payload_kind"`
}

// PayloadKind values.
const (
	PayloadKindTarGz PayloadKind = "tar.gz"
	PayloadKindRaw   PayloadKind = "raw"
	PayloadKindNone  PayloadKind = "none"
)

// PayloadKind names the encoding of CanonicalObject.Payload's decoded bytes.
type PayloadKind string

// StoredObject is what Store() returns: the on-disk identity of a
// just-stored (or already-present) object.
type StoredObject struct {
	OID  string
	Path string
	Size int64
	Kind ObjectKind
}

// ObjectInfo is index metadata about an object, independent of its payload.
type ObjectInfo struct {
	OID          string
	Kind         ObjectKind
	Size         int64
	CreatedAt    int64
	LastAccessed int64
}

// LoadedObject is the tagged variant every dispatch site must exhaustively
// match (spec.md §9 "Polymorphism").
type LoadedObject struct {
	OID  string
	Kind ObjectKind

	SourceHeader       *SourceHeader
	PkgBuildHeader     *PkgBuildHeader
	RuntimeHeader      *RuntimeHeader
	ProfileHeader      *ProfileHeader
	RepoSnapshotHeader *RepoSnapshotHeader
	MetaBytes          []byte

	// Body is the decoded archive/raw bytes, empty for Profile and
	// (optionally, in host-passthrough mode) Runtime objects.
	Body []byte
}

// OwnerType is the kind of entity that can pin a CAS object via a ref.
type OwnerType string

const (
	OwnerRuntime      OwnerType = "runtime"
	OwnerProfile      OwnerType = "profile"
	OwnerProjectEnv   OwnerType = "project_env"
	OwnerWorkspaceEnv OwnerType = "workspace_env"
	OwnerToolEnv      OwnerType = "tool_env"
)

// Owner identifies the entity that is pinning a CAS object.
type Owner struct {
	Type OwnerType
	ID   string
}
