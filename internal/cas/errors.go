// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import "github.com/pxtool/px/internal/pxerr"

// Error codes. Stable across releases; referenced from status/traceback
// payloads and from tests, so never renumber an existing code.
const (
	CodeObjectNotFound   = "PX101"
	CodeObjectCorrupt    = "PX102"
	CodeDigestMismatch   = "PX103"
	CodeIndexCorrupt     = "PX104"
	CodeStoreUnavailable = "PX105"
)

// ErrObjectNotFound reports a missing OID.
func ErrObjectNotFound(oid string) *pxerr.Error {
	return pxerr.New(CodeObjectNotFound, "object not found: "+oid, map[string]any{"oid": oid})
}

// ErrObjectCorrupt reports an object whose envelope could not be decoded.
func ErrObjectCorrupt(oid string, cause error) *pxerr.Error {
	return pxerr.NewFailure("object is corrupt: "+oid, map[string]any{"oid": oid, "error": cause.Error()})
}

// ErrDigestMismatch reports an object file whose recomputed digest no longer
// matches its path, i.e. on-disk bitrot or tampering.
func ErrDigestMismatch(oid, got string) *pxerr.Error {
	return pxerr.NewFailure("object digest mismatch", map[string]any{"expected": oid, "actual": got})
}
