// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package hashx implements the canonical encoding and content-addressing
// scheme used throughout the CAS (spec.md §3 "CAS Object", §4.2 "Canonical
// encoding").
package hashx

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON re-marshals v with map keys sorted lexically at every level,
// matching the invariant "headers must serialize with sorted keys; all maps
// in a header must be traversed in lexical order". Go's encoding/json
// already sorts map[string]X keys; CanonicalJSON additionally normalizes any
// nested json.RawMessage/any value by round-tripping it through a generic
// decode so that maps nested inside []byte blobs are sorted too.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize round-trips v through json.Marshal/Unmarshal-into-any so that
// struct field order becomes map order (alphabetized by encoding/json's
// built-in sort) and nested maps are canonical by construction.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return sortedAny(generic), nil
}

// sortedAny is a no-op for the types produced by json.Unmarshal into `any`
// (map[string]any, []any, string, float64, bool, nil) since Go's json
// encoder already emits map[string]any keys in sorted order; it exists as
// the single choke point documented in DESIGN.md for that invariant.
func sortedAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortedAny(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedAny(e)
		}
		return out
	default:
		return v
	}
}

// SHA256Hex returns the hex-encoded SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ComputeOID canonical-encodes v and returns the hex SHA-256 of the result,
// implementing the CAS's compute_oid(payload) contract.
func ComputeOID(v any) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}
