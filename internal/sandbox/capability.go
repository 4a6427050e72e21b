// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// dependencyHints maps a locked dependency name to the capability it
// implies, per spec.md §4.11 ("gdal, psycopg2, opencv-python").
var dependencyHints = map[string]string{
	"gdal":                   "geospatial",
	"psycopg2":               "postgres",
	"psycopg2-binary":        "postgres",
	"opencv-python":          "opencv",
	"opencv-python-headless": "opencv",
}

// sentinelHints maps a site-packages filename glob to the capability it
// implies when found on disk.
var sentinelHints = map[string]string{
	"libpq.so.*":   "postgres",
	"libgdal.so.*": "geospatial",
}

// InferCapabilities unions explicit [tool.px.sandbox] booleans,
// per-dependency lock hints, and site-packages sentinel files. An explicit
// `false` always removes an inferred capability, even one implied by a
// dependency or sentinel.
func InferCapabilities(explicit map[string]bool, dependencyNames []string, sitePackages string) []string {
	inferred := map[string]bool{}
	for _, name := range dependencyNames {
		if capa, ok := dependencyHints[strings.ToLower(name)]; ok {
			inferred[capa] = true
		}
	}
	for pattern, capa := range sentinelHints {
		if sitePackagesHasSentinel(sitePackages, pattern) {
			inferred[capa] = true
		}
	}
	for capa, want := range explicit {
		if want {
			inferred[capa] = true
		} else {
			delete(inferred, capa)
		}
	}
	out := make([]string, 0, len(inferred))
	for capa := range inferred {
		out = append(out, capa)
	}
	sort.Strings(out)
	return out
}

// sitePackagesHasSentinel reports whether any file under root matches
// pattern (a filepath.Match glob against the base name), searched one
// level deep under each top-level package directory.
func sitePackagesHasSentinel(root, pattern string) bool {
	if root == "" {
		return false
	}
	top, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, e := range top {
		dir := filepath.Join(root, e.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range entries {
			if ok, _ := filepath.Match(pattern, f.Name()); ok {
				return true
			}
		}
	}
	return false
}

// ExplicitCapabilities converts a parsed [tool.px.sandbox] table
// (manifest.PxOptions.Sandbox, a map[string]any from TOML) into the
// map[string]bool InferCapabilities expects, ignoring non-boolean entries.
func ExplicitCapabilities(table map[string]any) map[string]bool {
	out := map[string]bool{}
	for k, v := range table {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out
}
