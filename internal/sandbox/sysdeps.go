// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "sort"

// SystemDep is one pinned apt package the system-deps layer installs.
type SystemDep struct {
	Package string
	Version string
}

// capabilityAptPackages maps a capability to the pinned apt packages that
// satisfy it. Versions are the ones available on debian:bookworm-slim at
// the time this table was written; a future capability that needs a newer
// build would add a second mirror-specific table rather than floating this
// one.
var capabilityAptPackages = map[string][]SystemDep{
	"geospatial": {{Package: "libgdal32", Version: "3.6.2+dfsg-1+b2"}},
	"postgres":   {{Package: "libpq5", Version: "15.10-0+deb12u1"}},
	"opencv":     {{Package: "libgl1", Version: "1.6.0-1"}, {Package: "libglib2.0-0", Version: "2.74.6-2+deb12u5"}},
}

// DeriveSystemDeps expands capabilities into the deduplicated, pinned apt
// package set the system-deps layer installs (spec.md §4.11).
func DeriveSystemDeps(capabilities []string) []SystemDep {
	seen := map[string]SystemDep{}
	for _, capa := range capabilities {
		for _, dep := range capabilityAptPackages[capa] {
			seen[dep.Package] = dep
		}
	}
	out := make([]SystemDep, 0, len(seen))
	for _, dep := range seen {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}
