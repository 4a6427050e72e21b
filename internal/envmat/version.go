// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package envmat

import (
	"fmt"
	"strings"

	"github.com/pxtool/px/internal/fsx"
)

// VersionHook names the build-backend version-file convention a project's
// manifest may declare (spec.md §4.7 third bullet).
type VersionHook string

const (
	VersionHookNone          VersionHook = ""
	VersionHookHatchVCS      VersionHook = "hatch-vcs"
	VersionHookSetuptoolsSCM VersionHook = "setuptools-scm"
	VersionHookPDM           VersionHook = "pdm-backend"
)

// EditableVersionSpec describes what to stamp into a project's generated
// _version.py stub.
type EditableVersionSpec struct {
	Hook            VersionHook
	ManifestVersion string
	GitDescribe     string
	NoLocalVersion  bool
}

// ResolveEditableVersion picks the version string to stamp, preferring
// git describe under a VCS-backed hook and falling back to the manifest's
// literal version otherwise.
func ResolveEditableVersion(spec EditableVersionSpec) string {
	switch spec.Hook {
	case VersionHookHatchVCS, VersionHookSetuptoolsSCM, VersionHookPDM:
		if spec.GitDescribe != "" {
			return normalizeVersion(spec.GitDescribe, spec.NoLocalVersion)
		}
	}
	return spec.ManifestVersion
}

// normalizeVersion strips a `git describe` local-version segment
// (everything after "+") when NoLocalVersion is set, matching setuptools_scm's
// "no-local-version" scheme.
func normalizeVersion(raw string, noLocalVersion bool) string {
	v := strings.TrimPrefix(raw, "v")
	if noLocalVersion {
		if i := strings.IndexByte(v, '+'); i >= 0 {
			v = v[:i]
		}
	}
	return v
}

// WriteVersionStub writes a stable `_version.py` module at path, the way
// hatch-vcs/setuptools_scm generate their version-file hook output.
func WriteVersionStub(path, version string) error {
	content := fmt.Sprintf("# generated by px, do not edit\n__version__ = %q\n", version)
	return fsx.AtomicWriteFile(path, []byte(content), 0o644)
}
