// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"runtime"
	"strings"
)

// DeriveTags builds the Tags a host running channel (e.g. "3.12") would
// accept, mirroring the target triples runtimereg.detectHostTarget installs
// against. It is deliberately permissive: px has no dependency on an actual
// wheel-compatibility library, so a handful of the most common platform
// tags per OS/arch stand in for it.
func DeriveTags(channel string) Tags {
	cp := "cp" + strings.ReplaceAll(channel, ".", "")
	return Tags{
		Python:   []string{cp, "py3", "py" + strings.ReplaceAll(channel, ".", "")},
		ABI:      []string{cp, "abi3"},
		Platform: platformTags(runtime.GOOS, runtime.GOARCH),
	}
}

func platformTags(goos, goarch string) []string {
	switch goos + "/" + goarch {
	case "linux/amd64":
		return []string{"linux_x86_64", "manylinux1_x86_64", "manylinux2010_x86_64", "manylinux2014_x86_64", "manylinux_2_17_x86_64", "manylinux_2_28_x86_64"}
	case "linux/arm64":
		return []string{"linux_aarch64", "manylinux2014_aarch64", "manylinux_2_17_aarch64", "manylinux_2_28_aarch64"}
	case "darwin/amd64":
		return []string{"macosx_10_9_x86_64", "macosx_11_0_x86_64", "macosx_12_0_x86_64"}
	case "darwin/arm64":
		return []string{"macosx_11_0_arm64", "macosx_12_0_arm64", "macosx_13_0_arm64"}
	case "windows/amd64":
		return []string{"win_amd64"}
	default:
		return nil
	}
}
