// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"runtime"

	"github.com/pxtool/px/internal/fsx"
)

// hostPlatformTag names the running host the way stored-env/runtime
// records do, e.g. "linux-x86_64", "darwin-aarch64".
func hostPlatformTag() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	return runtime.GOOS + "-" + arch
}

func writeFileAtomicish(path, contents string) error {
	return fsx.AtomicWriteFile(path, []byte(contents), 0o644)
}
