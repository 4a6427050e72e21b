// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/pxerr"
)

const (
	CodeProjectExists = "PX100"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a new project manifest, lock, and .px/ directory",
	Run: func(cmd *cobra.Command, args []string) {
		pkg, _ := cmd.Flags().GetString("package")
		pyVersion, _ := cmd.Flags().GetString("py")
		app.Finish(runInit(currentDir(), pkg, pyVersion))
	},
}

func init() {
	initCmd.Flags().String("package", "", "project name (required)")
	initCmd.Flags().String("py", "", "requires-python constraint, e.g. >=3.12 (required)")
	_ = initCmd.MarkFlagRequired("package")
	_ = initCmd.MarkFlagRequired("py")
	rootCmd.AddCommand(initCmd)
}

const manifestTemplate = `[project]
name = %q
version = "0.1.0"
requires-python = %q
dependencies = []

[tool.px]
`

func runInit(root, pkg, pyVersion string) (error, string, map[string]any) {
	manifestPath := filepath.Join(root, "pyproject.toml")
	if _, err := os.Stat(manifestPath); err == nil {
		return pxerr.New(CodeProjectExists, "pyproject.toml already exists", map[string]any{"path": manifestPath}).
			WithHint("remove pyproject.toml first, or run `px status` to inspect the existing project"), "", nil
	}

	body := fmt.Sprintf(manifestTemplate, pkg, pyVersion)
	if err := os.WriteFile(manifestPath, []byte(body), 0o644); err != nil {
		return pxerr.NewFailure("could not write pyproject.toml", map[string]any{"path": manifestPath, "error": err.Error()}), "", nil
	}

	snap, err := manifest.ReadProjectSnapshot(root)
	if err != nil {
		return err, "", nil
	}

	lock := &lockfile.LockSnapshot{
		Version:             lockfile.LockVersion1,
		ProjectName:         snap.Name,
		PythonRequirement:   snap.RequiresPython,
		ManifestFingerprint: snap.ManifestFingerprint,
		Mode:                lockfile.ModePinned,
	}
	lockID, err := lockfile.ComputeLockID(lock)
	if err != nil {
		return err, "", nil
	}
	lock.LockID = lockID
	rendered, err := lockfile.Render(lock, pxVersion)
	if err != nil {
		return err, "", nil
	}
	if err := os.WriteFile(snap.LockPath, []byte(rendered), 0o644); err != nil {
		return pxerr.NewFailure("could not write px.lock", map[string]any{"path": snap.LockPath, "error": err.Error()}), "", nil
	}

	pxDir := filepath.Join(root, ".px")
	if err := os.MkdirAll(pxDir, 0o755); err != nil {
		return pxerr.NewFailure("could not create .px directory", map[string]any{"path": pxDir, "error": err.Error()}), "", nil
	}

	return nil, fmt.Sprintf("initialized %s", pkg), map[string]any{"package": pkg, "requires_python": pyVersion, "manifest": manifestPath, "lock": snap.LockPath}
}
