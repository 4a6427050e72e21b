// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/registry/pypi"
)

const (
	CodeUnsupportedRegistry = "PX120"
	CodeNoArtifactsToPublish = "PX121"
	CodeMissingToken         = "PX122"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload dist/ artifacts built by `px build` to a package registry",
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		registryName, _ := cmd.Flags().GetString("registry")
		tokenEnv, _ := cmd.Flags().GetString("token-env")
		upload, _ := cmd.Flags().GetBool("upload")
		app.Finish(runPublish(cmd.Context(), currentDir(), dryRun, registryName, tokenEnv, upload))
	},
}

func init() {
	publishCmd.Flags().Bool("dry-run", false, "list what would be uploaded without contacting the registry")
	publishCmd.Flags().String("registry", "pypi", "target registry name")
	publishCmd.Flags().String("token-env", "PX_PYPI_TOKEN", "environment variable holding the registry API token")
	publishCmd.Flags().Bool("upload", false, "actually perform the upload (off by default, alongside --dry-run)")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(ctx context.Context, root string, dryRun bool, registryName, tokenEnv string, upload bool) (error, string, map[string]any) {
	if registryName != "pypi" {
		return pxerr.New(CodeUnsupportedRegistry, "unsupported registry", map[string]any{"registry": registryName}).
			WithHint("only --registry pypi is currently supported"), "", nil
	}

	snap, err := manifest.ReadProjectSnapshot(root)
	if err != nil {
		return err, "", nil
	}

	artifacts, err := distArtifactsFor(root, snap)
	if err != nil {
		return err, "", nil
	}
	if len(artifacts) == 0 {
		return pxerr.New(CodeNoArtifactsToPublish, "no dist artifacts found for this project", map[string]any{"name": snap.Name, "version": snap.Version}).
			WithHint("px build wheel --out dist"), "", nil
	}

	names := make([]string, len(artifacts))
	for i, a := range artifacts {
		names[i] = filepath.Base(a)
	}

	if dryRun || !upload {
		return nil, fmt.Sprintf("would publish %d artifact(s) to %s", len(artifacts), registryName), map[string]any{
			"registry":  registryName,
			"artifacts": names,
			"uploaded":  false,
		}
	}

	token := os.Getenv(tokenEnv)
	if token == "" {
		return pxerr.New(CodeMissingToken, "token environment variable is unset or empty", map[string]any{"token_env": tokenEnv}).
			WithHint(fmt.Sprintf("export %s=<your PyPI API token>", tokenEnv)), "", nil
	}

	for _, path := range artifacts {
		filetype, pyversion := pypi.DistFiletype(path)
		req := pypi.UploadRequest{
			Path:        path,
			Name:        snap.Name,
			Version:     snap.Version,
			FiletypeTag: filetype,
			PythonTag:   pyversion,
			Token:       token,
		}
		if err := app.PyPIUpload.Upload(ctx, req); err != nil {
			return pxerr.NewFailure("upload failed", map[string]any{"artifact": filepath.Base(path), "error": err.Error()}), "", nil
		}
	}

	return nil, fmt.Sprintf("published %d artifact(s) to %s", len(artifacts), registryName), map[string]any{
		"registry":  registryName,
		"artifacts": names,
		"uploaded":  true,
	}
}

// distArtifactsFor lists the sdist/wheel files in root/dist matching the
// project's normalized name and version, the same filenames `build.go`
// produces.
func distArtifactsFor(root string, snap *manifest.ProjectSnapshot) ([]string, error) {
	distDir := filepath.Join(root, "dist")
	entries, err := os.ReadDir(distDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pxerr.NewFailure("could not read dist directory", map[string]any{"path": distDir, "error": err.Error()})
	}
	prefix := fmt.Sprintf("%s-%s", normalizeDistName(snap.Name), snap.Version)
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && (strings.HasSuffix(e.Name(), ".whl") || strings.HasSuffix(e.Name(), ".tar.gz")) {
			matches = append(matches, filepath.Join(distDir, e.Name()))
		}
	}
	return matches, nil
}
