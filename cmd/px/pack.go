// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/envmat"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/sandbox"
)

const sbxVersion = "1"

// CodePackMissingOut continues the sandbox block (PX786-788).
const CodePackMissingOut = "PX789"

var packCmd = &cobra.Command{
	Use:   "pack image|app",
	Short: "Build a sandbox artifact from the project's materialized environment",
}

var packImageCmd = &cobra.Command{
	Use:   "image",
	Short: "Build an OCI-layout image",
	Run: func(cmd *cobra.Command, args []string) {
		tag, _ := cmd.Flags().GetString("tag")
		out, _ := cmd.Flags().GetString("out")
		push, _ := cmd.Flags().GetBool("push")
		app.Finish(runPackImage(cmd.Context(), currentDir(), tag, out, push))
	},
}

var packAppCmd = &cobra.Command{
	Use:   "app",
	Short: "Build a pxapp bundle",
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := cmd.Flags().GetString("out")
		app.Finish(runPackApp(cmd.Context(), currentDir(), out))
	},
}

func init() {
	packImageCmd.Flags().String("tag", "", "image reference, e.g. registry.example.com/org/app:latest")
	packImageCmd.Flags().String("out", "", "directory to write the OCI layout into (required unless --push)")
	packImageCmd.Flags().Bool("push", false, "push the built image to --tag's registry instead of writing a layout")
	packAppCmd.Flags().String("out", "", "path to write the pxapp bundle to (required)")
	_ = packAppCmd.MarkFlagRequired("out")
	packCmd.AddCommand(packImageCmd, packAppCmd)
	rootCmd.AddCommand(packCmd)
}

// sandboxRequestFor resolves root's current project into the materialized
// env plus sandbox.Request both pack subcommands build on, auto-syncing
// when the project isn't already Consistent/InitializedEmpty the same way
// exec.go's prepInvocation does (spec.md §4.11 takes a Profile/env as
// given, produced by the same resolve/assemble/materialize pipeline).
func sandboxRequestFor(ctx context.Context, root string) (sandbox.Request, *envmat.MaterializedEnv, error) {
	pc, selection, report, env, err := prepInvocation(ctx, root)
	if err != nil {
		return sandbox.Request{}, nil, err
	}
	if env == nil {
		res, err := doSync(ctx, root)
		if err != nil {
			return sandbox.Request{}, nil, err
		}
		env = res.Env
		pc, err = loadProjectContext(root)
		if err != nil {
			return sandbox.Request{}, nil, err
		}
	}
	_ = report
	_ = selection

	depNames := make([]string, 0, len(pc.Lock.Dependencies))
	for _, dep := range pc.Lock.Dependencies {
		depNames = append(depNames, dep.Name)
	}

	req := sandbox.Request{
		EnvRoot:           env.Root,
		DistRoots:         env.DistRoots,
		StoreRoot:         app.Store.Root(),
		ProjectRoot:       root,
		Capabilities:      explicitCapabilities(pc.Snapshot),
		DependencyNames:   depNames,
		BaseOSOID:         "debian:bookworm-slim",
		ProfileOID:        pc.StoredEnv.ProfileOID,
		SbxVersion:        sbxVersion,
		AptMirror:         app.Config.AptMirror,
		AptSecurityMirror: app.Config.AptSecurityMirror,
		Entrypoint:        []string{"/px/env/bin/python"},
		WorkingDir:        "/px/app",
	}
	return req, env, nil
}

func explicitCapabilities(snap *manifest.ProjectSnapshot) map[string]bool {
	return sandbox.ExplicitCapabilities(snap.PxOptions.Sandbox)
}

func buildLayers(req sandbox.Request, plan sandbox.Plan) ([]sandbox.Layer, error) {
	envLayer, err := sandbox.BuildEnvLayer(req.EnvRoot, req.StoreRoot, req.RuntimeRoot, req.DistRoots)
	if err != nil {
		return nil, err
	}
	depsLayer, err := sandbox.BuildSystemDepsLayer(plan.SystemDeps, req.AptMirror, req.AptSecurityMirror)
	if err != nil {
		return nil, err
	}
	appLayer, err := sandbox.BuildAppLayer(req.ProjectRoot)
	if err != nil {
		return nil, err
	}
	return []sandbox.Layer{envLayer, depsLayer, appLayer}, nil
}

func runPackImage(ctx context.Context, root, tag, out string, push bool) (error, string, map[string]any) {
	if !push && out == "" {
		return pxerr.New(CodePackMissingOut, "--out is required unless --push is set", nil), "", nil
	}
	req, env, err := sandboxRequestFor(ctx, root)
	if err != nil {
		return err, "", nil
	}
	req.ImageRefName = tag
	plan, err := sandbox.BuildPlan(req, env.SitePackages)
	if err != nil {
		return err, "", nil
	}
	layers, err := buildLayers(req, plan)
	if err != nil {
		return err, "", nil
	}
	img, err := sandbox.BuildImage(req, layers)
	if err != nil {
		return err, "", nil
	}

	if push {
		if err := sandbox.Push(ctx, img, sandbox.PushOptions{Reference: tag, Username: app.Config.RegistryUsername, Password: app.Config.RegistryPassword}); err != nil {
			return err, "", nil
		}
		return nil, fmt.Sprintf("pushed %s", tag), map[string]any{"sbx_id": plan.SbxID, "reference": tag}
	}
	if err := sandbox.WriteOCILayout(out, img, tag); err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("wrote OCI layout to %s", out), map[string]any{"sbx_id": plan.SbxID, "path": out}
}

func runPackApp(ctx context.Context, root, out string) (error, string, map[string]any) {
	req, env, err := sandboxRequestFor(ctx, root)
	if err != nil {
		return err, "", nil
	}
	plan, err := sandbox.BuildPlan(req, env.SitePackages)
	if err != nil {
		return err, "", nil
	}
	layers, err := buildLayers(req, plan)
	if err != nil {
		return err, "", nil
	}

	f, err := os.Create(out)
	if err != nil {
		return err, "", nil
	}
	defer f.Close()
	cfg := sandbox.BundleConfig{Entrypoint: req.Entrypoint, WorkingDir: req.WorkingDir, Env: req.Env, Cmd: req.Cmd}
	if err := sandbox.WriteBundle(f, plan, cfg, layers); err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("wrote pxapp bundle to %s", out), map[string]any{"sbx_id": plan.SbxID, "path": out}
}
