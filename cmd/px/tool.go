// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/envmat"
	"github.com/pxtool/px/internal/fsx"
	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/profile"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/resolver"
	"github.com/pxtool/px/internal/runner"
	"github.com/pxtool/px/internal/state"
)

const (
	CodeToolNotFound          = "PX130"
	CodeToolAlreadyInstalled  = "PX131"
	CodeToolEntryPointMissing = "PX132"
)

// toolRecord is the persisted record for a globally installed tool,
// `<ToolsPath>/<name>/tool.json`. It shares ProfileOID and Python with
// state.StoredEnv and adds what a standalone tool needs: the runtime
// channel, the
// specifier it was installed from (for upgrade) and the console-script
// name to invoke (for run).
type toolRecord struct {
	Name       string          `json:"name"`
	Spec       string          `json:"spec"`
	EntryPoint string          `json:"entry_point"`
	ProfileOID string          `json:"profile_oid"`
	Channel    string          `json:"channel"`
	Python     state.PythonRef `json:"python"`
}

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Manage globally installed command-line tools",
}

var toolInstallCmd = &cobra.Command{
	Use:   "install <specifier>",
	Short: "Install a package into its own isolated environment and expose its scripts",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		app.Finish(runToolInstall(cmd.Context(), args[0], force))
	},
}

var toolRunCmd = &cobra.Command{
	Use:                "run <name> [args...]",
	Short:              "Run an installed tool's console script",
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runToolRun(cmd.Context(), args[0], args[1:]))
	},
}

var toolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed tools",
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runToolList())
	},
}

var toolRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an installed tool",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runToolRemove(cmd.Context(), args[0]))
	},
}

var toolUpgradeCmd = &cobra.Command{
	Use:   "upgrade <name>",
	Short: "Re-resolve and reinstall a tool against its original specifier",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runToolUpgrade(cmd.Context(), args[0]))
	},
}

func init() {
	toolInstallCmd.Flags().Bool("force", false, "reinstall even if a tool with this name already exists")
	toolCmd.AddCommand(toolInstallCmd, toolRunCmd, toolListCmd, toolRemoveCmd, toolUpgradeCmd)
	rootCmd.AddCommand(toolCmd)
}

func toolDir(name string) string        { return filepath.Join(app.Config.ToolsPath, name) }
func toolRecordPath(name string) string { return filepath.Join(toolDir(name), "tool.json") }

func loadToolRecord(name string) (*toolRecord, error) {
	raw, err := os.ReadFile(toolRecordPath(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pxerr.NewFailure("could not read tool record", map[string]any{"name": name, "error": err.Error()})
	}
	var rec toolRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, pxerr.NewFailure("could not parse tool record", map[string]any{"name": name, "error": err.Error()})
	}
	return &rec, nil
}

func saveToolRecord(rec *toolRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return pxerr.NewFailure("could not encode tool record", map[string]any{"error": err.Error()})
	}
	if err := fsx.AtomicWriteFile(toolRecordPath(rec.Name), raw, 0o644); err != nil {
		return pxerr.NewFailure("could not write tool record", map[string]any{"name": rec.Name, "error": err.Error()})
	}
	return nil
}

// installTool resolves spec against PyPI, assembles and materializes an
// isolated environment owned by cas.OwnerToolEnv, and returns the record to
// persist. Mirrors doSync's resolve -> assemble -> materialize pipeline for
// a single specifier instead of a project's full dependency set.
func installTool(ctx context.Context, spec string, onResolved func(normalized string) error) (*toolRecord, error) {
	selection, err := app.Runtimes.ResolveRuntime(app.Config.RuntimePython, manifest.DefaultRequiresPython)
	if err != nil {
		return nil, err
	}
	tags := resolver.DeriveTags(selection.Record.Channel)

	resolved, err := resolver.Resolve(ctx, app.PyPI, tags, []string{spec})
	if err != nil {
		return nil, err
	}
	r := resolved[0]
	if onResolved != nil {
		if err := onResolved(r.Normalized); err != nil {
			return nil, err
		}
	}

	dep := lockfile.LockedDependency{
		Name:      r.Normalized,
		Specifier: r.Specifier,
		Direct:    true,
		Source:    "pypi",
	}
	release, err := app.PyPI.Release(ctx, r.Normalized, r.SelectedVersion)
	if err != nil {
		return nil, pxerr.New(resolver.CodeNoCompatibleRelease, "fetching release metadata failed", map[string]any{"name": r.Normalized, "version": r.SelectedVersion, "error": err.Error()})
	}
	if art, ok := resolver.PickArtifact(release.Artifacts, tags); ok {
		locked := lockfile.Artifact{
			Filename: art.Filename,
			URL:      art.URL,
			SHA256:   art.SHA256,
			Size:     art.Size,
		}
		if py, abi, plat, ok := resolver.WheelTags(art.Filename); ok {
			locked.PythonTag, locked.ABITag, locked.PlatformTag = py, abi, plat
		} else if art.PackageType == "sdist" {
			locked.BuildOptionsHash = "sdist-build"
		}
		dep.Artifact = &locked
	}

	lock := &lockfile.LockSnapshot{
		Version:             lockfile.LockVersion1,
		ProjectName:         "tool:" + r.Normalized,
		PythonRequirement:   manifest.DefaultRequiresPython,
		ManifestFingerprint: "tool:" + spec,
		Mode:                lockfile.ModePinned,
		Dependencies:        []lockfile.LockedDependency{dep},
	}

	owner := cas.Owner{Type: cas.OwnerToolEnv, ID: r.Normalized}
	assembler := &profile.Assembler{Store: app.Store, PyPI: app.PyPI, Builder: profile.PipWheelBuilder{}}
	runtimeOID, err := assembler.ObtainRuntime(ctx, owner, profile.RuntimeInfo{
		Version:        selection.Record.FullVersion,
		Platform:       hostPlatformTag(),
		Implementation: "cpython",
		ABI:            "cp" + channelDigits(selection.Record.Channel),
	})
	if err != nil {
		return nil, err
	}
	profileOID, err := assembler.Assemble(ctx, owner, lock, runtimeOID, "cp"+channelDigits(selection.Record.Channel), selection.Record.Path, nil)
	if err != nil {
		return nil, err
	}

	mat := &envmat.Materializer{
		Store:        app.Store,
		EnvsRoot:     app.Config.EnvsPath,
		PythonMinor:  selection.Record.Channel,
		PycCacheRoot: filepath.Join(app.Config.CachePath, "pyc"),
	}
	env, err := mat.Materialize(ctx, profileOID, selection.Record.Path, envmat.MaterializeOptions{})
	if err != nil {
		return nil, err
	}

	return &toolRecord{
		Name:       r.Normalized,
		Spec:       spec,
		EntryPoint: pickEntryPoint(env.BinDir, r.Normalized),
		ProfileOID: profileOID,
		Channel:    selection.Record.Channel,
		Python:     state.PythonRef{Path: selection.Record.Path, Version: selection.Record.FullVersion},
	}, nil
}

// pickEntryPoint chooses the console-script shim a freshly materialized
// env exposes for a tool, preferring one matching the package's own name.
func pickEntryPoint(binDir, fallback string) string {
	entries, err := os.ReadDir(binDir)
	if err != nil {
		return fallback
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "python" || e.Name() == "python3" {
			continue
		}
		names = append(names, e.Name())
	}
	for _, n := range names {
		if n == fallback {
			return fallback
		}
	}
	if len(names) == 1 {
		return names[0]
	}
	return fallback
}

func runToolInstall(ctx context.Context, spec string, force bool) (error, string, map[string]any) {
	guard := func(normalized string) error {
		if force {
			return nil
		}
		existing, err := loadToolRecord(normalized)
		if err != nil {
			return err
		}
		if existing != nil {
			return pxerr.New(CodeToolAlreadyInstalled, "tool already installed", map[string]any{"name": existing.Name}).
				WithHint("pass --force to reinstall")
		}
		return nil
	}

	rec, err := installTool(ctx, spec, guard)
	if err != nil {
		return err, "", nil
	}
	if err := saveToolRecord(rec); err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("installed %s (run with `px tool run %s`)", rec.Name, rec.EntryPoint), map[string]any{
		"name":        rec.Name,
		"entry_point": rec.EntryPoint,
		"spec":        rec.Spec,
	}
}

func runToolRun(ctx context.Context, name string, args []string) (error, string, map[string]any) {
	rec, err := loadToolRecord(name)
	if err != nil {
		return err, "", nil
	}
	if rec == nil {
		return pxerr.New(CodeToolNotFound, "tool is not installed", map[string]any{"name": name}).
			WithHint("px tool install " + name), "", nil
	}

	env, err := materializeRecordedTool(ctx, rec)
	if err != nil {
		return err, "", nil
	}
	binPath := filepath.Join(env.BinDir, rec.EntryPoint)
	if _, err := os.Stat(binPath); err != nil {
		return pxerr.New(CodeToolEntryPointMissing, "tool's entry point script is missing", map[string]any{"name": name, "entry_point": rec.EntryPoint}), "", nil
	}

	invokeEnv := runner.AssembleEnv(env, runner.AssembleEnvOptions{})
	if err := app.Runner.Run(ctx, runner.InvokeOptions{Dir: currentDir(), Env: invokeEnv, Output: app.Out}, binPath, args...); err != nil {
		return pxerr.NewFailure("tool exited with an error", map[string]any{"name": name, "error": err.Error()}), "", nil
	}
	return nil, "ran " + name, nil
}

func runToolList() (error, string, map[string]any) {
	entries, err := os.ReadDir(app.Config.ToolsPath)
	if err != nil && !os.IsNotExist(err) {
		return pxerr.NewFailure("could not read tools directory", map[string]any{"path": app.Config.ToolsPath, "error": err.Error()}), "", nil
	}
	var names []string
	tools := map[string]toolRecord{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := loadToolRecord(e.Name())
		if err != nil || rec == nil {
			continue
		}
		names = append(names, rec.Name)
		tools[rec.Name] = *rec
	}
	sort.Strings(names)
	return nil, fmt.Sprintf("%d installed tool(s)", len(names)), map[string]any{"tools": tools, "names": names}
}

func runToolRemove(ctx context.Context, name string) (error, string, map[string]any) {
	rec, err := loadToolRecord(name)
	if err != nil {
		return err, "", nil
	}
	if rec == nil {
		return pxerr.New(CodeToolNotFound, "tool is not installed", map[string]any{"name": name}), "", nil
	}
	if _, err := app.Store.RemoveOwnerRefs(ctx, cas.Owner{Type: cas.OwnerToolEnv, ID: rec.Name}); err != nil {
		return pxerr.NewFailure("could not release tool's store references", map[string]any{"name": name, "error": err.Error()}), "", nil
	}
	if err := os.RemoveAll(toolDir(name)); err != nil {
		return pxerr.NewFailure("could not remove tool directory", map[string]any{"name": name, "error": err.Error()}), "", nil
	}
	return nil, "removed " + name, nil
}

func runToolUpgrade(ctx context.Context, name string) (error, string, map[string]any) {
	existing, err := loadToolRecord(name)
	if err != nil {
		return err, "", nil
	}
	if existing == nil {
		return pxerr.New(CodeToolNotFound, "tool is not installed", map[string]any{"name": name}).
			WithHint("px tool install " + name), "", nil
	}
	rec, err := installTool(ctx, existing.Spec, nil)
	if err != nil {
		return err, "", nil
	}
	if err := saveToolRecord(rec); err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("upgraded %s", rec.Name), map[string]any{"name": rec.Name, "spec": rec.Spec}
}

// materializeRecordedTool rebuilds a tool's env directory from its
// persisted ProfileOID, the same reuse-without-re-resolve materialization
// `exec.go`'s materializeStoredEnv does for project envs.
func materializeRecordedTool(ctx context.Context, rec *toolRecord) (*envmat.MaterializedEnv, error) {
	mat := &envmat.Materializer{
		Store:        app.Store,
		EnvsRoot:     app.Config.EnvsPath,
		PythonMinor:  rec.Channel,
		PycCacheRoot: filepath.Join(app.Config.CachePath, "pyc"),
	}
	env, err := mat.Materialize(ctx, rec.ProfileOID, rec.Python.Path, envmat.MaterializeOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "materializing tool environment for %s", rec.Name)
	}
	return env, nil
}
