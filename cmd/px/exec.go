// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/completion"
	"github.com/pxtool/px/internal/envmat"
	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/plan"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/reposnap"
	"github.com/pxtool/px/internal/runner"
	"github.com/pxtool/px/internal/runtimereg"
	"github.com/pxtool/px/internal/state"
	"github.com/pxtool/px/internal/traceback"
)

var runCmd = &cobra.Command{
	Use:               "run <target> [args...]",
	Short:             "Run a script, module, or entry point in the project environment",
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: completeRunTarget,
	Run: func(cmd *cobra.Command, args []string) {
		target, rest := args[0], args[1:]
		frozen, _ := cmd.Flags().GetBool("frozen")
		explicitModule, _ := cmd.Flags().GetBool("target")
		allowFloating, _ := cmd.Flags().GetBool("allow-floating")
		atRef, _ := cmd.Flags().GetString("at")
		ephemeral, _ := cmd.Flags().GetBool("ephemeral")
		flags := runFlags{
			Frozen:         frozen,
			ExplicitModule: explicitModule,
			AllowFloating:  allowFloating,
			AtRef:          atRef,
		}
		if ephemeral {
			app.Finish(runEphemeralTarget(cmd.Context(), currentDir(), target, rest, flags))
			return
		}
		app.Finish(runRunTarget(cmd.Context(), currentDir(), target, rest, flags))
	},
}

var testCmd = &cobra.Command{
	Use:   "test [args...]",
	Short: "Run the project's test suite",
	Run: func(cmd *cobra.Command, args []string) {
		frozen, _ := cmd.Flags().GetBool("frozen")
		atRef, _ := cmd.Flags().GetString("at")
		ephemeral, _ := cmd.Flags().GetBool("ephemeral")
		if ephemeral {
			app.Finish(runEphemeralTest(cmd.Context(), currentDir(), args, frozen))
			return
		}
		app.Finish(runTestSuite(cmd.Context(), currentDir(), args, frozen, atRef))
	},
}

var fmtCmd = &cobra.Command{
	Use:   "fmt [args...]",
	Short: "Format the project's source",
	Run: func(cmd *cobra.Command, args []string) {
		frozen, _ := cmd.Flags().GetBool("frozen")
		app.Finish(runFmtSuite(cmd.Context(), currentDir(), args, frozen))
	},
}

func init() {
	runCmd.Flags().SetInterspersed(false)
	runCmd.Flags().Bool("frozen", false, "forbid any lock or env mutation; fail if the project isn't already consistent")
	runCmd.Flags().Bool("target", false, "treat TARGET as an explicit module name instead of resolving scripts/entry points")
	runCmd.Flags().Bool("allow-floating", false, "permit a git+ target pinned to a non-commit ref (refused in CI)")
	runCmd.Flags().String("at", "", "run against the project reconstructed at this git ref instead of the working tree")
	runCmd.Flags().Bool("ephemeral", false, "resolve dependencies and run without reading or writing px.lock/.px in the project directory")

	testCmd.Flags().Bool("frozen", false, "forbid any lock or env mutation; fail if the project isn't already consistent")
	testCmd.Flags().String("at", "", "run tests against the project reconstructed at this git ref instead of the working tree")
	testCmd.Flags().Bool("ephemeral", false, "resolve dependencies and test without reading or writing px.lock/.px in the project directory")

	fmtCmd.Flags().Bool("frozen", false, "forbid any lock or env mutation; fail if the project isn't already consistent")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(fmtCmd)
}

// completeRunTarget backs `px run`'s shell completion: only the target
// position is completed, from declared scripts/entry points, materialized
// console scripts, and first-party CLI modules (SPEC_FULL.md §4.14).
func completeRunTarget(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	pc, err := loadProjectContext(currentDir())
	if err != nil || pc.Snapshot == nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	binDir := ""
	if pc.StoredEnv != nil && pc.StoredEnv.EnvPath != "" {
		binDir = filepath.Join(pc.StoredEnv.EnvPath, "bin")
	}
	return completion.Targets(pc.Snapshot, binDir), cobra.ShellCompDirectiveNoFileComp
}

// runFlags carries the per-invocation modifiers spec.md's `run` row lists
// alongside the positional target.
type runFlags struct {
	Frozen         bool
	ExplicitModule bool
	AllowFloating  bool
	AtRef          string
}

// materializeAtRef implements the `--at <ref>` modifier shared by run and
// test: snapshot root at ref via runner.AtRefMaterialize, then confirm the
// ref's own lock fingerprint still matches its own manifest before handing
// back a snapshot rooted at the reconstructed tree.
func materializeAtRef(ctx context.Context, root, ref string) (*manifest.ProjectSnapshot, error) {
	dest, err := runner.AtRefMaterialize(ctx, root, ref)
	if err != nil {
		return nil, err
	}
	snap, err := manifest.ReadProjectSnapshot(dest)
	if err != nil {
		return nil, err
	}
	lock, err := lockfile.ReadLockSnapshot(snap.LockPath)
	if err != nil {
		return nil, pxerr.New(runner.CodeAtRefLockMismatch, "ref has no lock file", map[string]any{"ref": ref, "error": err.Error()})
	}
	if lock.ManifestFingerprint != snap.ManifestFingerprint {
		return nil, pxerr.New(runner.CodeAtRefLockMismatch, "ref's lock fingerprint does not match its manifest", map[string]any{"ref": ref}).
			WithHint("the lock at this ref is stale; re-lock at that commit before using --at")
	}
	return snap, nil
}

// prepInvocation loads root's project state and, if it's already
// consistent, materializes (without re-resolving) the env a runner
// Invocation needs. A project that needs a lock or env mutation gets a nil
// Env; runner.prepare's AutoSync hook fills it in before use.
func prepInvocation(ctx context.Context, root string) (*projectContext, runtimereg.Selection, state.Report, *envmat.MaterializedEnv, error) {
	pc, err := loadProjectContext(root)
	if err != nil {
		return nil, runtimereg.Selection{}, state.Report{}, nil, err
	}
	if pc.Snapshot == nil {
		return nil, runtimereg.Selection{}, state.Report{}, nil, pxerr.New(manifest.CodeMissingManifest, "no pyproject.toml found in this directory", map[string]any{"root": root}).
			WithHint("run `px init` first")
	}

	selection, err := resolveRuntime(app, pc.Snapshot.RequiresPython, pc.Snapshot.PxOptions.Python)
	if err != nil {
		return nil, runtimereg.Selection{}, state.Report{}, nil, err
	}
	report := evaluateState(ctx, app, pc, &selection)

	var env *envmat.MaterializedEnv
	if report.State == state.Consistent || report.State == state.InitializedEmpty {
		env, err = materializeStoredEnv(ctx, pc, selection)
		if err != nil {
			return nil, runtimereg.Selection{}, state.Report{}, nil, err
		}
	}
	return pc, selection, report, env, nil
}

func materializeStoredEnv(ctx context.Context, pc *projectContext, selection runtimereg.Selection) (*envmat.MaterializedEnv, error) {
	mat := &envmat.Materializer{
		Store:        app.Store,
		EnvsRoot:     app.Config.EnvsPath,
		PythonMinor:  selection.Record.Channel,
		PycCacheRoot: filepath.Join(app.Config.CachePath, "pyc"),
	}
	return mat.Materialize(ctx, pc.StoredEnv.ProfileOID, selection.Record.Path, envmat.MaterializeOptions{})
}

func newInvocation(pc *projectContext, report state.Report, env *envmat.MaterializedEnv, strict bool, root string, req plan.Request) *runner.Invocation {
	inv := &runner.Invocation{
		Runner:        app.Runner,
		Store:         app.Store,
		Snapshot:      pc.Snapshot,
		State:         report,
		Strict:        strict,
		Interactive:   isInteractive(),
		Env:           env,
		PlanRequest:   req,
		AllowAutosync: !strict,
	}
	inv.AutoSync = func(ctx context.Context) (state.Report, error) {
		res, err := doSync(ctx, root)
		if err != nil {
			return state.Report{}, err
		}
		inv.Env = res.Env
		return res.State, nil
	}
	return inv
}

func isInteractive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runRunTarget(ctx context.Context, root, target string, args []string, flags runFlags) (error, string, map[string]any) {
	pc, _, report, env, err := prepInvocation(ctx, root)
	if err != nil {
		return err, "", nil
	}
	strict := app.Strict || flags.Frozen
	if flags.AtRef != "" {
		refSnap, err := materializeAtRef(ctx, root, flags.AtRef)
		if err != nil {
			return err, "", nil
		}
		pc = &projectContext{Root: refSnap.Root, Snapshot: refSnap, Lock: pc.Lock, StoredEnv: pc.StoredEnv}
		strict = true
	}
	inv := newInvocation(pc, report, env, strict, root, plan.Request{Target: target})
	var captured bytes.Buffer
	output := io.Writer(app.Out)
	if app.Trace {
		output = io.MultiWriter(app.Out, &captured)
	}
	_, err = runner.Run(ctx, inv, runner.RunOptions{
		Target:         target,
		ExplicitModule: flags.ExplicitModule,
		Args:           args,
		AllowFloating:  flags.AllowFloating,
		CI:             app.Strict,
		AtRef:          flags.AtRef,
		Ingester:       &reposnap.Ingester{Store: app.Store, Online: app.Config.Online},
		Output:         output,
	})
	if err != nil {
		if app.Trace {
			if rec := traceRecommendation("run", target, pc, captured.String()); rec != nil {
				return attachRecommendation(err, rec), "", nil
			}
		}
		return err, "", nil
	}
	return nil, "ran " + target, nil
}

func runTestSuite(ctx context.Context, root string, args []string, frozen bool, atRef string) (error, string, map[string]any) {
	pc, _, report, env, err := prepInvocation(ctx, root)
	if err != nil {
		return err, "", nil
	}
	strict := app.Strict || frozen
	if atRef != "" {
		refSnap, err := materializeAtRef(ctx, root, atRef)
		if err != nil {
			return err, "", nil
		}
		pc = &projectContext{Root: refSnap.Root, Snapshot: refSnap, Lock: pc.Lock, StoredEnv: pc.StoredEnv}
		strict = true
	}
	inv := newInvocation(pc, report, env, strict, root, plan.Request{})
	var captured bytes.Buffer
	output := io.Writer(app.Out)
	if app.Trace {
		output = io.MultiWriter(app.Out, &captured)
	}
	_, err = runner.Test(ctx, inv, runner.TestOptions{Args: args, Output: output})
	if err != nil {
		if app.Trace {
			if rec := traceRecommendation("test", "", pc, captured.String()); rec != nil {
				return attachRecommendation(err, rec), "", nil
			}
		}
		return err, "", nil
	}
	return nil, "tests passed", nil
}

// traceRecommendation runs traceback.Analyze over a failed invocation's
// captured output against pc's declared and locked dependencies, per
// spec.md §4.13.
func traceRecommendation(command, target string, pc *projectContext, captured string) *traceback.Recommendation {
	tctx := traceback.Context{Command: command, ManifestDeps: map[string]bool{}, LockedDeps: map[string]bool{}}
	if pc != nil && pc.Snapshot != nil {
		for _, spec := range pc.Snapshot.Dependencies {
			if name := specifierName(spec); name != "" {
				tctx.ManifestDeps[strings.ToLower(name)] = true
			}
		}
	}
	if pc != nil && pc.Lock != nil {
		for _, dep := range pc.Lock.Dependencies {
			tctx.LockedDeps[strings.ToLower(dep.Name)] = true
		}
	}
	report := traceback.Analyze(captured, tctx)
	if report == nil {
		return nil
	}
	return report.Recommendation
}

// specifierName extracts the bare distribution name from a PEP
// 508-shaped dependency specifier ("requests>=2.0" -> "requests").
func specifierName(spec string) string {
	end := strings.IndexAny(spec, "<>=!~; [(")
	if end < 0 {
		end = len(spec)
	}
	return strings.TrimSpace(spec[:end])
}

// attachRecommendation folds a traceback Recommendation into a pxerr
// failure's details and hint so --trace surfaces it through both the
// human and --json envelopes.
func attachRecommendation(err error, rec *traceback.Recommendation) error {
	pe, ok := err.(*pxerr.Error)
	if !ok {
		pe = pxerr.NewFailure(err.Error(), map[string]any{})
	}
	cp := pe.WithHint(rec.Hint)
	cp.Details["trace_reason"] = rec.Reason
	cp.Details["trace_hint"] = rec.Hint
	cp.Details["trace_confidence"] = rec.Confidence
	return cp
}

func runFmtSuite(ctx context.Context, root string, args []string, frozen bool) (error, string, map[string]any) {
	pc, _, report, env, err := prepInvocation(ctx, root)
	if err != nil {
		return err, "", nil
	}
	inv := newInvocation(pc, report, env, app.Strict || frozen, root, plan.Request{})
	_, err = runner.Fmt(ctx, inv, runner.FmtOptions{
		Args:   args,
		Output: app.Out,
		AddDefaultFormatter: func(ctx context.Context) error {
			editor, editErr := manifestEditorFor(root)
			if editErr != nil {
				return editErr
			}
			if _, addErr := editor.AddSpecs([]string{runner.DefaultRuffVersion}); addErr != nil {
				return addErr
			}
			_, syncErr := doSync(ctx, root)
			return syncErr
		},
	})
	if err != nil {
		return err, "", nil
	}
	return nil, "formatted", nil
}
