// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/resolver"
	"github.com/pxtool/px/internal/runtimereg"
	"github.com/pxtool/px/internal/state"
	"github.com/pxtool/px/internal/status"
)

const (
	CodeWhyMissingArgument = "PX140"
	CodeWhyLockMissing     = "PX141"
	CodeWhyPackageNotFound = "PX142"
	CodeWhyIssueNotFound   = "PX143"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project's manifest, lock, runtime, and environment state",
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runStatus(cmd.Context(), currentDir()))
	},
}

var whyCmd = &cobra.Command{
	Use:   "why [PACKAGE]",
	Short: "Explain why a dependency is present, or explain a status issue by ID",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		issue, _ := cmd.Flags().GetString("issue")
		var pkg string
		if len(args) > 0 {
			pkg = args[0]
		}
		app.Finish(runWhy(cmd.Context(), currentDir(), pkg, issue))
	},
}

func init() {
	whyCmd.Flags().String("issue", "", "explain a status issue by ID instead of a package")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(whyCmd)
}

// runStatus computes a status.Payload for root, preferring the workspace
// view when root declares [tool.px.workspace] (spec.md §4.12).
func runStatus(ctx context.Context, root string) (error, string, map[string]any) {
	if isWorkspaceRoot(root) {
		return runWorkspaceStatus(ctx, root)
	}
	return runProjectStatus(ctx, root)
}

func runProjectStatus(ctx context.Context, root string) (error, string, map[string]any) {
	pc, err := loadProjectContext(root)
	if err != nil {
		return err, "", nil
	}

	var selection *runtimereg.Selection
	var report state.Report
	if pc.Snapshot != nil {
		sel, err := resolveRuntime(app, pc.Snapshot.RequiresPython, pc.Snapshot.PxOptions.Python)
		if err == nil {
			selection = &sel
			report = evaluateState(ctx, app, pc, &sel)
		} else {
			report = evaluateState(ctx, app, pc, nil)
		}
	}

	payload := status.ComputeProject(status.ProjectInput{
		Root: root, Snapshot: pc.Snapshot, Lock: pc.Lock, StoredEnv: pc.StoredEnv,
		Report: report, Runtime: selection,
	})
	return finishStatus(payload)
}

func runWorkspaceStatus(ctx context.Context, root string) (error, string, map[string]any) {
	wc, err := loadWorkspaceContext(root)
	if err != nil {
		return err, "", nil
	}

	var selection *runtimereg.Selection
	matches := false
	if wc.Snapshot != nil && len(wc.Snapshot.Members) > 0 {
		rootMember := wc.Snapshot.Members[0]
		sel, err := resolveRuntime(app, rootMember.RequiresPython, rootMember.PxOptions.Python)
		if err == nil {
			selection = &sel
			matches = runtimeMatches(wc.StoredEnv, sel)
		}
	}
	report := state.EvaluateWorkspace(ctx, state.WorkspaceInput{
		Snapshot: wc.Snapshot, Lock: wc.Lock, StoredEnv: wc.StoredEnv, Store: app.Store, RuntimeMatches: matches,
	})

	payload := status.ComputeWorkspace(status.WorkspaceInput{
		Root: root, Snapshot: wc.Snapshot, Lock: wc.Lock, StoredEnv: wc.StoredEnv,
		Report: report, Runtime: selection,
	})
	return finishStatus(payload)
}

// runWhy implements `why PACKAGE` (walk the resolved lock graph back to a
// direct dependency) and `why --issue ID` (explain one of the drift
// messages `status` would report), spec.md §6.
func runWhy(ctx context.Context, root, pkg, issueID string) (error, string, map[string]any) {
	if issueID != "" {
		return explainIssue(root, issueID)
	}
	pkg = strings.TrimSpace(pkg)
	if pkg == "" {
		return pxerr.New(CodeWhyMissingArgument, "px why requires a package name", nil).
			WithHint("run `px why <package>` or `px why --issue <id>`"), "", nil
	}
	return explainPackage(root, pkg)
}

// whyLock reads the lock relevant to root, following the same
// project-vs-workspace split as runStatus.
func whyLock(root string) (*lockfile.LockSnapshot, error) {
	if isWorkspaceRoot(root) {
		wc, err := loadWorkspaceContext(root)
		if err != nil {
			return nil, err
		}
		return wc.Lock, nil
	}
	pc, err := loadProjectContext(root)
	if err != nil {
		return nil, err
	}
	return pc.Lock, nil
}

func explainPackage(root, pkg string) (error, string, map[string]any) {
	lock, err := whyLock(root)
	if err != nil {
		return err, "", nil
	}
	if lock == nil {
		return pxerr.New(CodeWhyLockMissing, "px.lock not found", map[string]any{"root": root}).
			WithHint("run `px sync` to create px.lock before inspecting dependencies"), "", nil
	}

	target := resolver.NormalizeDistName(pkg)
	if target == "" {
		return pxerr.New(CodeWhyPackageNotFound, "unable to normalize package name", map[string]any{"package": pkg}).
			WithHint("use names like `rich` or `requests`"), "", nil
	}

	byName := make(map[string]lockfile.LockedDependency, len(lock.Dependencies))
	reverse := make(map[string][]string, len(lock.Dependencies))
	for _, dep := range lock.Dependencies {
		name := resolver.NormalizeDistName(dep.Name)
		byName[name] = dep
		for _, req := range dep.Requires {
			reqName := resolver.NormalizeDistName(req)
			if reqName == "" {
				continue
			}
			if !stringsContain(reverse[reqName], name) {
				reverse[reqName] = append(reverse[reqName], name)
			}
		}
	}

	entry, ok := byName[target]
	if !ok {
		return pxerr.New(CodeWhyPackageNotFound, fmt.Sprintf("%s is not installed in this project", pkg), map[string]any{"package": pkg}).
			WithHint("run `px sync` to refresh the environment, then retry"), "", nil
	}

	chains := findDependencyChains(reverse, byName, target, 5)
	version := versionFromSpecifier(entry.Specifier)

	var message string
	switch {
	case entry.Direct:
		message = fmt.Sprintf("%s==%s is declared in pyproject.toml", entry.Name, version)
	case len(chains) == 0:
		message = fmt.Sprintf("%s==%s is present but no dependency chain was found", entry.Name, version)
	default:
		message = fmt.Sprintf("%s==%s is required by %s", entry.Name, version, strings.Join(chains[0], " -> "))
	}

	return nil, message, map[string]any{
		"package":    entry.Name,
		"normalized": target,
		"version":    version,
		"direct":     entry.Direct,
		"chains":     chains,
	}
}

// findDependencyChains walks reverse (dependency -> its known parents)
// breadth-first from target until it reaches a direct dependency, up to
// limit chains, each ordered root-to-target.
func findDependencyChains(reverse map[string][]string, byName map[string]lockfile.LockedDependency, target string, limit int) [][]string {
	if limit == 0 {
		return nil
	}
	var results [][]string
	queue := [][]string{{target}}
	for len(queue) > 0 && len(results) < limit {
		path := queue[0]
		queue = queue[1:]
		current := path[len(path)-1]
		if dep, ok := byName[current]; ok && dep.Direct {
			chain := make([]string, len(path))
			for i, n := range path {
				chain[len(path)-1-i] = n
			}
			results = append(results, chain)
			if len(results) >= limit {
				break
			}
		}
		for _, parent := range reverse[current] {
			if stringsContain(path, parent) {
				continue
			}
			next := make([]string, len(path)+1)
			copy(next, path)
			next[len(path)] = parent
			queue = append(queue, next)
		}
	}
	return results
}

func stringsContain(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// versionFromSpecifier extracts the pinned version from a lock entry's
// `name==version` specifier, stripping any trailing marker.
func versionFromSpecifier(spec string) string {
	head := spec
	if idx := strings.Index(head, ";"); idx >= 0 {
		head = head[:idx]
	}
	head = strings.TrimSpace(head)
	if _, rest, ok := strings.Cut(head, "=="); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// explainIssue looks up the project's current drift issues (the same
// messages state.Evaluate reports via Report.Reasons) and explains the one
// at the given 1-based "PX-ISSUE-N" position.
func explainIssue(root, issueID string) (error, string, map[string]any) {
	trimmed := strings.TrimSpace(issueID)
	if trimmed == "" {
		return pxerr.New(CodeWhyMissingArgument, "px why --issue requires an ID", nil).
			WithHint("run `px status` to list current issues"), "", nil
	}
	pc, err := loadProjectContext(root)
	if err != nil {
		return err, "", nil
	}
	if pc.Snapshot == nil {
		return pxerr.New(CodeWhyLockMissing, "pyproject.toml not found", map[string]any{"root": root}).
			WithHint("run `px init` to create one"), "", nil
	}
	if pc.Lock == nil {
		return pxerr.New(CodeWhyLockMissing, "px.lock not found", map[string]any{"root": root}).
			WithHint("run `px sync` to create px.lock before inspecting issues"), "", nil
	}

	drift := lockfile.AnalyzeDrift(pc.Snapshot, pc.Lock)
	for i, message := range drift.Issues() {
		id := status.IssueID(i)
		if strings.EqualFold(id, trimmed) {
			return nil, fmt.Sprintf("issue %s: %s", id, message), map[string]any{
				"id":      id,
				"message": message,
				"root":    root,
			}
		}
	}
	return pxerr.New(CodeWhyIssueNotFound, fmt.Sprintf("issue %s not found", issueID), map[string]any{"issue": issueID}).
		WithHint("run `px status` to list current issue IDs before retrying"), "", nil
}

func finishStatus(payload any) (error, string, map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err, "", nil
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("status: %v", details["context"]), details
}
