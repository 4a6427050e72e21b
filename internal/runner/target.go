// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/reposnap"
)

// TargetKind classifies how a resolved run target is invoked.
type TargetKind string

const (
	TargetModule     TargetKind = "module"
	TargetEntryPoint TargetKind = "entry_point"
	TargetScript     TargetKind = "script"
	TargetExecutable TargetKind = "executable"
	TargetGit        TargetKind = "git"
)

// ResolvedTarget is the outcome of resolving a raw `px run <target>` string.
type ResolvedTarget struct {
	Kind TargetKind
	// Value is a module name (TargetModule), an "module:function" entry
	// point (TargetEntryPoint), a filesystem path (TargetScript,
	// TargetExecutable), or unused (TargetGit, see GitSpec).
	Value string
	// GitSpec is set when Kind is TargetGit.
	GitSpec *reposnap.Spec
}

// ResolveTarget resolves a run target (spec.md §4.10) in this order:
// explicit module name, manifest entry point, git+ locator, .py script,
// path-like executable, the project's own name as its <package>.cli
// module, and finally a bare module name.
func ResolveTarget(snap *manifest.ProjectSnapshot, raw string, explicitModule bool) (*ResolvedTarget, error) {
	if raw == "" {
		return nil, pxerr.New(CodeTargetNotResolved, "run requires a target", nil)
	}

	if explicitModule {
		return &ResolvedTarget{Kind: TargetModule, Value: raw}, nil
	}

	if snap != nil {
		if entry, ok := snap.Scripts[raw]; ok {
			return &ResolvedTarget{Kind: TargetEntryPoint, Value: entry}, nil
		}
		if entry, ok := snap.GuiScripts[raw]; ok {
			return &ResolvedTarget{Kind: TargetEntryPoint, Value: entry}, nil
		}
		for _, group := range snap.EntryPoints {
			if entry, ok := group[raw]; ok {
				return &ResolvedTarget{Kind: TargetEntryPoint, Value: entry}, nil
			}
		}
	}

	if strings.HasPrefix(raw, "git+") {
		spec, err := reposnap.Parse(raw)
		if err != nil {
			return nil, err
		}
		return &ResolvedTarget{Kind: TargetGit, GitSpec: spec}, nil
	}

	if strings.HasSuffix(raw, ".py") {
		return &ResolvedTarget{Kind: TargetScript, Value: raw}, nil
	}

	if filepath.IsAbs(raw) || strings.ContainsRune(raw, os.PathSeparator) {
		return &ResolvedTarget{Kind: TargetExecutable, Value: raw}, nil
	}

	if snap != nil && raw == snap.Name {
		cliModule := pythonPackageName(snap.Name) + ".cli"
		return &ResolvedTarget{Kind: TargetModule, Value: cliModule}, nil
	}

	// No manifest match and not shaped like a path: treat as a bare module
	// name, the most permissive remaining interpretation.
	return &ResolvedTarget{Kind: TargetModule, Value: raw}, nil
}

// pythonPackageName normalizes a PyPI-style project name (which may use
// hyphens) into the importable package name (underscores), matching the
// normalization pip/setuptools apply when generating an import package.
func pythonPackageName(projectName string) string {
	return strings.ReplaceAll(strings.ToLower(projectName), "-", "_")
}
