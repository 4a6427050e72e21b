// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package completion produces the suggestion set shell completion for
// `px run <TAB>` draws from: everything ResolveTarget would accept as a
// bare TARGET name (SPEC_FULL.md §4.14).
package completion

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pxtool/px/internal/manifest"
)

// skipBin are materialized env bin/ entries that are never run targets in
// their own right.
var skipBin = map[string]bool{
	"python": true, "pip": true, "activate": true,
	"activate.bat": true, "activate.ps1": true, "activate.csh": true, "activate.fish": true,
}

func isPythonInterpreterShim(name string) bool {
	if !strings.HasPrefix(name, "python") {
		return false
	}
	rest := strings.TrimPrefix(name, "python")
	if rest == "" {
		return true
	}
	for _, r := range rest {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// Targets returns a de-duplicated, sorted list of names `px run` would
// resolve against snap: declared scripts/gui-scripts/entry-points, console
// scripts materialized into binDir (binDir may be "" if no env is
// materialized yet), and first-party <pkg>/cli.py or <pkg>/__main__.py
// modules found directly under snap.Root, reported as dotted module paths.
func Targets(snap *manifest.ProjectSnapshot, binDir string) []string {
	set := map[string]bool{}

	if snap != nil {
		for name := range snap.Scripts {
			set[name] = true
		}
		for name := range snap.GuiScripts {
			set[name] = true
		}
		for _, group := range snap.EntryPoints {
			for name := range group {
				set[name] = true
			}
		}
	}

	if binDir != "" {
		if entries, err := os.ReadDir(binDir); err == nil {
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				name := e.Name()
				if skipBin[name] || isPythonInterpreterShim(name) {
					continue
				}
				set[name] = true
			}
		}
	}

	if snap != nil && snap.Root != "" {
		for _, mod := range firstPartyCLIModules(snap.Root) {
			set[mod] = true
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// firstPartyCLIModules finds immediate subdirectories of root that look
// like Python packages (containing __init__.py) and expose a cli.py or
// __main__.py, returning each as a dotted "pkg.cli"/"pkg.__main__" module
// path runnable via `python -m`.
func firstPartyCLIModules(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var mods []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		pkgDir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(pkgDir, "__init__.py")); err != nil {
			continue
		}
		for _, leaf := range []string{"cli", "__main__"} {
			if _, err := os.Stat(filepath.Join(pkgDir, leaf+".py")); err == nil {
				mods = append(mods, e.Name()+"."+leaf)
			}
		}
	}
	return mods
}
