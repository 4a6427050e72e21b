// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/pxerr"
)

const (
	CodeAlreadyPxProject    = "PX110"
	CodeNoMigrationSource   = "PX111"
	CodeUnsupportedSource   = "PX112"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Onboard an existing non-px project onto a pyproject.toml manifest",
	Run: func(cmd *cobra.Command, args []string) {
		apply, _ := cmd.Flags().GetBool("apply")
		source, _ := cmd.Flags().GetString("source")
		devSource, _ := cmd.Flags().GetString("dev-source")
		allowDirty, _ := cmd.Flags().GetBool("allow-dirty")
		app.Finish(runMigrate(currentDir(), source, devSource, apply, allowDirty))
	},
}

func init() {
	migrateCmd.Flags().Bool("apply", false, "write the manifest instead of only reporting what would change")
	migrateCmd.Flags().String("source", "", "dependency source file (requirements.txt or Pipfile); autodetected if omitted")
	migrateCmd.Flags().String("dev-source", "", "development-dependency source file, recorded as a \"dev\" dependency group")
	migrateCmd.Flags().Bool("allow-dirty", false, "merge into an existing pyproject.toml instead of refusing to touch it")
	rootCmd.AddCommand(migrateCmd)
}

// onboardCandidates mirrors internal/status.onboardAction's detection
// order: the first of these present in root is the migration source.
var onboardCandidates = []string{"requirements.txt", "setup.py", "setup.cfg", "Pipfile"}

func runMigrate(root, source, devSource string, apply, allowDirty bool) (error, string, map[string]any) {
	if source == "" {
		source = detectMigrationSource(root)
	}
	if source == "" {
		return pxerr.New(CodeNoMigrationSource, "no requirements.txt, Pipfile, setup.py, or setup.cfg found", map[string]any{"root": root}).
			WithHint("px migrate --source <file>"), "", nil
	}
	sourcePath := filepath.Join(root, source)

	deps, devDeps, err := parseMigrationSource(sourcePath)
	if err != nil {
		return err, "", nil
	}
	if devSource != "" {
		extra, _, err := parseMigrationSource(filepath.Join(root, devSource))
		if err != nil {
			return err, "", nil
		}
		devDeps = append(devDeps, extra...)
	}

	manifestPath := filepath.Join(root, "pyproject.toml")
	_, statErr := os.Stat(manifestPath)
	exists := statErr == nil
	if exists && !allowDirty {
		return pxerr.New(CodeAlreadyPxProject, "pyproject.toml already exists", map[string]any{"path": manifestPath}).
			WithHint("pass --allow-dirty to merge into the existing manifest, or run `px add`"), "", nil
	}

	if !apply {
		return nil, fmt.Sprintf("would migrate %d dependencies (%d dev) from %s", len(deps), len(devDeps), source), map[string]any{
			"source":      source,
			"dependencies": deps,
			"dev_dependencies": devDeps,
			"apply":       false,
		}
	}

	if !exists {
		pkg := filepath.Base(root)
		body := fmt.Sprintf(manifestTemplate, pkg, manifest.DefaultRequiresPython)
		if err := os.WriteFile(manifestPath, []byte(body), 0o644); err != nil {
			return pxerr.NewFailure("could not write pyproject.toml", map[string]any{"path": manifestPath, "error": err.Error()}), "", nil
		}
	}

	editor, err := manifestEditorFor(root)
	if err != nil {
		return err, "", nil
	}
	addReport, err := editor.AddSpecs(deps)
	if err != nil {
		return err, "", nil
	}
	if len(devDeps) > 0 {
		if err := editor.SetDependencyGroup("dev", devDeps); err != nil {
			return err, "", nil
		}
	}

	snap, err := manifest.ReadProjectSnapshot(root)
	if err != nil {
		return err, "", nil
	}
	if _, err := os.Stat(snap.LockPath); os.IsNotExist(err) {
		if err := writeInitialLock(snap); err != nil {
			return err, "", nil
		}
	}
	if err := os.MkdirAll(filepath.Join(root, ".px"), 0o755); err != nil {
		return pxerr.NewFailure("could not create .px directory", map[string]any{"error": err.Error()}), "", nil
	}

	return nil, fmt.Sprintf("migrated %d dependencies (%d dev) from %s", len(addReport.Added), len(devDeps), source), map[string]any{
		"source":           source,
		"added":            addReport.Added,
		"dev_dependencies": devDeps,
		"manifest":         manifestPath,
	}
}

func writeInitialLock(snap *manifest.ProjectSnapshot) error {
	lock := &lockfile.LockSnapshot{
		Version:             lockfile.LockVersion1,
		ProjectName:         snap.Name,
		PythonRequirement:   snap.RequiresPython,
		ManifestFingerprint: snap.ManifestFingerprint,
		Mode:                lockfile.ModePinned,
	}
	lockID, err := lockfile.ComputeLockID(lock)
	if err != nil {
		return err
	}
	lock.LockID = lockID
	rendered, err := lockfile.Render(lock, pxVersion)
	if err != nil {
		return err
	}
	if err := os.WriteFile(snap.LockPath, []byte(rendered), 0o644); err != nil {
		return pxerr.NewFailure("could not write px.lock", map[string]any{"path": snap.LockPath, "error": err.Error()})
	}
	return nil
}

func detectMigrationSource(root string) string {
	for _, candidate := range onboardCandidates {
		if _, err := os.Stat(filepath.Join(root, candidate)); err == nil {
			return candidate
		}
	}
	return ""
}

// parseMigrationSource returns direct and dev dependency specs found in
// path. requirements.txt and Pipfile are fully parsed; setup.py/setup.cfg
// are declined since neither format is safely extractable without running
// Python.
func parseMigrationSource(path string) (deps, devDeps []string, err error) {
	base := filepath.Base(path)
	switch {
	case base == "Pipfile":
		return parsePipfile(path)
	case strings.HasSuffix(base, ".txt"):
		deps, err := parseRequirementsFile(path)
		return deps, nil, err
	default:
		return nil, nil, pxerr.New(CodeUnsupportedSource, "unsupported migration source format", map[string]any{"path": path}).
			WithHint("convert dependencies into a requirements.txt or Pipfile and retry")
	}
}

// parseRequirementsFile extracts PEP 508 specifiers from a pip
// requirements file, skipping comments, blank lines, and pip-specific
// directives (-r, -c, -e, --hash, etc.) that aren't themselves specs.
func parseRequirementsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pxerr.NewFailure("could not read requirements file", map[string]any{"path": path, "error": err.Error()})
	}
	defer f.Close()

	var specs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		specs = append(specs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, pxerr.NewFailure("could not read requirements file", map[string]any{"path": path, "error": err.Error()})
	}
	return specs, nil
}

type pipfileDoc struct {
	Packages    map[string]pipfileConstraint `toml:"packages"`
	DevPackages map[string]pipfileConstraint `toml:"dev-packages"`
}

// pipfileConstraint accepts both Pipfile's bare-string form
// (`requests = "*"`) and its inline-table form
// (`requests = {version = "==2.31.0", extras = ["socks"]}`).
type pipfileConstraint struct {
	Version string
	Extras  []string
}

func (c *pipfileConstraint) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case string:
		c.Version = t
	case map[string]any:
		if version, ok := t["version"].(string); ok {
			c.Version = version
		}
		if extras, ok := t["extras"].([]any); ok {
			for _, e := range extras {
				if s, ok := e.(string); ok {
					c.Extras = append(c.Extras, s)
				}
			}
		}
	}
	return nil
}

func parsePipfile(path string) (deps, devDeps []string, err error) {
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, nil, pxerr.NewFailure("could not read Pipfile", map[string]any{"path": path, "error": readErr.Error()})
	}
	var doc pipfileDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, pxerr.New(CodeUnsupportedSource, "Pipfile is not valid TOML", map[string]any{"path": path, "error": err.Error()})
	}
	return pipfileSpecs(doc.Packages), pipfileSpecs(doc.DevPackages), nil
}

func pipfileSpecs(table map[string]pipfileConstraint) []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]string, 0, len(names))
	for _, name := range names {
		c := table[name]
		spec := name
		if len(c.Extras) > 0 {
			spec += "[" + strings.Join(c.Extras, ",") + "]"
		}
		switch {
		case c.Version == "" || c.Version == "*":
			// no version constraint
		case strings.ContainsAny(c.Version[:1], "<>=!~"):
			spec += c.Version
		default:
			spec += "==" + c.Version
		}
		specs = append(specs, spec)
	}
	return specs
}
