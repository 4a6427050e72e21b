// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// AddReport summarizes the outcome of Editor.AddSpecs.
type AddReport struct {
	Added   []string
	Updated []string
}

// RemoveReport summarizes the outcome of Editor.RemoveSpecs.
type RemoveReport struct {
	Removed []string
}

// Editor loads a pyproject.toml for in-place dependency edits. go-toml/v2
// has no format-preserving edit API (unlike a comment-retaining TOML
// editor), so edits here decode to a generic document, mutate, and
// re-marshal; this loses original key ordering within untouched tables but
// never loses data, which is the grounded tradeoff for this pack's TOML
// library (see DESIGN.md).
type Editor struct {
	path string
	doc  map[string]any
}

// OpenEditor loads path for editing.
func OpenEditor(path string) (*Editor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest for edit")
	}
	var doc map[string]any
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing manifest for edit")
	}
	return &Editor{path: path, doc: doc}, nil
}

// Dependencies returns the current [project].dependencies array.
func (e *Editor) Dependencies() []string {
	return stringArray(projectTable(e.doc), "dependencies")
}

// AddSpecs inserts or updates direct dependency specs, keeping the array
// sorted by normalized dependency name and deduplicated.
func (e *Editor) AddSpecs(specs []string) (AddReport, error) {
	var report AddReport
	if len(specs) == 0 {
		return report, nil
	}
	deps := e.Dependencies()
	for _, raw := range specs {
		spec := strings.TrimSpace(raw)
		if spec == "" {
			continue
		}
		name := dependencyName(spec)
		found := false
		for i, existing := range deps {
			if dependencyName(existing) == name {
				found = true
				if strings.TrimSpace(existing) != spec {
					deps[i] = spec
					report.Updated = append(report.Updated, name)
				}
				break
			}
		}
		if !found {
			deps = append(deps, spec)
			report.Added = append(report.Added, name)
		}
	}
	if len(report.Added) == 0 && len(report.Updated) == 0 {
		return report, nil
	}
	deps = sortAndDedupe(deps)
	setProjectArray(e.doc, "dependencies", deps)
	return report, e.save()
}

// RemoveSpecs removes direct dependencies by normalized name.
func (e *Editor) RemoveSpecs(specs []string) (RemoveReport, error) {
	var report RemoveReport
	targets := map[string]bool{}
	for _, spec := range specs {
		name := dependencyName(spec)
		if name != "" {
			targets[name] = true
		}
	}
	if len(targets) == 0 {
		return report, nil
	}
	deps := e.Dependencies()
	before := len(deps)
	kept := deps[:0:0]
	for _, spec := range deps {
		if targets[dependencyName(spec)] {
			continue
		}
		kept = append(kept, spec)
	}
	if len(kept) == before {
		return report, nil
	}
	kept = sortAndDedupe(kept)
	setProjectArray(e.doc, "dependencies", kept)
	for name := range targets {
		report.Removed = append(report.Removed, name)
	}
	sort.Strings(report.Removed)
	return report, e.save()
}

// SetDependencyGroup replaces [dependency-groups].<name> with specs,
// sorted and deduplicated the same way AddSpecs normalizes
// [project].dependencies.
func (e *Editor) SetDependencyGroup(name string, specs []string) error {
	groups, _ := e.doc["dependency-groups"].(map[string]any)
	if groups == nil {
		groups = map[string]any{}
		e.doc["dependency-groups"] = groups
	}
	cleaned := make([]string, 0, len(specs))
	for _, spec := range specs {
		if trimmed := strings.TrimSpace(spec); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	cleaned = sortAndDedupe(cleaned)
	arr := make([]any, len(cleaned))
	for i, v := range cleaned {
		arr[i] = v
	}
	groups[name] = arr
	return e.save()
}

// SetToolPython updates [tool.px].python, returning whether it changed.
func (e *Editor) SetToolPython(version string) (bool, error) {
	tool, _ := e.doc["tool"].(map[string]any)
	if tool == nil {
		tool = map[string]any{}
		e.doc["tool"] = tool
	}
	px, _ := tool["px"].(map[string]any)
	if px == nil {
		px = map[string]any{}
		tool["px"] = px
	}
	if current, _ := px["python"].(string); current == version {
		return false, nil
	}
	px["python"] = version
	return true, e.save()
}

func (e *Editor) save() error {
	out, err := toml.Marshal(e.doc)
	if err != nil {
		return errors.Wrap(err, "rendering manifest")
	}
	return errors.Wrap(os.WriteFile(e.path, out, 0o644), "writing manifest")
}

func projectTable(doc map[string]any) map[string]any {
	project, _ := doc["project"].(map[string]any)
	return project
}

func stringArray(table map[string]any, key string) []string {
	if table == nil {
		return nil
	}
	raw, _ := table[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func setProjectArray(doc map[string]any, key string, values []string) {
	project, _ := doc["project"].(map[string]any)
	if project == nil {
		project = map[string]any{}
		doc["project"] = project
	}
	arr := make([]any, len(values))
	for i, v := range values {
		arr[i] = v
	}
	project[key] = arr
}

// dependencyName extracts the normalized package name from a PEP 508-ish
// dependency spec, stopping at the first version/marker/extras delimiter.
func dependencyName(spec string) string {
	trimmed := strings.TrimSpace(stripWrappingQuotes(strings.TrimSpace(spec)))
	end := len(trimmed)
	for i, ch := range trimmed {
		if ch == ' ' || ch == '\t' || ch == '<' || ch == '>' || ch == '=' || ch == '!' || ch == '~' || ch == ';' {
			end = i
			break
		}
	}
	head := trimmed[:end]
	if idx := strings.Index(head, "["); idx >= 0 {
		head = head[:idx]
	}
	return strings.ToLower(head)
}

func stripWrappingQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func sortAndDedupe(specs []string) []string {
	sort.Slice(specs, func(i, j int) bool {
		ni, nj := dependencyName(specs[i]), dependencyName(specs[j])
		if ni != nj {
			return ni < nj
		}
		return specs[i] < specs[j]
	})
	seen := map[string]bool{}
	out := specs[:0]
	for _, spec := range specs {
		name := dependencyName(spec)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, spec)
	}
	return out
}
