// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runtimereg

import (
	"sort"

	pep440version "github.com/aquasecurity/go-pep440-version"
	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/pxerr"
)

const CodeNoCompatibleRuntime = "PX760"

// SelectionSource records why a runtime was chosen.
type SelectionSource string

const (
	SourceExplicit    SelectionSource = "explicit"
	SourceRequirement SelectionSource = "requirement"
	SourceDefault     SelectionSource = "default"
)

// Selection is the result of ResolveRuntime.
type Selection struct {
	Record Record
	Source SelectionSource
}

// ResolveRuntime implements spec.md §4.5's resolve_runtime: parse
// requiresPython as a PEP 440 specifier set, honour an explicit override
// if given, else prefer px-managed runtimes, then version-satisfying
// runtimes by descending version, then the registry's default flag.
func (r *Registry) ResolveRuntime(override, requiresPython string) (Selection, error) {
	spec, err := pep440version.NewSpecifiers(requiresPython)
	if err != nil {
		return Selection{}, pxerr.New(CodeNoCompatibleRuntime, "requires-python is not a valid PEP 440 specifier", map[string]any{"requires_python": requiresPython, "error": err.Error()})
	}

	if override != "" {
		rec, ok := r.ByChannel(override)
		if !ok {
			return Selection{}, pxerr.New(CodeNoCompatibleRuntime, "requested runtime channel is not registered", map[string]any{"channel": override}).
				WithHint("run `px python install " + override + "`")
		}
		v, err := pep440version.Parse(rec.FullVersion)
		if err != nil {
			return Selection{}, errors.Wrapf(err, "parsing recorded version for channel %s", override)
		}
		if !spec.Check(v) {
			return Selection{}, pxerr.New(CodeNoCompatibleRuntime, "the selected runtime does not satisfy requires-python", map[string]any{
				"channel": override, "full_version": rec.FullVersion, "requires_python": requiresPython,
			})
		}
		return Selection{Record: rec, Source: SourceExplicit}, nil
	}

	type scored struct {
		rec       Record
		version   pep440version.Version
		satisfies bool
	}
	candidates := make([]scored, 0, len(r.Records))
	for _, rec := range r.Records {
		v, err := pep440version.Parse(rec.FullVersion)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{rec: rec, version: v, satisfies: spec.Check(v)})
	}
	// Order: px-managed before external; within a group, satisfies-spec
	// before not, then descending version, then default before non-default.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.rec.Origin == OriginManaged) != (b.rec.Origin == OriginManaged) {
			return a.rec.Origin == OriginManaged
		}
		if a.satisfies != b.satisfies {
			return a.satisfies
		}
		if cmp := a.version.Compare(b.version); cmp != 0 {
			return cmp > 0
		}
		return a.rec.Default && !b.rec.Default
	})
	for _, c := range candidates {
		if !c.satisfies {
			continue
		}
		src := SourceRequirement
		if c.rec.Default {
			src = SourceDefault
		}
		return Selection{Record: c.rec, Source: src}, nil
	}
	return Selection{}, pxerr.New(CodeNoCompatibleRuntime, "no registered runtime satisfies requires-python", map[string]any{"requires_python": requiresPython}).
		WithHint("run `px python install <channel>` with a compatible version")
}
