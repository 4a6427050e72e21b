// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package plan selects an execution engine (CasNative, MaterializedEnv, or
// HostPassthrough) for a run/test/fmt invocation, per spec.md §4.9.
package plan

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/state"
)

const CodeStrictMutationBlocked = "PX770"

// ContextKind distinguishes a project invocation from a workspace one.
type ContextKind string

const (
	ContextProject   ContextKind = "project"
	ContextWorkspace ContextKind = "workspace"
)

// Context identifies what a Plan runs against.
type Context struct {
	Kind         ContextKind
	Root         string
	ActiveMember string // set only for ContextWorkspace
}

// EngineMode is one of the three execution strategies spec.md §4.9 names.
type EngineMode string

const (
	CasNative       EngineMode = "cas_native"
	MaterializedEnv EngineMode = "materialized_env"
	HostPassthrough EngineMode = "host_passthrough"
)

// Engine is the selected execution strategy, with room to record a later
// runtime demotion from CasNative.
type Engine struct {
	Mode               EngineMode
	FallbackReasonCode string
	demoted            bool
}

// Demote downgrades a CasNative engine to MaterializedEnv after a runtime
// integrity failure (a missing artifact discovered mid-run), logging
// CAS_NATIVE_FALLBACK exactly once per Engine value.
func (e *Engine) Demote(logger *slog.Logger, reasonCode string) {
	if e.demoted {
		return
	}
	e.demoted = true
	e.Mode = MaterializedEnv
	e.FallbackReasonCode = reasonCode
	if logger != nil {
		logger.Warn("CAS_NATIVE_FALLBACK", "reason", reasonCode)
	}
}

// Flags carries the invocation-wide mode switches that shape a Plan.
type Flags struct {
	Strict        bool
	AllowAutosync bool
}

// Plan is the outcome of Compute.
type Plan struct {
	Context Context
	Engine  Engine
	Flags   Flags
}

// Request describes what the caller wants to run.
type Request struct {
	// Target is empty (use the resolved project env), a bare interpreter
	// alias ("python3.11"), or an absolute executable path.
	Target string
	// RequiresSitePackagesLayout is set by callers (e.g. a tool that
	// inspects site-packages directly) that can't use a pure CAS view.
	RequiresSitePackagesLayout bool
}

// Input is everything Compute needs.
type Input struct {
	Context       Context
	Strict        bool
	AllowAutosync bool
	Request       Request
	StoredEnv     *state.StoredEnv
	Store         *cas.Store
}

var bareInterpreterAlias = regexp.MustCompile(`^python[0-9]*(\.[0-9]+)?$`)

// Compute selects an engine per spec.md §4.9's policy.
func Compute(ctx context.Context, in Input) (Plan, error) {
	p := Plan{Context: in.Context, Flags: Flags{Strict: in.Strict, AllowAutosync: in.AllowAutosync}}

	if isHostPassthroughTarget(in.Request.Target) {
		p.Engine = Engine{Mode: HostPassthrough}
		return p, nil
	}

	if !in.Request.RequiresSitePackagesLayout && canUseCasNative(ctx, in.Store, in.StoredEnv) {
		p.Engine = Engine{Mode: CasNative}
		return p, nil
	}

	p.Engine = Engine{Mode: MaterializedEnv}
	return p, nil
}

func isHostPassthroughTarget(target string) bool {
	if target == "" {
		return false
	}
	return filepath.IsAbs(target) || bareInterpreterAlias.MatchString(target)
}

func canUseCasNative(ctx context.Context, store *cas.Store, storedEnv *state.StoredEnv) bool {
	if store == nil || storedEnv == nil || storedEnv.ProfileOID == "" {
		return false
	}
	loaded, err := store.Load(ctx, storedEnv.ProfileOID)
	if err != nil || loaded.Kind != cas.KindProfile || loaded.ProfileHeader == nil {
		return false
	}
	header := loaded.ProfileHeader
	if header.RuntimeOID != "" && !store.Exists(header.RuntimeOID) {
		return false
	}
	for _, oid := range header.SysPathOrder {
		if !isMaterialized(store.MaterializedPkgBuildPath(oid)) {
			return false
		}
	}
	return true
}

func isMaterialized(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

// RequireNoMutationNeeded enforces spec.md §4.9's strict-mode rule: in
// strict mode (--frozen or CI=1), a state that would require mutating the
// lock or env is a user error citing the canonical state code, not an
// implicit resolve/rebuild.
func RequireNoMutationNeeded(strict bool, report state.Report) error {
	if !strict {
		return nil
	}
	switch report.State {
	case state.NeedsLock, state.NeedsEnv, state.WNeedsLock, state.WNeedsEnv:
		return pxerr.New(CodeStrictMutationBlocked, "project state requires a mutation that strict mode forbids", map[string]any{
			"state":   string(report.State),
			"reasons": report.Reasons,
		}).WithHint("run without --frozen to allow px to resolve and materialize the environment")
	default:
		return nil
	}
}
