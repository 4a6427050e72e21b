// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package status assembles the `px status` payload from the already-
// computed project/workspace state, lock, and env (spec.md §4.12). It
// makes no decisions about resolution or mutation itself; it only reports
// what state.Evaluate/EvaluateWorkspace already found plus a suggested next
// command.
package status

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/runtimereg"
	"github.com/pxtool/px/internal/state"
)

// ContextKind is the kind of root status was computed against.
type ContextKind string

const (
	ContextNone            ContextKind = "none"
	ContextProject         ContextKind = "project"
	ContextWorkspace       ContextKind = "workspace"
	ContextWorkspaceMember ContextKind = "workspace_member"
)

// Context identifies what status was computed against.
type Context struct {
	Kind   ContextKind `json:"kind"`
	Root   string      `json:"root,omitempty"`
	Member string      `json:"member,omitempty"` // project name, when Kind == ContextWorkspaceMember
}

// NextActionKind is the suggested follow-up action.
type NextActionKind string

const (
	ActionNone          NextActionKind = "none"
	ActionSync          NextActionKind = "sync"
	ActionSyncWorkspace NextActionKind = "sync_workspace"
	ActionInit          NextActionKind = "init"
	ActionMigrate       NextActionKind = "migrate"
)

// NextAction names what to run next and the exact command.
type NextAction struct {
	Kind    NextActionKind `json:"kind"`
	Command string         `json:"command,omitempty"`
}

// ProjectStatus summarizes a single project's manifest.
type ProjectStatus struct {
	Name            string   `json:"name"`
	RequiresPython  string   `json:"requires_python"`
	DependencyCount int      `json:"dependency_count"`
	DeclaredGroups  []string `json:"declared_groups,omitempty"`
}

// WorkspaceStatus summarizes a workspace's members.
type WorkspaceStatus struct {
	MemberCount int      `json:"member_count"`
	Members     []string `json:"members"`
}

// RuntimeStatus summarizes the resolved interpreter.
type RuntimeStatus struct {
	Channel     string `json:"channel"`
	FullVersion string `json:"full_version"`
	Path        string `json:"path"`
	Origin      string `json:"origin"`
	Source      string `json:"source"`
}

// LockStatus summarizes the lock, if present.
type LockStatus struct {
	Exists          bool   `json:"exists"`
	LockID          string `json:"lock_id,omitempty"`
	Mode            string `json:"mode,omitempty"`
	DependencyCount int    `json:"dependency_count"`
}

// EnvStatus summarizes the materialized environment, if recorded.
type EnvStatus struct {
	Exists       bool   `json:"exists"`
	ID           string `json:"id,omitempty"`
	ProfileOID   string `json:"profile_oid,omitempty"`
	SitePackages string `json:"site_packages,omitempty"`
}

// Issue is a single disagreement between the manifest and the lock, named
// so `px why --issue <id>` can address it directly.
type Issue struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Payload is the `px status` output shape (spec.md §4.12).
type Payload struct {
	Context    Context          `json:"context"`
	Project    *ProjectStatus   `json:"project,omitempty"`
	Workspace  *WorkspaceStatus `json:"workspace,omitempty"`
	Runtime    *RuntimeStatus   `json:"runtime,omitempty"`
	Lock       *LockStatus      `json:"lock,omitempty"`
	Env        *EnvStatus       `json:"env,omitempty"`
	NextAction NextAction       `json:"next_action"`
	Warnings   []string         `json:"warnings,omitempty"`
	Issues     []Issue          `json:"issues,omitempty"`
}

// IssueID names the i'th (0-based) drift message with the identifier `px
// why --issue` accepts.
func IssueID(i int) string { return fmt.Sprintf("PX-ISSUE-%d", i+1) }

// issuesFromDrift names each of a DriftReport's Issues() with IssueID.
func issuesFromDrift(d *lockfile.DriftReport) []Issue {
	if d == nil {
		return nil
	}
	messages := d.Issues()
	if len(messages) == 0 {
		return nil
	}
	issues := make([]Issue, len(messages))
	for i, message := range messages {
		issues[i] = Issue{ID: IssueID(i), Message: message}
	}
	return issues
}

// ProjectInput carries everything ComputeProject needs.
type ProjectInput struct {
	Root      string
	Snapshot  *manifest.ProjectSnapshot
	Lock      *lockfile.LockSnapshot
	StoredEnv *state.StoredEnv
	Report    state.Report
	Runtime   *runtimereg.Selection
}

// ComputeProject builds a Payload for a single (non-workspace) project
// root.
func ComputeProject(in ProjectInput) Payload {
	if in.Snapshot == nil {
		return Payload{
			Context:    Context{Kind: ContextNone, Root: in.Root},
			NextAction: onboardAction(in.Root),
		}
	}

	p := Payload{
		Context: Context{Kind: ContextProject, Root: in.Root},
		Project: &ProjectStatus{
			Name:            in.Snapshot.Name,
			RequiresPython:  in.Snapshot.RequiresPython,
			DependencyCount: len(in.Snapshot.Dependencies),
			DeclaredGroups:  in.Snapshot.DeclaredGroups,
		},
		Warnings: warningsForProject(in.Snapshot),
		Issues:   issuesFromDrift(in.Report.Drift),
	}
	if in.Runtime != nil {
		p.Runtime = &RuntimeStatus{
			Channel: in.Runtime.Record.Channel, FullVersion: in.Runtime.Record.FullVersion,
			Path: in.Runtime.Record.Path, Origin: string(in.Runtime.Record.Origin), Source: string(in.Runtime.Source),
		}
	}
	if in.Lock != nil {
		p.Lock = &LockStatus{Exists: true, LockID: in.Lock.LockID, Mode: in.Lock.Mode, DependencyCount: len(in.Lock.Dependencies)}
	} else {
		p.Lock = &LockStatus{Exists: false}
	}
	if in.StoredEnv != nil {
		p.Env = &EnvStatus{Exists: true, ID: in.StoredEnv.ID, ProfileOID: in.StoredEnv.ProfileOID, SitePackages: in.StoredEnv.SitePackages}
	} else {
		p.Env = &EnvStatus{Exists: false}
	}

	p.NextAction = nextActionForState(in.Report.State)
	return p
}

// WorkspaceInput carries everything ComputeWorkspace needs.
type WorkspaceInput struct {
	Root      string
	Snapshot  *manifest.WorkspaceSnapshot
	Lock      *lockfile.LockSnapshot
	StoredEnv *state.StoredEnv
	Report    state.Report
	Runtime   *runtimereg.Selection
	// ActiveMember, if non-empty, computes status for one workspace
	// member instead of the whole workspace (context.kind becomes
	// WorkspaceMember).
	ActiveMember string
}

// ComputeWorkspace builds a Payload for a workspace root, or for one
// member of it when ActiveMember is set.
func ComputeWorkspace(in WorkspaceInput) Payload {
	if in.Snapshot == nil {
		return Payload{
			Context:    Context{Kind: ContextNone, Root: in.Root},
			NextAction: onboardAction(in.Root),
		}
	}

	names := make([]string, 0, len(in.Snapshot.Members))
	var warnings []string
	var active *manifest.ProjectSnapshot
	for _, m := range in.Snapshot.Members {
		names = append(names, m.Name)
		warnings = append(warnings, warningsForMember(m)...)
		if m.Name == in.ActiveMember {
			active = m
		}
	}

	ctx := Context{Kind: ContextWorkspace, Root: in.Root}
	if in.ActiveMember != "" {
		ctx = Context{Kind: ContextWorkspaceMember, Root: in.Root, Member: in.ActiveMember}
	}

	p := Payload{
		Context: ctx,
		Workspace: &WorkspaceStatus{
			MemberCount: len(in.Snapshot.Members),
			Members:     names,
		},
		Warnings: warnings,
		Issues:   issuesFromDrift(in.Report.Drift),
	}
	if active != nil {
		p.Project = &ProjectStatus{
			Name: active.Name, RequiresPython: active.RequiresPython,
			DependencyCount: len(active.Dependencies), DeclaredGroups: active.DeclaredGroups,
		}
	}
	if in.Runtime != nil {
		p.Runtime = &RuntimeStatus{
			Channel: in.Runtime.Record.Channel, FullVersion: in.Runtime.Record.FullVersion,
			Path: in.Runtime.Record.Path, Origin: string(in.Runtime.Record.Origin), Source: string(in.Runtime.Source),
		}
	}
	if in.Lock != nil {
		p.Lock = &LockStatus{Exists: true, LockID: in.Lock.LockID, Mode: in.Lock.Mode, DependencyCount: len(in.Lock.Dependencies)}
	} else {
		p.Lock = &LockStatus{Exists: false}
	}
	if in.StoredEnv != nil {
		p.Env = &EnvStatus{Exists: true, ID: in.StoredEnv.ID, ProfileOID: in.StoredEnv.ProfileOID, SitePackages: in.StoredEnv.SitePackages}
	} else {
		p.Env = &EnvStatus{Exists: false}
	}

	p.NextAction = nextActionForState(in.Report.State)
	return p
}

func nextActionForState(s state.State) NextAction {
	switch s {
	case state.Uninitialized, state.WUninitialized:
		return NextAction{Kind: ActionInit, Command: "px init"}
	case state.NeedsLock, state.NeedsEnv:
		return NextAction{Kind: ActionSync, Command: "px sync"}
	case state.WNeedsLock, state.WNeedsEnv:
		return NextAction{Kind: ActionSyncWorkspace, Command: "px sync --workspace"}
	default:
		return NextAction{Kind: ActionNone}
	}
}

// onboardAction suggests `px migrate` when root looks like an existing,
// non-px Python project (a requirements.txt/setup.py/Pipfile is present),
// else `px init` for a genuinely new directory.
func onboardAction(root string) NextAction {
	for _, candidate := range []string{"requirements.txt", "setup.py", "setup.cfg", "Pipfile"} {
		if _, err := os.Stat(filepath.Join(root, candidate)); err == nil {
			return NextAction{Kind: ActionMigrate, Command: "px migrate --source " + candidate}
		}
	}
	return NextAction{Kind: ActionInit, Command: "px init"}
}

// warningsForProject flags a standalone project declaring sandbox config
// under a table spec.md doesn't expect at this scope; currently a no-op
// since standalone projects are the normal place for [tool.px.sandbox].
func warningsForProject(snap *manifest.ProjectSnapshot) []string {
	return nil
}

// warningsForMember flags a workspace member declaring [tool.px.sandbox],
// which is ignored in favour of the workspace-level config (spec.md
// §4.12).
func warningsForMember(m *manifest.ProjectSnapshot) []string {
	if len(m.PxOptions.Sandbox) > 0 {
		return []string{"member " + m.Name + " declares [tool.px.sandbox]; ignored in favour of the workspace-level config"}
	}
	return nil
}
