// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/runtimereg"
	"github.com/pxtool/px/internal/state"
)

func TestComputeProjectUninitializedSuggestsInit(t *testing.T) {
	root := t.TempDir()
	p := ComputeProject(ProjectInput{Root: root})
	if p.Context.Kind != ContextNone {
		t.Fatalf("Context.Kind = %s, want %s", p.Context.Kind, ContextNone)
	}
	if p.NextAction.Kind != ActionInit {
		t.Errorf("NextAction.Kind = %s, want %s", p.NextAction.Kind, ActionInit)
	}
}

func TestComputeProjectUninitializedWithRequirementsSuggestsMigrate(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("flask\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := ComputeProject(ProjectInput{Root: root})
	if p.NextAction.Kind != ActionMigrate {
		t.Errorf("NextAction.Kind = %s, want %s", p.NextAction.Kind, ActionMigrate)
	}
	if p.NextAction.Command != "px migrate --source requirements.txt" {
		t.Errorf("NextAction.Command = %q", p.NextAction.Command)
	}
}

func TestComputeProjectAssemblesSections(t *testing.T) {
	root := t.TempDir()
	snap := &manifest.ProjectSnapshot{
		Name:           "demo",
		RequiresPython: ">=3.11",
		Dependencies:   []string{"requests"},
		DeclaredGroups: []string{"dev"},
	}
	lock := &lockfile.LockSnapshot{LockID: "abc123", Mode: "locked", Dependencies: []lockfile.LockedDependency{{}}}
	env := &state.StoredEnv{ID: "env1", ProfileOID: "profile1", SitePackages: "/px/env/site-packages"}
	sel := &runtimereg.Selection{
		Record: runtimereg.Record{Channel: "3.11", FullVersion: "3.11.9", Path: "/opt/px/runtimes/3.11.9/bin/python3", Origin: runtimereg.OriginManaged},
		Source: runtimereg.SourceRequirement,
	}

	p := ComputeProject(ProjectInput{
		Root: root, Snapshot: snap, Lock: lock, StoredEnv: env,
		Report: state.Report{State: state.Consistent}, Runtime: sel,
	})

	if p.Context.Kind != ContextProject {
		t.Fatalf("Context.Kind = %s, want %s", p.Context.Kind, ContextProject)
	}
	if p.Project == nil || p.Project.Name != "demo" || p.Project.DependencyCount != 1 {
		t.Errorf("Project = %+v", p.Project)
	}
	if p.Lock == nil || !p.Lock.Exists || p.Lock.LockID != "abc123" {
		t.Errorf("Lock = %+v", p.Lock)
	}
	if p.Env == nil || !p.Env.Exists || p.Env.ID != "env1" {
		t.Errorf("Env = %+v", p.Env)
	}
	if p.Runtime == nil || p.Runtime.Channel != "3.11" || p.Runtime.Source != string(runtimereg.SourceRequirement) {
		t.Errorf("Runtime = %+v", p.Runtime)
	}
	if p.NextAction.Kind != ActionNone {
		t.Errorf("NextAction.Kind = %s, want %s", p.NextAction.Kind, ActionNone)
	}
}

func TestComputeProjectMissingLockAndEnvSuggestSync(t *testing.T) {
	root := t.TempDir()
	snap := &manifest.ProjectSnapshot{Name: "demo"}
	p := ComputeProject(ProjectInput{Root: root, Snapshot: snap, Report: state.Report{State: state.NeedsLock}})
	if p.NextAction.Kind != ActionSync {
		t.Errorf("NextAction.Kind = %s, want %s", p.NextAction.Kind, ActionSync)
	}
	if p.Lock.Exists {
		t.Errorf("Lock.Exists = %v, want false", p.Lock.Exists)
	}
}

func TestComputeWorkspaceFlagsMemberSandboxOverride(t *testing.T) {
	root := t.TempDir()
	memberWithSandbox := &manifest.ProjectSnapshot{
		Name: "svc-a",
		PxOptions: manifest.PxOptions{
			Sandbox: map[string]any{"gpu": true},
		},
	}
	memberPlain := &manifest.ProjectSnapshot{Name: "svc-b"}
	ws := &manifest.WorkspaceSnapshot{Members: []*manifest.ProjectSnapshot{memberWithSandbox, memberPlain}}

	p := ComputeWorkspace(WorkspaceInput{Root: root, Snapshot: ws, Report: state.Report{State: state.WConsistent}})

	if p.Context.Kind != ContextWorkspace {
		t.Fatalf("Context.Kind = %s, want %s", p.Context.Kind, ContextWorkspace)
	}
	if p.Workspace == nil || p.Workspace.MemberCount != 2 {
		t.Fatalf("Workspace = %+v", p.Workspace)
	}
	if len(p.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one", p.Warnings)
	}
}

func TestComputeWorkspaceActiveMemberSetsProjectAndContext(t *testing.T) {
	root := t.TempDir()
	member := &manifest.ProjectSnapshot{Name: "svc-a", RequiresPython: ">=3.12", Dependencies: []string{"httpx"}}
	ws := &manifest.WorkspaceSnapshot{Members: []*manifest.ProjectSnapshot{member}}

	p := ComputeWorkspace(WorkspaceInput{
		Root: root, Snapshot: ws, ActiveMember: "svc-a",
		Report: state.Report{State: state.WNeedsEnv},
	})

	if p.Context.Kind != ContextWorkspaceMember || p.Context.Member != "svc-a" {
		t.Fatalf("Context = %+v", p.Context)
	}
	if p.Project == nil || p.Project.Name != "svc-a" {
		t.Fatalf("Project = %+v", p.Project)
	}
	if p.NextAction.Kind != ActionSyncWorkspace {
		t.Errorf("NextAction.Kind = %s, want %s", p.NextAction.Kind, ActionSyncWorkspace)
	}
}

func TestComputeWorkspaceUninitializedSuggestsInit(t *testing.T) {
	root := t.TempDir()
	p := ComputeWorkspace(WorkspaceInput{Root: root})
	if p.Context.Kind != ContextNone {
		t.Fatalf("Context.Kind = %s, want %s", p.Context.Kind, ContextNone)
	}
	if p.NextAction.Kind != ActionInit {
		t.Errorf("NextAction.Kind = %s, want %s", p.NextAction.Kind, ActionInit)
	}
}
