// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"testing"

	"github.com/pxtool/px/internal/envmat"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/state"
)

func testInvocation(t *testing.T, fr *fakeRunner) *Invocation {
	t.Helper()
	return &Invocation{
		Runner:   fr,
		Snapshot: &manifest.ProjectSnapshot{Name: "demo", Root: "/proj"},
		State:    state.Report{State: state.Consistent},
		Env:      &envmat.MaterializedEnv{BinDir: "/envs/e1/bin", SitePackages: "/envs/e1/site-packages"},
	}
}

func TestRunModuleTarget(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	_, err := Run(context.Background(), inv, RunOptions{Target: "json.tool", ExplicitModule: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != 1 || fr.calls[0][1] != "-m" || fr.calls[0][2] != "json.tool" {
		t.Errorf("calls = %v", fr.calls)
	}
}

func TestRunEntryPointTarget(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	inv.Snapshot.Scripts = map[string]string{"demo": "demo.cli:main"}
	_, err := Run(context.Background(), inv, RunOptions{Target: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != 1 || fr.calls[0][1] != "-c" {
		t.Errorf("calls = %v", fr.calls)
	}
}

func TestRunStrictModeBlocksOnNeedsLock(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	inv.Strict = true
	inv.State = state.Report{State: state.NeedsLock}
	_, err := Run(context.Background(), inv, RunOptions{Target: "json.tool", ExplicitModule: true})
	if err == nil {
		t.Fatal("expected strict-mode error")
	}
	if len(fr.calls) != 0 {
		t.Errorf("expected no invocation, got %v", fr.calls)
	}
}

func TestRunNonInteractiveNeedsLockSkipsAutosync(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	inv.State = state.Report{State: state.NeedsLock}
	inv.Interactive = false
	_, err := Run(context.Background(), inv, RunOptions{Target: "json.tool", ExplicitModule: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != 1 {
		t.Errorf("expected invocation to proceed without autosync, got %v", fr.calls)
	}
}

func TestRunInteractiveNeedsLockTriggersAutosync(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	inv.State = state.Report{State: state.NeedsLock}
	inv.Interactive = true
	called := false
	inv.AutoSync = func(ctx context.Context) (state.Report, error) {
		called = true
		return state.Report{State: state.Consistent}, nil
	}
	sync, err := Run(context.Background(), inv, RunOptions{Target: "json.tool", ExplicitModule: true})
	if err != nil {
		t.Fatal(err)
	}
	if !called || !sync.Attempted || !sync.Succeeded {
		t.Errorf("sync = %+v, called = %v", sync, called)
	}
}

func TestCutEntryPoint(t *testing.T) {
	mod, fn, ok := cutEntryPoint("demo.cli:main")
	if !ok || mod != "demo.cli" || fn != "main" {
		t.Errorf("got %q %q %v", mod, fn, ok)
	}
	if _, _, ok := cutEntryPoint("nodelimiter"); ok {
		t.Error("expected ok=false for entry point without a colon")
	}
}

func TestIsPinnedRef(t *testing.T) {
	if isPinnedRef("short") {
		t.Error("expected short ref to not be pinned")
	}
	if !isPinnedRef("abc123def456abc123def456abc123def456abc1") {
		t.Error("expected full 40-char sha to be pinned")
	}
}
