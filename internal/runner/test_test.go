// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/pxtool/px/internal/state"
)

func TestTestRunsPytestByDefault(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	_, err := Test(context.Background(), inv, TestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != 1 || fr.calls[0][1] != "-m" || fr.calls[0][2] != "pytest" {
		t.Errorf("calls = %v", fr.calls)
	}
}

func TestTestUsesConfiguredRuntestsScript(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	inv.Snapshot.Root = t.TempDir()
	if err := os.MkdirAll(inv.Snapshot.Root+"/tests", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inv.Snapshot.Root+"/tests/runtests.py", []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Test(context.Background(), inv, TestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != 1 || fr.calls[0][0] != "/envs/e1/bin/python3" {
		t.Errorf("calls = %v", fr.calls)
	}
}

func TestTestFallsBackWhenPytestMissingAfterAutosync(t *testing.T) {
	fr := newFakeRunner()
	pytestKey := argvKey("/envs/e1/bin/python3", "-m", "pytest", "tests")
	fr.outputs[pytestKey] = "ModuleNotFoundError: No module named 'pytest'"
	fr.errs[pytestKey] = errors.New("exit 1")
	fallbackKey := argvKey("/envs/e1/bin/python3", "-c",
		"import sys, demo.cli as m\nassert m.greet() == 'hello, px', 'greet() fixture mismatch'\nprint('ok')\n")
	fr.errs[fallbackKey] = nil

	inv := testInvocation(t, fr)
	inv.State = state.Report{State: state.NeedsLock}
	inv.Interactive = true
	inv.AutoSync = func(ctx context.Context) (state.Report, error) {
		return state.Report{State: state.Consistent}, nil
	}

	sync, err := Test(context.Background(), inv, TestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !sync.Attempted {
		t.Error("expected sync to have been attempted")
	}
	if len(fr.calls) != 2 {
		t.Fatalf("calls = %v", fr.calls)
	}
}

func TestTestMissingPytestWithoutAutosyncIsUserError(t *testing.T) {
	fr := newFakeRunner()
	pytestKey := argvKey("/envs/e1/bin/python3", "-m", "pytest", "tests")
	fr.outputs[pytestKey] = "ModuleNotFoundError: No module named 'pytest'"
	fr.errs[pytestKey] = errors.New("exit 1")

	inv := testInvocation(t, fr)
	_, err := Test(context.Background(), inv, TestOptions{})
	if err == nil {
		t.Fatal("expected error when pytest missing and no autosync occurred")
	}
}
