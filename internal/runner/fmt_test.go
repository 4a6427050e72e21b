// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/pxtool/px/internal/manifest"
)

func TestFmtDefaultRuff(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	_, err := Fmt(context.Background(), inv, FmtOptions{Args: []string{"--check"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.calls) != 1 {
		t.Fatalf("calls = %v", fr.calls)
	}
	want := []string{"/envs/e1/bin/python3", "-m", "ruff", "format", "--check"}
	if !equalSlices(fr.calls[0], want) {
		t.Errorf("calls[0] = %v, want %v", fr.calls[0], want)
	}
}

func TestFmtUsesConfiguredCommands(t *testing.T) {
	fr := newFakeRunner()
	inv := testInvocation(t, fr)
	inv.Snapshot.PxOptions = manifest.PxOptions{Fmt: manifest.FmtOptions{Commands: []string{"black ."}}}
	_, err := Fmt(context.Background(), inv, FmtOptions{Args: []string{"--diff"}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"black", ".", "--diff"}
	if !equalSlices(fr.calls[0], want) {
		t.Errorf("calls[0] = %v, want %v", fr.calls[0], want)
	}
}

func TestFmtAutoAddsRuffOnMissingModule(t *testing.T) {
	fr := newFakeRunner()
	key := argvKey("/envs/e1/bin/python3", "-m", "ruff", "format")
	fr.outputs[key] = "No module named 'ruff'"
	fr.errs[key] = errors.New("exit 1")

	inv := testInvocation(t, fr)
	added := false
	_, err := Fmt(context.Background(), inv, FmtOptions{
		AddDefaultFormatter: func(ctx context.Context) error {
			added = true
			delete(fr.errs, key) // simulate ruff now being installed
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("expected AddDefaultFormatter to be called")
	}
	if len(fr.calls) != 2 {
		t.Errorf("expected two attempts, got %v", fr.calls)
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
