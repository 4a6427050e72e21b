// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package reposnap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func initSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("hello.txt"); err != nil {
		t.Fatal(err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "px", Email: "px@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestEnsureMirrorClonesOnFirstUse(t *testing.T) {
	src := initSourceRepo(t)
	mirrorRoot := t.TempDir()

	dir, err := ensureMirror(context.Background(), mirrorRoot, src)
	if err != nil {
		t.Fatalf("ensureMirror() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config")); err != nil {
		t.Fatalf("mirror at %s missing git storage: %v", dir, err)
	}
}

func TestEnsureMirrorReusesExistingOnSecondCall(t *testing.T) {
	src := initSourceRepo(t)
	mirrorRoot := t.TempDir()

	first, err := ensureMirror(context.Background(), mirrorRoot, src)
	if err != nil {
		t.Fatalf("first ensureMirror() error = %v", err)
	}
	second, err := ensureMirror(context.Background(), mirrorRoot, src)
	if err != nil {
		t.Fatalf("second ensureMirror() error = %v", err)
	}
	if first != second {
		t.Errorf("ensureMirror() dir = %s, want same dir %s across calls", second, first)
	}
}

func TestMirrorDirNameIsStablePerURL(t *testing.T) {
	a := mirrorDirName("https://github.com/example/repo.git")
	b := mirrorDirName("https://github.com/example/repo")
	if a != b {
		t.Errorf("mirrorDirName mismatch for .git suffix: %q vs %q", a, b)
	}
	if mirrorDirName("https://github.com/example/repo") == mirrorDirName("https://github.com/other/repo") {
		t.Error("mirrorDirName collided for distinct repos")
	}
}
