// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pxtool/px/internal/pxconfig"
	"github.com/pxtool/px/internal/state"
)

func withToolsPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := app.Config
	app.Config = &pxconfig.Config{ToolsPath: dir}
	t.Cleanup(func() { app.Config = prev })
	return dir
}

func TestSaveAndLoadToolRecordRoundTrips(t *testing.T) {
	withToolsPath(t)
	rec := &toolRecord{
		Name:       "httpie",
		Spec:       "httpie==3.2.2",
		EntryPoint: "http",
		ProfileOID: "sha256:deadbeef",
		Channel:    "3.12",
		Python:     state.PythonRef{Path: "/usr/bin/python3.12", Version: "3.12.4"},
	}
	if err := saveToolRecord(rec); err != nil {
		t.Fatalf("saveToolRecord() error = %v", err)
	}

	got, err := loadToolRecord("httpie")
	if err != nil {
		t.Fatalf("loadToolRecord() error = %v", err)
	}
	if got == nil || got.EntryPoint != "http" || got.Spec != "httpie==3.2.2" {
		t.Fatalf("loadToolRecord() = %+v, want entry_point=http spec=httpie==3.2.2", got)
	}
}

func TestLoadToolRecordMissingReturnsNil(t *testing.T) {
	withToolsPath(t)
	got, err := loadToolRecord("does-not-exist")
	if err != nil {
		t.Fatalf("loadToolRecord() error = %v", err)
	}
	if got != nil {
		t.Fatalf("loadToolRecord() = %+v, want nil", got)
	}
}

func TestPickEntryPointPrefersNameMatch(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"python", "python3", "http", "httpie-cli"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if got := pickEntryPoint(dir, "http"); got != "http" {
		t.Fatalf("pickEntryPoint() = %q, want http", got)
	}
}

func TestPickEntryPointFallsBackToSoleScript(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"python", "python3", "black"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if got := pickEntryPoint(dir, "black-formatter"); got != "black" {
		t.Fatalf("pickEntryPoint() = %q, want black", got)
	}
}

func TestPickEntryPointAmbiguousFallsBackToName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"python", "foo", "bar"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if got := pickEntryPoint(dir, "mytool"); got != "mytool" {
		t.Fatalf("pickEntryPoint() = %q, want mytool", got)
	}
}

func TestRunToolRunErrorsWhenNotInstalled(t *testing.T) {
	withToolsPath(t)
	err, _, _ := runToolRun(context.Background(), "nope", nil)
	if err == nil {
		t.Fatal("runToolRun() with no installed tool: want error, got nil")
	}
}

func TestRunToolRemoveErrorsWhenNotInstalled(t *testing.T) {
	withToolsPath(t)
	err, _, _ := runToolRemove(context.Background(), "nope")
	if err == nil {
		t.Fatal("runToolRemove() with no installed tool: want error, got nil")
	}
}

func TestRunToolUpgradeErrorsWhenNotInstalled(t *testing.T) {
	withToolsPath(t)
	err, _, _ := runToolUpgrade(context.Background(), "nope")
	if err == nil {
		t.Fatal("runToolUpgrade() with no installed tool: want error, got nil")
	}
}

func TestRunToolListReportsInstalledTools(t *testing.T) {
	withToolsPath(t)
	rec := &toolRecord{Name: "ruff", Spec: "ruff>=0.5", EntryPoint: "ruff", Channel: "3.12"}
	if err := saveToolRecord(rec); err != nil {
		t.Fatal(err)
	}

	err, _, details := runToolList()
	if err != nil {
		t.Fatalf("runToolList() error = %v", err)
	}
	names, _ := details["names"].([]string)
	if len(names) != 1 || names[0] != "ruff" {
		t.Fatalf("runToolList() names = %v, want [ruff]", names)
	}
}

func TestRunToolListEmptyToolsDirectory(t *testing.T) {
	dir := t.TempDir()
	prev := app.Config
	app.Config = &pxconfig.Config{ToolsPath: filepath.Join(dir, "absent")}
	t.Cleanup(func() { app.Config = prev })

	err, _, details := runToolList()
	if err != nil {
		t.Fatalf("runToolList() error = %v", err)
	}
	names, _ := details["names"].([]string)
	if len(names) != 0 {
		t.Fatalf("runToolList() names = %v, want empty", names)
	}
}
