// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/pxtool/px/internal/runtimereg"
)

func TestRunPythonListEmptyRegistry(t *testing.T) {
	setupAppRuntimesForTest(t)
	err, _, details := runPythonList()
	if err != nil {
		t.Fatalf("runPythonList() error = %v", err)
	}
	if details["channels"].([]string) == nil {
		t.Fatalf("details[channels] = %v, want non-nil empty slice", details["channels"])
	}
}

func TestRunPythonInfoUnregisteredChannel(t *testing.T) {
	setupAppRuntimesForTest(t)
	err, _, _ := runPythonInfo("3.99")
	if err == nil {
		t.Fatal("runPythonInfo() on unregistered channel: want error, got nil")
	}
}

func TestRunPythonInfoRegisteredChannel(t *testing.T) {
	setupAppRuntimesForTest(t)
	app.Runtimes.Upsert(runtimereg.Record{Channel: "3.12", FullVersion: "3.12.4", Path: "/usr/bin/python3.12", Origin: runtimereg.OriginExternal})
	err, msg, details := runPythonInfo("3.12")
	if err != nil {
		t.Fatalf("runPythonInfo() error = %v", err)
	}
	if msg == "" {
		t.Fatal("runPythonInfo() returned empty message")
	}
	rec, ok := details["runtime"].(runtimereg.Record)
	if !ok || rec.Channel != "3.12" {
		t.Fatalf("details[runtime] = %v, want channel 3.12", details["runtime"])
	}
}
