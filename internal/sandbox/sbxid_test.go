// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "testing"

func TestComputeSbxIDStableRegardlessOfOrder(t *testing.T) {
	a, err := ComputeSbxID("debian:bookworm-slim",
		[]string{"postgres", "geospatial"},
		[]SystemDep{{Package: "libpq5", Version: "1"}, {Package: "libgdal32", Version: "2"}},
		"profile-oid", "1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComputeSbxID("debian:bookworm-slim",
		[]string{"geospatial", "postgres"},
		[]SystemDep{{Package: "libgdal32", Version: "2"}, {Package: "libpq5", Version: "1"}},
		"profile-oid", "1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("sbx_id not order-independent: %s != %s", a, b)
	}
}

func TestComputeSbxIDChangesWithInput(t *testing.T) {
	a, _ := ComputeSbxID("debian:bookworm-slim", []string{"postgres"}, nil, "p1", "1")
	b, _ := ComputeSbxID("debian:bookworm-slim", []string{"opencv"}, nil, "p1", "1")
	if a == b {
		t.Error("expected different sbx_id for different capabilities")
	}
}

func TestBuildPlanDerivesSystemDeps(t *testing.T) {
	plan, err := BuildPlan(Request{
		BaseOSOID:       "debian:bookworm-slim",
		DependencyNames: []string{"psycopg2"},
		ProfileOID:      "p1",
		SbxVersion:      "1",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Capabilities) != 1 || plan.Capabilities[0] != "postgres" {
		t.Fatalf("capabilities = %v", plan.Capabilities)
	}
	if len(plan.SystemDeps) != 1 || plan.SystemDeps[0].Package != "libpq5" {
		t.Fatalf("system deps = %v", plan.SystemDeps)
	}
	if plan.SbxID == "" {
		t.Error("expected non-empty sbx_id")
	}
}
