// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sourceObject(t *testing.T, name string, body []byte) CanonicalObject {
	t.Helper()
	obj, err := NewObject(KindSource, SourceHeader{
		Name: name, Version: "1.0", Filename: name + "-1.0.tar.gz", SHA256: "deadbeef",
	}, PayloadKindRaw, body)
	if err != nil {
		t.Fatalf("NewObject() error = %v", err)
	}
	return obj
}

func TestStore_StoreLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	obj := sourceObject(t, "requests", []byte("package bytes"))

	stored, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if stored.OID == "" {
		t.Fatalf("Store() returned empty OID")
	}

	loaded, err := s.Load(ctx, stored.OID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Kind != KindSource {
		t.Errorf("Load().Kind got = %v, want %v", loaded.Kind, KindSource)
	}
	if loaded.SourceHeader == nil || loaded.SourceHeader.Name != "requests" {
		t.Errorf("Load().SourceHeader got = %+v, want Name=requests", loaded.SourceHeader)
	}
	if string(loaded.Body) != "package bytes" {
		t.Errorf("Load().Body got = %q, want %q", loaded.Body, "package bytes")
	}
}

func TestStore_StoreIsContentAddressedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	obj := sourceObject(t, "flask", []byte("x"))

	first, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatalf("Store() first error = %v", err)
	}
	second, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatalf("Store() second error = %v", err)
	}
	if first.OID != second.OID {
		t.Errorf("Store() not content-addressed: got %s and %s for identical input", first.OID, second.OID)
	}

	oid, err := ComputeOID(obj)
	if err != nil {
		t.Fatalf("ComputeOID() error = %v", err)
	}
	if oid != first.OID {
		t.Errorf("ComputeOID() got = %s, want %s", oid, first.OID)
	}
}

func TestStore_LoadMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Load(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	if err == nil {
		t.Fatalf("Load() of missing object returned nil error")
	}
}

func TestStore_RefsAndGarbageCollect(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	obj := sourceObject(t, "numpy", []byte("y"))
	stored, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	owner := Owner{Type: OwnerProfile, ID: "profile-1"}
	if err := s.AddRef(ctx, stored.OID, owner); err != nil {
		t.Fatalf("AddRef() error = %v", err)
	}

	reclaimed, err := s.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("GarbageCollect() error = %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("GarbageCollect() reclaimed referenced object: %v", reclaimed)
	}
	if !s.Exists(stored.OID) {
		t.Errorf("Exists() = false after GC of referenced object")
	}

	unreferenced, err := s.RemoveOwnerRefs(ctx, owner)
	if err != nil {
		t.Fatalf("RemoveOwnerRefs() error = %v", err)
	}
	if len(unreferenced) != 1 || unreferenced[0] != stored.OID {
		t.Fatalf("RemoveOwnerRefs() got = %v, want [%s]", unreferenced, stored.OID)
	}

	reclaimed, err = s.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("GarbageCollect() error = %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != stored.OID {
		t.Fatalf("GarbageCollect() got = %v, want [%s]", reclaimed, stored.OID)
	}
	if s.Exists(stored.OID) {
		t.Errorf("Exists() = true after GC reclaimed object")
	}
}

func TestStore_LookupKeyRecordAndResolve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	obj := sourceObject(t, "django", []byte("z"))
	stored, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if _, found, err := s.LookupKey(ctx, "fingerprint-1"); err != nil || found {
		t.Fatalf("LookupKey() before record got found=%v err=%v, want false, nil", found, err)
	}

	if err := s.RecordKey(ctx, "fingerprint-1", stored.OID); err != nil {
		t.Fatalf("RecordKey() error = %v", err)
	}

	oid, found, err := s.LookupKey(ctx, "fingerprint-1")
	if err != nil {
		t.Fatalf("LookupKey() error = %v", err)
	}
	if !found || oid != stored.OID {
		t.Errorf("LookupKey() got = (%s, %v), want (%s, true)", oid, found, stored.OID)
	}
}

func TestStore_RebuildFromDisk(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "store")
	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	obj := sourceObject(t, "pillow", []byte("w"))
	stored, err := s.Store(ctx, obj)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	s.Close()

	reopened, err := Open(root)
	if err != nil {
		t.Fatalf("re-Open() error = %v", err)
	}
	defer reopened.Close()

	if _, found, err := reopened.idx.getObject(ctx, stored.OID); err != nil || found {
		t.Fatalf("fresh index unexpectedly has object before rebuild: found=%v err=%v", found, err)
	}

	count, err := reopened.RebuildFromDisk(ctx, RebuildWitnesses{})
	if err != nil {
		t.Fatalf("RebuildFromDisk() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("RebuildFromDisk() count = %d, want 1", count)
	}

	info, found, err := reopened.idx.getObject(ctx, stored.OID)
	if err != nil || !found {
		t.Fatalf("getObject() after rebuild found=%v err=%v, want true, nil", found, err)
	}
	if info.Kind != KindSource {
		t.Errorf("getObject() after rebuild Kind = %v, want %v", info.Kind, KindSource)
	}
}

// TestStore_RebuildFromDiskRetainsOnlyWitnessedRefs is spec.md §8's
// invariant: rebuild_index_from_store followed by garbage_collect retains
// exactly the OIDs reachable from a live owner witness, nothing more and
// nothing less.
func TestStore_RebuildFromDiskRetainsOnlyWitnessedRefs(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "store")
	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	runtimeObj, err := NewObject(KindRuntime, RuntimeHeader{Version: "3.12.0", Platform: "linux-x86_64", Implementation: "cpython", ABI: "cp312"}, PayloadKindTarGz, []byte("runtime"))
	if err != nil {
		t.Fatalf("NewObject(runtime) error = %v", err)
	}
	runtime, err := s.Store(ctx, runtimeObj)
	if err != nil {
		t.Fatalf("Store(runtime) error = %v", err)
	}

	pkgObj, err := NewObject(KindPkgBuild, PkgBuildHeader{SourceOID: "src-flask", RuntimeABI: "cp312-linux_x86_64", BuilderID: "wheel"}, PayloadKindTarGz, []byte("flask build"))
	if err != nil {
		t.Fatalf("NewObject(pkgBuild) error = %v", err)
	}
	pkgBuild, err := s.Store(ctx, pkgObj)
	if err != nil {
		t.Fatalf("Store(pkgBuild) error = %v", err)
	}

	profileObj, err := NewObject(KindProfile, ProfileHeader{
		RuntimeOID: runtime.OID,
		Packages:   []ProfilePackage{{Name: "flask", Version: "3.0.0", PkgBuildOID: pkgBuild.OID}},
	}, PayloadKindNone, nil)
	if err != nil {
		t.Fatalf("NewObject(profile) error = %v", err)
	}
	profile, err := s.Store(ctx, profileObj)
	if err != nil {
		t.Fatalf("Store(profile) error = %v", err)
	}

	orphanObj := sourceObject(t, "orphan", []byte("orphan"))
	orphan, err := s.Store(ctx, orphanObj)
	if err != nil {
		t.Fatalf("Store(orphan) error = %v", err)
	}

	toolsRoot := filepath.Join(t.TempDir(), "tools")
	if err := os.MkdirAll(filepath.Join(toolsRoot, "black"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeJSON(t, filepath.Join(toolsRoot, "black", "tool.json"), map[string]string{
		"name": "black", "profile_oid": profile.OID,
	})
	s.Close()

	reopened, err := Open(root)
	if err != nil {
		t.Fatalf("re-Open() error = %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.RebuildFromDisk(ctx, RebuildWitnesses{ToolsRoot: toolsRoot}); err != nil {
		t.Fatalf("RebuildFromDisk() error = %v", err)
	}

	reclaimed, err := reopened.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("GarbageCollect() error = %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != orphan.OID {
		t.Fatalf("GarbageCollect() reclaimed = %v, want only [%s]", reclaimed, orphan.OID)
	}
	for _, oid := range []string{runtime.OID, pkgBuild.OID, profile.OID} {
		if !reopened.Exists(oid) {
			t.Errorf("Exists(%s) = false after GC, want witnessed object to survive", oid)
		}
	}
	if reopened.Exists(orphan.OID) {
		t.Errorf("Exists(%s) = true after GC, want unwitnessed object reclaimed", orphan.OID)
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}
