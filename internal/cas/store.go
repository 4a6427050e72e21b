// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/fsx"
	"github.com/pxtool/px/internal/hashx"
)

// Store is a content-addressable object store rooted at a directory tree:
//
//	<root>/objects/<oid[:2]>/<oid>
//	<root>/locks/<oid>.lock
//	<root>/index.sqlite
//
// Grounded on the original store::cas::store_impl::objects module: sharded
// object paths, per-oid exclusive write locks, tmp-then-rename writes with a
// post-write digest check, and a sqlite index treated as pure cache (every
// miss falls back to disk, and the whole index can be rebuilt from the
// object tree).
type Store struct {
	root       string
	objectsDir string
	locksDir   string
	idx        *index
}

// Open opens (creating if absent) the CAS rooted at root.
func Open(root string) (*Store, error) {
	objectsDir := filepath.Join(root, "objects")
	locksDir := filepath.Join(root, "locks")
	for _, dir := range []string{root, objectsDir, locksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating CAS directory %s", dir)
		}
	}
	idx, err := openIndex(filepath.Join(root, "index.sqlite"))
	if err != nil {
		return nil, err
	}
	return &Store{root: root, objectsDir: objectsDir, locksDir: locksDir, idx: idx}, nil
}

// Close releases the index database handle.
func (s *Store) Close() error {
	return s.idx.Close()
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) objectPath(oid string) string {
	return filepath.Join(s.objectsDir, oid[:2], oid)
}

// ComputeOID returns the content address a CanonicalObject would have
// without storing it, so callers can check presence before building a
// payload (e.g. before downloading a wheel already in the store).
func ComputeOID(obj CanonicalObject) (string, error) {
	return hashx.ComputeOID(obj)
}

// Store canonically encodes obj, computes its OID, and writes it to the
// object tree if absent. It is idempotent: storing the same object twice is
// a cheap no-op that still refreshes last_accessed.
func (s *Store) Store(ctx context.Context, obj CanonicalObject) (StoredObject, error) {
	oid, err := hashx.ComputeOID(obj)
	if err != nil {
		return StoredObject{}, errors.Wrap(err, "computing object id")
	}

	var result StoredObject
	err = s.withObjectLock(ctx, oid, func() error {
		path := s.objectPath(oid)
		if info, statErr := os.Stat(path); statErr == nil {
			result = StoredObject{OID: oid, Path: path, Size: info.Size(), Kind: obj.Kind}
			return s.idx.touchObject(ctx, ObjectInfo{
				OID: oid, Kind: obj.Kind, Size: info.Size(),
				CreatedAt: info.ModTime().Unix(), LastAccessed: time.Now().Unix(),
			})
		}

		canon, err := hashx.CanonicalJSON(obj)
		if err != nil {
			return errors.Wrap(err, "canonicalizing object")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrapf(err, "creating object shard directory for %s", oid)
		}
		if err := fsx.AtomicWriteFile(path, canon, 0o644); err != nil {
			return errors.Wrapf(err, "writing object %s", oid)
		}
		if err := verifyDigest(path, oid); err != nil {
			_ = os.Remove(path)
			return err
		}
		if err := os.Chmod(path, 0o444); err != nil {
			return errors.Wrapf(err, "marking object %s read-only", oid)
		}

		now := time.Now().Unix()
		size := int64(len(canon))
		if err := s.idx.touchObject(ctx, ObjectInfo{OID: oid, Kind: obj.Kind, Size: size, CreatedAt: now, LastAccessed: now}); err != nil {
			return err
		}
		result = StoredObject{OID: oid, Path: path, Size: size, Kind: obj.Kind}
		return nil
	})
	return result, err
}

func verifyDigest(path, wantOID string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "reopening object %s for verification", wantOID)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return errors.Wrapf(err, "reading object %s for verification", wantOID)
	}
	got := hashx.SHA256Hex(data)
	if got != wantOID {
		return ErrDigestMismatch(wantOID, got)
	}
	return nil
}

// Load reads and decodes the object at oid, self-healing the index entry if
// it was missing (the object tree is always authoritative over the index).
func (s *Store) Load(ctx context.Context, oid string) (*LoadedObject, error) {
	path := s.objectPath(oid)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound(oid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading object %s", oid)
	}
	got := hashx.SHA256Hex(data)
	if got != oid {
		return nil, ErrDigestMismatch(oid, got)
	}

	var obj CanonicalObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, ErrObjectCorrupt(oid, err)
	}

	_ = s.idx.touchObject(ctx, ObjectInfo{OID: oid, Kind: obj.Kind, Size: int64(len(data)), CreatedAt: time.Now().Unix(), LastAccessed: time.Now().Unix()})

	return decodeObject(oid, obj)
}

// Exists reports whether oid is present in the object tree, independent of
// the index.
func (s *Store) Exists(oid string) bool {
	_, err := os.Stat(s.objectPath(oid))
	return err == nil
}

func decodeObject(oid string, obj CanonicalObject) (*LoadedObject, error) {
	loaded := &LoadedObject{OID: oid, Kind: obj.Kind}
	if obj.Payload != "" && obj.PayloadKind != string(PayloadKindNone) {
		body, err := base64.StdEncoding.DecodeString(obj.Payload)
		if err != nil {
			return nil, ErrObjectCorrupt(oid, errors.Wrap(err, "decoding payload"))
		}
		loaded.Body = body
	}
	switch obj.Kind {
	case KindSource:
		var h SourceHeader
		if err := json.Unmarshal(obj.Header, &h); err != nil {
			return nil, ErrObjectCorrupt(oid, err)
		}
		loaded.SourceHeader = &h
	case KindPkgBuild:
		var h PkgBuildHeader
		if err := json.Unmarshal(obj.Header, &h); err != nil {
			return nil, ErrObjectCorrupt(oid, err)
		}
		loaded.PkgBuildHeader = &h
	case KindRuntime:
		var h RuntimeHeader
		if err := json.Unmarshal(obj.Header, &h); err != nil {
			return nil, ErrObjectCorrupt(oid, err)
		}
		loaded.RuntimeHeader = &h
	case KindProfile:
		var h ProfileHeader
		if err := json.Unmarshal(obj.Header, &h); err != nil {
			return nil, ErrObjectCorrupt(oid, err)
		}
		loaded.ProfileHeader = &h
	case KindRepoSnapshot:
		var h RepoSnapshotHeader
		if err := json.Unmarshal(obj.Header, &h); err != nil {
			return nil, ErrObjectCorrupt(oid, err)
		}
		loaded.RepoSnapshotHeader = &h
	case KindMeta:
		loaded.MetaBytes = loaded.Body
	default:
		return nil, ErrObjectCorrupt(oid, errors.Errorf("unknown object kind %q", obj.Kind))
	}
	return loaded, nil
}

// AddRef pins oid against deletion by owner (spec.md §4.3 "add_ref").
func (s *Store) AddRef(ctx context.Context, oid string, owner Owner) error {
	return s.idx.addRef(ctx, oid, owner)
}

// RemoveOwnerRefs drops every ref held by owner and returns the OIDs that
// became unreferenced as a result. It does not delete objects; callers
// invoke GarbageCollect separately, matching the original two-phase
// unref-then-sweep design.
func (s *Store) RemoveOwnerRefs(ctx context.Context, owner Owner) ([]string, error) {
	return s.idx.removeOwnerRefs(ctx, owner)
}

// LookupKey resolves a content-derived cache key (e.g. a manifest
// fingerprint) to the OID it last produced.
func (s *Store) LookupKey(ctx context.Context, key string) (string, bool, error) {
	return s.idx.lookupKey(ctx, key)
}

// RecordKey remembers that key currently produces oid.
func (s *Store) RecordKey(ctx context.Context, key, oid string) error {
	return s.idx.recordKey(ctx, key, oid)
}

// GarbageCollect deletes every object with zero refs from both the object
// tree and the index, returning the reclaimed OIDs. Safe to run concurrently
// with Store/Load: it only ever removes objects the index reports as
// unreferenced at the instant of the scan.
func (s *Store) GarbageCollect(ctx context.Context) ([]string, error) {
	unreferenced, err := s.idx.unreferencedObjects(ctx)
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, oid := range unreferenced {
		err := s.withObjectLock(ctx, oid, func() error {
			path := s.objectPath(oid)
			if err := os.Chmod(path, 0o644); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "unlocking object %s for deletion", oid)
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "deleting object %s", oid)
			}
			return s.idx.deleteObject(ctx, oid)
		})
		if err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, oid)
	}
	return reclaimed, nil
}

// RebuildFromDisk clears the index and replays it from the on-disk object
// tree (spec.md §4.3 "rebuild_index_from_store"), used when the index is
// missing or reports itself corrupt. Objects are restored unreferenced by
// this pass alone; RebuildFromDisk then rescans witnesses — on-disk
// records that other parts of px independently maintain to remember which
// OIDs they still care about — and re-asserts their refs, so a rebuild
// followed by GarbageCollect retains exactly the OIDs still reachable from
// a live owner (spec.md §8). See rebuild.go for the witness passes.
func (s *Store) RebuildFromDisk(ctx context.Context, witnesses RebuildWitnesses) (int, error) {
	if err := s.idx.clearAll(ctx); err != nil {
		return 0, err
	}
	count, known, err := s.populateObjectsFromDisk(ctx)
	if err != nil {
		return count, err
	}
	if err := s.populateRefsFromEnvManifests(ctx, witnesses.EnvsRoot, known); err != nil {
		return count, err
	}
	if err := s.populateRefsFromToolRecords(ctx, witnesses.ToolsRoot, known); err != nil {
		return count, err
	}
	if err := s.populateRefsFromStateFiles(ctx, witnesses.StateFiles, known); err != nil {
		return count, err
	}
	return count, nil
}

// populateObjectsFromDisk is rebuild_index_from_store's object pass: it
// replays every on-disk object into the index and returns the set of OIDs
// now known-present, the gate the witness passes use before asserting a
// ref for an OID that turned out not to exist (or was corrupt and
// skipped).
func (s *Store) populateObjectsFromDisk(ctx context.Context) (int, map[string]bool, error) {
	entries, err := os.ReadDir(s.objectsDir)
	if err != nil {
		return 0, nil, errors.Wrap(err, "reading objects directory")
	}
	count := 0
	known := make(map[string]bool)
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.objectsDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return count, known, errors.Wrapf(err, "reading shard %s", shard.Name())
		}
		for _, f := range files {
			oid := f.Name()
			path := filepath.Join(shardPath, oid)
			data, err := os.ReadFile(path)
			if err != nil {
				return count, known, errors.Wrapf(err, "reading object %s during rebuild", oid)
			}
			if hashx.SHA256Hex(data) != oid {
				continue // skip corrupt entries; GarbageCollect/fsck surfaces them separately
			}
			var obj CanonicalObject
			if err := json.Unmarshal(data, &obj); err != nil {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return count, known, err
			}
			if err := s.idx.touchObject(ctx, ObjectInfo{
				OID: oid, Kind: obj.Kind, Size: info.Size(),
				CreatedAt: info.ModTime().Unix(), LastAccessed: info.ModTime().Unix(),
			}); err != nil {
				return count, known, err
			}
			known[oid] = true
			count++
		}
	}
	return count, known, nil
}
