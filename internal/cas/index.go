// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// index is the durable sqlite-backed metadata store sitting alongside the
// object tree. It is a cache over the filesystem, never the source of
// truth: every lookup that finds nothing falls back to a disk scan, and
// RebuildFromDisk can always regenerate it from scratch (spec.md §4.3
// "the index is derived state").
type index struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS objects (
	oid           TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	size          INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS refs (
	oid        TEXT NOT NULL,
	owner_type TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	PRIMARY KEY (oid, owner_type, owner_id),
	FOREIGN KEY (oid) REFERENCES objects(oid) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS refs_owner_idx ON refs(owner_type, owner_id);
CREATE TABLE IF NOT EXISTS lookup_keys (
	key TEXT PRIMARY KEY,
	oid TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "opening index database")
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying index schema")
	}
	return &index{db: db}, nil
}

func (ix *index) Close() error {
	return ix.db.Close()
}

// touchObject inserts or updates an object row, bumping last_accessed.
func (ix *index) touchObject(ctx context.Context, info ObjectInfo) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO objects (oid, kind, size, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO UPDATE SET last_accessed = excluded.last_accessed
	`, info.OID, string(info.Kind), info.Size, info.CreatedAt, info.LastAccessed)
	return errors.Wrap(err, "touching object row")
}

func (ix *index) getObject(ctx context.Context, oid string) (ObjectInfo, bool, error) {
	var info ObjectInfo
	var kind string
	row := ix.db.QueryRowContext(ctx, `SELECT oid, kind, size, created_at, last_accessed FROM objects WHERE oid = ?`, oid)
	err := row.Scan(&info.OID, &kind, &info.Size, &info.CreatedAt, &info.LastAccessed)
	if err == sql.ErrNoRows {
		return ObjectInfo{}, false, nil
	}
	if err != nil {
		return ObjectInfo{}, false, errors.Wrap(err, "querying object row")
	}
	info.Kind = ObjectKind(kind)
	return info, true, nil
}

func (ix *index) addRef(ctx context.Context, oid string, owner Owner) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO refs (oid, owner_type, owner_id) VALUES (?, ?, ?)
	`, oid, string(owner.Type), owner.ID)
	return errors.Wrap(err, "adding ref")
}

// removeOwnerRefs deletes every ref row for owner, returning the OIDs that
// became unreferenced as a result (candidates for garbage collection).
func (ix *index) removeOwnerRefs(ctx context.Context, owner Owner) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT oid FROM refs WHERE owner_type = ? AND owner_id = ?`, string(owner.Type), owner.ID)
	if err != nil {
		return nil, errors.Wrap(err, "listing owner refs")
	}
	var oids []string
	for rows.Next() {
		var oid string
		if err := rows.Scan(&oid); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scanning ref row")
		}
		oids = append(oids, oid)
	}
	rows.Close()

	if _, err := ix.db.ExecContext(ctx, `DELETE FROM refs WHERE owner_type = ? AND owner_id = ?`, string(owner.Type), owner.ID); err != nil {
		return nil, errors.Wrap(err, "deleting owner refs")
	}

	var unreferenced []string
	for _, oid := range oids {
		count, err := ix.refCount(ctx, oid)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			unreferenced = append(unreferenced, oid)
		}
	}
	return unreferenced, nil
}

func (ix *index) refCount(ctx context.Context, oid string) (int, error) {
	var n int
	row := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refs WHERE oid = ?`, oid)
	if err := row.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting refs")
	}
	return n, nil
}

// unreferencedObjects returns every object OID with zero rows in refs,
// for garbage_collect.
func (ix *index) unreferencedObjects(ctx context.Context) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT o.oid FROM objects o
		LEFT JOIN refs r ON r.oid = o.oid
		WHERE r.oid IS NULL
	`)
	if err != nil {
		return nil, errors.Wrap(err, "listing unreferenced objects")
	}
	defer rows.Close()
	var oids []string
	for rows.Next() {
		var oid string
		if err := rows.Scan(&oid); err != nil {
			return nil, errors.Wrap(err, "scanning unreferenced row")
		}
		oids = append(oids, oid)
	}
	return oids, rows.Err()
}

func (ix *index) deleteObject(ctx context.Context, oid string) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM objects WHERE oid = ?`, oid)
	return errors.Wrap(err, "deleting object row")
}

func (ix *index) lookupKey(ctx context.Context, key string) (string, bool, error) {
	var oid string
	row := ix.db.QueryRowContext(ctx, `SELECT oid FROM lookup_keys WHERE key = ?`, key)
	err := row.Scan(&oid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "querying lookup key")
	}
	return oid, true, nil
}

func (ix *index) recordKey(ctx context.Context, key, oid string) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO lookup_keys (key, oid) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET oid = excluded.oid
	`, key, oid)
	return errors.Wrap(err, "recording lookup key")
}

// clearAll truncates every table; used by RebuildFromDisk before replaying
// the on-disk object tree.
func (ix *index) clearAll(ctx context.Context) error {
	for _, stmt := range []string{`DELETE FROM refs`, `DELETE FROM objects`, `DELETE FROM lookup_keys`} {
		if _, err := ix.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "clearing index table (%s)", stmt)
		}
	}
	return nil
}

func (ix *index) allObjects(ctx context.Context) ([]ObjectInfo, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT oid, kind, size, created_at, last_accessed FROM objects`)
	if err != nil {
		return nil, errors.Wrap(err, "listing objects")
	}
	defer rows.Close()
	var out []ObjectInfo
	for rows.Next() {
		var info ObjectInfo
		var kind string
		if err := rows.Scan(&info.OID, &kind, &info.Size, &info.CreatedAt, &info.LastAccessed); err != nil {
			return nil, errors.Wrap(err, "scanning object row")
		}
		info.Kind = ObjectKind(kind)
		out = append(out, info)
	}
	return out, rows.Err()
}
