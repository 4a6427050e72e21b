// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package pyccache prunes per-profile bytecode caches under
// cache/pyc/<profile_oid>/ (spec.md §4.7): an LRU-by-count soft cap plus an
// age-based sweep, with the currently active profile exempt from both.
package pyccache

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultMaxAge is the age-based sweep threshold (spec.md §4.7).
const DefaultMaxAge = 30 * 24 * time.Hour

// Policy configures a prune pass.
type Policy struct {
	// SoftCap is the number of profile caches allowed before pruning kicks
	// in. Zero means "no count-based cap".
	SoftCap int
	// TargetAfterPrune is how many caches should remain once the soft cap
	// is exceeded (must be <= SoftCap).
	TargetAfterPrune int
	// MaxAge is the age-based sweep threshold; zero disables it.
	MaxAge time.Duration
	// ActiveProfileOID, if non-empty, is never pruned by either policy.
	ActiveProfileOID string
}

// entry is one profile cache directory, keyed by its own name (the
// profile oid) under root.
type entry struct {
	oid     string
	path    string
	modTime time.Time
}

// Prune scans root (cache/pyc/) for per-profile subdirectories and removes
// the ones the policy selects, returning the oids it removed. Directories
// are dated by mtime, which callers are expected to bump (e.g. via a touch
// file) on every materialization that reuses the cache.
func Prune(root string, policy Policy) ([]string, error) {
	entries, err := listEntries(root)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var toRemove []entry
	remaining := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.oid == policy.ActiveProfileOID {
			remaining = append(remaining, e)
			continue
		}
		if policy.MaxAge > 0 && now.Sub(e.modTime) > policy.MaxAge {
			toRemove = append(toRemove, e)
			continue
		}
		remaining = append(remaining, e)
	}

	if policy.SoftCap > 0 && len(remaining) > policy.SoftCap {
		// Oldest-first eviction down to TargetAfterPrune, skipping the
		// active profile.
		sort.Slice(remaining, func(i, j int) bool { return remaining[i].modTime.Before(remaining[j].modTime) })
		target := policy.TargetAfterPrune
		if target < 0 {
			target = 0
		}
		excess := len(remaining) - target
		for _, e := range remaining {
			if excess <= 0 {
				break
			}
			if e.oid == policy.ActiveProfileOID {
				continue
			}
			toRemove = append(toRemove, e)
			excess--
		}
	}

	removed := make([]string, 0, len(toRemove))
	for _, e := range toRemove {
		if err := os.RemoveAll(e.path); err != nil {
			return removed, err
		}
		removed = append(removed, e.oid)
	}
	return removed, nil
}

// Touch updates the cache directory's mtime so it reads as recently used,
// keeping it out of the age-based sweep and at the front of the LRU order.
func Touch(root, profileOID string) error {
	dir := filepath.Join(root, profileOID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(dir, now, now)
}

func listEntries(root string) ([]entry, error) {
	dirEntries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{oid: de.Name(), path: filepath.Join(root, de.Name()), modTime: info.ModTime()})
	}
	return entries, nil
}
