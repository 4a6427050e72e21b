// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtimereg manages the registry of installed Python runtimes
// (spec.md §4.5 "Runtime Registry & Selection").
package runtimereg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/fsx"
)

const RegistryFileName = "runtimes.json"

// Origin distinguishes how a Record entered the registry.
type Origin string

const (
	OriginManaged  Origin = "managed"  // installed by px via python-build-standalone
	OriginExternal Origin = "external" // a pre-existing interpreter path registered by the user
)

// Record is a single registered runtime (spec.md §3 "Runtime Record").
type Record struct {
	Channel     string `json:"channel"` // "major.minor"
	FullVersion string `json:"full_version"`
	Path        string `json:"path"`
	Default     bool   `json:"default"`
	Origin      Origin `json:"origin"`
}

// Registry is the ordered set of registered runtimes, keyed by channel.
type Registry struct {
	path    string
	Records []Record `json:"records"`
}

// Open loads the runtime registry at root/runtimes.json, treating a
// missing file as an empty registry.
func Open(root string) (*Registry, error) {
	path := filepath.Join(root, RegistryFileName)
	reg := &Registry{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, errors.Wrap(err, "reading runtime registry")
	}
	if err := json.Unmarshal(raw, reg); err != nil {
		return nil, errors.Wrap(err, "parsing runtime registry")
	}
	reg.path = path
	return reg, nil
}

// Save persists the registry atomically.
func (r *Registry) Save() error {
	return fsx.AtomicWriteJSON(r.path, r)
}

// ByChannel returns the record for channel, if registered.
func (r *Registry) ByChannel(channel string) (Record, bool) {
	for _, rec := range r.Records {
		if rec.Channel == channel {
			return rec, true
		}
	}
	return Record{}, false
}

// Upsert inserts or replaces the record for its channel. If rec.Default is
// set, every other record's Default flag is cleared.
func (r *Registry) Upsert(rec Record) {
	if rec.Default {
		for i := range r.Records {
			r.Records[i].Default = false
		}
	}
	for i, existing := range r.Records {
		if existing.Channel == rec.Channel {
			r.Records[i] = rec
			return
		}
	}
	r.Records = append(r.Records, rec)
	sort.Slice(r.Records, func(i, j int) bool { return r.Records[i].Channel < r.Records[j].Channel })
}

// Remove deletes the record for channel, if present.
func (r *Registry) Remove(channel string) bool {
	for i, rec := range r.Records {
		if rec.Channel == channel {
			r.Records = append(r.Records[:i], r.Records[i+1:]...)
			return true
		}
	}
	return false
}
