// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/fsx"
)

// PythonRef names the interpreter a StoredEnv was built against.
type PythonRef struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// StoredEnv is the persisted state for a realized environment (spec.md §3
// "Stored Environment"), written to `<root>/.px/state.json` for a project
// or `<root>/.px/workspace-state.json` for a workspace.
type StoredEnv struct {
	ID           string    `json:"id"`
	LockID       string    `json:"lock_id"`
	Platform     string    `json:"platform"`
	SitePackages string    `json:"site_packages"`
	EnvPath      string    `json:"env_path,omitempty"`
	Python       PythonRef `json:"python"`
	ProfileOID   string    `json:"profile_oid,omitempty"`
}

// LoadStoredEnv reads a StoredEnv from path, returning (nil, nil) if the
// file doesn't exist.
func LoadStoredEnv(path string) (*StoredEnv, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading stored env %s", path)
	}
	var env StoredEnv
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(err, "parsing stored env %s", path)
	}
	return &env, nil
}

// SaveStoredEnv writes env to path atomically.
func SaveStoredEnv(path string, env *StoredEnv) error {
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding stored env")
	}
	return fsx.AtomicWriteFile(path, raw, 0o644)
}
