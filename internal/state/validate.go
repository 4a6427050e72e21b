// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/cas"
)

// ValidateCASEnvironment confirms a Profile object and every PkgBuild/Runtime
// it references still resolve in the store (spec.md §4.8 item 5). It does
// not check materialized on-disk copies, only CAS object presence, matching
// the distinction spec.md draws between "resolves in CAS" and the
// Execution Plan's separate on-disk materialization check (§4.9).
func ValidateCASEnvironment(ctx context.Context, store *cas.Store, profileOID string) error {
	loaded, err := store.Load(ctx, profileOID)
	if err != nil {
		return errors.Wrapf(err, "resolving profile %s", profileOID)
	}
	if loaded.Kind != cas.KindProfile || loaded.ProfileHeader == nil {
		return errors.Errorf("object %s is not a profile", profileOID)
	}
	header := loaded.ProfileHeader

	if header.RuntimeOID != "" && !store.Exists(header.RuntimeOID) {
		return errors.Errorf("runtime %s referenced by profile %s is missing", header.RuntimeOID, profileOID)
	}
	for _, oid := range header.SysPathOrder {
		if !store.Exists(oid) {
			return errors.Errorf("pkg-build %s referenced by profile %s is missing", oid, profileOID)
		}
	}
	return nil
}
