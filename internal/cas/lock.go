// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// withObjectLock takes the advisory exclusive lock at locks/<oid>.lock for
// the duration of fn, matching the original store's per-object write lock
// (store_impl/objects.rs). Locks are advisory only: readers never take them.
func (s *Store) withObjectLock(ctx context.Context, oid string, fn func() error) error {
	lockPath := filepath.Join(s.locksDir, oid+".lock")
	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return errors.Wrapf(err, "acquiring lock for object %s", oid)
	}
	if !locked {
		return errors.Errorf("timed out acquiring lock for object %s", oid)
	}
	defer fl.Unlock()
	return fn()
}
