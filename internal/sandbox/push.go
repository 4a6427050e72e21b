// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	transporterrors "github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/pxerr"
)

// PushOptions configures Push.
type PushOptions struct {
	Reference string // e.g. "registry.example.com/org/image:tag"
	Username  string
	Password  string
}

// Push writes img to the registry named by opts.Reference, authenticating
// with username/password when either is set (PX_REGISTRY_USERNAME/
// PASSWORD). A 401 from the registry is translated to a structured user
// error (spec.md §4.11).
func Push(ctx context.Context, img v1.Image, opts PushOptions) error {
	ref, err := name.ParseReference(opts.Reference)
	if err != nil {
		return errors.Wrapf(err, "parsing registry reference %q", opts.Reference)
	}

	remoteOpts := []remote.Option{remote.WithContext(ctx)}
	if opts.Username != "" || opts.Password != "" {
		remoteOpts = append(remoteOpts, remote.WithAuth(authn.FromConfig(authn.AuthConfig{
			Username: opts.Username,
			Password: opts.Password,
		})))
	}

	if err := remote.Write(ref, img, remoteOpts...); err != nil {
		if isUnauthorized(err) {
			return pxerr.New(CodeRegistryAuthFail, "registry rejected credentials", map[string]any{
				"reference": opts.Reference,
			}).WithHint("set PX_REGISTRY_USERNAME and PX_REGISTRY_PASSWORD")
		}
		return errors.Wrapf(err, "pushing %s", opts.Reference)
	}
	return nil
}

func isUnauthorized(err error) bool {
	var terr *transporterrors.Error
	if errors.As(err, &terr) {
		return terr.StatusCode == http.StatusUnauthorized
	}
	return strings.Contains(err.Error(), "UNAUTHORIZED") || strings.Contains(err.Error(), "401")
}
