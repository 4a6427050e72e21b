// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"
)

// BuildImage assembles an OCI image from the deterministic layers in the
// fixed order env, system-deps, app, fabricating a config.v1+json from req
// (spec.md §4.11 "Image assembly").
func BuildImage(req Request, layers []Layer) (v1.Image, error) {
	img := empty.Image
	for _, l := range layers {
		body := l.Tar
		layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "building %s layer", l.Name)
		}
		img, err = mutate.AppendLayers(img, layer)
		if err != nil {
			return nil, errors.Wrapf(err, "appending %s layer", l.Name)
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, errors.Wrap(err, "reading base config")
	}
	cfg.Config.Env = req.Env
	cfg.Config.WorkingDir = req.WorkingDir
	cfg.Config.Entrypoint = req.Entrypoint
	cfg.Config.Cmd = req.Cmd

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "setting image config")
	}
	return img, nil
}

// WriteOCILayout writes img to dir as an OCI layout (oci-layout,
// index.json, blobs/sha256/...), annotating the index entry with
// org.opencontainers.image.ref.name when refName is set.
func WriteOCILayout(dir string, img v1.Image, refName string) error {
	idx := empty.Index
	addendum := mutate.IndexAddendum{Add: img}
	if refName != "" {
		addendum.Descriptor = v1.Descriptor{
			Annotations: map[string]string{"org.opencontainers.image.ref.name": refName},
		}
	}
	idx = mutate.AppendManifests(idx, addendum)
	_, err := layout.Write(dir, idx)
	return errors.Wrap(err, "writing OCI layout")
}
