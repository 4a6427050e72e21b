// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"

	billy "github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// ExtractTarGz decompresses src and writes its contents to fs, used to
// unpack RepoSnapshot payloads and wheel/sdist artifacts into a
// materialized environment.
func ExtractTarGz(src io.Reader, fs billy.Filesystem, opt ExtractOptions) error {
	gzr, err := gzip.NewReader(src)
	if err != nil {
		return errors.Wrap(err, "initializing gzip reader")
	}
	defer gzr.Close()
	return ExtractTar(tar.NewReader(gzr), fs, opt)
}
