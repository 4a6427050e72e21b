// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package pypi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// uploadURL is the legacy PyPI upload endpoint every publishing client
// (twine included) still targets; there is no JSON equivalent.
var uploadURL = "https://upload.pypi.org/legacy/"

// UploadRequest names one artifact (sdist or wheel) to publish, plus the
// registry credentials to publish it with.
type UploadRequest struct {
	Path        string // local path to the sdist/wheel file
	Name        string
	Version     string
	FiletypeTag string // "sdist" or "bdist_wheel"
	PythonTag   string // "source" for sdist, "py3" for a py3-none-any wheel
	Token       string // PyPI API token; sent as HTTP basic auth password
}

// Uploader publishes a built artifact to a package registry.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) error
}

// Upload posts req.Path to the legacy PyPI upload API as multipart form
// data, the same shape twine and setuptools' upload command send.
func (r HTTPRegistry) Upload(ctx context.Context, req UploadRequest) error {
	body, err := os.ReadFile(req.Path)
	if err != nil {
		return errors.Wrap(err, "reading artifact")
	}
	digest := sha256.Sum256(body)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		":action":         "file_upload",
		"protocol_version": "1",
		"name":            req.Name,
		"version":         req.Version,
		"filetype":        req.FiletypeTag,
		"pyversion":       req.PythonTag,
		"metadata_version": "2.1",
		"sha256_digest":   hex.EncodeToString(digest[:]),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return errors.Wrap(err, "writing form field")
		}
	}
	fw, err := mw.CreateFormFile("content", filepath.Base(req.Path))
	if err != nil {
		return errors.Wrap(err, "creating form file")
	}
	if _, err := fw.Write(body); err != nil {
		return errors.Wrap(err, "writing artifact body")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "closing multipart writer")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return errors.Wrap(err, "building upload request")
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.SetBasicAuth("__token__", req.Token)

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "uploading artifact")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("pypi upload rejected %s: %s", filepath.Base(req.Path), resp.Status)
	}
	return nil
}

var _ Uploader = HTTPRegistry{}

// DistFiletype maps a built artifact's extension to the filetype tag PyPI
// expects.
func DistFiletype(path string) (filetype, pyversion string) {
	switch filepath.Ext(path) {
	case ".whl":
		return "bdist_wheel", "py3"
	default:
		return "sdist", "source"
	}
}
