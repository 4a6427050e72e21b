// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"archive/tar"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/hashx"
	"github.com/pxtool/px/internal/pxerr"
)

// BundleMetadata is metadata.json.
type BundleMetadata struct {
	SbxID        string      `json:"sbx_id"`
	SbxVersion   string      `json:"sbx_version"`
	Capabilities []string    `json:"capabilities"`
	SystemDeps   []SystemDep `json:"system_deps"`
}

// BundleManifestEntry is one entry in manifest.json.
type BundleManifestEntry struct {
	Name   string `json:"name"`
	Digest string `json:"digest"` // sha256 hex of the uncompressed layer tar
	Size   int64  `json:"size"`
}

// BundleConfig is config.json.
type BundleConfig struct {
	Env        []string `json:"env"`
	WorkingDir string   `json:"working_dir"`
	Entrypoint []string `json:"entrypoint"`
	Cmd        []string `json:"cmd"`
}

// Bundle is a parsed, verified pxapp bundle.
type Bundle struct {
	Metadata BundleMetadata
	Manifest []BundleManifestEntry
	Config   BundleConfig
	Layers   map[string][]byte // digest -> tar bytes
}

// WriteBundle writes the pxapp tar format: metadata.json, manifest.json,
// config.json, and layers/<digest>.tar per layer (spec.md §4.11).
func WriteBundle(dst io.Writer, plan Plan, cfg BundleConfig, layers []Layer) error {
	meta := BundleMetadata{
		SbxID: plan.SbxID, SbxVersion: plan.SbxVersion,
		Capabilities: plan.Capabilities, SystemDeps: plan.SystemDeps,
	}
	manifest := make([]BundleManifestEntry, 0, len(layers))
	layerBytes := map[string][]byte{}
	for _, l := range layers {
		digest := hashx.SHA256Hex(l.Tar)
		manifest = append(manifest, BundleManifestEntry{Name: l.Name, Digest: digest, Size: int64(len(l.Tar))})
		layerBytes[digest] = l.Tar
	}

	tw := tar.NewWriter(dst)
	if err := writeJSONEntry(tw, "metadata.json", meta); err != nil {
		return err
	}
	if err := writeJSONEntry(tw, "manifest.json", manifest); err != nil {
		return err
	}
	if err := writeJSONEntry(tw, "config.json", cfg); err != nil {
		return err
	}
	for _, entry := range manifest {
		body := layerBytes[entry.Digest]
		hdr := &tar.Header{Name: "layers/" + entry.Digest + ".tar", Size: int64(len(body)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(body); err != nil {
			return err
		}
	}
	return errors.Wrap(tw.Close(), "closing bundle tar")
}

func writeJSONEntry(tw *tar.Writer, name string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", name)
	}
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0o644}); err != nil {
		return err
	}
	_, err = tw.Write(body)
	return err
}

// ReadBundle parses and verifies a pxapp bundle: every manifest entry must
// have a matching layers/<digest>.tar whose content hashes to that digest.
func ReadBundle(src io.Reader) (*Bundle, error) {
	tr := tar.NewReader(src)
	b := &Bundle{Layers: map[string][]byte{}}
	var haveMeta, haveManifest, haveConfig bool
	rawLayers := map[string][]byte{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading bundle tar")
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "reading bundle entry %s", hdr.Name)
		}
		switch {
		case hdr.Name == "metadata.json":
			if err := json.Unmarshal(body, &b.Metadata); err != nil {
				return nil, malformed("metadata.json is not valid JSON", err)
			}
			haveMeta = true
		case hdr.Name == "manifest.json":
			if err := json.Unmarshal(body, &b.Manifest); err != nil {
				return nil, malformed("manifest.json is not valid JSON", err)
			}
			haveManifest = true
		case hdr.Name == "config.json":
			if err := json.Unmarshal(body, &b.Config); err != nil {
				return nil, malformed("config.json is not valid JSON", err)
			}
			haveConfig = true
		case len(hdr.Name) > len("layers/") && hdr.Name[:len("layers/")] == "layers/":
			digest := hdr.Name[len("layers/") : len(hdr.Name)-len(".tar")]
			rawLayers[digest] = body
		}
	}
	if !haveMeta || !haveManifest || !haveConfig {
		return nil, malformed("bundle is missing metadata.json, manifest.json, or config.json", nil)
	}
	for _, entry := range b.Manifest {
		body, ok := rawLayers[entry.Digest]
		if !ok {
			return nil, malformed("manifest references missing layer "+entry.Digest, nil)
		}
		if hashx.SHA256Hex(body) != entry.Digest {
			return nil, malformed("layer "+entry.Digest+" failed digest verification", nil)
		}
		if int64(len(body)) != entry.Size {
			return nil, malformed("layer "+entry.Digest+" size mismatch", nil)
		}
		b.Layers[entry.Digest] = body
	}
	return b, nil
}

func malformed(msg string, cause error) *pxerr.Error {
	details := map[string]any{}
	if cause != nil {
		details["error"] = cause.Error()
	}
	return pxerr.New(CodeMalformedBundle, msg, details)
}
