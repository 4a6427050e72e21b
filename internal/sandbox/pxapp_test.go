// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"testing"
)

func TestWriteReadBundleRoundTrip(t *testing.T) {
	plan := Plan{SbxID: "sbx123", SbxVersion: "1", Capabilities: []string{"postgres"}, SystemDeps: []SystemDep{{Package: "libpq5", Version: "1"}}}
	cfg := BundleConfig{Env: []string{"PATH=/px/env/bin"}, WorkingDir: "/app", Cmd: []string{"python", "-m", "demo"}}
	layers := []Layer{{Name: "app", Tar: []byte("fake-tar-content")}}

	var buf bytes.Buffer
	if err := WriteBundle(&buf, plan, cfg, layers); err != nil {
		t.Fatal(err)
	}

	bundle, err := ReadBundle(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Metadata.SbxID != "sbx123" {
		t.Errorf("SbxID = %s", bundle.Metadata.SbxID)
	}
	if bundle.Config.WorkingDir != "/app" {
		t.Errorf("WorkingDir = %s", bundle.Config.WorkingDir)
	}
	if len(bundle.Manifest) != 1 {
		t.Fatalf("manifest = %v", bundle.Manifest)
	}
	if string(bundle.Layers[bundle.Manifest[0].Digest]) != "fake-tar-content" {
		t.Error("layer content did not round-trip")
	}
}

func TestReadBundleDetectsTamperedLayer(t *testing.T) {
	plan := Plan{SbxID: "sbx1"}
	cfg := BundleConfig{}
	layers := []Layer{{Name: "app", Tar: []byte("original")}}

	var buf bytes.Buffer
	if err := WriteBundle(&buf, plan, cfg, layers); err != nil {
		t.Fatal(err)
	}
	tampered := bytes.ReplaceAll(buf.Bytes(), []byte("original"), []byte("tampered")[:len("original")])
	_, err := ReadBundle(bytes.NewReader(tampered))
	if err == nil {
		t.Fatal("expected digest verification to fail")
	}
}

func TestReadBundleAcceptsBundleWithoutLayers(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBundle(&buf, Plan{}, BundleConfig{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBundle(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("expected a bundle with no layers to still be valid, got %v", err)
	}
}
