// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/pkg/archive"
)

const CodeUnknownBuildTarget = "PX790"

var buildCmd = &cobra.Command{
	Use:   "build [sdist|wheel|both]",
	Short: "Produce sdist and/or wheel artifacts into a dist directory",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target := "both"
		if len(args) == 1 {
			target = args[0]
		}
		out, _ := cmd.Flags().GetString("out")
		app.Finish(runBuild(cmd.Context(), currentDir(), target, out))
	},
}

func init() {
	buildCmd.Flags().String("out", "dist", "directory to write build artifacts into")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(ctx context.Context, root, target, out string) (error, string, map[string]any) {
	snap, err := manifest.ReadProjectSnapshot(root)
	if err != nil {
		return err, "", nil
	}

	var sdist, wheel string
	switch target {
	case "sdist":
		sdist, err = buildSdist(snap, out)
	case "wheel":
		wheel, err = buildWheel(snap, out)
	case "both":
		if sdist, err = buildSdist(snap, out); err == nil {
			wheel, err = buildWheel(snap, out)
		}
	default:
		return pxerr.New(CodeUnknownBuildTarget, "unknown build target", map[string]any{"target": target}).
			WithHint("px build [sdist|wheel|both]"), "", nil
	}
	if err != nil {
		return err, "", nil
	}

	details := map[string]any{"out": out}
	if sdist != "" {
		details["sdist"] = sdist
	}
	if wheel != "" {
		details["wheel"] = wheel
	}
	return nil, fmt.Sprintf("built %s %s", snap.Name, snap.Version), details
}

// buildSdist packages root into a canonical tar.gz, the same stabilizer
// pipeline sandbox.BuildAppLayer uses for application layers, so its digest
// depends only on the tree contents.
func buildSdist(snap *manifest.ProjectSnapshot, out string) (string, error) {
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", pxerr.NewFailure("could not create output directory", map[string]any{"path": out, "error": err.Error()})
	}
	name := fmt.Sprintf("%s-%s.tar.gz", normalizeDistName(snap.Name), snap.Version)
	path := filepath.Join(out, name)
	f, err := os.Create(path)
	if err != nil {
		return "", pxerr.NewFailure("could not create sdist file", map[string]any{"path": path, "error": err.Error()})
	}
	defer f.Close()
	excludeOut := filepath.ToSlash(filepath.Clean(out))
	if filepath.IsAbs(out) {
		if rel, err := filepath.Rel(snap.Root, out); err == nil {
			excludeOut = filepath.ToSlash(rel)
		}
	}
	opts := archive.BuildCanonicalTarGzOptions{Exclude: excludeFromSdist(excludeOut)}
	if err := archive.CanonicalTarGzFromDir(f, snap.Root, opts); err != nil {
		return "", pxerr.NewFailure("could not build sdist archive", map[string]any{"error": err.Error()})
	}
	return path, nil
}

// excludeFromSdist drops .git, any prior dist output, and px's own local
// state alongside ExcludeGitDir so re-running build doesn't fold its own
// output into the next sdist.
func excludeFromSdist(out string) func(string) bool {
	return func(relPath string) bool {
		if archive.ExcludeGitDir(relPath) {
			return true
		}
		return relPath == ".px" || strings.HasPrefix(relPath, ".px/") ||
			relPath == out || strings.HasPrefix(relPath, out+"/")
	}
}

// buildWheel produces a py3-none-any wheel whose bytes are fully determined
// by the manifest and source tree: fixed timestamps, fixed permissions,
// stored (uncompressed) entries written in sorted name order with RECORD
// appended last, matching spec.md's "build deterministic" property.
func buildWheel(snap *manifest.ProjectSnapshot, out string) (string, error) {
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", pxerr.NewFailure("could not create output directory", map[string]any{"path": out, "error": err.Error()})
	}
	distName := normalizeDistName(snap.Name)
	distInfo := fmt.Sprintf("%s-%s.dist-info", distName, snap.Version)

	entries := []archive.ZipEntry{
		wheelZipEntry(filepath.ToSlash(filepath.Join(distInfo, "METADATA")), buildWheelMetadata(snap)),
		wheelZipEntry(filepath.ToSlash(filepath.Join(distInfo, "WHEEL")), buildWheelTags()),
	}
	if entryPoints := buildEntryPointsINI(snap); entryPoints != "" {
		entries = append(entries, wheelZipEntry(filepath.ToSlash(filepath.Join(distInfo, "entry_points.txt")), entryPoints))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	record := buildRecord(entries, distInfo)
	entries = append(entries, wheelZipEntry(filepath.ToSlash(filepath.Join(distInfo, "RECORD")), record))

	name := fmt.Sprintf("%s-%s-py3-none-any.whl", distName, snap.Version)
	path := filepath.Join(out, name)
	f, err := os.Create(path)
	if err != nil {
		return "", pxerr.NewFailure("could not create wheel file", map[string]any{"path": path, "error": err.Error()})
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for _, ent := range entries {
		if err := ent.WriteTo(zw); err != nil {
			zw.Close()
			return "", pxerr.NewFailure("could not write wheel entry", map[string]any{"entry": ent.Name, "error": err.Error()})
		}
	}
	if err := zw.Close(); err != nil {
		return "", pxerr.NewFailure("could not finalize wheel archive", map[string]any{"error": err.Error()})
	}
	return path, nil
}

// wheelZipEntry builds a ZipEntry with every volatile field zeroed, the
// stored-uncompressed method StableZipCompression also normalizes to.
func wheelZipEntry(name, body string) archive.ZipEntry {
	hdr := &zip.FileHeader{Name: name, Method: zip.Store}
	hdr.SetModTime(time.UnixMilli(0))
	hdr.SetMode(0o644)
	return archive.ZipEntry{FileHeader: hdr, Body: []byte(body)}
}

func buildWheelMetadata(snap *manifest.ProjectSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Metadata-Version: 2.1\n")
	fmt.Fprintf(&b, "Name: %s\n", snap.Name)
	fmt.Fprintf(&b, "Version: %s\n", snap.Version)
	fmt.Fprintf(&b, "Requires-Python: %s\n", snap.RequiresPython)
	deps := append([]string{}, snap.Dependencies...)
	sort.Strings(deps)
	for _, d := range deps {
		fmt.Fprintf(&b, "Requires-Dist: %s\n", d)
	}
	return b.String()
}

func buildWheelTags() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Wheel-Version: 1.0\n")
	fmt.Fprintf(&b, "Generator: px\n")
	fmt.Fprintf(&b, "Root-Is-Purelib: true\n")
	fmt.Fprintf(&b, "Tag: py3-none-any\n")
	return b.String()
}

func buildEntryPointsINI(snap *manifest.ProjectSnapshot) string {
	if len(snap.Scripts) == 0 && len(snap.GuiScripts) == 0 {
		return ""
	}
	var b strings.Builder
	writeSection := func(header string, entries map[string]string) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(&b, "[%s]\n", header)
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "%s = %s\n", name, entries[name])
		}
	}
	writeSection("console_scripts", snap.Scripts)
	writeSection("gui_scripts", snap.GuiScripts)
	return b.String()
}

// buildRecord computes the RECORD manifest per the wheel spec: one line per
// entry naming its path, a sha256 digest, and its size, in the order the
// entries are given (buildWheel passes them sorted by name), followed by
// RECORD's own line with empty digest and size.
func buildRecord(entries []archive.ZipEntry, distInfo string) string {
	var b strings.Builder
	for _, ent := range entries {
		sum := sha256.Sum256(ent.Body)
		digest := "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:])
		fmt.Fprintf(&b, "%s,%s,%d\n", ent.Name, digest, len(ent.Body))
	}
	fmt.Fprintf(&b, "%s,,\n", filepath.ToSlash(filepath.Join(distInfo, "RECORD")))
	return b.String()
}

// normalizeDistName applies PyPA's wheel-filename name normalization: runs
// of [-_.] collapse to a single "_".
func normalizeDistName(name string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
			continue
		}
		b.WriteRune(r)
		lastSep = false
	}
	return b.String()
}
