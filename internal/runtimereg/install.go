// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runtimereg

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/pxtool/px/internal/fsx"
	"github.com/pxtool/px/internal/httpx"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/pkg/archive"
)

const (
	CodeUnsupportedHost   = "PX761"
	CodeNoMatchingRelease = "PX762"
	CodeProbeFailed       = "PX763"

	defaultDownloadsURL = "https://raw.githubusercontent.com/astral-sh/uv/main/crates/uv-python/download-metadata.json"
)

// hostTarget identifies the python-build-standalone target triple for the
// current host.
type hostTarget struct {
	label, os, arch, libc string
}

func detectHostTarget() (hostTarget, error) {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64":
		return hostTarget{"x86_64-unknown-linux-gnu", "linux", "x86_64", "gnu"}, nil
	case "linux/arm64":
		return hostTarget{"aarch64-unknown-linux-gnu", "linux", "aarch64", "gnu"}, nil
	case "darwin/amd64":
		return hostTarget{"x86_64-apple-darwin", "darwin", "x86_64", "none"}, nil
	case "darwin/arm64":
		return hostTarget{"aarch64-apple-darwin", "darwin", "aarch64", "none"}, nil
	case "windows/amd64":
		return hostTarget{"x86_64-pc-windows-msvc", "windows", "x86_64", "none"}, nil
	default:
		return hostTarget{}, pxerr.New(CodeUnsupportedHost, "unsupported host platform for runtime installation", map[string]any{"os": runtime.GOOS, "arch": runtime.GOARCH})
	}
}

// pythonDownload mirrors one entry of the astral-sh/uv python-build-standalone
// download metadata manifest.
type pythonDownload struct {
	Name  string `json:"name"`
	Arch  struct {
		Family  string `json:"family"`
		Variant string `json:"variant"`
	} `json:"arch"`
	OS         string `json:"os"`
	Libc       string `json:"libc"`
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease"`
	URL        string `json:"url"`
	Variant    string `json:"variant"`
	Build      string `json:"build"`
}

func (d pythonDownload) matches(major, minor int, t hostTarget) bool {
	return d.Name == "cpython" && d.Major == major && d.Minor == minor &&
		d.Prerelease == "" && d.Variant == "" && d.Arch.Variant == "" &&
		d.Arch.Family == t.arch && d.OS == t.os && d.Libc == t.libc
}

func (d pythonDownload) rank() (int, int) {
	build, _ := strconv.Atoi(d.Build)
	return d.Patch, build
}

// Installer downloads and registers python-build-standalone runtimes.
type Installer struct {
	Client       httpx.BasicClient
	RuntimesRoot string // e.g. ~/.px/runtimes
	CachePath    string // manifest cache file
	DownloadsURL string // defaults to PX_PYTHON_DOWNLOADS_URL env, else the uv manifest
}

// InstallManaged downloads the python-build-standalone archive for channel
// (e.g. "3.11") matching the current host and extracts it under
// RuntimesRoot/<channel>-<target>, returning the installed interpreter path.
func (in *Installer) InstallManaged(ctx context.Context, channel string) (Record, error) {
	major, minor, err := splitChannel(channel)
	if err != nil {
		return Record{}, err
	}
	target, err := detectHostTarget()
	if err != nil {
		return Record{}, err
	}
	downloads, err := in.loadManifest(ctx)
	if err != nil {
		return Record{}, err
	}
	asset, fullVersion, err := selectRelease(major, minor, target, downloads)
	if err != nil {
		return Record{}, err
	}

	installPath := filepath.Join(in.RuntimesRoot, fmt.Sprintf("%s-%s", channel, target.label))
	if err := os.RemoveAll(installPath); err != nil {
		return Record{}, errors.Wrapf(err, "clearing previous install at %s", installPath)
	}
	if err := os.MkdirAll(installPath, 0o755); err != nil {
		return Record{}, errors.Wrap(err, "creating runtime install directory")
	}
	if err := in.fetchAndExtract(ctx, asset.URL, installPath); err != nil {
		return Record{}, err
	}
	pythonPath, err := locatePythonBinary(installPath)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Channel: channel, FullVersion: fullVersion, Path: pythonPath, Origin: OriginManaged}
	return rec, nil
}

func (in *Installer) fetchAndExtract(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "building download request")
	}
	resp, err := in.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "downloading %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pxerr.NewFailure("runtime download failed", map[string]any{"url": url, "status": resp.StatusCode})
	}
	fs := osfs.New(dest)
	if strings.HasSuffix(url, ".zip") {
		return extractZipToFS(resp.Body, fs)
	}
	return archive.ExtractTarGz(resp.Body, fs, archive.ExtractOptions{})
}

func extractZipToFS(r io.Reader, fs billy.Filesystem) error {
	tmp, err := fsx.NewScopedTempDir("", "px-runtime-zip")
	if err != nil {
		return err
	}
	defer tmp.Close()
	archivePath := filepath.Join(tmp.Path, "download.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		return errors.Wrap(err, "staging zip download")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrap(err, "writing zip download")
	}
	f.Close()
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrap(err, "opening zip archive")
	}
	defer zr.Close()
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			if err := fs.MkdirAll(entry.Name, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := fs.MkdirAll(filepath.Dir(entry.Name), 0o755); err != nil {
			return err
		}
		src, err := entry.Open()
		if err != nil {
			return errors.Wrapf(err, "reading zip entry %s", entry.Name)
		}
		dst, err := fs.Create(entry.Name)
		if err != nil {
			src.Close()
			return errors.Wrapf(err, "creating %s", entry.Name)
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if copyErr != nil {
			return errors.Wrapf(copyErr, "extracting zip entry %s", entry.Name)
		}
	}
	return nil
}

func (in *Installer) loadManifest(ctx context.Context) ([]pythonDownload, error) {
	url := in.DownloadsURL
	if url == "" {
		url = defaultDownloadsURL
	}
	raw, fetchErr := in.fetchManifestBytes(ctx, url)
	if fetchErr != nil {
		if in.CachePath != "" {
			if cached, err := os.ReadFile(in.CachePath); err == nil {
				raw = cached
				fetchErr = nil
			}
		}
	}
	if fetchErr != nil {
		return nil, errors.Wrap(fetchErr, "loading python download manifest")
	}
	var downloads []pythonDownload
	if err := json.Unmarshal(raw, &downloads); err != nil {
		return nil, errors.Wrap(err, "parsing python download manifest")
	}
	if in.CachePath != "" {
		_ = fsx.AtomicWriteFile(in.CachePath, raw, 0o644)
	}
	return downloads, nil
}

func (in *Installer) fetchManifestBytes(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "file://") {
		return os.ReadFile(strings.TrimPrefix(url, "file://"))
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return os.ReadFile(url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := in.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("manifest fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func selectRelease(major, minor int, target hostTarget, downloads []pythonDownload) (pythonDownload, string, error) {
	var matching []pythonDownload
	for _, d := range downloads {
		if d.matches(major, minor, target) {
			matching = append(matching, d)
		}
	}
	if len(matching) == 0 {
		return pythonDownload{}, "", pxerr.New(CodeNoMatchingRelease, "no matching python-build-standalone release found", map[string]any{
			"channel": fmt.Sprintf("%d.%d", major, minor), "target": target.label,
		})
	}
	sort.Slice(matching, func(i, j int) bool {
		pi, bi := matching[i].rank()
		pj, bj := matching[j].rank()
		if pi != pj {
			return pi > pj
		}
		return bi > bj
	})
	best := matching[0]
	return best, fmt.Sprintf("%d.%d.%d", best.Major, best.Minor, best.Patch), nil
}

func splitChannel(channel string) (major, minor int, err error) {
	parts := strings.SplitN(channel, ".", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("channel %q is not major.minor", channel)
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, errors.Errorf("channel %q is not numeric major.minor", channel)
	}
	return major, minor, nil
}

func locatePythonBinary(root string) (string, error) {
	candidates := []string{
		filepath.Join(root, "python", "install", "bin", "python3"),
		filepath.Join(root, "install", "bin", "python3"),
		filepath.Join(root, "bin", "python3"),
		filepath.Join(root, "python.exe"),
		filepath.Join(root, "install", "python.exe"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", pxerr.NewFailure("extracted runtime does not contain a recognizable python binary", map[string]any{"root": root})
}

// RegisterExternal canonicalizes an explicit interpreter path, probes its
// version, and returns a Record with Origin=OriginExternal.
func RegisterExternal(ctx context.Context, path string, channel string, defaultFlag bool) (Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Record{}, errors.Wrap(err, "resolving runtime path")
	}
	if _, err := os.Stat(abs); err != nil {
		return Record{}, pxerr.New(CodeProbeFailed, "runtime path does not exist", map[string]any{"path": abs})
	}
	version, err := probeVersion(ctx, abs)
	if err != nil {
		return Record{}, err
	}
	if channel == "" {
		parts := strings.SplitN(version, ".", 3)
		if len(parts) >= 2 {
			channel = parts[0] + "." + parts[1]
		}
	}
	return Record{Channel: channel, FullVersion: version, Path: abs, Default: defaultFlag, Origin: OriginExternal}, nil
}

func probeVersion(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, path, "-c", "import platform; print(platform.python_version())")
	out, err := cmd.Output()
	if err != nil {
		return "", pxerr.New(CodeProbeFailed, "failed to probe interpreter version", map[string]any{"path": path, "error": err.Error()})
	}
	return strings.TrimSpace(string(out)), nil
}
