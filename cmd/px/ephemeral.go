// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/envmat"
	"github.com/pxtool/px/internal/hashx"
	"github.com/pxtool/px/internal/lockfile"
	"github.com/pxtool/px/internal/manifest"
	"github.com/pxtool/px/internal/plan"
	"github.com/pxtool/px/internal/profile"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/resolver"
	"github.com/pxtool/px/internal/runner"
	"github.com/pxtool/px/internal/state"
)

const (
	// CodeEphemeralUnpinnedInputs continues the sandbox/pack block (PX786-790).
	CodeEphemeralUnpinnedInputs     = "PX791"
	CodeEphemeralLocalPath          = "PX792"
	CodeEphemeralNoCachedResolution = "PX793"
)

// ephemeralInputs is the dependency set `--ephemeral` resolves against. It
// never reads or writes a project's pyproject.toml beyond this one parse,
// and never touches px.lock or .px/.
type ephemeralInputs struct {
	Dependencies   []string
	RequiresPython string
}

// loadEphemeralInputs prefers a project manifest's declared dependencies
// over a bare requirements.txt, matching ResolveTarget's own manifest-first
// bias; a directory with neither runs the target with no extra dependency.
func loadEphemeralInputs(root string) (ephemeralInputs, error) {
	snap, err := manifest.ReadProjectSnapshot(root)
	if err == nil {
		return ephemeralInputs{Dependencies: append([]string{}, snap.Dependencies...), RequiresPython: snap.RequiresPython}, nil
	}
	if !isMissingManifest(err) {
		return ephemeralInputs{}, err
	}

	reqPath := filepath.Join(root, "requirements.txt")
	if _, statErr := os.Stat(reqPath); statErr == nil {
		specs, err := parseEphemeralRequirements(reqPath)
		if err != nil {
			return ephemeralInputs{}, err
		}
		return ephemeralInputs{Dependencies: specs, RequiresPython: manifest.DefaultRequiresPython}, nil
	}

	return ephemeralInputs{RequiresPython: manifest.DefaultRequiresPython}, nil
}

// parseEphemeralRequirements reads a pip requirements file, following `-r`/
// `--requirement` includes relative to the including file, joining
// backslash line continuations, and stripping pip-compile `--hash=...`
// annotations. A requirement naming a local path or URL is refused: an
// ephemeral run has no project directory to resolve it against and no lock
// to pin it for offline reuse.
func parseEphemeralRequirements(path string) ([]string, error) {
	return parseEphemeralRequirementsInto(path, map[string]bool{})
}

func parseEphemeralRequirementsInto(path string, seen map[string]bool) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, pxerr.NewFailure("could not resolve requirements file path", map[string]any{"path": path, "error": err.Error()})
	}
	if seen[abs] {
		return nil, nil
	}
	seen[abs] = true

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pxerr.NewFailure("could not read requirements file", map[string]any{"path": path, "error": err.Error()})
	}

	var specs []string
	for _, line := range joinLineContinuations(strings.Split(string(raw), "\n")) {
		line = strings.TrimSpace(line)
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		if rest, ok := cutRequirementsDirective(line, "-r", "--requirement"); ok {
			included := filepath.Join(filepath.Dir(path), rest)
			nested, err := parseEphemeralRequirementsInto(included, seen)
			if err != nil {
				return nil, err
			}
			specs = append(specs, nested...)
			continue
		}
		if strings.HasPrefix(line, "-") {
			// Other pip directives (-e, --index-url, --extra-index-url, ...)
			// have no meaning for a dependency set that's resolved against
			// the configured PyPI registry and never installed editable.
			continue
		}
		spec := stripHashOptions(line)
		if looksLikeLocalEphemeralPath(spec) {
			return nil, pxerr.New(CodeEphemeralLocalPath, "requirements.txt names a local path or URL, which --ephemeral cannot resolve", map[string]any{
				"reason": "ephemeral_requirements_local_path_unsupported",
				"spec":   spec,
			}).WithHint("use a PyPI-hosted dependency, or drop --ephemeral and run from an initialized project")
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func joinLineContinuations(lines []string) []string {
	var out []string
	var cur strings.Builder
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if rest, ok := strings.CutSuffix(trimmed, `\`); ok {
			cur.WriteString(rest)
			cur.WriteByte(' ')
			continue
		}
		cur.WriteString(trimmed)
		out = append(out, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func cutRequirementsDirective(line string, names ...string) (string, bool) {
	for _, name := range names {
		rest, ok := strings.CutPrefix(line, name)
		if !ok || (rest != "" && rest[0] != ' ' && rest[0] != '=') {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "=")), true
	}
	return "", false
}

var hashOptionPattern = regexp.MustCompile(`--hash(?:=|\s+)\S+`)

func stripHashOptions(line string) string {
	return strings.TrimSpace(hashOptionPattern.ReplaceAllString(line, ""))
}

func looksLikeLocalEphemeralPath(spec string) bool {
	return strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.Contains(spec, "://")
}

// pinnedSpecPattern matches a PEP 508 specifier pinned to exactly one
// version (`name==1.2.3`, `name[extra]===1.2.3`); anything looser
// (`>=`, `~=`, a bare name, multiple comma-joined clauses) fails the match.
var pinnedSpecPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[^\]]*\])?\s*===?[A-Za-z0-9][A-Za-z0-9._!+-]*$`)

func fullyPinned(specs []string) bool {
	for _, spec := range specs {
		s := strings.TrimSpace(spec)
		if i := strings.Index(s, ";"); i >= 0 {
			s = strings.TrimSpace(s[:i])
		}
		if !pinnedSpecPattern.MatchString(s) {
			return false
		}
	}
	return true
}

// ephemeralGate implements spec.md's "ephemeral run refuses unpinned inputs
// in CI" testable scenario: strict mode (CI or --frozen) has no lock to
// pin a floating resolution, so it demands every dependency name its exact
// version up front.
func ephemeralGate(strict bool, in ephemeralInputs) error {
	if !strict || len(in.Dependencies) == 0 || fullyPinned(in.Dependencies) {
		return nil
	}
	return pxerr.New(CodeEphemeralUnpinnedInputs, "ephemeral runs in CI or under --frozen require every dependency to be fully pinned", map[string]any{
		"reason":       "ephemeral_unpinned_inputs",
		"dependencies": in.Dependencies,
	}).WithHint(`pin every dependency to an exact version, e.g. "colorama==0.4.6"`)
}

type ephemeralFingerprintInput struct {
	Dependencies   []string `json:"dependencies"`
	RequiresPython string   `json:"requires_python"`
}

// ephemeralFingerprint identifies a dependency set independent of the
// directory that asked for it, so the cache scenario ("resolve once online,
// reuse offline from a different project") works as intended.
func ephemeralFingerprint(in ephemeralInputs) (string, error) {
	sorted := append([]string{}, in.Dependencies...)
	sort.Strings(sorted)
	return hashx.ComputeOID(ephemeralFingerprintInput{Dependencies: sorted, RequiresPython: in.RequiresPython})
}

func ephemeralLockCachePath(fingerprint string) string {
	return filepath.Join(app.Config.CachePath, "ephemeral", fingerprint+".lock.toml")
}

// resolveEphemeralLock resolves in's dependencies into a LockSnapshot, or
// loads a previously cached resolution when offline. The cache lives under
// the CAS cache root, keyed by fingerprint rather than project path or
// name, so it is never written under the invoking project's own directory.
func resolveEphemeralLock(ctx context.Context, in ephemeralInputs, tags resolver.Tags, fingerprint string) (*lockfile.LockSnapshot, error) {
	cachePath := ephemeralLockCachePath(fingerprint)
	if !app.Config.Online {
		lock, err := lockfile.ReadLockSnapshot(cachePath)
		if err != nil {
			return nil, pxerr.New(CodeEphemeralNoCachedResolution, "no cached resolution for this dependency set is available offline", map[string]any{"dependencies": in.Dependencies}).
				WithHint("run once online to populate the ephemeral cache, or drop --offline")
		}
		return lock, nil
	}

	snap := &manifest.ProjectSnapshot{Name: "ephemeral", Dependencies: in.Dependencies, RequiresPython: in.RequiresPython, ManifestFingerprint: fingerprint}
	lock, err := resolveLock(ctx, app.PyPI, snap, tags)
	if err != nil {
		return nil, err
	}
	lockID, err := lockfile.ComputeLockID(lock)
	if err != nil {
		return nil, err
	}
	lock.LockID = lockID
	rendered, err := lockfile.Render(lock, pxVersion)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return nil, pxerr.NewFailure("could not create the ephemeral resolution cache directory", map[string]any{"error": err.Error()})
	}
	if err := os.WriteFile(cachePath, []byte(rendered), 0o644); err != nil {
		return nil, pxerr.NewFailure("could not write the ephemeral resolution cache", map[string]any{"error": err.Error()})
	}
	return lock, nil
}

// materializeEphemeralEnv mirrors doSync's resolve -> assemble -> materialize
// pipeline, minus the two steps that write under a project root: rendering
// px.lock and saving .px/state.json. Every object it produces is
// content-addressed under app.Store/app.Config.EnvsPath, keyed by the
// dependency set's own fingerprint rather than by project identity.
func materializeEphemeralEnv(ctx context.Context, root string, in ephemeralInputs, extraEnvVars map[string]string) (*manifest.ProjectSnapshot, *envmat.MaterializedEnv, error) {
	fingerprint, err := ephemeralFingerprint(in)
	if err != nil {
		return nil, nil, err
	}
	selection, err := resolveRuntime(app, in.RequiresPython, "")
	if err != nil {
		return nil, nil, err
	}
	tags := resolver.DeriveTags(selection.Record.Channel)

	lock, err := resolveEphemeralLock(ctx, in, tags, fingerprint)
	if err != nil {
		return nil, nil, err
	}

	owner := cas.Owner{Type: cas.OwnerProjectEnv, ID: "ephemeral:" + fingerprint}
	assembler := &profile.Assembler{Store: app.Store, PyPI: app.PyPI, Builder: profile.PipWheelBuilder{}}
	runtimeOID, err := assembler.ObtainRuntime(ctx, owner, profile.RuntimeInfo{
		Version:        selection.Record.FullVersion,
		Platform:       hostPlatformTag(),
		Implementation: "cpython",
		ABI:            "cp" + channelDigits(selection.Record.Channel),
	})
	if err != nil {
		return nil, nil, err
	}

	envVars := map[string]string{}
	for k, v := range app.Config.ProfileEnvVars {
		envVars[k] = v
	}
	for k, v := range extraEnvVars {
		envVars[k] = v
	}
	profileOID, err := assembler.Assemble(ctx, owner, lock, runtimeOID, "cp"+channelDigits(selection.Record.Channel), selection.Record.Path, envVars)
	if err != nil {
		return nil, nil, err
	}

	mat := &envmat.Materializer{
		Store:        app.Store,
		EnvsRoot:     app.Config.EnvsPath,
		PythonMinor:  selection.Record.Channel,
		PycCacheRoot: filepath.Join(app.Config.CachePath, "pyc"),
	}
	env, err := mat.Materialize(ctx, profileOID, selection.Record.Path, envmat.MaterializeOptions{})
	if err != nil {
		return nil, nil, err
	}

	snap := &manifest.ProjectSnapshot{Root: root, Name: "ephemeral", Dependencies: in.Dependencies, RequiresPython: in.RequiresPython, ManifestFingerprint: fingerprint}
	return snap, env, nil
}

// runEphemeralTarget implements `px run --ephemeral`: it never reads or
// writes px.lock/.px for the invoking directory, resolving and
// materializing purely from declared or requirements.txt dependencies.
func runEphemeralTarget(ctx context.Context, root, target string, args []string, flags runFlags) (error, string, map[string]any) {
	in, err := loadEphemeralInputs(root)
	if err != nil {
		return err, "", nil
	}
	strict := app.Strict || flags.Frozen
	if err := ephemeralGate(strict, in); err != nil {
		return err, "", nil
	}
	snap, env, err := materializeEphemeralEnv(ctx, root, in, map[string]string{"PYTHONDONTWRITEBYTECODE": "1"})
	if err != nil {
		return err, "", nil
	}
	inv := &runner.Invocation{
		Runner:      app.Runner,
		Store:       app.Store,
		Snapshot:    snap,
		State:       state.Report{State: state.Consistent},
		Strict:      true,
		Interactive: isInteractive(),
		Env:         env,
		PlanRequest: plan.Request{Target: target},
	}
	_, err = runner.Run(ctx, inv, runner.RunOptions{
		Target:         target,
		ExplicitModule: flags.ExplicitModule,
		Args:           args,
		AllowFloating:  flags.AllowFloating,
		CI:             app.Strict,
		Output:         app.Out,
	})
	if err != nil {
		return err, "", nil
	}
	return nil, "ran " + target, nil
}

// runEphemeralTest implements `px test --ephemeral`, disabling pytest's
// cache plugin so a throwaway run never leaves a `.pytest_cache/` behind in
// the invoking directory.
func runEphemeralTest(ctx context.Context, root string, args []string, frozen bool) (error, string, map[string]any) {
	in, err := loadEphemeralInputs(root)
	if err != nil {
		return err, "", nil
	}
	strict := app.Strict || frozen
	if err := ephemeralGate(strict, in); err != nil {
		return err, "", nil
	}
	snap, env, err := materializeEphemeralEnv(ctx, root, in, map[string]string{"PYTHONDONTWRITEBYTECODE": "1"})
	if err != nil {
		return err, "", nil
	}
	inv := &runner.Invocation{
		Runner:      app.Runner,
		Store:       app.Store,
		Snapshot:    snap,
		State:       state.Report{State: state.Consistent},
		Strict:      true,
		Interactive: isInteractive(),
		Env:         env,
	}
	testArgs := append([]string{"-p", "no:cacheprovider"}, args...)
	_, err = runner.Test(ctx, inv, runner.TestOptions{Args: testArgs, Output: app.Out})
	if err != nil {
		return err, "", nil
	}
	return nil, "tests passed", nil
}
