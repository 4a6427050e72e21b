// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pxtool/px/internal/envmat"
)

// proxyVars are cleared from the invocation environment unless explicitly
// kept, per spec.md §4.10 step 3.
var proxyVars = []string{
	"HTTP_PROXY", "http_proxy",
	"HTTPS_PROXY", "https_proxy",
	"NO_PROXY", "no_proxy",
	"ALL_PROXY", "all_proxy",
}

// AssembleEnvOptions carries the parts of env assembly callers control.
type AssembleEnvOptions struct {
	// Base is the environment to start from, typically os.Environ(); nil
	// means os.Environ() is used.
	Base []string
	// KeepProxyVars opts out of clearing proxy-related variables.
	KeepProxyVars bool
	// ExtraPythonPath is prepended to PYTHONPATH ahead of the env's own
	// site-packages, e.g. a repo-snapshot's src/ layout.
	ExtraPythonPath []string
}

// AssembleEnv builds the invocation environment for a materialized env,
// per spec.md §4.10 step 3: PATH rewritten with the env bin/ first, proxy
// variables cleared unless kept, LD_LIBRARY_PATH extended, PYTHONPATH set
// to the composed allowed-paths list, and project-declared env vars merged
// last (so they win over everything computed here).
func AssembleEnv(env *envmat.MaterializedEnv, opts AssembleEnvOptions) []string {
	base := opts.Base
	if base == nil {
		base = os.Environ()
	}

	vars := map[string]string{}
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	if !opts.KeepProxyVars {
		for _, k := range proxyVars {
			delete(vars, k)
		}
	}

	vars["PATH"] = env.BinDir + string(os.PathListSeparator) + vars["PATH"]

	pythonPath := append([]string(nil), opts.ExtraPythonPath...)
	pythonPath = append(pythonPath, env.SitePackages)
	pythonPath = append(pythonPath, env.DistRoots...)
	vars["PYTHONPATH"] = strings.Join(pythonPath, string(os.PathListSeparator))

	for k, v := range env.EnvVars {
		vars[k] = v
	}

	return mapToEnviron(vars)
}

func mapToEnviron(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// pythonShim returns the path to the env's python3 launcher.
func pythonShim(env *envmat.MaterializedEnv) string {
	return filepath.Join(env.BinDir, "python3")
}
