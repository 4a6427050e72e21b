// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pxtool/px/internal/pxerr"
)

// TestOptions configures a single `px test` invocation.
type TestOptions struct {
	Args   []string
	Output io.Writer
}

// Test runs the project's test suite, per spec.md §4.10: a configured
// tests/runtests.py script if present, else `python -m pytest tests`, else
// a built-in fallback that imports the declared CLI module and asserts its
// greet() returns a fixture string.
func Test(ctx context.Context, inv *Invocation, opts TestOptions) (SyncReport, error) {
	_, sync, err := prepare(ctx, inv)
	if err != nil {
		return sync, err
	}

	runtests := filepath.Join(inv.Snapshot.Root, "tests", "runtests.py")
	if _, statErr := os.Stat(runtests); statErr == nil {
		return sync, invokeInterpreter(ctx, inv, opts.Output, append([]string{runtests}, opts.Args...))
	}

	var buf bytes.Buffer
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	err = inv.Runner.Run(ctx, InvokeOptions{
		Dir:    inv.Snapshot.Root,
		Env:    AssembleEnv(inv.Env, AssembleEnvOptions{}),
		Output: io.MultiWriter(&buf, out),
	}, pythonShim(inv.Env), append([]string{"-m", "pytest", "tests"}, opts.Args...)...)

	if err != nil && strings.Contains(buf.String(), "ModuleNotFoundError: No module named 'pytest'") {
		if !sync.Attempted {
			return sync, pxerr.New(CodeNoRunner, "pytest is not installed and no auto-sync was attempted this invocation", nil).
				WithHint("run `px add --dev pytest` or re-run without --frozen")
		}
		return sync, runBuiltinFallback(ctx, inv, out)
	}
	return sync, err
}

// runBuiltinFallback implements the zero-dependency test fallback: import
// the project's own CLI module and assert greet() returns the fixture
// string "hello, px".
func runBuiltinFallback(ctx context.Context, inv *Invocation, out io.Writer) error {
	cliModule := pythonPackageName(inv.Snapshot.Name) + ".cli"
	code := "import sys, " + cliModule + " as m\n" +
		"assert m.greet() == 'hello, px', 'greet() fixture mismatch'\n" +
		"print('ok')\n"
	return inv.Runner.Run(ctx, InvokeOptions{
		Dir:    inv.Snapshot.Root,
		Env:    AssembleEnv(inv.Env, AssembleEnvOptions{}),
		Output: out,
	}, pythonShim(inv.Env), "-c", code)
}
