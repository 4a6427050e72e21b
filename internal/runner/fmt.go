// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"io"
	"strings"
)

// DefaultRuffVersion is the pinned formatter px adds to the manifest when
// no [tool.px.fmt] is configured and ruff isn't already installed.
const DefaultRuffVersion = "ruff==0.6.9"

// FmtOptions configures a single `px fmt` invocation.
type FmtOptions struct {
	Args   []string
	Output io.Writer

	// AddDefaultFormatter is called when the default ruff command fails
	// with a missing-module error; it should add DefaultRuffVersion to the
	// manifest and trigger a sync. Fmt retries exactly once after it
	// returns without error.
	AddDefaultFormatter func(ctx context.Context) error
}

// Fmt runs the project's formatter, per spec.md §4.10: [tool.px.fmt]'s
// configured commands if present, else `ruff format`, auto-adding
// DefaultRuffVersion and retrying once if ruff isn't installed.
func Fmt(ctx context.Context, inv *Invocation, opts FmtOptions) (SyncReport, error) {
	_, sync, err := prepare(ctx, inv)
	if err != nil {
		return sync, err
	}

	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	commands := inv.Snapshot.PxOptions.Fmt.Commands
	if len(commands) > 0 {
		return sync, runConfiguredFmt(ctx, inv, commands, opts.Args, out)
	}

	err = runRuffFormat(ctx, inv, opts.Args, out)
	if err == nil {
		return sync, nil
	}
	if !isMissingRuff(err) || opts.AddDefaultFormatter == nil {
		return sync, err
	}
	if addErr := opts.AddDefaultFormatter(ctx); addErr != nil {
		return sync, addErr
	}
	return sync, runRuffFormat(ctx, inv, opts.Args, out)
}

func runConfiguredFmt(ctx context.Context, inv *Invocation, commands []string, extraArgs []string, out io.Writer) error {
	for i, raw := range commands {
		parts := strings.Fields(raw)
		if len(parts) == 0 {
			continue
		}
		args := parts[1:]
		if i == len(commands)-1 {
			args = append(append([]string(nil), args...), extraArgs...)
		}
		if err := inv.Runner.Run(ctx, InvokeOptions{
			Dir:    inv.Snapshot.Root,
			Env:    AssembleEnv(inv.Env, AssembleEnvOptions{}),
			Output: out,
		}, parts[0], args...); err != nil {
			return err
		}
	}
	return nil
}

type ruffError struct {
	missingModule bool
	underlying    error
}

func (e *ruffError) Error() string { return e.underlying.Error() }
func (e *ruffError) Unwrap() error { return e.underlying }

func runRuffFormat(ctx context.Context, inv *Invocation, extraArgs []string, out io.Writer) error {
	var buf bytes.Buffer
	args := append([]string{"-m", "ruff", "format"}, extraArgs...)
	err := inv.Runner.Run(ctx, InvokeOptions{
		Dir:    inv.Snapshot.Root,
		Env:    AssembleEnv(inv.Env, AssembleEnvOptions{}),
		Output: io.MultiWriter(&buf, out),
	}, pythonShim(inv.Env), args...)
	if err == nil {
		return nil
	}
	if strings.Contains(buf.String(), "No module named 'ruff'") {
		return &ruffError{missingModule: true, underlying: err}
	}
	return err
}

func isMissingRuff(err error) bool {
	re, ok := err.(*ruffError)
	return ok && re.missingModule
}
