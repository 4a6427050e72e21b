// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
)

// fakeRunner records invocations and returns scripted outputs/errors keyed
// by the full argv. A scripted error is one-shot: once returned, it is
// cleared so a later call with the same argv succeeds, modeling a retry
// after the caller fixes the underlying cause (e.g. installs a package).
type fakeRunner struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func argvKey(name string, args ...string) string {
	s := name
	for _, a := range args {
		s += " " + a
	}
	return s
}

func (f *fakeRunner) Run(ctx context.Context, opts InvokeOptions, name string, args ...string) error {
	key := argvKey(name, args...)
	f.calls = append(f.calls, append([]string{name}, args...))
	if out, ok := f.outputs[key]; ok && opts.Output != nil {
		_, _ = opts.Output.Write([]byte(out))
	}
	if err, ok := f.errs[key]; ok {
		delete(f.errs, key)
		return err
	}
	return nil
}

func (f *fakeRunner) LookPath(file string) (string, error) {
	return "/usr/bin/" + file, nil
}
