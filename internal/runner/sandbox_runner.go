// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
)

// SandboxRunner executes commands inside a running sandbox container,
// mirroring the teacher's DockerExecutor exec-attach pattern
// (internal/executor). The image is built and started by internal/sandbox;
// SandboxRunner only knows how to run commands against an already-running
// container.
type SandboxRunner struct {
	Client      *client.Client
	ContainerID string
}

// Run implements CommandRunner by execing inside the container.
func (s *SandboxRunner) Run(ctx context.Context, opts InvokeOptions, name string, args ...string) error {
	cmd := append([]string{name}, args...)
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   opts.Dir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Input != nil,
	}
	created, err := s.Client.ContainerExecCreate(ctx, s.ContainerID, execConfig)
	if err != nil {
		return errors.Wrap(err, "creating sandbox exec")
	}
	attached, err := s.Client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return errors.Wrap(err, "attaching to sandbox exec")
	}
	defer attached.Close()

	if opts.Input != nil {
		go func() { _, _ = io.Copy(attached.Conn, opts.Input) }()
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	if _, err := io.Copy(out, attached.Reader); err != nil {
		return errors.Wrap(err, "reading sandbox exec output")
	}

	inspect, err := s.Client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return errors.Wrap(err, "inspecting sandbox exec")
	}
	if inspect.ExitCode != 0 {
		return errors.Errorf("command %v exited %d", cmd, inspect.ExitCode)
	}
	return nil
}

// LookPath implements CommandRunner by shelling `which` inside the
// container, since the sandbox's PATH is not the host's.
func (s *SandboxRunner) LookPath(file string) (string, error) {
	var buf bytes.Buffer
	err := s.Run(context.Background(), InvokeOptions{Output: &buf}, "which", file)
	if err != nil {
		return "", exec.ErrNotFound
	}
	return string(bytes.TrimSpace(buf.Bytes())), nil
}
