// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/process"
)

// Child is one running incarnation of an MCP server.
type Child struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	PID    int

	// Exited is closed once the child has been reaped.
	Exited <-chan struct{}

	waitErr func() error
	stop    func(killAfter time.Duration) error
}

// NewChild assembles a Child from its parts. waitErr is only called after
// exited is closed; stop must escalate to a forced kill after killAfter.
func NewChild(
	stdin io.WriteCloser, stdout io.Reader, pid int,
	exited <-chan struct{}, waitErr func() error, stop func(time.Duration) error,
) *Child {
	return &Child{Stdin: stdin, Stdout: stdout, PID: pid, Exited: exited, waitErr: waitErr, stop: stop}
}

// ExitErr returns how the child ended. It blocks until the child exits.
// A nil error is a clean exit.
func (c *Child) ExitErr() error {
	<-c.Exited
	return c.waitErr()
}

// Stop asks the child to terminate and forces it after killAfter.
func (c *Child) Stop(killAfter time.Duration) error {
	return c.stop(killAfter)
}

// Launcher starts MCP server processes.
type Launcher interface {
	Launch(ctx context.Context, desc *config.ServerDescriptor, log *slog.Logger) (*Child, error)
}

// ExecLauncher launches servers as operating system processes.
type ExecLauncher struct{}

// Launch starts desc.Command with the parent environment plus desc.Env.
// The child's stderr is forwarded line by line to log at debug level.
func (ExecLauncher) Launch(_ context.Context, desc *config.ServerDescriptor, log *slog.Logger) (*Child, error) {
	// The child outlives the spawn context, so exec.CommandContext is not used.
	cmd := exec.Command(desc.Command, desc.Args...) //nolint:gosec // command comes from operator configuration
	cmd.Dir = desc.Cwd
	cmd.Env = os.Environ()
	for _, k := range slices.Sorted(maps.Keys(desc.Env)) {
		cmd.Env = append(cmd.Env, k+"="+desc.Env[k])
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, thverrors.NewSpawnFailedError("failed to create stdin pipe", err)
	}

	// os.Pipe keeps our read ends open after Wait, so no buffered output is lost.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, thverrors.NewSpawnFailedError("failed to create stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, thverrors.NewSpawnFailedError("failed to create stderr pipe", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, c := range []io.Closer{stdin, stdoutR, stdoutW, stderrR, stderrW} {
			_ = c.Close()
		}
		return nil, thverrors.NewSpawnFailedError(fmt.Sprintf("failed to start %s", desc.Command), err)
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()

	go forwardStderr(stderrR, log)

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	return NewChild(
		stdin, stdoutR, cmd.Process.Pid, exited,
		func() error { return waitErr },
		func(killAfter time.Duration) error { return process.Terminate(cmd.Process, exited, killAfter) },
	), nil
}

func forwardStderr(r io.ReadCloser, log *slog.Logger) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug("server stderr", "line", scanner.Text())
	}
}
