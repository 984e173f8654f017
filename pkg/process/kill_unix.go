// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Terminate stops a child process. It first sends SIGTERM, waits up to
// killAfter for exited to be closed, then sends SIGKILL if the process is
// still running. exited must be closed by whoever reaps the process.
func Terminate(proc *os.Process, exited <-chan struct{}, killAfter time.Duration) error {
	if proc == nil {
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Process might already be dead
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to send SIGTERM to process: %w", err)
	}

	timer := time.NewTimer(killAfter)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to send SIGKILL to process: %w", err)
	}

	return nil
}
