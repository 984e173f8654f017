// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Terminate stops a child process on Windows. There is no SIGTERM equivalent
// for console children, so the process is killed outright.
func Terminate(proc *os.Process, _ <-chan struct{}, _ time.Duration) error {
	if proc == nil {
		return nil
	}

	// On Windows, os.Process.Kill() calls TerminateProcess with exit code 1
	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to terminate process: %w", err)
	}

	return nil
}
