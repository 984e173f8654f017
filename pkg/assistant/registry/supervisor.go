// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/metrics"
	"github.com/stacklok/mcp-assistant/pkg/assistant/session"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// jitter is the randomization applied to every restart delay.
const jitter = 0.25

// supervisor restarts one session according to its descriptor.
type supervisor struct {
	s       *session.Session
	metrics *metrics.Metrics
	log     *slog.Logger
	backoff *backoff.ExponentialBackOff
	window  *attemptWindow
}

func newSupervisor(s *session.Session, m *metrics.Metrics) *supervisor {
	desc := s.Descriptor()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = desc.Backoff.Base.Std()
	b.MaxInterval = desc.Backoff.Max.Std()
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.Reset()

	return &supervisor{
		s:       s,
		metrics: m,
		log:     logger.Component("supervisor").With("server", desc.ID),
		backoff: b,
		window:  newAttemptWindow(desc.RestartWindow.MaxRestarts, desc.RestartWindow.Window.Std()),
	}
}

func (sup *supervisor) firstStart(ctx context.Context) error {
	sup.window.record(time.Now())
	return sup.s.Start(ctx)
}

// run supervises the session until ctx is cancelled or the session is Terminal.
// startErr is the outcome of the first start.
func (sup *supervisor) run(ctx context.Context, startErr error) {
	err := startErr
	for {
		var exit session.Exit
		readySince := time.Time{}
		if err == nil {
			readySince = time.Now()
			var werr error
			exit, werr = sup.s.Wait(ctx)
			if werr != nil {
				return
			}
		} else {
			exit = session.Exit{Err: err}
		}
		if ctx.Err() != nil {
			return
		}

		if reason := sup.terminalReason(exit, err); reason != nil {
			sup.log.Warn("MCP server will not be restarted", "reason", reason)
			sup.s.MarkTerminal(reason)
			return
		}

		now := time.Now()
		if !readySince.IsZero() && now.Sub(readySince) > sup.backoff.MaxInterval {
			sup.backoff.Reset()
		}
		if !sup.window.allow(now) {
			reason := thverrors.NewServerUnavailableError(fmt.Sprintf(
				"restart limit reached: %d spawn attempts within %s",
				sup.window.max, sup.window.span), exit.Err)
			sup.log.Error("MCP server is crash looping, giving up", "attempts", sup.window.max)
			sup.s.MarkTerminal(reason)
			return
		}

		delay := sup.backoff.NextBackOff()
		sup.log.Info("restarting MCP server", "delay", delay, "exit", exit.Err)
		sup.s.MarkSpawning()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sup.window.record(time.Now())
		sup.metrics.IncRestart(sup.s.ID())
		err = sup.s.Start(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
	}
}

// terminalReason returns why the session must not be restarted, or nil.
// startErr is set when the last start attempt itself failed.
func (sup *supervisor) terminalReason(exit session.Exit, startErr error) error {
	if thverrors.IsProtocol(startErr) {
		return startErr
	}
	switch sup.s.Descriptor().RestartPolicy {
	case assistant.RestartAlways:
		return nil
	case assistant.RestartOnCrash:
		if startErr != nil || !exit.Clean() {
			return nil
		}
		return thverrors.NewTransportClosedError("server exited cleanly", nil)
	default:
		if exit.Err != nil {
			return exit.Err
		}
		return thverrors.NewTransportClosedError("server exited and restartPolicy is never", nil)
	}
}

// attemptWindow caps spawn attempts within a rolling window.
type attemptWindow struct {
	max  int
	span time.Duration

	mu       sync.Mutex
	attempts []time.Time
}

func newAttemptWindow(maxAttempts int, span time.Duration) *attemptWindow {
	return &attemptWindow{max: maxAttempts, span: span}
}

func (w *attemptWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.attempts) && !w.attempts[i].After(cutoff) {
		i++
	}
	w.attempts = w.attempts[i:]
}

// allow reports whether another attempt fits in the window.
func (w *attemptWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.attempts) < w.max
}

func (w *attemptWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.attempts = append(w.attempts, now)
}

// count returns the attempts inside the window ending at now.
func (w *attemptWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.attempts)
}
