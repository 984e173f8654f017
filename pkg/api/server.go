// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the REST API for the MCP assistant.
package api

// The OpenAPI spec is generated using "github.com/swaggo/swag/v2/cmd/swag@v2.0.0-rc4"
// To update the OpenAPI spec, run:
// install swag:
//	go install github.com/swaggo/swag/v2/cmd/swag@v2.0.0-rc4
// generate the spec:
//	swag init -g pkg/api/server.go --v3.1 -o docs/server

// @title           MCP Assistant API
// @version         1.0
// @description     Chat with a local model that can call tools from MCP servers.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	apierrors "github.com/stacklok/mcp-assistant/pkg/api/errors"
	v1 "github.com/stacklok/mcp-assistant/pkg/api/v1"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

const (
	// requestTimeoutSlack lets a chat turn report its own deadline before the
	// router gives up on the request.
	requestTimeoutSlack = 5 * time.Second
	readHeaderTimeout   = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
	maxRequestBodySize  = 1 << 20
	socketPermissions   = 0660 // Socket file permissions (owner/group read-write)

	// UnixSocketPrefix marks a server address as a UNIX socket path.
	UnixSocketPrefix = "unix://"
)

// Deps are the services the API serves.
type Deps struct {
	Chat          v1.ChatService
	Conversations v1.ConversationStore
	Catalog       v1.ToolCatalog
	Sessions      v1.SessionStatus
	Health        v1.HealthChecker
	Model         v1.ModelInfo

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

func setupTCPListener(address string) (net.Listener, error) {
	return net.Listen("tcp", address)
}

func setupUnixSocket(address string) (net.Listener, error) {
	// Remove the socket file if it already exists
	if _, err := os.Stat(address); err == nil {
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(address), 0750); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create UNIX socket listener: %w", err)
	}

	// Set file permissions on the socket to allow other local processes to connect
	if err := os.Chmod(address, socketPermissions); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return listener, nil
}

func cleanupUnixSocket(address string) {
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to remove socket file: %v", err)
	}
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects API requests above the configured rate with 429.
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") && !limiter.Allow() {
				logger.Debugw("rate limit exceeded", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
				apierrors.Write(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestBodySizeLimitMiddleware caps request bodies at maxSize bytes. Requests
// that declare a larger Content-Length are rejected up front; a handler that
// fails to decode an oversized body with 400 has its status turned into 413.
func requestBodySizeLimitMiddleware(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				apierrors.Write(w, http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
				return
			}
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			body := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, maxSize)}
			r.Body = body
			next.ServeHTTP(&bodySizeResponseWriter{ResponseWriter: w, body: body}, r)
		})
	}
}

// limitedBody records whether a read hit the body size cap.
type limitedBody struct {
	io.ReadCloser
	exceeded atomic.Bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		b.exceeded.Store(true)
	}
	return n, err
}

// tooLarge reports whether the body exceeds the cap, reading what the
// handler left unread.
func (b *limitedBody) tooLarge() bool {
	if b.exceeded.Load() {
		return true
	}
	_, _ = io.Copy(io.Discard, b)
	return b.exceeded.Load()
}

type bodySizeResponseWriter struct {
	http.ResponseWriter
	body *limitedBody
}

func (w *bodySizeResponseWriter) WriteHeader(code int) {
	if code == http.StatusBadRequest && w.body.tooLarge() {
		code = http.StatusRequestEntityTooLarge
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *bodySizeResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// NewRouter builds the HTTP handler for the API.
func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout(cfg)),
		requestBodySizeLimitMiddleware(maxRequestBodySize),
	)
	if cfg.Server != nil && cfg.Server.RequestsPerSecond > 0 {
		burst := cfg.Server.Burst
		if burst <= 0 {
			burst = int(cfg.Server.RequestsPerSecond) + 1
		}
		r.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.Server.RequestsPerSecond), burst)))
	}
	r.Use(headersMiddleware)

	routers := map[string]http.Handler{
		"/api/chat":    v1.ChatRouter(deps.Chat, deps.Conversations),
		"/api/tools":   v1.ToolsRouter(deps.Catalog),
		"/api/mcp":     v1.MCPRouter(deps.Sessions),
		"/api/health":  v1.HealthcheckRouter(deps.Health, deps.Sessions, deps.Model, deps.Catalog),
		"/api/info":    v1.InfoRouter(deps.Health, deps.Sessions, deps.Model, deps.Catalog),
		"/api/version": v1.VersionRouter(),
	}
	if deps.Metrics != nil {
		routers["/metrics"] = deps.Metrics
	}

	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

func requestTimeout(cfg *config.Config) time.Duration {
	deadline := config.DefaultConfig().Chat.TurnDeadline.Std()
	if cfg.Chat != nil && cfg.Chat.TurnDeadline > 0 {
		deadline = cfg.Chat.TurnDeadline.Std()
	}
	return deadline + requestTimeoutSlack
}

// Serve starts the server on the configured address and serves the API until
// ctx is cancelled. It is assumed that the caller sets up appropriate signal
// handling. An address starting with unix:// is treated as a UNIX socket path.
func Serve(ctx context.Context, cfg *config.Config, deps Deps) error {
	address := config.DefaultConfig().Server.Address
	if cfg.Server != nil && cfg.Server.Address != "" {
		address = cfg.Server.Address
	}

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           NewRouter(cfg, deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var (
		listener net.Listener
		addrType string
		err      error
	)
	socketPath, isUnixSocket := strings.CutPrefix(address, UnixSocketPrefix)
	if isUnixSocket {
		listener, err = setupUnixSocket(socketPath)
		addrType = "UNIX socket"
		defer cleanupUnixSocket(socketPath)
	} else {
		listener, err = setupTCPListener(address)
		addrType = "HTTP"
	}
	if err != nil {
		return err
	}

	logger.Infow("starting server", "type", addrType, "address", listener.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("%s server stopped", addrType)
	return nil
}
