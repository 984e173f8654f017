// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport implements a JSON-RPC 2.0 client connection over a pair
// of byte streams, typically the stdin and stdout of a child MCP server.
//
// Every request id observes exactly one outcome: its matching response,
// a Timeout, or TransportClosed. Writes are serialized in the order callers
// hand them over. Once the stream closes the Transport is terminal and every
// subsequent send fails immediately.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/jsonrpc2"

	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

const (
	// MethodCancelled is sent when a caller abandons a pending request.
	MethodCancelled = "notifications/cancelled"

	methodPing = "ping"

	codeInternalError = -32603

	// maxDeadIDs bounds the memory kept for abandoned request ids.
	maxDeadIDs = 4096
)

// Notification is a server-initiated message that expects no response.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Listener receives notifications in the order they were read.
// Listeners run on the read loop and must not block.
type Listener func(Notification)

// RPCError is a JSON-RPC error object returned by the peer.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Transport is a JSON-RPC 2.0 client connection.
type Transport struct {
	reader jsonrpc2.Reader
	writer jsonrpc2.Writer
	in     io.Reader
	out    io.Closer
	log    *slog.Logger

	nextID atomic.Int64

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[int64]chan outcome
	dead      map[int64]struct{}
	listeners map[int]Listener
	nextLID   int
	closeErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for dropped frames and protocol errors.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// New starts a Transport reading from in and writing to out. Framers other
// than FramerFor report error responses with only their message.
// If in also implements io.Closer it is closed when the Transport closes.
func New(in io.Reader, out io.WriteCloser, framer jsonrpc2.Framer, opts ...Option) *Transport {
	t := &Transport{
		reader:    framer.Reader(in),
		writer:    framer.Writer(out),
		in:        in,
		out:       out,
		log:       logger.Component("transport"),
		pending:   make(map[int64]chan outcome),
		dead:      make(map[int64]struct{}),
		listeners: make(map[int]Listener),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop()
	return t
}

// Call sends a request and blocks until its response arrives, ctx ends, or
// the Transport closes.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(id), method, params)
	if err != nil {
		return nil, thverrors.NewProtocolError(fmt.Sprintf("encoding %s request", method), err)
	}

	ch := make(chan outcome, 1)
	t.mu.Lock()
	if t.closeErr != nil {
		cerr := t.closeErr
		t.mu.Unlock()
		return nil, cerr
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.write(ctx, req); err != nil {
		if t.settle(id) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, contextError(method, ctxErr)
			}
			return nil, err
		}
		// settled concurrently by the read loop or close
		o := <-ch
		return o.result, o.err
	}

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		if !t.abandon(id) {
			o := <-ch
			return o.result, o.err
		}
		go t.sendCancelled(id, ctx.Err())
		return nil, contextError(method, ctx.Err())
	}
}

// Notify sends a one-way notification.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if err := t.Err(); err != nil {
		return err
	}
	n, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return thverrors.NewProtocolError(fmt.Sprintf("encoding %s notification", method), err)
	}
	return t.write(ctx, n)
}

// Subscribe registers a listener for server notifications and returns a
// function that removes it.
func (t *Transport) Subscribe(l Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextLID
	t.nextLID++
	t.listeners[id] = l
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Close closes the output stream and fails every pending request.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.out.Close()
	})
	t.fail(thverrors.NewTransportClosedError("transport closed", nil))
	if c, ok := t.in.(io.Closer); ok {
		_ = c.Close()
	}
	return err
}

// Done is closed once the Transport reaches its terminal state.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal error, or nil while the Transport is open.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// Pending returns the number of requests awaiting a response.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Transport) write(ctx context.Context, msg jsonrpc2.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.Err(); err != nil {
		return err
	}
	if _, err := t.writer.Write(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cerr := thverrors.NewTransportClosedError("write failed", err)
		t.fail(cerr)
		return cerr
	}
	return nil
}

// settle removes id from the pending set. It reports false when another
// path already delivered an outcome for it.
func (t *Transport) settle(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// abandon settles id and remembers it so a late response is discarded quietly.
func (t *Transport) abandon(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	if len(t.dead) >= maxDeadIDs {
		clear(t.dead)
	}
	t.dead[id] = struct{}{}
	return true
}

func (t *Transport) sendCancelled(id int64, reason error) {
	params := map[string]any{"requestId": id, "reason": reason.Error()}
	if err := t.Notify(context.Background(), MethodCancelled, params); err != nil {
		t.log.Debug("failed to send cancellation", "id", id, "error", err)
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.closeErr != nil {
		t.mu.Unlock()
		return
	}
	t.closeErr = err
	pending := t.pending
	t.pending = make(map[int64]chan outcome)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: err}
	}
	close(t.done)
}

func (t *Transport) readLoop() {
	ctx := context.Background()
	for {
		msg, n, err := t.reader.Read(ctx)
		if err != nil {
			var malformed *malformedFrameError
			if !isClosed(err) && (errors.As(err, &malformed) || n > 0) {
				t.log.Warn("dropping malformed frame",
					"error", thverrors.NewProtocolError("malformed JSON-RPC frame", err))
				continue
			}
			if isClosed(err) {
				t.fail(thverrors.NewTransportClosedError("peer closed the stream", err))
			} else {
				t.fail(thverrors.NewTransportClosedError("read failed", err))
			}
			return
		}

		switch m := msg.(type) {
		case *jsonrpc2.Response:
			t.deliver(m)
		case *jsonrpc2.Request:
			if m.IsCall() {
				go t.answer(m)
				continue
			}
			t.notify(Notification{Method: m.Method, Params: m.Params})
		}
	}
}

func (t *Transport) deliver(resp *jsonrpc2.Response) {
	raw, ok := resp.ID.Raw().(int64)
	if !ok {
		t.log.Warn("dropping response with non numeric id", "id", resp.ID.Raw())
		return
	}

	t.mu.Lock()
	ch, found := t.pending[raw]
	if found {
		delete(t.pending, raw)
	}
	_, wasDead := t.dead[raw]
	delete(t.dead, raw)
	t.mu.Unlock()

	if !found {
		if wasDead {
			t.log.Debug("discarding late response for abandoned request", "id", raw)
		} else {
			t.log.Warn("dropping response with unknown id", "id", raw)
		}
		return
	}

	if resp.Error != nil {
		ch <- outcome{err: toRPCError(resp.Error)}
		return
	}
	ch <- outcome{result: resp.Result}
}

func (t *Transport) notify(n Notification) {
	t.mu.Lock()
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(n)
	}
}

// answer replies to server-initiated requests. Only ping is supported.
func (t *Transport) answer(req *jsonrpc2.Request) {
	var resp *jsonrpc2.Response
	var err error
	if req.Method == methodPing {
		resp, err = jsonrpc2.NewResponse(req.ID, struct{}{}, nil)
	} else {
		resp, err = jsonrpc2.NewResponse(req.ID, nil, jsonrpc2.ErrMethodNotFound)
	}
	if err != nil {
		t.log.Warn("failed to build response", "method", req.Method, "error", err)
		return
	}
	if err := t.write(context.Background(), resp); err != nil {
		t.log.Debug("failed to answer server request", "method", req.Method, "error", err)
	}
}

// toRPCError returns the error object decoded by the framer, falling back to
// an internal error carrying only the message.
func toRPCError(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: codeInternalError, Message: err.Error()}
}

func contextError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return thverrors.NewTimeoutError(fmt.Sprintf("%s request timed out", method), err)
	}
	return fmt.Errorf("%s request cancelled: %w", method, err)
}

// IsClosed reports whether err was produced by a closed transport.
func IsClosed(err error) bool {
	return thverrors.IsTransportClosed(err)
}
