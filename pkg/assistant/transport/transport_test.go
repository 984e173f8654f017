// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
)

// peer is the server side of an in-process pipe pair.
type peer struct {
	r   jsonrpc2.Reader
	w   jsonrpc2.Writer
	raw *io.PipeWriter
	in  *io.PipeReader
}

func newPair(t *testing.T, framing assistant.Framing) (*Transport, *peer) {
	t.Helper()
	return newLimitedPair(t, framing, 0)
}

// newLimitedPair caps the frames the Transport accepts at limit bytes.
func newLimitedPair(t *testing.T, framing assistant.Framing, limit int) (*Transport, *peer) {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	tr := New(s2cR, c2sW, FramerFor(framing, limit))
	framer := FramerFor(framing, 0)
	p := &peer{
		r:   framer.Reader(c2sR),
		w:   framer.Writer(s2cW),
		raw: s2cW,
		in:  c2sR,
	}
	t.Cleanup(func() {
		_ = tr.Close()
		_ = s2cW.Close()
		_ = c2sR.Close()
	})
	return tr, p
}

func (p *peer) next(t *testing.T) *jsonrpc2.Request {
	t.Helper()
	msg, _, err := p.r.Read(context.Background())
	require.NoError(t, err)
	req, ok := msg.(*jsonrpc2.Request)
	require.True(t, ok, "expected a request, got %T", msg)
	return req
}

func (p *peer) reply(t *testing.T, id jsonrpc2.ID, result any, rerr error) {
	t.Helper()
	resp, err := jsonrpc2.NewResponse(id, result, rerr)
	require.NoError(t, err)
	_, err = p.w.Write(context.Background(), resp)
	require.NoError(t, err)
}

// writeRaw writes body as a single frame without going through the encoder.
func (p *peer) writeRaw(t *testing.T, framing assistant.Framing, body string) {
	t.Helper()
	frame := body + "\n"
	if framing == assistant.FramingContentLength {
		frame = fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	}
	_, err := io.WriteString(p.raw, frame)
	require.NoError(t, err)
}

func (p *peer) send(t *testing.T, msg jsonrpc2.Message) {
	t.Helper()
	_, err := p.w.Write(context.Background(), msg)
	require.NoError(t, err)
}

type callResult struct {
	raw json.RawMessage
	err error
}

func goCall(ctx context.Context, tr *Transport, method string) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		raw, err := tr.Call(ctx, method, map[string]any{})
		ch <- callResult{raw, err}
	}()
	return ch
}

func TestCall_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, framing := range []assistant.Framing{assistant.FramingNewline, assistant.FramingContentLength} {
		t.Run(string(framing), func(t *testing.T) {
			t.Parallel()
			tr, p := newPair(t, framing)

			res := goCall(context.Background(), tr, "tools/list")
			req := p.next(t)
			assert.Equal(t, "tools/list", req.Method)
			assert.True(t, req.IsCall())
			p.reply(t, req.ID, map[string]any{"tools": []any{}}, nil)

			got := <-res
			require.NoError(t, got.err)
			assert.JSONEq(t, `{"tools":[]}`, string(got.raw))
			assert.Zero(t, tr.Pending())
		})
	}
}

func TestCall_OutOfOrderResponsesMatchedByID(t *testing.T) {
	t.Parallel()
	tr, p := newPair(t, assistant.FramingNewline)

	first := goCall(context.Background(), tr, "first")
	reqA := p.next(t)
	second := goCall(context.Background(), tr, "second")
	reqB := p.next(t)

	p.reply(t, reqB.ID, reqB.Method, nil)
	p.reply(t, reqA.ID, reqA.Method, nil)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.JSONEq(t, `"first"`, string(a.raw))
	assert.JSONEq(t, `"second"`, string(b.raw))
}

func TestCall_RPCErrorSurfaces(t *testing.T) {
	t.Parallel()
	tr, p := newPair(t, assistant.FramingNewline)

	res := goCall(context.Background(), tr, "tools/call")
	req := p.next(t)
	p.reply(t, req.ID, nil, jsonrpc2.NewError(-32602, "unknown tool"))

	got := <-res
	var rpcErr *RPCError
	require.ErrorAs(t, got.err, &rpcErr)
	assert.Equal(t, int64(-32602), rpcErr.Code)
	assert.Equal(t, "unknown tool", rpcErr.Message)
}

func TestCall_RPCErrorKeepsCodeAndData(t *testing.T) {
	t.Parallel()

	for _, framing := range []assistant.Framing{assistant.FramingNewline, assistant.FramingContentLength} {
		t.Run(string(framing), func(t *testing.T) {
			t.Parallel()
			tr, p := newPair(t, framing)

			res := goCall(context.Background(), tr, "tools/call")
			req := p.next(t)
			p.writeRaw(t, framing, fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"missing argument","data":{"field":"path"}}}`,
				req.ID.Raw()))

			got := <-res
			var rpcErr *RPCError
			require.ErrorAs(t, got.err, &rpcErr)
			assert.Equal(t, int64(-32602), rpcErr.Code)
			assert.Equal(t, "missing argument", rpcErr.Message)
			assert.JSONEq(t, `{"field":"path"}`, string(rpcErr.Data))
		})
	}
}

func TestOversizedFramesAreDropped(t *testing.T) {
	t.Parallel()

	for _, framing := range []assistant.Framing{assistant.FramingNewline, assistant.FramingContentLength} {
		t.Run(string(framing), func(t *testing.T) {
			t.Parallel()
			tr, p := newLimitedPair(t, framing, 256)

			res := goCall(context.Background(), tr, "a")
			req := p.next(t)

			big := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"%s"}`, req.ID.Raw(), strings.Repeat("x", 128<<10))
			p.writeRaw(t, framing, big)
			p.reply(t, req.ID, "small", nil)

			got := <-res
			require.NoError(t, got.err)
			assert.JSONEq(t, `"small"`, string(got.raw))
			assert.NoError(t, tr.Err())
		})
	}
}

func TestFrameLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultMaxFrameBytes, FrameLimit(0))
	assert.Equal(t, DefaultMaxFrameBytes, FrameLimit(1<<20))
	assert.Equal(t, 4*(8<<20)+frameHeadroom, FrameLimit(8<<20))
}

func TestCall_TimeoutAbandonsIDAndSendsCancelled(t *testing.T) {
	t.Parallel()
	tr, p := newPair(t, assistant.FramingNewline)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := goCall(ctx, tr, "slow")
	slow := p.next(t)

	got := <-res
	require.Error(t, got.err)
	assert.True(t, thverrors.IsTimeout(got.err))

	cancelled := p.next(t)
	assert.Equal(t, MethodCancelled, cancelled.Method)
	assert.False(t, cancelled.IsCall())
	var params struct {
		RequestID int64 `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(cancelled.Params, &params))
	assert.Equal(t, slow.ID.Raw(), params.RequestID)

	// the late response is discarded and the transport keeps working
	p.reply(t, slow.ID, "late", nil)
	next := goCall(context.Background(), tr, "fast")
	fast := p.next(t)
	p.reply(t, fast.ID, "ok", nil)
	ok := <-next
	require.NoError(t, ok.err)
	assert.JSONEq(t, `"ok"`, string(ok.raw))
}

func TestPeerClose_FailsPendingAndIsTerminal(t *testing.T) {
	t.Parallel()
	tr, p := newPair(t, assistant.FramingNewline)

	res1 := goCall(context.Background(), tr, "a")
	p.next(t)
	res2 := goCall(context.Background(), tr, "b")
	p.next(t)

	require.NoError(t, p.raw.Close())

	for _, ch := range []<-chan callResult{res1, res2} {
		got := <-ch
		assert.True(t, thverrors.IsTransportClosed(got.err), "got %v", got.err)
	}

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("transport did not become terminal")
	}

	_, err := tr.Call(context.Background(), "after", nil)
	assert.True(t, IsClosed(err))
	assert.True(t, IsClosed(tr.Notify(context.Background(), "notifications/initialized", nil)))
}

func TestClose_FailsPending(t *testing.T) {
	t.Parallel()
	tr, p := newPair(t, assistant.FramingNewline)

	res := goCall(context.Background(), tr, "a")
	p.next(t)

	require.NoError(t, tr.Close())
	got := <-res
	assert.True(t, thverrors.IsTransportClosed(got.err))
	require.Error(t, tr.Err())
}

func TestNotificationsDeliveredInOrder(t *testing.T) {
	t.Parallel()
	tr, p := newPair(t, assistant.FramingNewline)

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 2)
	unsubscribe := tr.Subscribe(func(n Notification) {
		mu.Lock()
		got = append(got, n.Method)
		mu.Unlock()
		received <- struct{}{}
	})
	defer unsubscribe()

	for _, method := range []string{"notifications/tools/list_changed", "notifications/message"} {
		n, err := jsonrpc2.NewNotification(method, map[string]any{})
		require.NoError(t, err)
		p.send(t, n)
	}
	<-received
	<-received

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"notifications/tools/list_changed", "notifications/message"}, got)
}

func TestMalformedAndUnknownFramesAreDropped(t *testing.T) {
	t.Parallel()
	tr, p := newPair(t, assistant.FramingNewline)

	res := goCall(context.Background(), tr, "a")
	req := p.next(t)

	_, err := p.raw.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	p.reply(t, jsonrpc2.Int64ID(9999), "stray", nil)
	p.reply(t, req.ID, "real", nil)

	got := <-res
	require.NoError(t, got.err)
	assert.JSONEq(t, `"real"`, string(got.raw))
	assert.NoError(t, tr.Err())
}

func TestServerRequestsAreAnswered(t *testing.T) {
	t.Parallel()
	_, p := newPair(t, assistant.FramingNewline)

	ping, err := jsonrpc2.NewCall(jsonrpc2.StringID("srv-1"), "ping", nil)
	require.NoError(t, err)
	p.send(t, ping)

	msg, _, err := p.r.Read(context.Background())
	require.NoError(t, err)
	resp, ok := msg.(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Equal(t, "srv-1", resp.ID.Raw())
	assert.NoError(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))

	sampling, err := jsonrpc2.NewCall(jsonrpc2.StringID("srv-2"), "sampling/createMessage", nil)
	require.NoError(t, err)
	p.send(t, sampling)

	msg, _, err = p.r.Read(context.Background())
	require.NoError(t, err)
	resp, ok = msg.(*jsonrpc2.Response)
	require.True(t, ok)
	var rpcErr *RPCError
	require.ErrorAs(t, resp.Error, &rpcErr)
	assert.Equal(t, int64(-32601), rpcErr.Code)
}
