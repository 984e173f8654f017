// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
)

const (
	// DefaultMaxFrameBytes is the largest frame accepted when no limit is given.
	DefaultMaxFrameBytes = 16 << 20

	// frameHeadroom is added on top of the tool result limit for the envelope.
	frameHeadroom = 64 << 10

	maxHeaderLineBytes = 4 << 10
	readBufferSize     = 64 << 10
)

// ErrFrameTooLarge is reported for frames above the configured limit.
var ErrFrameTooLarge = errors.New("frame exceeds the size limit")

// FrameLimit returns the frame size limit for servers whose tool results are
// truncated to maxResultBytes. Results larger than that still need to arrive
// whole to be truncated, so the limit never drops below DefaultMaxFrameBytes.
func FrameLimit(maxResultBytes int) int {
	return max(DefaultMaxFrameBytes, 4*maxResultBytes+frameHeadroom)
}

// FramerFor returns the framer matching the configured framing. Frames larger
// than maxFrameBytes are discarded; zero or less selects DefaultMaxFrameBytes.
func FramerFor(f assistant.Framing, maxFrameBytes int) jsonrpc2.Framer {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	if f == assistant.FramingContentLength {
		return contentLengthFramer{limit: maxFrameBytes}
	}
	return newlineFramer{limit: maxFrameBytes}
}

// NewlineFramer returns a framer that writes one JSON object per line,
// which is what stdio MCP servers speak.
func NewlineFramer() jsonrpc2.Framer {
	return newlineFramer{limit: DefaultMaxFrameBytes}
}

type newlineFramer struct {
	limit int
}

type newlineReader struct {
	in    *bufio.Reader
	limit int
}

type newlineWriter struct {
	out io.Writer
}

func (f newlineFramer) Reader(r io.Reader) jsonrpc2.Reader {
	return &newlineReader{in: bufio.NewReaderSize(r, readBufferSize), limit: f.limit}
}

func (newlineFramer) Writer(w io.Writer) jsonrpc2.Writer {
	return &newlineWriter{out: w}
}

// contentLengthFramer reads LSP style frames itself and writes them with the
// jsonrpc2 header framer.
type contentLengthFramer struct {
	limit int
}

type contentLengthReader struct {
	in    *bufio.Reader
	limit int
}

func (f contentLengthFramer) Reader(r io.Reader) jsonrpc2.Reader {
	return &contentLengthReader{in: bufio.NewReaderSize(r, readBufferSize), limit: f.limit}
}

func (contentLengthFramer) Writer(w io.Writer) jsonrpc2.Writer {
	return jsonrpc2.HeaderFramer().Writer(w)
}

// malformedFrameError marks a frame that was read completely but could not be decoded.
type malformedFrameError struct {
	frame []byte
	err   error
}

func (e *malformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", truncateFrame(e.frame), e.err)
}

func (e *malformedFrameError) Unwrap() error {
	return e.err
}

func tooLarge(size int64, limit int) error {
	return &malformedFrameError{err: fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, limit)}
}

// readLine reads up to and including the next newline. Lines longer than
// limit are consumed and reported as too large without being buffered.
func readLine(in *bufio.Reader, limit int) ([]byte, int64, error) {
	var (
		line     []byte
		total    int64
		overflow bool
	)
	for {
		chunk, err := in.ReadSlice('\n')
		total += int64(len(chunk))
		if !overflow {
			if len(line)+len(chunk) > limit {
				overflow = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if overflow {
			if err != nil {
				return nil, total, err
			}
			return nil, total, tooLarge(total, limit)
		}
		return line, total, err
	}
}

func (r *newlineReader) Read(ctx context.Context) (jsonrpc2.Message, int64, error) {
	var total int64
	for {
		select {
		case <-ctx.Done():
			return nil, total, ctx.Err()
		default:
		}

		line, n, err := readLine(r.in, r.limit)
		total += n
		var malformed *malformedFrameError
		if errors.As(err, &malformed) {
			return nil, total, err
		}
		line = bytes.TrimSpace(line)

		if len(line) == 0 {
			if err != nil {
				return nil, total, err
			}
			// blank keep-alive line
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, total, err
		}

		msg, decErr := decodeFrame(line)
		if decErr != nil {
			return nil, total, &malformedFrameError{frame: line, err: decErr}
		}
		return msg, total, nil
	}
}

func (r *contentLengthReader) Read(ctx context.Context) (jsonrpc2.Message, int64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}

	var total, length int64
	for {
		raw, n, err := readLine(r.in, maxHeaderLineBytes)
		total += n
		if err != nil {
			return nil, total, err
		}
		line := strings.TrimSpace(string(raw))
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, total, &malformedFrameError{frame: raw, err: errors.New("invalid header line")}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || length <= 0 {
				return nil, total, &malformedFrameError{frame: raw, err: errors.New("invalid Content-Length")}
			}
		}
	}
	if length == 0 {
		return nil, total, &malformedFrameError{err: errors.New("missing Content-Length header")}
	}

	if length > int64(r.limit) {
		n, err := io.CopyN(io.Discard, r.in, length)
		total += n
		if err != nil {
			return nil, total, err
		}
		return nil, total, tooLarge(length, r.limit)
	}

	data := make([]byte, length)
	n, err := io.ReadFull(r.in, data)
	total += int64(n)
	if err != nil {
		return nil, total, err
	}
	msg, err := decodeFrame(data)
	if err != nil {
		return nil, total, &malformedFrameError{frame: data, err: err}
	}
	return msg, total, nil
}

func (w *newlineWriter) Write(ctx context.Context, msg jsonrpc2.Message) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return 0, fmt.Errorf("marshaling message: %w", err)
	}
	data = append(data, '\n')
	n, err := w.out.Write(data)
	return int64(n), err
}

// decodeFrame decodes one JSON-RPC message. jsonrpc2 keeps only the message
// of an error response, so the error object is decoded again from the frame
// to preserve its code and data.
func decodeFrame(data []byte) (jsonrpc2.Message, error) {
	msg, err := jsonrpc2.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*jsonrpc2.Response)
	if !ok || resp.Error == nil {
		return msg, nil
	}
	var wire struct {
		Error *RPCError `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err == nil && wire.Error != nil {
		resp.Error = wire.Error
	}
	return msg, nil
}

// isClosed reports whether err means the underlying stream is gone.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}

func truncateFrame(b []byte) string {
	const maxShown = 200
	if len(b) <= maxShown {
		return string(b)
	}
	return string(b[:maxShown]) + "..."
}
