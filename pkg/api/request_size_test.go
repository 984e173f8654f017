// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/stacklok/mcp-assistant/pkg/api/errors"
)

// decodeChat behaves like the chat handler: a body that does not decode is a 400.
func decodeChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.Write(w, http.StatusBadRequest, "invalid request body")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func chatBody(messageLen int) string {
	return `{"message":"` + strings.Repeat("a", messageLen) + `"}`
}

func TestRequestBodySizeLimitMiddleware(t *testing.T) {
	t.Parallel()

	const limit = 1024
	envelope := len(chatBody(0))

	tests := []struct {
		name          string
		body          string
		contentLength int64 // 0 keeps the real length, -1 sends it as unknown
		handler       http.HandlerFunc
		wantCode      int
		wantError     string
	}{
		{
			name:     "chat request within the limit",
			body:     chatBody(limit - envelope),
			handler:  decodeChat,
			wantCode: http.StatusOK,
		},
		{
			name:      "declared length above the limit is rejected before the handler",
			body:      chatBody(limit),
			handler:   func(http.ResponseWriter, *http.Request) { t.Error("handler must not run") },
			wantCode:  http.StatusRequestEntityTooLarge,
			wantError: http.StatusText(http.StatusRequestEntityTooLarge),
		},
		{
			name:          "oversized body of unknown length turns the decode failure into 413",
			body:          chatBody(limit),
			contentLength: -1,
			handler:       decodeChat,
			wantCode:      http.StatusRequestEntityTooLarge,
		},
		{
			name:          "malformed body within the limit stays a 400",
			body:          `{"message":`,
			contentLength: -1,
			handler:       decodeChat,
			wantCode:      http.StatusBadRequest,
			wantError:     "invalid request body",
		},
		{
			name:          "handler rejecting an unread oversized body reports 413",
			body:          chatBody(2 * limit),
			contentLength: -1,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				apierrors.Write(w, http.StatusBadRequest, "missing conversation")
			},
			wantCode: http.StatusRequestEntityTooLarge,
		},
		{
			name:     "empty body reaches the handler",
			body:     "",
			handler:  func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) },
			wantCode: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var body io.Reader = http.NoBody
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
			if tt.contentLength != 0 {
				req.ContentLength = tt.contentLength
			}
			rec := httptest.NewRecorder()

			requestBodySizeLimitMiddleware(limit)(tt.handler).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantError != "" {
				var resp apierrors.Response
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.False(t, resp.Success)
				assert.Equal(t, tt.wantError, resp.Error)
			}
		})
	}
}
