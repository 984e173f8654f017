// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the API.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// Response is the envelope written for failed requests.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into appropriate HTTP responses.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using errors.Code()
//   - For 5xx errors: logs full error details, returns generic message to client
//   - For 4xx errors: returns error message to client
//
// Usage:
//
//	r.Get("/", apierrors.ErrorHandler(routes.listTools))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			// No error returned, handler already wrote the response
			return
		}

		code, message := Status(err)
		Write(w, code, message)
	}
}

// Status returns the HTTP status code for err and the message that is safe
// to show to a client. Internal errors are logged and replaced by the status
// text.
func Status(err error) (int, string) {
	code := errors.Code(err)
	if code == http.StatusInternalServerError {
		logger.Errorf("Internal server error: %v", err)
		return code, http.StatusText(code)
	}
	return code, err.Error()
}

// Write writes a failure envelope with the given status code.
func Write(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(Response{Success: false, Error: message}); err != nil {
		logger.Errorf("Failed to encode error response: %v", err)
	}
}
