// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-assistant/pkg/versions"
)

func TestVersion(t *testing.T) {
	t.Parallel()

	h := newTestRouter(&fakeChat{}, fakeStore{}, fakeChecker{})

	rec := do(t, h, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, versions.GetVersionInfo().Version, decodeBody[versionResponse](t, rec).Version)

	rec = do(t, h, http.MethodPost, "/api/version", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
