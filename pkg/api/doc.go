// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api serves the HTTP surface of the assistant.
//
// Route handlers live in versioned subpackages (v1) and receive their
// dependencies through small interfaces, so each router can be tested
// with fakes. This package assembles the routers under their prefixes and
// adds the shared middleware:
//
//   - request ids and panic recovery from chi
//   - a request timeout derived from the chat turn deadline
//   - a 1 MiB request body cap
//   - an optional token bucket rate limit for /api/ routes
//
// Example usage:
//
//	err := api.Serve(ctx, cfg, api.Deps{
//	    Chat:          orch,
//	    Conversations: store,
//	    Catalog:       cat,
//	    Sessions:      reg,
//	    Health:        checker,
//	    Model:         client,
//	    Metrics:       m.Handler(),
//	})
package api
