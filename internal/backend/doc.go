// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend is the HTTP client for the coaching service: the
// streaming chat endpoint (Server-Sent Events) and the conversation history
// endpoint.
//
// All failures coming out of this package are classified at this boundary
// into the small taxonomy the client surfaces to users (rate limit,
// authentication, server, network, parse), so callers never inspect raw
// transport errors.
package backend
