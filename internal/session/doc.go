// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks the local user session: who is talking to the
// coach, how long they have been idle, and when accumulated conversation
// state should be flushed to the local cache.
package session
