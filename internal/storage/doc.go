// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage holds the in-memory conversation history for the coaching
// client: an ordered most-recent-first list with insert-or-replace updates,
// relative-time sectioning for the history screen (Today, Yesterday, Last
// Week, Earlier), search, and the best-effort reconciliation that re-binds
// the active conversation to a freshly loaded history entry after a restart.
//
// Sections are never persisted; the partition is a pure function of each
// conversation's timestamp and the caller's "now", recomputed on every
// mutation. Durable persistence lives behind the cache and backend packages.
package storage
