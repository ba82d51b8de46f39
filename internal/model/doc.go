// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for coaching conversations:
// chat messages, conversations, structured suggestions, and the tolerant
// wire-timestamp decoding used when rehydrating history from the backend.
//
// Types in this package are plain data with small invariant-preserving
// methods. All cross-goroutine coordination lives in the stream and store
// packages; model types themselves are not synchronized.
package model
