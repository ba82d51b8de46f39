// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream owns the lifecycle of one in-flight assistant response:
// start, incremental chunk application, completion, failure, cancellation.
//
// The Machine is the single writer for the active conversation and the
// streaming target id. All mutations go through its methods, which marshal
// concurrent callers with a mutex and publish discrete events (StreamStarted,
// ChunkApplied, StreamCompleted, StreamFailed) that a presentation layer
// consumes from a channel. No other component writes to the message list.
package stream
