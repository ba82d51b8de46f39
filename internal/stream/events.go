// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"github.com/strideloop/stride-core/internal/backend"
	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Event is a discrete state-machine notification. The presentation layer
// subscribes via Machine.Events; the machine never calls back into it.
type Event interface {
	isEvent()
}

// StreamStarted fires when a new assistant response begins. The target
// message is empty at this point, which the UI shows as a typing indicator.
type StreamStarted struct {
	ConversationID string
	MessageID      string
}

// ChunkApplied fires after a chunk has been appended to the target message.
// First marks the transition from the typing indicator to visible text.
type ChunkApplied struct {
	MessageID string
	Text      string
	First     bool
}

// StreamCompleted fires after a successful completion has been applied,
// detection has run, and the conversation has been persisted.
type StreamCompleted struct {
	ConversationID string
	MessageID      string
	Suggestion     *model.Suggestion
}

// StreamFailed fires after a failed or cancelled stream has been cleaned up.
// UserMessage is empty for explicit cancellation, which needs no banner.
type StreamFailed struct {
	Kind        backend.Kind
	UserMessage string
	Canceled    bool
}

// HistoryReplaced fires when a deferred or direct history reload has been
// applied to the store.
type HistoryReplaced struct {
	Count int
}

func (StreamStarted) isEvent()   {}
func (ChunkApplied) isEvent()    {}
func (StreamCompleted) isEvent() {}
func (StreamFailed) isEvent()    {}
func (HistoryReplaced) isEvent() {}
