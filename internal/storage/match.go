// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// ACTIVE-CONVERSATION RECONCILIATION
// =============================================================================

// MatchActive finds the history entry whose message tail matches the active
// conversation's messages (by author and text, in order). Returns nil when
// the active conversation is empty or nothing matches. When several entries
// match, the most recent one wins.
//
// Best effort only: this exists to survive the restart race where local
// state loaded before remote history did.
func MatchActive(history []*model.Conversation, active *model.Conversation) *model.Conversation {
	if active == nil || active.IsEmpty() {
		return nil
	}

	var best *model.Conversation
	for _, candidate := range history {
		if !tailMatches(candidate, active) {
			continue
		}
		if best == nil || candidate.Timestamp.After(best.Timestamp) {
			best = candidate
		}
	}
	return best
}

// tailMatches reports whether active's message list equals the tail of
// candidate's, comparing author and raw text.
func tailMatches(candidate, active *model.Conversation) bool {
	n := len(active.Messages)
	if n == 0 || len(candidate.Messages) < n {
		return false
	}

	offset := len(candidate.Messages) - n
	for i, msg := range active.Messages {
		other := candidate.Messages[offset+i]
		if other.Author != msg.Author || other.RawText() != msg.RawText() {
			return false
		}
	}
	return true
}
