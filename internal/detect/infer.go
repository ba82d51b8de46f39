// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"strings"

	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// LEGACY MODE INFERENCE
// =============================================================================

// InferMode guesses a conversation's mode from its message text. It exists
// only as a compatibility shim for history records persisted before the mode
// field was stored; records with a stored mode never pass through here.
//
// Task markers are checked first: a task payload can incidentally contain
// habit-like keys, and the observed false positives all ran in that
// direction. Best effort; the fallback is task mode.
func InferMode(text string) model.Mode {
	for _, key := range sentinelKeys(model.ModeTask) {
		if strings.Contains(text, key) {
			return model.ModeTask
		}
	}
	for _, key := range sentinelKeys(model.ModeHabit) {
		if strings.Contains(text, key) {
			return model.ModeHabit
		}
	}
	return model.ModeTask
}

// InferConversationMode applies InferMode across a conversation's assistant
// messages, adopting the first confident marker hit.
func InferConversationMode(messages []*model.Message) model.Mode {
	for _, msg := range messages {
		if msg.Author != model.AuthorAssistant {
			continue
		}
		text := msg.RawText()
		for _, key := range sentinelKeys(model.ModeTask) {
			if strings.Contains(text, key) {
				return model.ModeTask
			}
		}
		for _, key := range sentinelKeys(model.ModeHabit) {
			if strings.Contains(text, key) {
				return model.ModeHabit
			}
		}
	}
	return model.ModeTask
}
