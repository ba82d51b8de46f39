// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"encoding/json"
	"strings"

	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// DETECTOR CONTRACT
// =============================================================================

// Context carries caller-supplied identity used for deduplication downstream.
// Detection itself never mutates any state.
type Context struct {
	UserID    string
	MessageID string
}

// Detector is the suggestion-detection contract the streaming state machine
// depends on.
type Detector interface {
	// Detect parses a completed response for a suggestion payload matching
	// the conversation mode. Returns nil when no valid payload is present.
	Detect(text string, mode model.Mode, ctx Context) *model.Suggestion

	// CleanText strips payloads and flag markers from a completed response.
	// Idempotent; never fails; worst case returns text unchanged.
	CleanText(text string, mode model.Mode) string

	// CleanPartial hides an in-progress payload while text is streaming.
	CleanPartial(text string, mode model.Mode) string
}

// =============================================================================
// PAYLOAD DETECTOR
// =============================================================================

// PayloadDetector implements Detector with fence/brace scanning over the
// response text. It is stateless and safe for concurrent use.
type PayloadDetector struct{}

// NewPayloadDetector creates a PayloadDetector.
func NewPayloadDetector() *PayloadDetector {
	return &PayloadDetector{}
}

// habitPayload mirrors the habit suggestion JSON grammar.
type habitPayload struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Frequency    string `json:"frequency"`
	ReminderTime string `json:"reminderTime"`
}

// taskPayload mirrors the task suggestion JSON grammar. Older backend
// versions emitted "title" instead of "name".
type taskPayload struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	DueDate  string `json:"dueDate"`
	Priority string `json:"priority"`
	Notes    string `json:"notes"`
}

// Detect parses text for a suggestion payload matching mode.
func (d *PayloadDetector) Detect(text string, mode model.Mode, _ Context) *model.Suggestion {
	payload, ok := extractPayload(text, mode)
	if !ok {
		return nil
	}

	switch mode {
	case model.ModeHabit:
		var hp habitPayload
		if err := json.Unmarshal([]byte(payload), &hp); err != nil {
			return nil
		}
		if strings.TrimSpace(hp.Name) == "" {
			return nil
		}
		return &model.Suggestion{Habit: &model.HabitSuggestion{
			Name:         hp.Name,
			Description:  hp.Description,
			Frequency:    hp.Frequency,
			ReminderTime: hp.ReminderTime,
		}}
	case model.ModeTask:
		var tp taskPayload
		if err := json.Unmarshal([]byte(payload), &tp); err != nil {
			return nil
		}
		name := tp.Name
		if name == "" {
			name = tp.Title
		}
		if strings.TrimSpace(name) == "" {
			return nil
		}
		return &model.Suggestion{Task: &model.TaskSuggestion{
			Name:     name,
			DueDate:  tp.DueDate,
			Priority: tp.Priority,
			Notes:    tp.Notes,
		}}
	default:
		return nil
	}
}

// extractPayload locates the suggestion JSON object in text: first inside a
// json code fence, then as a bare object carrying one of the mode's sentinel
// keys.
func extractPayload(text string, mode model.Mode) (string, bool) {
	if body, ok := fencedJSONBody(text); ok {
		return body, true
	}

	for _, key := range sentinelKeys(mode) {
		at := strings.Index(text, key)
		if at < 0 {
			continue
		}
		start := strings.LastIndexByte(text[:at], '{')
		if start < 0 {
			continue
		}
		if end, ok := matchBrace(text, start); ok {
			return text[start : end+1], true
		}
	}
	return "", false
}
