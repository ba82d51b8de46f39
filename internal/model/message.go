// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUTHOR TYPE
// =============================================================================

// Author identifies the sender of a chat message.
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

// String returns the string representation of the author.
func (a Author) String() string {
	return string(a)
}

// DisplayName returns a human-readable name for the author.
func (a Author) DisplayName() string {
	switch a {
	case AuthorUser:
		return "You"
	case AuthorAssistant:
		return "Coach"
	default:
		return string(a)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single chat turn.
//
// For assistant messages created as streaming targets, RawText grows
// append-only while the stream is live (backed by a strings.Builder to avoid
// quadratic allocations), and CleanedText is recomputed on every applied
// chunk. Suggestion is populated at most once, after the full response text
// is available; it is never set mid-stream.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// CleanedText is the user-visible text with embedded payload markers and
	// suggestion JSON removed. Empty means "not derived yet"; use DisplayText.
	CleanedText string `json:"cleaned_text,omitempty"`

	// Suggestion is the structured suggestion detected in a completed
	// assistant response, if any.
	Suggestion *Suggestion `json:"suggestion,omitempty"`

	// Streaming state (not persisted)
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return &Message{
		ID:        generateMessageID(),
		Author:    AuthorUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewAssistantMessage creates an empty assistant message ready to receive
// streamed chunks.
func NewAssistantMessage() *Message {
	return &Message{
		ID:          generateMessageID(),
		Author:      AuthorAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// NewHistoricMessage rebuilds a settled message from a persisted record. A
// missing id gets a fresh one so in-memory operations that address messages
// by id keep working.
func NewHistoricMessage(id string, author Author, content string, ts time.Time) *Message {
	if id == "" {
		id = generateMessageID()
	}
	return &Message{
		ID:        id,
		Author:    author,
		Content:   content,
		Timestamp: ts,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendChunk appends streamed text to the message's raw content.
// Chunks are applied strictly in arrival order; no reordering happens here.
func (m *Message) AppendChunk(chunk string) {
	if m.IsStreaming {
		m.streamContent.WriteString(chunk)
	}
}

// RawText returns the full raw text received or sent so far.
func (m *Message) RawText() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// SetCleaned records the derived user-visible text.
func (m *Message) SetCleaned(text string) {
	m.CleanedText = text
}

// DisplayText returns the text to show the user: the cleaned form when one
// has been derived, otherwise the raw text.
func (m *Message) DisplayText() string {
	if m.CleanedText != "" {
		return m.CleanedText
	}
	return m.RawText()
}

// FinalizeStream ends streaming, overwriting the accumulated chunks with the
// authoritative full text from the completion payload. This guards against
// any client-side chunk-reassembly drift.
func (m *Message) FinalizeStream(fullText string) {
	if !m.IsStreaming {
		return
	}
	m.Content = fullText
	m.streamContent.Reset()
	m.IsStreaming = false
}

// IsEmpty returns true if the message has no content yet.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// Preview returns a truncated single-line preview of the display text.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := strings.ReplaceAll(m.DisplayText(), "\n", " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateMessageID creates a unique message ID.
func generateMessageID() string {
	return "msg_" + uuid.NewString()
}
