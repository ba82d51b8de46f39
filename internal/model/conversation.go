// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// TitleWordLimit is the number of leading words of the first user message
// used as a derived conversation title when the backend has not supplied one.
const TitleWordLimit = 5

// =============================================================================
// MODE TYPE
// =============================================================================

// Mode selects which structured-suggestion grammar (habit vs. task) is
// expected in assistant responses. A conversation's mode never changes after
// creation; switching modes starts a new conversation.
type Mode string

const (
	ModeTask  Mode = "task"
	ModeHabit Mode = "habit"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeTask || m == ModeHabit
}

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds one coaching conversation: its identity, sticky mode,
// and ordered message list. Timestamp is the last-modified time and drives
// history sorting and sectioning.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Mode      Mode       `json:"mode"`
	Messages  []*Message `json:"messages"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewConversation creates a conversation with a client-side generated ID.
// The backend may later assign its own ID via AdoptID.
func NewConversation(mode Mode) *Conversation {
	return &Conversation{
		ID:        generateConversationID(),
		Mode:      mode,
		Messages:  make([]*Message, 0),
		Timestamp: time.Now(),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message and refreshes the last-modified time and
// derived title.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.Timestamp = time.Now()
	c.deriveTitle()
}

// AddUserMessage creates and appends a user message.
func (c *Conversation) AddUserMessage(content string) *Message {
	msg := NewUserMessage(content)
	c.AddMessage(msg)
	return msg
}

// AddAssistantMessage creates and appends an empty streaming assistant
// message.
func (c *Conversation) AddAssistantMessage() *Message {
	msg := NewAssistantMessage()
	c.AddMessage(msg)
	return msg
}

// RemoveMessage removes a message by ID. Returns true if one was removed.
func (c *Conversation) RemoveMessage(id string) bool {
	for i, msg := range c.Messages {
		if msg.ID == id {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			c.Timestamp = time.Now()
			return true
		}
	}
	return false
}

// MessageByID returns a message by its ID, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// ClearHistory removes all messages.
func (c *Conversation) ClearHistory() {
	c.Messages = make([]*Message, 0)
	c.Timestamp = time.Now()
}

// =============================================================================
// IDENTITY & TITLE
// =============================================================================

// AdoptID replaces the client-side ID with a backend-assigned one.
// Empty or identical IDs are ignored.
func (c *Conversation) AdoptID(id string) {
	if id != "" && id != c.ID {
		c.ID = id
	}
}

// SetTitle records a backend-supplied title, which overrides the derived one.
func (c *Conversation) SetTitle(title string) {
	if title != "" {
		c.Title = title
	}
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// deriveTitle sets the title from the first user message if not set:
// the first TitleWordLimit words, single-line.
func (c *Conversation) deriveTitle() {
	if c.Title != "" {
		return
	}
	for _, msg := range c.Messages {
		if msg.Author == AuthorUser {
			c.Title = firstWords(msg.Content, TitleWordLimit)
			return
		}
	}
}

// firstWords returns the first n whitespace-separated words of s.
func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// =============================================================================
// COPY & PREVIEW
// =============================================================================

// Preview returns a short preview of the conversation for history listings.
func (c *Conversation) Preview() string {
	for _, msg := range c.Messages {
		if msg.Author == AuthorUser && msg.Content != "" {
			return msg.Preview(80)
		}
	}
	return "Empty conversation"
}

// Clone creates a deep copy of the conversation. Streaming builder state is
// not carried over; clones are only taken from settled conversations.
func (c *Conversation) Clone() *Conversation {
	clone := &Conversation{
		ID:        c.ID,
		Title:     c.Title,
		Mode:      c.Mode,
		Timestamp: c.Timestamp,
		Messages:  make([]*Message, len(c.Messages)),
	}
	for i, msg := range c.Messages {
		msgCopy := Message{
			ID:          msg.ID,
			Author:      msg.Author,
			Timestamp:   msg.Timestamp,
			Content:     msg.RawText(),
			CleanedText: msg.CleanedText,
			Suggestion:  msg.Suggestion,
		}
		clone.Messages[i] = &msgCopy
	}
	return clone
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateConversationID creates a client-side conversation ID from the
// current time plus a random suffix.
func generateConversationID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "conv_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + hex.EncodeToString(bytes)
}
