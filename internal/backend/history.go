// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/strideloop/stride-core/internal/detect"
	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// HISTORY WIRE TYPES
// =============================================================================

// wireMessage is one persisted chat turn as the backend sends it. Only
// content and role are guaranteed; id and timestamp may be absent.
type wireMessage struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Role      string         `json:"role"`
	Timestamp model.WireTime `json:"timestamp"`
}

// wireConversation is one persisted conversation record. Older records carry
// `timestamp` instead of `lastUpdated` and may lack `chatMode` entirely.
type wireConversation struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Messages    []wireMessage  `json:"messages"`
	LastUpdated model.WireTime `json:"lastUpdated"`
	Timestamp   model.WireTime `json:"timestamp"`
	ChatMode    string         `json:"chatMode"`
}

// historyEnvelope is the wrapped form of the history response.
type historyEnvelope struct {
	Conversations []wireConversation `json:"conversations"`
}

// =============================================================================
// HISTORY FETCH
// =============================================================================

// FetchHistory retrieves the caller's persisted conversations, newest data
// in whatever shape the backend has accumulated over time: records missing
// ids are dropped, missing timestamps default to now, and records without a
// stored mode get one inferred from their message text.
func (c *Client) FetchHistory(ctx context.Context) ([]*model.Conversation, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/history", nil, &raw); err != nil {
		return nil, err
	}

	records, err := decodeHistoryResponse(raw)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conversations := make([]*model.Conversation, 0, len(records))
	for _, rec := range records {
		conv := decodeConversation(rec, now)
		if conv == nil {
			c.logger.Warn("dropping history record without id")
			continue
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// decodeHistoryResponse accepts both the bare-array and enveloped response
// shapes.
func decodeHistoryResponse(raw json.RawMessage) ([]wireConversation, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []wireConversation
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("%w: history list: %v", ErrParse, err)
		}
		return records, nil
	}

	var envelope historyEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: history envelope: %v", ErrParse, err)
	}
	return envelope.Conversations, nil
}

// decodeConversation converts a wire record into the in-memory model.
// Returns nil for records without an id, which cannot be addressed and would
// collide in the history list.
func decodeConversation(rec wireConversation, now time.Time) *model.Conversation {
	if rec.ID == "" {
		return nil
	}

	// lastUpdated wins; timestamp is the legacy field name.
	ts := rec.LastUpdated.OrNow(now)
	if rec.LastUpdated.IsZero() {
		ts = rec.Timestamp.OrNow(now)
	}

	conv := &model.Conversation{
		ID:        rec.ID,
		Title:     rec.Title,
		Timestamp: ts,
		Messages:  make([]*model.Message, 0, len(rec.Messages)),
	}

	for _, wm := range rec.Messages {
		author := model.AuthorAssistant
		if wm.Role == "user" {
			author = model.AuthorUser
		}
		conv.Messages = append(conv.Messages,
			model.NewHistoricMessage(wm.ID, author, wm.Content, wm.Timestamp.OrNow(ts)))
	}

	switch model.Mode(rec.ChatMode) {
	case model.ModeHabit, model.ModeTask:
		conv.Mode = model.Mode(rec.ChatMode)
	default:
		conv.Mode = detect.InferConversationMode(conv.Messages)
	}

	// Persisted assistant text is raw: flag markers and payload JSON
	// included. Derive the cleaned display form and the structured
	// suggestion now, the same pass a live completion gets, so resumed
	// conversations never show markers.
	detector := detect.NewPayloadDetector()
	for _, msg := range conv.Messages {
		if msg.Author != model.AuthorAssistant {
			continue
		}
		msg.Suggestion = detector.Detect(msg.RawText(), conv.Mode, detect.Context{MessageID: msg.ID})
		msg.SetCleaned(detector.CleanText(msg.RawText(), conv.Mode))
	}
	return conv
}
