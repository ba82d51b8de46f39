// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// STREAMING: Robust SSE parsing with error handling

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxEventSize is the maximum allowed size for a single SSE event (64KB).
const MaxEventSize = 64 * 1024

// =============================================================================
// STREAMING TYPES
// =============================================================================

// ChatRequest is the payload for the streaming chat endpoint.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Mode           string `json:"mode"`
}

// StartEvent is the stream-opened event. The backend may assign a
// conversation id here for conversations it has not seen before.
type StartEvent struct {
	ConversationID string `json:"conversationId"`
}

// Completion is the terminal payload of a successful stream: the
// authoritative full response text plus optional conversation metadata.
type Completion struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

// StreamHandler receives stream events as they arrive. Either callback may
// be nil. Callbacks run on the stream's reader goroutine, so they must not
// block.
type StreamHandler struct {
	OnStart func(StartEvent)
	OnChunk func(text string)
}

// chunkEvent is the wire shape of a single text-chunk event.
type chunkEvent struct {
	Text string `json:"text"`
}

// streamErrorBody is the wire shape of a terminal error event.
type streamErrorBody struct {
	errorBody
	Status int    `json:"status"`
	Code   string `json:"code"`
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream and returns the event
// type and joined data lines. Returns io.EOF when the stream ends. Events
// larger than MaxEventSize are rejected.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	var size int

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// Flush any buffered data before EOF.
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		size += len(line)
		if size > MaxEventSize {
			return "", nil, fmt.Errorf("event too large: %d bytes", size)
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("event:")) {
			eventType = string(bytes.TrimSpace(line[6:]))
		} else if bytes.HasPrefix(line, []byte("data:")) {
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore other fields (id:, retry:, comments starting with :)
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamChat sends a user message and consumes the SSE response. Chunk and
// start events are delivered through handler as they arrive; the terminal
// completion payload is returned once the stream finishes. A stream that
// ends without a completion event is a network failure: the caller must not
// treat accumulated chunks as authoritative.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, handler StreamHandler) (*Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("Connection", "keep-alive")

	// Shared streaming client: connection pooling, lifetime governed by ctx.
	client := c.httpClient
	if client == nil || client.Timeout > 0 {
		client = sharedStreamingClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxEventSize))
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	return c.processStream(ctx, resp.Body, handler)
}

// processStream reads SSE events until a terminal event or EOF.
func (c *Client) processStream(ctx context.Context, body io.Reader, handler StreamHandler) (*Completion, error) {
	reader := NewSSEReader(body)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		eventType, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("stream ended before completion: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil, fmt.Errorf("stream ended before completion: %w", io.ErrUnexpectedEOF)
		}

		switch eventType {
		case "start":
			var ev StartEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Debug("skipping malformed start event", "error", err)
				continue
			}
			if handler.OnStart != nil {
				handler.OnStart(ev)
			}

		case "chunk", "":
			var ev chunkEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				// Skip malformed chunks
				c.logger.Debug("skipping malformed chunk", "error", err)
				continue
			}
			if ev.Text != "" && handler.OnChunk != nil {
				handler.OnChunk(ev.Text)
			}

		case "done":
			var done Completion
			if err := json.Unmarshal(data, &done); err != nil {
				return nil, fmt.Errorf("%w: completion event: %v", ErrParse, err)
			}
			return &done, nil

		case "error":
			return nil, decodeStreamError(data)

		default:
			c.logger.Debug("ignoring unknown stream event", "event", eventType)
		}
	}
}

// decodeStreamError converts a terminal error event into a taxonomy error.
// The backend identifies the failure by HTTP-style status, by code string,
// or not at all, so all three are checked.
func decodeStreamError(data []byte) error {
	var body streamErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("%w: error event: %v", ErrParse, err)
	}

	code := body.Code
	if code == "" {
		code = body.Error.Code
	}
	switch code {
	case "rate-limit-exceeded", "rate_limited", "resource-exhausted":
		return &RateLimitError{Message: body.message()}
	case "not-authenticated", "unauthenticated", "permission-denied":
		return ErrNotAuthenticated
	}

	if body.Status > 0 {
		return classifyStatus(body.Status, body.message())
	}
	return &ServerError{Message: body.message()}
}
