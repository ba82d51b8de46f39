// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// HISTORY STORE
// =============================================================================

// History is the in-memory conversation list, ordered most-recent-first.
// Expected sizes are hundreds of conversations, so linear scans are fine.
//
// Thread-safety: all operations are protected by a mutex. Mutation happens
// from the streaming state machine and from history reloads; both marshal
// through these methods.
type History struct {
	mu            sync.Mutex
	conversations []*model.Conversation
	loaded        bool
}

// NewHistory creates an empty history store.
func NewHistory() *History {
	return &History{
		conversations: make([]*model.Conversation, 0),
	}
}

// Upsert replaces the conversation with a matching ID, or inserts at the
// front when no match exists, preserving the most-recent-first invariant.
func (h *History) Upsert(conv *model.Conversation) {
	if conv == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, existing := range h.conversations {
		if existing.ID == conv.ID {
			h.conversations[i] = conv
			return
		}
	}
	h.conversations = append([]*model.Conversation{conv}, h.conversations...)
}

// Get returns a conversation by ID, or nil.
func (h *History) Get(id string) *model.Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conv := range h.conversations {
		if conv.ID == id {
			return conv
		}
	}
	return nil
}

// Remove deletes a conversation by ID. Returns true if one was removed.
func (h *History) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, conv := range h.conversations {
		if conv.ID == id {
			h.conversations = append(h.conversations[:i], h.conversations[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a copy of the conversation list, most recent first.
func (h *History) All() []*model.Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*model.Conversation, len(h.conversations))
	copy(out, h.conversations)
	return out
}

// Len returns the number of conversations held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conversations)
}

// Loaded reports whether a history load has completed at least once.
func (h *History) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

// ReplaceAll swaps in a freshly loaded history list, sorted most recent
// first. A failed load must never reach this method: callers keep the
// previous contents on error and surface a retryable state instead.
func (h *History) ReplaceAll(conversations []*model.Conversation) {
	sorted := make([]*model.Conversation, len(conversations))
	copy(sorted, conversations)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	h.conversations = sorted
	h.loaded = true
}

// Sections returns the relative-time partition of the current contents.
func (h *History) Sections(now time.Time) []Section {
	return Sectionize(h.All(), now)
}

// =============================================================================
// SEARCH
// =============================================================================

// Search returns conversations whose title or message content contains the
// query, case-insensitive, most recent first. An empty query returns
// everything.
func (h *History) Search(query string) []*model.Conversation {
	all := h.All()
	if query == "" {
		return all
	}

	query = strings.ToLower(query)
	var results []*model.Conversation

	for _, conv := range all {
		if strings.Contains(strings.ToLower(conv.GetTitle()), query) {
			results = append(results, conv)
			continue
		}
		for _, msg := range conv.Messages {
			if strings.Contains(strings.ToLower(msg.DisplayText()), query) {
				results = append(results, conv)
				break
			}
		}
	}
	return results
}
