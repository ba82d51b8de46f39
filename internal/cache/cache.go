// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache is the local write-through conversation cache. It keeps the
// last known history on disk so a restart shows conversations immediately,
// before (or without) a remote history fetch.
//
// The cache is strictly best-effort: every failure degrades to a cache miss.
// Corrupt rows are dropped on read rather than failing the load.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/strideloop/stride-core/internal/detect"
	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated
	ON conversations (user_id, updated_at DESC);
`

// =============================================================================
// CACHE
// =============================================================================

// Cache is a SQLite-backed conversation store keyed by user.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the cache database at path.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY churn for this small workload.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// =============================================================================
// READ / WRITE
// =============================================================================

// Save inserts or replaces one conversation for the given user.
func (c *Cache) Save(userID string, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO conversations (user_id, id, data, updated_at) VALUES (?, ?, ?, ?)`,
		userID, conv.ID, string(data), conv.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	return nil
}

// SaveAll replaces the user's entire cached history in one transaction.
func (c *Cache) SaveAll(userID string, conversations []*model.Conversation) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear cached history: %w", err)
	}
	for _, conv := range conversations {
		data, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to encode conversation: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO conversations (user_id, id, data, updated_at) VALUES (?, ?, ?, ?)`,
			userID, conv.ID, string(data), conv.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to write conversation: %w", err)
		}
	}
	return tx.Commit()
}

// Load returns the user's cached conversations, newest first. Rows that no
// longer decode are deleted and skipped; a corrupt cache is a cache miss,
// never an error the user sees.
func (c *Cache) Load(userID string) ([]*model.Conversation, error) {
	rows, err := c.db.Query(
		`SELECT id, data FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached history: %w", err)
	}
	defer rows.Close()

	var conversations []*model.Conversation
	var corrupt []string
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan cached row: %w", err)
		}

		var conv model.Conversation
		if err := json.Unmarshal([]byte(data), &conv); err != nil || conv.ID == "" {
			c.logger.Warn("dropping corrupt cached conversation", "id", id, "error", err)
			corrupt = append(corrupt, id)
			continue
		}
		if conv.Timestamp.IsZero() {
			conv.Timestamp = time.Now()
		}
		rehydrateCached(&conv)
		conversations = append(conversations, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cached history: %w", err)
	}

	for _, id := range corrupt {
		if _, err := c.db.Exec(`DELETE FROM conversations WHERE user_id = ? AND id = ?`, userID, id); err != nil {
			c.logger.Warn("failed to delete corrupt cache row", "id", id, "error", err)
		}
	}
	return conversations, nil
}

// rehydrateCached derives cleaned display text and suggestions for assistant
// messages cached before those were stored with the row. Rows that already
// carry cleaned text are left untouched.
func rehydrateCached(conv *model.Conversation) {
	detector := detect.NewPayloadDetector()
	for _, msg := range conv.Messages {
		if msg.Author != model.AuthorAssistant || msg.CleanedText != "" {
			continue
		}
		if msg.Suggestion == nil {
			msg.Suggestion = detector.Detect(msg.RawText(), conv.Mode, detect.Context{MessageID: msg.ID})
		}
		msg.SetCleaned(detector.CleanText(msg.RawText(), conv.Mode))
	}
}

// Delete removes one conversation from the user's cache.
func (c *Cache) Delete(userID, conversationID string) error {
	_, err := c.db.Exec(`DELETE FROM conversations WHERE user_id = ? AND id = ?`, userID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete cached conversation: %w", err)
	}
	return nil
}

// Clear removes all cached conversations for the user.
func (c *Cache) Clear(userID string) error {
	_, err := c.db.Exec(`DELETE FROM conversations WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// =============================================================================
// USER SCOPE
// =============================================================================

// Scoped binds the cache to one user so callers that only ever touch a
// single user's data (the streaming machine's write-through hook) do not
// carry the user id around.
type Scoped struct {
	cache  *Cache
	userID string
}

// ForUser returns a user-scoped view of the cache.
func (c *Cache) ForUser(userID string) *Scoped {
	return &Scoped{cache: c, userID: userID}
}

// SaveConversation writes one conversation through to disk.
func (s *Scoped) SaveConversation(conv *model.Conversation) error {
	return s.cache.Save(s.userID, conv)
}

// Load returns the scoped user's cached conversations.
func (s *Scoped) Load() ([]*model.Conversation, error) {
	return s.cache.Load(s.userID)
}
