// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SESSION MANAGER
// =============================================================================

// AnonymousUserID is the cache partition used when nobody is signed in.
const AnonymousUserID = "anonymous"

// Manager tracks one local session: user identity, activity, and the dirty
// flag that drives periodic auto-save of conversation state.
type Manager struct {
	mu sync.Mutex

	// Session tracking
	sessionID    string
	userID       string
	startTime    time.Time
	lastActivity time.Time

	// Auto-save
	autoSaveEnabled  bool
	autoSaveInterval time.Duration
	lastAutoSave     time.Time
	isDirty          bool
	onAutoSave       func() error
}

// Config holds configuration for the session manager.
type Config struct {
	// UserID identifies the signed-in user; empty means anonymous.
	UserID string

	// AutoSaveEnabled enables periodic flushing of dirty state.
	AutoSaveEnabled bool

	// AutoSaveInterval is how often dirty state is flushed (default: 30s).
	AutoSaveInterval time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		AutoSaveEnabled:  true,
		AutoSaveInterval: 30 * time.Second,
	}
}

// NewManager creates a new session manager.
func NewManager(cfg Config) *Manager {
	now := time.Now()
	interval := cfg.AutoSaveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		sessionID:        "sess_" + uuid.NewString(),
		userID:           cfg.UserID,
		startTime:        now,
		lastActivity:     now,
		autoSaveEnabled:  cfg.AutoSaveEnabled,
		autoSaveInterval: interval,
		lastAutoSave:     now,
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

// SessionID returns the current session ID.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// UserID returns the user id, or AnonymousUserID when nobody is signed in.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userID == "" {
		return AnonymousUserID
	}
	return m.userID
}

// Authenticated reports whether a real user is signed in.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID != ""
}

// =============================================================================
// ACTIVITY
// =============================================================================

// StartTime returns when the session started.
func (m *Manager) StartTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startTime
}

// Duration returns how long the session has been active.
func (m *Manager) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.startTime)
}

// IdleTime returns how long since last activity.
func (m *Manager) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastActivity)
}

// RecordActivity marks the session as active now.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now()
}

// =============================================================================
// AUTO-SAVE
// =============================================================================

// MarkDirty flags that conversation state has changed since the last save.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isDirty = true
}

// IsDirty reports whether unsaved state exists.
func (m *Manager) IsDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isDirty
}

// SetAutoSaveCallback sets the function invoked when an auto-save is due.
func (m *Manager) SetAutoSaveCallback(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAutoSave = fn
}

// ShouldAutoSave reports whether a save is due: enabled, dirty, and the
// interval has elapsed.
func (m *Manager) ShouldAutoSave() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldAutoSaveLocked()
}

func (m *Manager) shouldAutoSaveLocked() bool {
	if !m.autoSaveEnabled || !m.isDirty {
		return false
	}
	return time.Since(m.lastAutoSave) >= m.autoSaveInterval
}

// Check runs the auto-save callback if one is due. Returns true when a save
// was attempted. A failing save keeps the dirty flag so the next check
// retries.
func (m *Manager) Check() bool {
	m.mu.Lock()
	if !m.shouldAutoSaveLocked() || m.onAutoSave == nil {
		m.mu.Unlock()
		return false
	}
	fn := m.onAutoSave
	m.lastAutoSave = time.Now()
	m.mu.Unlock()

	if err := fn(); err != nil {
		return true
	}

	m.mu.Lock()
	m.isDirty = false
	m.mu.Unlock()
	return true
}

// SetAutoSaveInterval updates the auto-save interval.
func (m *Manager) SetAutoSaveInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.autoSaveInterval = d
	}
}
