// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// IDENTITY TESTS
// =============================================================================

func TestManager_AnonymousIdentity(t *testing.T) {
	m := NewManager(DefaultConfig())

	if m.UserID() != AnonymousUserID {
		t.Errorf("UserID() = %q, want %q", m.UserID(), AnonymousUserID)
	}
	if m.Authenticated() {
		t.Error("anonymous session must not report authenticated")
	}
	if !strings.HasPrefix(m.SessionID(), "sess_") {
		t.Errorf("SessionID() = %q, want sess_ prefix", m.SessionID())
	}
}

func TestManager_SignedInIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserID = "u_99"
	m := NewManager(cfg)

	if m.UserID() != "u_99" {
		t.Errorf("UserID() = %q", m.UserID())
	}
	if !m.Authenticated() {
		t.Error("expected authenticated session")
	}
}

func TestManager_UniqueSessionIDs(t *testing.T) {
	a := NewManager(DefaultConfig())
	b := NewManager(DefaultConfig())
	if a.SessionID() == b.SessionID() {
		t.Error("session IDs must be unique")
	}
}

// =============================================================================
// ACTIVITY TESTS
// =============================================================================

func TestManager_RecordActivity(t *testing.T) {
	m := NewManager(DefaultConfig())

	time.Sleep(20 * time.Millisecond)
	if m.IdleTime() < 10*time.Millisecond {
		t.Error("idle time should accumulate")
	}

	m.RecordActivity()
	if m.IdleTime() > 10*time.Millisecond {
		t.Errorf("IdleTime() = %v after activity", m.IdleTime())
	}
}

// =============================================================================
// AUTO-SAVE TESTS
// =============================================================================

func TestManager_AutoSaveRequiresDirtyState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoSaveInterval = time.Millisecond
	m := NewManager(cfg)

	time.Sleep(5 * time.Millisecond)
	if m.ShouldAutoSave() {
		t.Error("clean state must not trigger auto-save")
	}

	m.MarkDirty()
	time.Sleep(5 * time.Millisecond)
	if !m.ShouldAutoSave() {
		t.Error("dirty state past the interval should trigger auto-save")
	}
}

func TestManager_CheckRunsCallbackAndClearsDirty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoSaveInterval = time.Millisecond
	m := NewManager(cfg)

	var calls int
	m.SetAutoSaveCallback(func() error {
		calls++
		return nil
	})

	m.MarkDirty()
	time.Sleep(5 * time.Millisecond)

	if !m.Check() {
		t.Fatal("Check() should have attempted a save")
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	if m.IsDirty() {
		t.Error("successful save must clear the dirty flag")
	}
}

func TestManager_FailedSaveStaysDirty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoSaveInterval = time.Millisecond
	m := NewManager(cfg)
	m.SetAutoSaveCallback(func() error { return errors.New("disk full") })

	m.MarkDirty()
	time.Sleep(5 * time.Millisecond)

	if !m.Check() {
		t.Fatal("Check() should have attempted a save")
	}
	if !m.IsDirty() {
		t.Error("failed save must keep the dirty flag for retry")
	}
}

func TestManager_AutoSaveDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoSaveEnabled = false
	cfg.AutoSaveInterval = time.Millisecond
	m := NewManager(cfg)
	m.SetAutoSaveCallback(func() error { return nil })

	m.MarkDirty()
	time.Sleep(5 * time.Millisecond)
	if m.Check() {
		t.Error("disabled auto-save must never run the callback")
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.SetAutoSaveCallback(func() error { return nil })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			m.MarkDirty()
			m.RecordActivity()
		}()
		go func() {
			defer wg.Done()
			_ = m.UserID()
			_ = m.IdleTime()
		}()
		go func() {
			defer wg.Done()
			m.Check()
		}()
	}
	wg.Wait()
}
