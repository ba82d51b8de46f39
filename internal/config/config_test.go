// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strideloop/stride-core/internal/model"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate, got: %v", err)
	}
}

func TestLoadFromPath_MergesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[backend]
base_url = "https://coach.example.com/api"

[chat]
default_mode = "habit"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}

	if cfg.Backend.BaseURL != "https://coach.example.com/api" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Chat.DefaultMode != "habit" {
		t.Errorf("DefaultMode = %q", cfg.Chat.DefaultMode)
	}
	// Unset fields come from defaults.
	if cfg.Backend.TimeoutSecs != 30 {
		t.Errorf("TimeoutSecs = %d, want default 30", cfg.Backend.TimeoutSecs)
	}
	if cfg.Chat.RevealFPS != 30 {
		t.Errorf("RevealFPS = %d, want default 30", cfg.Chat.RevealFPS)
	}
}

func TestLoadFromPath_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad mode", "[chat]\ndefault_mode = \"focus\"\n"},
		{"bad url", "[backend]\nbase_url = \"not a url\"\n"},
		{"bad fps", "[chat]\nreveal_fps = 500\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromPath_FixesPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFromPath(path); err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("STRIDE_BACKEND_URL", "https://override.example.com")
	t.Setenv("STRIDE_AUTH_TOKEN", "tok_env")
	t.Setenv("STRIDE_MODE", "habit")
	t.Setenv("STRIDE_STALL_TIMEOUT_SECS", "45")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Backend.BaseURL != "https://override.example.com" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.AuthToken != "tok_env" {
		t.Errorf("AuthToken = %q", cfg.Backend.AuthToken)
	}
	if cfg.DefaultMode() != model.ModeHabit {
		t.Errorf("DefaultMode() = %q", cfg.DefaultMode())
	}
	if cfg.Chat.StallTimeoutSecs != 45 {
		t.Errorf("StallTimeoutSecs = %d", cfg.Chat.StallTimeoutSecs)
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Backend.BaseURL = "https://coach.example.com"
	cfg.User.ID = "u_42"

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}
	if loaded.Backend.BaseURL != cfg.Backend.BaseURL {
		t.Errorf("BaseURL = %q", loaded.Backend.BaseURL)
	}
	if loaded.User.ID != "u_42" {
		t.Errorf("User.ID = %q", loaded.User.ID)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := SaveTo(Default(), path); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var gotURL string
	var reloads atomic.Int32

	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		gotURL = cfg.Backend.BaseURL
		mu.Unlock()
		reloads.Add(1)
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.debounce = 20 * time.Millisecond
	if err := w.Watch(); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	updated := Default()
	updated.Backend.BaseURL = "https://changed.example.com"
	if err := SaveTo(updated, path); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for reloads.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("reload callback never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if gotURL != "https://changed.example.com" {
		t.Errorf("reloaded BaseURL = %q", gotURL)
	}
}

func TestWatcher_KeepsLastGoodConfigOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := SaveTo(Default(), path); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(*Config) { reloads.Add(1) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond
	if err := w.Watch(); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[chat]\ndefault_mode = \"nope\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if reloads.Load() != 0 {
		t.Error("invalid config must not reach the callback")
	}
}
