// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"testing"

	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// DETECTION TESTS
// =============================================================================

func TestDetect_FencedHabitPayload(t *testing.T) {
	d := NewPayloadDetector()
	text := "Sure! Here's a habit for you.\n```json\n{\"name\":\"Meditate\",\"frequency\":\"daily\",\"reminderTime\":\"07:00\"}\n```"

	s := d.Detect(text, model.ModeHabit, Context{})
	if !s.IsHabit() {
		t.Fatal("expected a habit suggestion")
	}
	if s.Habit.Name != "Meditate" {
		t.Errorf("Name = %q, want Meditate", s.Habit.Name)
	}
	if s.Habit.Frequency != "daily" {
		t.Errorf("Frequency = %q, want daily", s.Habit.Frequency)
	}
}

func TestDetect_BareTaskPayload(t *testing.T) {
	d := NewPayloadDetector()
	text := `Here you go: {"name":"File taxes","dueDate":"2025-04-15","priority":"high"} — good luck!`

	s := d.Detect(text, model.ModeTask, Context{})
	if !s.IsTask() {
		t.Fatal("expected a task suggestion")
	}
	if s.Task.Name != "File taxes" {
		t.Errorf("Name = %q, want File taxes", s.Task.Name)
	}
	if s.Task.DueDate != "2025-04-15" {
		t.Errorf("DueDate = %q", s.Task.DueDate)
	}
}

func TestDetect_LegacyTitleAlias(t *testing.T) {
	d := NewPayloadDetector()
	text := "```json\n{\"title\":\"Call dentist\",\"priority\":\"low\"}\n```"

	s := d.Detect(text, model.ModeTask, Context{})
	if !s.IsTask() || s.Task.Name != "Call dentist" {
		t.Fatalf("Detect = %+v, want task named via title alias", s)
	}
}

func TestDetect_NoPayload(t *testing.T) {
	d := NewPayloadDetector()

	tests := []struct {
		name string
		text string
		mode model.Mode
	}{
		{"plain text", "Tracking progress daily.", model.ModeTask},
		{"missing name", "```json\n{\"frequency\":\"daily\"}\n```", model.ModeHabit},
		{"invalid json", "```json\n{\"name\":\n```", model.ModeHabit},
		{"unterminated fence", "Sure! ```json\n{\"name\":\"x\"}", model.ModeHabit},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if s := d.Detect(tc.text, tc.mode, Context{}); s != nil {
				t.Errorf("Detect() = %+v, want nil", s)
			}
		})
	}
}

// =============================================================================
// MODE INFERENCE TESTS
// =============================================================================

func TestInferMode(t *testing.T) {
	tests := []struct {
		name string
		text string
		want model.Mode
	}{
		{"task markers", `{"name":"x","dueDate":"2025-01-01"}`, model.ModeTask},
		{"habit markers", `{"name":"x","frequency":"daily"}`, model.ModeHabit},
		{"task wins over incidental habit keys", `{"name":"x","dueDate":"2025-01-01","frequency":"once"}`, model.ModeTask},
		{"no markers defaults to task", "just words", model.ModeTask},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := InferMode(tc.text); got != tc.want {
				t.Errorf("InferMode() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInferConversationMode(t *testing.T) {
	habit := model.NewUserMessage("ignored: user text never carries markers")
	assistant := &model.Message{
		Author:  model.AuthorAssistant,
		Content: `Done. {"name":"Stretch","frequency":"daily"}`,
	}

	got := InferConversationMode([]*model.Message{habit, assistant})
	if got != model.ModeHabit {
		t.Errorf("InferConversationMode() = %v, want habit", got)
	}

	if got := InferConversationMode(nil); got != model.ModeTask {
		t.Errorf("InferConversationMode(nil) = %v, want task default", got)
	}
}
