// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// SUGGESTION TYPES
// =============================================================================

// HabitSuggestion is a structured habit proposal embedded in an assistant
// response.
type HabitSuggestion struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	ReminderTime string `json:"reminderTime,omitempty"`
}

// TaskSuggestion is a structured task proposal embedded in an assistant
// response.
type TaskSuggestion struct {
	Name     string `json:"name"`
	DueDate  string `json:"dueDate,omitempty"`
	Priority string `json:"priority,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Suggestion is a tagged variant holding at most one of a habit or task
// suggestion. A nil *Suggestion means "none".
type Suggestion struct {
	Habit *HabitSuggestion `json:"habit,omitempty"`
	Task  *TaskSuggestion  `json:"task,omitempty"`
}

// IsHabit returns true if the suggestion carries a habit variant.
func (s *Suggestion) IsHabit() bool {
	return s != nil && s.Habit != nil
}

// IsTask returns true if the suggestion carries a task variant.
func (s *Suggestion) IsTask() bool {
	return s != nil && s.Task != nil
}

// Name returns the display name of whichever variant is present.
func (s *Suggestion) Name() string {
	switch {
	case s.IsHabit():
		return s.Habit.Name
	case s.IsTask():
		return s.Task.Name
	default:
		return ""
	}
}
