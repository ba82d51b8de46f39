// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports conversations to Markdown.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a conversation to Markdown. Messages render their cleaned
// display text; detected suggestions get a structured summary block.
func (e *MarkdownExporter) Export(conv *model.Conversation) ([]byte, error) {
	if conv == nil {
		return nil, fmt.Errorf("conversation is nil")
	}
	if conv.IsEmpty() {
		return nil, fmt.Errorf("conversation has no messages")
	}

	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# %s\n\n", conv.GetTitle()))
	sb.WriteString(fmt.Sprintf("- **Mode**: %s\n", conv.Mode))
	sb.WriteString(fmt.Sprintf("- **Last Updated**: %s\n", formatTimestamp(conv.Timestamp)))
	sb.WriteString(fmt.Sprintf("- **Messages**: %d\n", conv.MessageCount()))
	sb.WriteString(fmt.Sprintf("- **Exported**: %s\n", formatTimestamp(time.Now())))
	sb.WriteString("\n---\n\n")

	for _, msg := range conv.Messages {
		label := msg.Author.DisplayName()
		if msg.Author == model.AuthorUser && e.options.AuthorName != "" {
			label = e.options.AuthorName
		}

		if e.options.IncludeTimestamps {
			sb.WriteString(fmt.Sprintf("### %s <sub>%s</sub>\n\n", label, formatShortTimestamp(msg.Timestamp)))
		} else {
			sb.WriteString(fmt.Sprintf("### %s\n\n", label))
		}

		sb.WriteString(msg.DisplayText())
		sb.WriteString("\n\n")

		if msg.Suggestion != nil {
			writeSuggestion(&sb, msg.Suggestion)
		}
	}

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// writeSuggestion renders a detected suggestion as a quoted summary block.
func writeSuggestion(sb *strings.Builder, s *model.Suggestion) {
	switch {
	case s.IsHabit():
		sb.WriteString(fmt.Sprintf("> **Suggested habit: %s**\n", s.Habit.Name))
		if s.Habit.Description != "" {
			sb.WriteString(fmt.Sprintf("> %s\n", s.Habit.Description))
		}
		if s.Habit.Frequency != "" {
			sb.WriteString(fmt.Sprintf("> Frequency: %s\n", s.Habit.Frequency))
		}
		if s.Habit.ReminderTime != "" {
			sb.WriteString(fmt.Sprintf("> Reminder: %s\n", s.Habit.ReminderTime))
		}
	case s.IsTask():
		sb.WriteString(fmt.Sprintf("> **Suggested task: %s**\n", s.Task.Name))
		if s.Task.DueDate != "" {
			sb.WriteString(fmt.Sprintf("> Due: %s\n", s.Task.DueDate))
		}
		if s.Task.Priority != "" {
			sb.WriteString(fmt.Sprintf("> Priority: %s\n", s.Task.Priority))
		}
		if s.Task.Notes != "" {
			sb.WriteString(fmt.Sprintf("> %s\n", s.Task.Notes))
		}
	}
	sb.WriteString("\n")
}
