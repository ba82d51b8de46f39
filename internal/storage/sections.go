// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"sort"
	"strings"
	"time"

	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// SECTION TYPES
// =============================================================================

// SectionLabel names a relative-time bucket.
type SectionLabel string

const (
	SectionToday     SectionLabel = "Today"
	SectionYesterday SectionLabel = "Yesterday"
	SectionLastWeek  SectionLabel = "Last Week"
	SectionEarlier   SectionLabel = "Earlier"
)

// Section is one rendered bucket of the history list.
type Section struct {
	Label         SectionLabel
	Conversations []*model.Conversation
}

// =============================================================================
// SECTIONING
// =============================================================================

// Sectionize partitions conversations into Today / Yesterday / Last Week /
// Earlier buckets using calendar-day boundaries in now's location. "Last
// Week" covers the seven days before yesterday. Each bucket is sorted
// descending by timestamp and empty buckets are omitted.
//
// Pure function: recomputed on every history mutation, never cached or
// persisted.
func Sectionize(conversations []*model.Conversation, now time.Time) []Section {
	today := dayStart(now)
	yesterday := today.AddDate(0, 0, -1)
	weekAgo := today.AddDate(0, 0, -7)

	buckets := map[SectionLabel][]*model.Conversation{}

	for _, conv := range conversations {
		ts := conv.Timestamp.In(now.Location())
		var label SectionLabel
		switch {
		case !ts.Before(today):
			label = SectionToday
		case !ts.Before(yesterday):
			label = SectionYesterday
		case !ts.Before(weekAgo):
			label = SectionLastWeek
		default:
			label = SectionEarlier
		}
		buckets[label] = append(buckets[label], conv)
	}

	var sections []Section
	for _, label := range []SectionLabel{SectionToday, SectionYesterday, SectionLastWeek, SectionEarlier} {
		convs := buckets[label]
		if len(convs) == 0 {
			continue
		}
		sort.SliceStable(convs, func(i, j int) bool {
			return convs[i].Timestamp.After(convs[j].Timestamp)
		})
		sections = append(sections, Section{Label: label, Conversations: convs})
	}
	return sections
}

// dayStart returns midnight of t's calendar day in t's location.
func dayStart(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// =============================================================================
// LIST FORMATTING
// =============================================================================

// FormatSections renders the sectioned history as a plain-text list for the
// terminal client.
func FormatSections(sections []Section) string {
	if len(sections) == 0 {
		return "No conversations yet."
	}

	var sb strings.Builder
	for _, section := range sections {
		sb.WriteString(string(section.Label))
		sb.WriteString("\n")
		for _, conv := range section.Conversations {
			sb.WriteString("  ")
			sb.WriteString(conv.Timestamp.Format("15:04"))
			sb.WriteString("  [")
			sb.WriteString(conv.Mode.String())
			sb.WriteString("]  ")
			sb.WriteString(conv.GetTitle())
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
