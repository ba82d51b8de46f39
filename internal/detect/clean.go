// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"strings"

	"github.com/strideloop/stride-core/internal/model"
)

// =============================================================================
// FLAG MARKERS
// =============================================================================

// flagMarkers are the in-band generation markers the backend emits around
// suggestion payloads. They must never reach the user, with or without a
// structured match.
var flagMarkers = []string{
	"[HABIT_SUGGESTION]",
	"[TASK_SUGGESTION]",
	"[SUGGESTION]",
}

// sentinelKeys returns the JSON keys whose appearance marks an in-progress
// suggestion payload for the given mode. "name" alone is too generic to act
// as a sentinel; only mode-specific fields qualify.
func sentinelKeys(mode model.Mode) []string {
	switch mode {
	case model.ModeHabit:
		return []string{`"frequency"`, `"reminderTime"`, `"habitName"`}
	case model.ModeTask:
		return []string{`"dueDate"`, `"priority"`, `"taskName"`}
	default:
		return nil
	}
}

// =============================================================================
// COMPLETED-TEXT CLEANING
// =============================================================================

// CleanText strips suggestion payloads, json code fences, and flag markers
// from a completed response. The result is what the user sees even when
// detection found no structured match.
//
// Idempotent: cleaning already-clean text is a no-op. Never fails; worst
// case returns text unchanged.
func (d *PayloadDetector) CleanText(text string, mode model.Mode) string {
	out := stripFlags(text)
	out = stripFencedJSON(out)
	out = stripBarePayload(out, mode)
	return collapseWhitespace(out)
}

// stripFlags removes all flag markers.
func stripFlags(text string) string {
	for _, marker := range flagMarkers {
		text = strings.ReplaceAll(text, marker, "")
	}
	return text
}

// stripFencedJSON removes every code fence whose body is a JSON object.
// Fences holding anything else (the coach occasionally formats examples)
// are left alone.
func stripFencedJSON(text string) string {
	for {
		body, start, end, ok := findFence(text)
		if !ok {
			return text
		}
		trimmed := strings.TrimSpace(body)
		if strings.HasPrefix(trimmed, "{") {
			text = text[:start] + text[end:]
			continue
		}
		// Non-JSON fence: skip past it and keep scanning.
		rest := stripFencedJSON(text[end:])
		return text[:end] + rest
	}
}

// stripBarePayload removes an unfenced payload object identified by the
// mode's sentinel keys.
func stripBarePayload(text string, mode model.Mode) string {
	for _, key := range sentinelKeys(mode) {
		at := strings.Index(text, key)
		if at < 0 {
			continue
		}
		start := strings.LastIndexByte(text[:at], '{')
		if start < 0 {
			continue
		}
		if end, ok := matchBrace(text, start); ok {
			return text[:start] + text[end+1:]
		}
	}
	return text
}

// collapseWhitespace trims the result and collapses runs of blank lines left
// behind by payload removal.
func collapseWhitespace(text string) string {
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	for strings.Contains(text, "  ") {
		text = strings.ReplaceAll(text, "  ", " ")
	}
	return strings.TrimSpace(text)
}

// =============================================================================
// MID-STREAM CLEANING
// =============================================================================

// CleanPartial hides an in-progress payload while text is still arriving:
// everything from a code-fence start onward is dropped, and failing that,
// everything from the opening brace of an object whose sentinel key has
// already appeared. Flag markers are stripped as well.
//
// This is a display heuristic only (partial JSON cannot be parsed) and is
// superseded by CleanText when the stream completes.
func (d *PayloadDetector) CleanPartial(text string, mode model.Mode) string {
	cut := len(text)

	if i := strings.Index(text, "```"); i >= 0 {
		cut = i
	} else {
		for _, key := range sentinelKeys(mode) {
			at := strings.Index(text, key)
			if at < 0 {
				continue
			}
			if start := strings.LastIndexByte(text[:at], '{'); start >= 0 && start < cut {
				cut = start
			}
		}
	}

	return strings.TrimRight(stripFlags(text[:cut]), " \t\n")
}

// =============================================================================
// FENCE & BRACE SCANNING
// =============================================================================

// findFence locates the first complete code fence in text. Returns the fence
// body, the index of the opening backticks, and the index just past the
// closing backticks (including a single trailing newline, if present).
func findFence(text string) (body string, start, end int, ok bool) {
	start = strings.Index(text, "```")
	if start < 0 {
		return "", 0, 0, false
	}

	// Skip the info string ("json", "text", ...) up to the first newline.
	bodyStart := start + 3
	if nl := strings.IndexByte(text[bodyStart:], '\n'); nl >= 0 {
		infoLine := text[bodyStart : bodyStart+nl]
		if !strings.Contains(infoLine, "```") {
			bodyStart += nl + 1
		}
	}

	closing := strings.Index(text[bodyStart:], "```")
	if closing < 0 {
		return "", 0, 0, false
	}
	bodyEnd := bodyStart + closing

	end = bodyEnd + 3
	if end < len(text) && text[end] == '\n' {
		end++
	}
	return text[bodyStart:bodyEnd], start, end, true
}

// fencedJSONBody returns the body of the first fenced block whose content is
// a JSON object.
func fencedJSONBody(text string) (string, bool) {
	for {
		body, _, end, ok := findFence(text)
		if !ok {
			return "", false
		}
		trimmed := strings.TrimSpace(body)
		if strings.HasPrefix(trimmed, "{") {
			return trimmed, true
		}
		text = text[end:]
	}
}

// matchBrace finds the index of the brace closing the object opened at
// start. Quoted strings and escapes are respected so braces inside values do
// not unbalance the scan.
func matchBrace(text string, start int) (int, bool) {
	if start >= len(text) || text[start] != '{' {
		return 0, false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
