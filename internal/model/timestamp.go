// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// WIRE TIMESTAMP
// =============================================================================

// WireTime is a time.Time that unmarshals from any of the timestamp shapes
// the history backend emits. Decoding never fails: unrecognized input leaves
// the zero time, and callers substitute "now" via OrNow.
type WireTime struct {
	time.Time
}

// wireTimeObject matches the nested Firestore-style timestamp shape.
type wireTimeObject struct {
	Seconds      *int64 `json:"seconds"`
	USeconds     *int64 `json:"_seconds"`
	Nanoseconds  int64  `json:"nanoseconds"`
	UNanoseconds int64  `json:"_nanoseconds"`
}

// UnmarshalJSON decodes a timestamp from epoch seconds, a nested seconds
// object, or an ISO-8601 string. It never returns an error; anything
// unparseable decodes to the zero time.
func (t *WireTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}

	switch s[0] {
	case '{':
		var obj wireTimeObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		if obj.USeconds != nil {
			t.Time = time.Unix(*obj.USeconds, obj.UNanoseconds)
		} else if obj.Seconds != nil {
			t.Time = time.Unix(*obj.Seconds, obj.Nanoseconds)
		}
	case '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return nil
		}
		t.Time = parseTimeString(str)
	default:
		// Epoch seconds, possibly fractional.
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			sec := int64(f)
			nsec := int64((f - float64(sec)) * float64(time.Second))
			t.Time = time.Unix(sec, nsec)
		}
	}
	return nil
}

// OrNow returns the decoded time, or now when nothing parsed.
func (t WireTime) OrNow(now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.Time
}

// parseTimeString tries the ISO-8601 layouts the backend emits, then epoch
// seconds rendered as a string.
func parseTimeString(s string) time.Time {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0)
	}
	return time.Time{}
}
