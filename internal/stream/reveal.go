// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"sync"
	"time"
)

// =============================================================================
// REVEAL BUFFER
// =============================================================================

const (
	// defaultRevealStep is how many runes each tick reveals.
	defaultRevealStep = 3

	// defaultTickInterval caps the reveal frame rate at ~30fps.
	defaultTickInterval = 33 * time.Millisecond
)

// Reveal paces the display of streamed text. Append feeds it raw chunk text;
// Tick advances the visible prefix; CatchUp jumps to the end on completion
// so no text is ever lost to pacing.
//
// Tick and CatchUp return the full visible prefix for consumers that repaint
// in place. Append-only outputs (a terminal printing as it goes) use
// TickDelta and Remainder, which emit each rune exactly once.
type Reveal struct {
	mu       sync.Mutex
	target   []rune
	shown    int
	step     int
	interval time.Duration
	lastTick time.Time
}

// NewReveal creates a reveal buffer with default pacing.
func NewReveal() *Reveal {
	return NewRevealWithConfig(defaultRevealStep, defaultTickInterval)
}

// NewRevealWithConfig creates a reveal buffer with custom pacing. Out of
// range values fall back to the defaults.
func NewRevealWithConfig(step int, interval time.Duration) *Reveal {
	if step <= 0 {
		step = defaultRevealStep
	}
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Reveal{
		step:     step,
		interval: interval,
	}
}

// Append adds chunk text to the reveal target. Called from the stream
// reader goroutine.
func (r *Reveal) Append(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = append(r.target, []rune(chunk)...)
}

// Tick advances the visible prefix if the frame interval has elapsed.
// Returns the visible text and whether it changed. Called from the render
// loop.
func (r *Reveal) Tick(now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shown >= len(r.target) {
		return string(r.target[:r.shown]), false
	}
	if !r.lastTick.IsZero() && now.Sub(r.lastTick) < r.interval {
		return string(r.target[:r.shown]), false
	}

	r.lastTick = now
	r.shown += r.step
	if r.shown > len(r.target) {
		r.shown = len(r.target)
	}
	return string(r.target[:r.shown]), true
}

// TickDelta advances like Tick but returns only the newly revealed runes.
// For append-only outputs that cannot repaint: printing every delta in order
// reproduces the text without repeating what was already shown.
func (r *Reveal) TickDelta(now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shown >= len(r.target) {
		return "", false
	}
	if !r.lastTick.IsZero() && now.Sub(r.lastTick) < r.interval {
		return "", false
	}

	r.lastTick = now
	prev := r.shown
	r.shown += r.step
	if r.shown > len(r.target) {
		r.shown = len(r.target)
	}
	return string(r.target[prev:r.shown]), true
}

// Visible returns the currently revealed prefix.
func (r *Reveal) Visible() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.target[:r.shown])
}

// Pending returns how many runes are still hidden.
func (r *Reveal) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.target) - r.shown
}

// Done reports whether everything appended has been revealed.
func (r *Reveal) Done() bool {
	return r.Pending() == 0
}

// CatchUp reveals everything immediately and returns the full text. Used on
// stream completion so the settled message replaces the animation without a
// visible jump backwards.
func (r *Reveal) CatchUp() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = len(r.target)
	return string(r.target)
}

// Remainder reveals everything immediately and returns only the runes that
// were still hidden. The append-only counterpart of CatchUp: the TickDelta
// output so far plus the remainder is the full text, exactly once.
func (r *Reveal) Remainder() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.shown
	r.shown = len(r.target)
	return string(r.target[prev:])
}

// Reset clears the buffer for a new stream.
func (r *Reveal) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = r.target[:0]
	r.shown = 0
	r.lastTick = time.Time{}
}
