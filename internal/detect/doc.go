// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect extracts structured habit/task suggestions from assistant
// response text and derives the cleaned, user-visible form of that text.
//
// Assistant responses may embed a JSON payload describing a suggested habit
// or task, usually inside a ```json code fence, occasionally as a bare
// object, plus in-band flag markers the backend uses to tag generations.
// Neither the payload nor the markers may ever reach the user.
//
// The package exposes three operations:
//   - Detect: parse a completed response for a payload matching the
//     conversation mode. Runs exactly once per completed message.
//   - CleanText: strip payloads and flag markers from a completed response.
//     Idempotent and total: it never fails, and at worst returns its input.
//   - CleanPartial: best-effort strip of an in-progress payload while text
//     is still streaming. This is a display heuristic, not a parse; final
//     truth comes from CleanText at completion.
//
// The heuristics live behind the Detector interface so the mid-stream
// scanner can be replaced with an incremental JSON-boundary scanner without
// touching the streaming state machine.
package detect
