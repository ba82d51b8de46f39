// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Error variables for the classified backend failures.
var (
	// ErrNotAuthenticated indicates the request lacked valid credentials.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRateLimited indicates the caller exceeded the message quota.
	ErrRateLimited = errors.New("rate limited")

	// ErrParse indicates the backend sent a payload the client could not
	// decode.
	ErrParse = errors.New("parse error")
)

// RateLimitError carries the backend's quota message alongside the
// ErrRateLimited identity.
type RateLimitError struct {
	Message string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return "rate limited: " + e.Message
	}
	return "rate limited"
}

// Is allows RateLimitError to be compared with ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerError is a backend-reported failure whose message is forwarded to
// the user verbatim.
type ServerError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Message)
	}
	return "server error: " + e.Message
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Kind is the coarse failure category the client acts on.
type Kind int

const (
	// KindNetwork covers transport failures and anything unclassified.
	KindNetwork Kind = iota
	KindRateLimit
	KindNotAuthenticated
	KindServer
	KindParse
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate-limit-exceeded"
	case KindNotAuthenticated:
		return "not-authenticated"
	case KindServer:
		return "server-error"
	case KindParse:
		return "parse-error"
	default:
		return "network-error"
	}
}

// Classify maps any error to its taxonomy kind. Unknown errors are treated
// as network failures, the safest user-facing default.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNetwork
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrNotAuthenticated):
		return KindNotAuthenticated
	case errors.Is(err, ErrParse):
		return KindParse
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return KindServer
	}
	return KindNetwork
}

// errorBody matches the backend's error response envelope.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
	Message string `json:"message"`
}

// message returns whichever message field the backend populated.
func (b *errorBody) message() string {
	if b.Error.Message != "" {
		return b.Error.Message
	}
	return b.Message
}

// classifyStatus converts an HTTP error response into a taxonomy error.
func classifyStatus(status int, message string) error {
	switch status {
	case http.StatusTooManyRequests:
		return &RateLimitError{Message: message}
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrNotAuthenticated
	default:
		if message == "" {
			message = http.StatusText(status)
		}
		return &ServerError{Status: status, Message: message}
	}
}

// isRetryable determines whether a request should be retried: server-side
// failures and rate limiting are transient, authentication and parse
// failures are not.
func isRetryable(err error) bool {
	switch Classify(err) {
	case KindNotAuthenticated, KindParse:
		return false
	case KindServer:
		var srvErr *ServerError
		if errors.As(err, &srvErr) {
			return srvErr.Status >= 500
		}
		return false
	default:
		return true
	}
}
