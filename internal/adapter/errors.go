// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Canonical error codes carried by protocol error events. HTTP failures use
// "http_<status>" and are retryable only for 429 and 5xx.
const (
	CodeAuthError           = "auth_error"
	CodeTimeout             = "timeout"
	CodeNetworkError        = "network_error"
	CodeProviderUnavailable = "provider_unavailable"
	CodeUnknown             = "unknown"
)

// Error variables for common provider failures.
var (
	// ErrNotConfigured indicates the provider's API key is not set.
	ErrNotConfigured = errors.New("provider API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrPermissionDenied indicates the key lacks access to the model.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout indicates the upstream exceeded its time budget.
	ErrTimeout = errors.New("request timed out")

	// ErrConnection indicates the upstream could not be reached.
	ErrConnection = errors.New("connection failed")

	// ErrEmptyResponse indicates the upstream returned no usable content.
	ErrEmptyResponse = errors.New("empty response")
)

// ProviderError represents a classified failure from a provider API.
type ProviderError struct {
	Provider  string
	Code      string
	Message   string
	Status    int
	Retryable bool
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error [%s] (HTTP %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Is supports errors.Is matching on code equality.
func (e *ProviderError) Is(target error) bool {
	var pe *ProviderError
	if errors.As(target, &pe) {
		return e.Code == pe.Code
	}
	switch target {
	case ErrAuthFailed:
		return e.Code == CodeAuthError
	case ErrRateLimited:
		return e.Code == "http_429"
	case ErrTimeout:
		return e.Code == CodeTimeout
	case ErrConnection:
		return e.Code == CodeNetworkError
	}
	return false
}

// HTTPCode renders the canonical code for an HTTP status ("http_429").
func HTTPCode(status int) string {
	return "http_" + strconv.Itoa(status)
}

// StatusRetryable reports whether an HTTP status is worth retrying:
// rate limiting and server-side failures only.
func StatusRetryable(status int) bool {
	return status == 429 || status >= 500
}

// Classify maps an arbitrary error (and optional HTTP status) to a canonical
// code and retryability. This is the single classification point; the
// orchestrator uses it for failures reaching it outside the event stream.
func Classify(err error, status int) (code string, retryable bool) {
	if status != 0 {
		return HTTPCode(status), StatusRetryable(status)
	}
	if err == nil {
		return CodeUnknown, false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code, pe.Retryable
	}

	switch {
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrAuthFailed):
		return CodeAuthError, false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return CodeTimeout, true
	case errors.Is(err, ErrConnection):
		return CodeNetworkError, true
	case errors.Is(err, ErrRateLimited):
		return "http_429", true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout, true
		}
		return CodeNetworkError, true
	}

	return CodeUnknown, false
}
