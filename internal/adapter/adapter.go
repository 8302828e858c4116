// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package adapter provides provider integrations for multi-model broadcast.
//
// Each adapter translates one upstream wire dialect into the canonical
// protocol.Event stream: google speaks a whole-response JSON array, groq
// speaks incremental SSE lines, and litellm fronts an OpenAI-compatible
// gateway with dynamic model discovery. All transport failures surface
// in-band as classified error events, never as Go errors from Stream.
//
// CLOUD: Secure logging, response size limits, and per-provider timeouts
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/protocol"
)

// Default generation parameters applied when a selection leaves them unset.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// Adapter is the uniform surface every provider integration implements.
//
// Stream opens one upstream generation and returns a channel of canonical
// events. The channel is closed when the sequence ends; a close without a
// terminal event is an implicit contentless completion. Each call owns its
// connection and cannot be restarted. Failures are delivered in-band as
// error events so concurrent destinations stay isolated.
type Adapter interface {
	// Provider returns the adapter's registry name ("google", "groq", ...).
	Provider() string

	// Configured reports whether the adapter has usable credentials.
	// Unconfigured adapters still serve catalogs but fail generation with
	// an auth_error event.
	Configured() bool

	// Stream runs one generation, emitting canonical events until the
	// upstream sequence ends or ctx is cancelled.
	Stream(ctx context.Context, req StreamRequest) <-chan protocol.Event

	// ListModels returns the provider's model catalog. Implementations
	// that discover dynamically fall back to a static catalog (or an
	// empty list) rather than failing hard.
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
}

// HealthProber is implemented by adapters that can actively probe their
// backend. Adapters without it are considered reachable whenever they are
// configured and not marked down.
type HealthProber interface {
	Healthy(ctx context.Context) bool
}

// GenerationParams carries per-request sampling settings. Zero values mean
// "use defaults"; Normalize applies them.
type GenerationParams struct {
	Temperature float64
	MaxTokens   int
}

// Normalize fills unset parameters with package defaults.
func (p GenerationParams) Normalize() GenerationParams {
	if p.Temperature == 0 {
		p.Temperature = DefaultTemperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	return p
}

// StreamRequest describes one generation to run.
type StreamRequest struct {
	// Messages is the full conversation to replay; providers are stateless.
	Messages []*model.Message

	// ModelID may carry a "provider:" prefix; each adapter strips its own.
	ModelID string

	// PaneID is stamped on every emitted event for demultiplexing.
	PaneID string

	// Params are the sampling settings, normalized by the adapter.
	Params GenerationParams
}

// stripProviderPrefix removes a leading "<provider>:" namespace from a model
// identifier, tolerating ids that never carried one.
func stripProviderPrefix(modelID, provider string) string {
	prefix := provider + ":"
	if len(modelID) > len(prefix) && modelID[:len(prefix)] == prefix {
		return modelID[len(prefix):]
	}
	return modelID
}

// =============================================================================
// SHARED EVENT HELPERS
// =============================================================================

// emit sends an event unless ctx is done. Returns false when the consumer
// is gone.
func emit(ctx context.Context, ch chan<- protocol.Event, ev protocol.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// transportError classifies a non-HTTP failure into an error event.
func transportError(paneID, provider string, err error) protocol.Event {
	code, retryable := Classify(err, 0)
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = provider + " request timed out"
	}
	return protocol.NewError(paneID, msg, code, retryable)
}

// httpError classifies a non-2xx response into an error event.
func httpError(paneID, provider string, status int, body []byte) protocol.Event {
	msg := fmt.Sprintf("%s returned HTTP %d", provider, status)
	if len(body) > 0 {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		msg = fmt.Sprintf("%s: %s", msg, preview)
	}
	return protocol.NewError(paneID, msg, HTTPCode(status), StatusRetryable(status))
}
