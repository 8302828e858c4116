// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/protocol"
)

// ProviderGroq is the registry name for the Groq adapter.
const ProviderGroq = "groq"

// DefaultGroqBaseURL is the base URL for Groq's OpenAI-compatible API.
const DefaultGroqBaseURL = "https://api.groq.com/openai/v1"

// =============================================================================
// GROQ ADAPTER
// =============================================================================

// Groq streams from Groq's OpenAI-compatible chat completions endpoint.
// The wire format is incremental SSE: "data: " framed JSON chunks carrying
// content deltas, terminated by a literal [DONE] sentinel. Malformed chunks
// are skipped individually so one bad line never kills a stream.
type Groq struct {
	apiKey  string
	baseURL string
}

// NewGroq creates a Groq adapter. An empty baseURL selects the public
// endpoint.
func NewGroq(apiKey, baseURL string) *Groq {
	if baseURL == "" {
		baseURL = DefaultGroqBaseURL
	}
	return &Groq{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")}
}

// Provider returns the registry name.
func (g *Groq) Provider() string {
	return ProviderGroq
}

// ListModels returns the static Groq catalog. The catalog is served even
// without credentials; only generation requires a key.
func (g *Groq) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	return groqCatalog(), nil
}

// Configured reports whether an API key is present.
func (g *Groq) Configured() bool {
	return g.apiKey != ""
}

// Stream implements Adapter.
func (g *Groq) Stream(ctx context.Context, req StreamRequest) <-chan protocol.Event {
	ch := make(chan protocol.Event, 32)
	go func() {
		defer close(ch)
		streamOpenAI(ctx, streamConfig{
			provider: ProviderGroq,
			url:      g.baseURL + "/chat/completions",
			apiKey:   g.apiKey,
			keyError: "GROQ_API_KEY not configured",
		}, req, ch)
	}()
	return ch
}

// =============================================================================
// OPENAI-STYLE SSE STREAMING
// =============================================================================

// streamConfig parameterizes the shared OpenAI-dialect SSE consumer used by
// the groq and litellm adapters.
type streamConfig struct {
	provider string
	url      string
	apiKey   string
	keyError string
}

// openaiMessage is one message on the OpenAI-compatible wire.
type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openaiRequest is the chat completions request body.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
}

// openaiChunk is one decoded SSE chunk.
type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// streamOpenAI runs one generation against an OpenAI-compatible endpoint
// and translates its SSE dialect into canonical events.
func streamOpenAI(ctx context.Context, cfg streamConfig, req StreamRequest, ch chan<- protocol.Event) {
	if cfg.apiKey == "" {
		emit(ctx, ch, protocol.NewError(req.PaneID, cfg.keyError, CodeAuthError, false))
		return
	}

	if !emit(ctx, ch, protocol.NewStatus(req.PaneID, protocol.StateConnecting)) {
		return
	}

	modelID := stripProviderPrefix(req.ModelID, cfg.provider)
	params := req.Params.Normalize()
	body := openaiRequest{
		Model:       modelID,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
	}

	headers := map[string]string{"Authorization": "Bearer " + cfg.apiKey}
	start := time.Now()

	resp, err := postJSON(ctx, sharedStreamingClient, cfg.url, headers, body)
	if err != nil {
		emit(ctx, ch, transportError(req.PaneID, cfg.provider, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := readResponse(resp)
		emit(ctx, ch, httpError(req.PaneID, cfg.provider, resp.StatusCode, raw))
		return
	}

	watchdog := newBodyWatchdog(resp.Body)
	defer watchdog.Stop()

	reader := NewSSEReader(resp.Body)
	var full strings.Builder
	count := 0

	for {
		data, err := reader.ReadData()
		if err != nil {
			if err == io.EOF {
				// Stream ended without [DONE] or a finish reason: treated
				// as an implicit completion with whatever arrived.
				return
			}
			if ctx.Err() != nil {
				return
			}
			if watchdog.Expired() {
				emit(ctx, ch, protocol.NewError(req.PaneID, cfg.provider+" stream idle timeout", CodeTimeout, true))
				return
			}
			emit(ctx, ch, transportError(req.PaneID, cfg.provider, err))
			return
		}
		watchdog.Reset()

		if IsDone(data) {
			return
		}

		var chunk openaiChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			log.Printf("STREAM_CHUNK_SKIP | provider=%s pane=%s bytes=%d", cfg.provider, req.PaneID, len(data))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			full.WriteString(choice.Delta.Content)
			count++
			if !emit(ctx, ch, protocol.NewToken(req.PaneID, choice.Delta.Content, count)) {
				return
			}
		}

		if choice.FinishReason != "" {
			if !emit(ctx, ch, protocol.NewFinal(req.PaneID, full.String(), choice.FinishReason)) {
				return
			}
			cost := EstimateCost(cfg.provider, modelID, count)
			emit(ctx, ch, protocol.NewMeter(req.PaneID, count, cost, time.Since(start).Milliseconds()))
			return
		}
	}
}

// toOpenAIMessages maps canonical messages onto the OpenAI wire format.
func toOpenAIMessages(msgs []*model.Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, openaiMessage{
			Role:    msg.Role.String(),
			Content: msg.Content,
		})
	}
	return out
}
