// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/protocol"
)

// ProviderGoogle is the registry name for the Gemini adapter.
const ProviderGoogle = "google"

// DefaultGoogleBaseURL is the base URL for the Gemini API.
const DefaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// =============================================================================
// GOOGLE ADAPTER
// =============================================================================

// Google streams from the Gemini API. Gemini's streamGenerateContent
// endpoint returns one JSON array containing every response object, so this
// adapter reads the whole body and then replays it as canonical events.
// A body that fails to parse produces no terminal event at all; the stream
// ends silently and downstream treats that as a contentless completion.
type Google struct {
	apiKey  string
	baseURL string
}

// NewGoogle creates a Gemini adapter. An empty baseURL selects the public
// endpoint.
func NewGoogle(apiKey, baseURL string) *Google {
	if baseURL == "" {
		baseURL = DefaultGoogleBaseURL
	}
	return &Google{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")}
}

// Provider returns the registry name.
func (g *Google) Provider() string {
	return ProviderGoogle
}

// googleRequest is the Gemini generateContent request body.
type googleRequest struct {
	Contents         []googleContent `json:"contents"`
	GenerationConfig googleGenConfig `json:"generationConfig"`
}

type googleContent struct {
	Role  string       `json:"role"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	CandidateCount  int     `json:"candidateCount"`
}

// googleChunk is one element of the response array.
type googleChunk struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// Stream implements Adapter.
func (g *Google) Stream(ctx context.Context, req StreamRequest) <-chan protocol.Event {
	ch := make(chan protocol.Event, 32)
	go func() {
		defer close(ch)
		g.stream(ctx, req, ch)
	}()
	return ch
}

func (g *Google) stream(ctx context.Context, req StreamRequest, ch chan<- protocol.Event) {
	if g.apiKey == "" {
		emit(ctx, ch, protocol.NewError(req.PaneID, "GOOGLE_API_KEY not configured", CodeAuthError, false))
		return
	}

	if !emit(ctx, ch, protocol.NewStatus(req.PaneID, protocol.StateConnecting)) {
		return
	}

	modelID := stripProviderPrefix(req.ModelID, ProviderGoogle)
	params := req.Params.Normalize()
	body := googleRequest{
		Contents: toGoogleContents(req.Messages),
		GenerationConfig: googleGenConfig{
			Temperature:     params.Temperature,
			MaxOutputTokens: params.MaxTokens,
			CandidateCount:  1,
		},
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s", g.baseURL, modelID, g.apiKey)
	start := time.Now()

	resp, err := postJSON(ctx, sharedHTTPClient, url, nil, body)
	if err != nil {
		emit(ctx, ch, transportError(req.PaneID, ProviderGoogle, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := readResponse(resp)
		emit(ctx, ch, httpError(req.PaneID, ProviderGoogle, resp.StatusCode, raw))
		return
	}

	raw, err := readResponse(resp)
	if err != nil {
		emit(ctx, ch, transportError(req.PaneID, ProviderGoogle, err))
		return
	}

	var chunks []googleChunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		// Unparseable body ends the stream with no terminal event.
		log.Printf("GOOGLE_PARSE_SKIP | pane=%s bytes=%d", req.PaneID, len(raw))
		return
	}

	var full strings.Builder
	words := 0
	for _, chunk := range chunks {
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]

		var frag strings.Builder
		for _, part := range cand.Content.Parts {
			frag.WriteString(part.Text)
		}
		if frag.Len() > 0 {
			text := frag.String()
			full.WriteString(text)
			// Positions advance by word count, minimum one per fragment so
			// they stay strictly increasing.
			n := len(strings.Fields(text))
			if n == 0 {
				n = 1
			}
			words += n
			if !emit(ctx, ch, protocol.NewToken(req.PaneID, text, words)) {
				return
			}
		}

		if cand.FinishReason != "" {
			if !emit(ctx, ch, protocol.NewFinal(req.PaneID, full.String(), googleFinishReason(cand.FinishReason))) {
				return
			}
			cost := EstimateCost(ProviderGoogle, modelID, words)
			emit(ctx, ch, protocol.NewMeter(req.PaneID, words, cost, time.Since(start).Milliseconds()))
			return
		}
	}
	// Array exhausted without a finish reason: silent completion.
}

// ListModels returns the static Gemini catalog. The catalog is served even
// without credentials; only generation requires a key.
func (g *Google) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	return googleCatalog(), nil
}

// Configured reports whether an API key is present.
func (g *Google) Configured() bool {
	return g.apiKey != ""
}

// toGoogleContents maps canonical messages onto Gemini's role vocabulary.
// Gemini only knows "user" and "model".
func toGoogleContents(msgs []*model.Message) []googleContent {
	contents := make([]googleContent, 0, len(msgs))
	for _, msg := range msgs {
		role := "model"
		if msg.Role == model.RoleUser {
			role = "user"
		}
		contents = append(contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: msg.Content}},
		})
	}
	return contents
}

// googleFinishReason canonicalizes Gemini finish reasons.
func googleFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}
