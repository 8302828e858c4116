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

	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/protocol"
)

// ProviderLiteLLM is the registry name for the LiteLLM gateway adapter.
const ProviderLiteLLM = "litellm"

// Defaults for a locally run LiteLLM proxy.
const (
	DefaultLiteLLMBaseURL   = "http://localhost:8000"
	DefaultLiteLLMMasterKey = "sk-1234"
)

// =============================================================================
// LITELLM ADAPTER
// =============================================================================

// LiteLLM fronts a LiteLLM proxy: one OpenAI-compatible endpoint that
// multiplexes many upstream providers. Streaming reuses the shared SSE
// consumer; the catalog is discovered dynamically from the gateway's
// /models endpoint, with the underlying provider derived from each model
// id's namespace ("openai/gpt-4o" belongs to openai). Discovery failures
// degrade to an empty catalog rather than an error so a down gateway never
// breaks catalog aggregation.
type LiteLLM struct {
	baseURL   string
	masterKey string
}

// NewLiteLLM creates a gateway adapter. Empty arguments select the local
// proxy defaults.
func NewLiteLLM(baseURL, masterKey string) *LiteLLM {
	if baseURL == "" {
		baseURL = DefaultLiteLLMBaseURL
	}
	if masterKey == "" {
		masterKey = DefaultLiteLLMMasterKey
	}
	return &LiteLLM{baseURL: strings.TrimRight(baseURL, "/"), masterKey: masterKey}
}

// Provider returns the registry name.
func (l *LiteLLM) Provider() string {
	return ProviderLiteLLM
}

// Configured always reports true; the gateway ships usable defaults.
func (l *LiteLLM) Configured() bool {
	return true
}

// Stream implements Adapter.
func (l *LiteLLM) Stream(ctx context.Context, req StreamRequest) <-chan protocol.Event {
	ch := make(chan protocol.Event, 32)
	go func() {
		defer close(ch)
		streamOpenAI(ctx, streamConfig{
			provider: ProviderLiteLLM,
			url:      l.baseURL + "/chat/completions",
			apiKey:   l.masterKey,
			keyError: "LITELLM_MASTER_KEY not configured",
		}, req, ch)
	}()
	return ch
}

// litellmModelsResponse is the gateway's /models reply.
type litellmModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels discovers the gateway's catalog. Any failure returns an empty
// list with a nil error; callers cannot distinguish "down" from "empty" and
// are not meant to.
func (l *LiteLLM) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	infos, err := l.fetchModels(ctx)
	if err != nil {
		log.Printf("LITELLM_DISCOVERY_FAILED | base=%s err=%v", l.baseURL, err)
		return []model.ModelInfo{}, nil
	}
	return infos, nil
}

// Healthy probes the gateway's /models endpoint directly. ListModels
// cannot serve as the probe because it swallows failures.
func (l *LiteLLM) Healthy(ctx context.Context) bool {
	_, err := l.fetchModels(ctx)
	return err == nil
}

func (l *LiteLLM) fetchModels(ctx context.Context) ([]model.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.masterKey)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:  ProviderLiteLLM,
			Code:      HTTPCode(resp.StatusCode),
			Message:   "model discovery failed",
			Status:    resp.StatusCode,
			Retryable: StatusRetryable(resp.StatusCode),
		}
	}

	var parsed litellmModelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	infos := make([]model.ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID == "" {
			continue
		}
		infos = append(infos, litellmModelInfo(m.ID))
	}
	return infos, nil
}

// litellmModelInfo builds a catalog entry for one gateway model id.
func litellmModelInfo(id string) model.ModelInfo {
	maxTokens := litellmDefaultMaxTokens
	if mt, ok := litellmMaxTokens[id]; ok {
		maxTokens = mt
	}
	cost := litellmDefaultCost
	if c, ok := litellmCosts[id]; ok {
		cost = c
	}
	return model.ModelInfo{
		ID:                ProviderLiteLLM + ":" + id,
		Name:              litellmDisplayName(id),
		Provider:          deriveProvider(id),
		MaxTokens:         maxTokens,
		CostPer1KTokens:   cost,
		SupportsStreaming: true,
	}
}

// deriveProvider extracts the upstream provider from a namespaced gateway
// id ("openai/gpt-4o" -> "openai"). Un-namespaced ids map to "unknown".
func deriveProvider(id string) string {
	if prefix, _, ok := strings.Cut(id, "/"); ok && prefix != "" {
		return prefix
	}
	return "unknown"
}

// litellmDisplayName returns the friendly name for a gateway id, deriving
// one from the id's last segment when the id is unknown.
func litellmDisplayName(id string) string {
	if name, ok := litellmDisplayNames[id]; ok {
		return name
	}
	base := id
	if i := strings.LastIndex(id, "/"); i >= 0 {
		base = id[i+1:]
	}
	words := strings.FieldsFunc(base, func(r rune) bool {
		return r == '-' || r == '_'
	})
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
