// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import "github.com/jeranaias/chorus/internal/model"

// =============================================================================
// COST TABLES
// =============================================================================

// Static per-model cost tables in dollars per 1000 tokens. Metering is an
// estimate: token counts come from each adapter's position counter, and
// unknown models fall back to the provider default.

var googleCosts = map[string]float64{
	"gemini-pro":             0.001,
	"gemini-pro-vision":      0.002,
	"gemini-1.5-pro":         0.0035,
	"gemini-1.5-flash":       0.0007,
	"gemini-3-flash-preview": 0.0007,
}

const googleDefaultCost = 0.001

var groqCosts = map[string]float64{
	"llama-3.1-8b-instant": 0.0001,
	"qwen/qwen3-32b":       0.0008,
	"openai/gpt-oss-120b":  0.0012,
	"openai/gpt-oss-20b":   0.0006,
	"meta-llama/llama-4-maverick-17b-128e-instruct": 0.0008,
}

const groqDefaultCost = 0.0005

var litellmCosts = map[string]float64{
	"openai/gpt-4o":                   0.005,
	"openai/gpt-4o-mini":              0.0006,
	"anthropic/claude-3-5-sonnet":     0.009,
	"anthropic/claude-3-haiku":        0.0008,
	"google/gemini-1.5-pro":           0.0035,
	"mistral/mistral-large-latest":    0.004,
	"meta-llama/llama-3-70b-instruct": 0.0009,
}

const litellmDefaultCost = 0.002

// costPer1K looks up the per-1K cost for a bare model id.
func costPer1K(provider, modelID string) float64 {
	switch provider {
	case ProviderGoogle:
		if c, ok := googleCosts[modelID]; ok {
			return c
		}
		return googleDefaultCost
	case ProviderGroq:
		if c, ok := groqCosts[modelID]; ok {
			return c
		}
		return groqDefaultCost
	case ProviderLiteLLM:
		if c, ok := litellmCosts[modelID]; ok {
			return c
		}
		return litellmDefaultCost
	default:
		return 0
	}
}

// EstimateCost computes the dollar cost of a token count for a model.
func EstimateCost(provider, modelID string, tokens int) float64 {
	return float64(tokens) / 1000.0 * costPer1K(provider, modelID)
}

// =============================================================================
// STATIC CATALOGS
// =============================================================================

// googleCatalog is the static model list served when discovery is not
// available. IDs are namespaced so panes are self-describing.
func googleCatalog() []model.ModelInfo {
	return []model.ModelInfo{
		{
			ID:                "google:gemini-3-flash-preview",
			Name:              "Gemini 3 Flash Preview",
			Provider:          ProviderGoogle,
			MaxTokens:         1048576,
			CostPer1KTokens:   0.0007,
			SupportsStreaming: true,
		},
		{
			ID:                "google:gemini-1.5-pro",
			Name:              "Gemini 1.5 Pro",
			Provider:          ProviderGoogle,
			MaxTokens:         1048576,
			CostPer1KTokens:   0.0035,
			SupportsStreaming: true,
		},
		{
			ID:                "google:gemini-1.5-flash",
			Name:              "Gemini 1.5 Flash",
			Provider:          ProviderGoogle,
			MaxTokens:         1048576,
			CostPer1KTokens:   0.0007,
			SupportsStreaming: true,
		},
	}
}

// groqCatalog is groq's static model list.
func groqCatalog() []model.ModelInfo {
	return []model.ModelInfo{
		{
			ID:                "groq:llama-3.1-8b-instant",
			Name:              "Llama 3.1 8B Instant",
			Provider:          ProviderGroq,
			MaxTokens:         131072,
			CostPer1KTokens:   0.0001,
			SupportsStreaming: true,
		},
		{
			ID:                "groq:qwen/qwen3-32b",
			Name:              "Qwen 3 32B",
			Provider:          ProviderGroq,
			MaxTokens:         131072,
			CostPer1KTokens:   0.0008,
			SupportsStreaming: true,
		},
		{
			ID:                "groq:openai/gpt-oss-120b",
			Name:              "GPT-OSS 120B",
			Provider:          ProviderGroq,
			MaxTokens:         131072,
			CostPer1KTokens:   0.0012,
			SupportsStreaming: true,
		},
		{
			ID:                "groq:openai/gpt-oss-20b",
			Name:              "GPT-OSS 20B",
			Provider:          ProviderGroq,
			MaxTokens:         131072,
			CostPer1KTokens:   0.0006,
			SupportsStreaming: true,
		},
		{
			ID:                "groq:meta-llama/llama-4-maverick-17b-128e-instruct",
			Name:              "Llama 4 Maverick 17B",
			Provider:          ProviderGroq,
			MaxTokens:         131072,
			CostPer1KTokens:   0.0008,
			SupportsStreaming: true,
		},
	}
}

// litellmDisplayNames maps known gateway model ids to friendly names.
var litellmDisplayNames = map[string]string{
	"openai/gpt-4o":                   "GPT-4o",
	"openai/gpt-4o-mini":              "GPT-4o Mini",
	"anthropic/claude-3-5-sonnet":     "Claude 3.5 Sonnet",
	"anthropic/claude-3-haiku":        "Claude 3 Haiku",
	"google/gemini-1.5-pro":           "Gemini 1.5 Pro",
	"mistral/mistral-large-latest":    "Mistral Large",
	"meta-llama/llama-3-70b-instruct": "Llama 3 70B Instruct",
}

// litellmMaxTokens maps known gateway model ids to context windows.
var litellmMaxTokens = map[string]int{
	"openai/gpt-4o":                   128000,
	"openai/gpt-4o-mini":              128000,
	"anthropic/claude-3-5-sonnet":     200000,
	"anthropic/claude-3-haiku":        200000,
	"google/gemini-1.5-pro":           1048576,
	"mistral/mistral-large-latest":    128000,
	"meta-llama/llama-3-70b-instruct": 8192,
}

const litellmDefaultMaxTokens = 4096
