// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/chorus/internal/model"
)

// catalogTTL bounds how long discovered catalogs are served before the
// next DiscoverModels refreshes them.
const catalogTTL = 5 * time.Minute

// healthProbeTimeout bounds each active backend probe during HealthCheck.
const healthProbeTimeout = 3 * time.Second

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the configured adapters, their discovered catalogs, and a
// runtime health flag per provider. Health starts optimistic and is flipped
// by the orchestrator as streams succeed or fail, in the manner of a simple
// circuit breaker.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	catalogs map[string][]model.ModelInfo
	cachedAt time.Time
	down     map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		catalogs: make(map[string][]model.ModelInfo),
		down:     make(map[string]bool),
	}
}

// Register adds an adapter under its provider name, replacing any previous
// one. The catalog cache is invalidated so a swapped adapter serves its own
// models on the next discovery.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
	r.cachedAt = time.Time{}
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// CATALOG DISCOVERY
// =============================================================================

// DiscoverModels refreshes and returns every provider's catalog. Providers
// are queried concurrently; a provider whose listing fails contributes an
// empty catalog rather than failing the aggregate. Results are cached for
// catalogTTL.
func (r *Registry) DiscoverModels(ctx context.Context) map[string][]model.ModelInfo {
	r.mu.RLock()
	fresh := time.Since(r.cachedAt) < catalogTTL && len(r.catalogs) > 0
	if fresh {
		snapshot := copyCatalogs(r.catalogs)
		r.mu.RUnlock()
		return snapshot
	}
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	results := make(map[string][]model.ModelInfo, len(adapters))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			infos, err := a.ListModels(ctx)
			if err != nil {
				log.Printf("MODEL_DISCOVERY_FAILED | provider=%s err=%v", a.Provider(), err)
				infos = []model.ModelInfo{}
			}
			resultsMu.Lock()
			results[a.Provider()] = infos
			resultsMu.Unlock()
		}(a)
	}
	wg.Wait()

	r.mu.Lock()
	r.catalogs = results
	r.cachedAt = time.Now()
	snapshot := copyCatalogs(r.catalogs)
	r.mu.Unlock()
	return snapshot
}

// ModelInfo resolves a model within a provider's catalog. The model id may
// carry the provider namespace prefix or not; both resolve.
func (r *Registry) ModelInfo(ctx context.Context, provider, modelID string) (model.ModelInfo, bool) {
	bare := stripProviderPrefix(modelID, provider)
	namespaced := provider + ":" + bare

	catalogs := r.DiscoverModels(ctx)
	for _, info := range catalogs[provider] {
		if info.ID == namespaced || info.ID == bare {
			return info, true
		}
	}
	return model.ModelInfo{}, false
}

// ValidateModel reports whether a provider serves the given model.
func (r *Registry) ValidateModel(ctx context.Context, provider, modelID string) bool {
	_, ok := r.ModelInfo(ctx, provider, modelID)
	return ok
}

// =============================================================================
// PROVIDER HEALTH
// =============================================================================

// MarkHealth records a runtime health observation for a provider. The
// orchestrator calls this as streams complete or fail.
func (r *Registry) MarkHealth(provider string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[provider]; !ok {
		return
	}
	wasDown := r.down[provider]
	r.down[provider] = !healthy
	if wasDown == healthy {
		log.Printf("PROVIDER_HEALTH_CHANGE | provider=%s healthy=%t", provider, healthy)
	}
}

// HealthCheck reports per-provider health: credentials present, no recent
// failures, and (for adapters that support probing) a live backend.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for name, a := range r.adapters {
		adapters[name] = a
	}
	down := make(map[string]bool, len(r.down))
	for name, d := range r.down {
		down[name] = d
	}
	r.mu.RUnlock()

	health := make(map[string]bool, len(adapters))
	for name, a := range adapters {
		ok := a.Configured() && !down[name]
		if ok {
			if prober, can := a.(HealthProber); can {
				probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
				ok = prober.Healthy(probeCtx)
				cancel()
			}
		}
		health[name] = ok
	}
	return health
}

// ResetHealth clears all down markers, restoring optimistic health.
func (r *Registry) ResetHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = make(map[string]bool)
	log.Printf("PROVIDER_HEALTH_RESET | providers=%d", len(r.adapters))
}

func copyCatalogs(src map[string][]model.ModelInfo) map[string][]model.ModelInfo {
	dst := make(map[string][]model.ModelInfo, len(src))
	for name, infos := range src {
		out := make([]model.ModelInfo, len(infos))
		copy(out, infos)
		dst[name] = out
	}
	return dst
}
