// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator fans a single prompt out to several model backends
// at once. Each destination pane gets its own streaming job; jobs share a
// session but fail independently, and every update a job makes to the
// session happens under a per-session lock so concurrent writers never
// clobber each other's panes.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/chorus/internal/adapter"
	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/protocol"
	"github.com/jeranaias/chorus/internal/store"
	"github.com/jeranaias/chorus/internal/transport"
	"github.com/jeranaias/chorus/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound means the session id resolved to nothing.
	ErrSessionNotFound = fmt.Errorf("orchestrator: session not found")

	// ErrPaneNotFound means the pane id is not part of the session.
	ErrPaneNotFound = fmt.Errorf("orchestrator: pane not found")

	// ErrEmptyPrompt rejects a broadcast with nothing to send.
	ErrEmptyPrompt = fmt.Errorf("orchestrator: prompt is empty")

	// ErrNoSelections rejects a broadcast with no destinations.
	ErrNoSelections = fmt.Errorf("orchestrator: no model selections")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// UsageRecorder receives one row per completed exchange. Implementations
// must tolerate being called from many goroutines.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, sessionID, paneID, provider, modelID string, tokens int, cost float64, latencyMs int64) error
}

// ClassifyFunc maps an internal failure to a wire error code and a
// retryable flag.
type ClassifyFunc func(err error, status int) (code string, retryable bool)

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithUsageRecorder attaches persistent usage accounting. Without it,
// meter events still update session metrics but leave no durable trail.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(b *Broadcaster) { b.usage = u }
}

// WithClassifier overrides failure classification. Tests use this to force
// deterministic codes.
func WithClassifier(fn ClassifyFunc) Option {
	return func(b *Broadcaster) { b.classify = fn }
}

// WithSessionLocks shares a lock map with other session writers. The
// transfer pipeline mutates the same sessions, so production wiring hands
// both components one KeyedMutex.
func WithSessionLocks(locks *util.KeyedMutex) Option {
	return func(b *Broadcaster) { b.locks = locks }
}

// =============================================================================
// BROADCASTER
// =============================================================================

// Broadcaster owns prompt fan-out: it resolves adapters, runs one streaming
// job per destination pane, persists transcript and metric updates, and
// forwards every event to the transport sink.
type Broadcaster struct {
	store    store.Store
	registry *adapter.Registry
	sink     transport.Sink
	usage    UsageRecorder
	classify ClassifyFunc

	// locks serializes read-mutate-write windows per session. Held only
	// around store access, never across a channel receive, so a slow
	// provider cannot stall a sibling pane.
	locks   *util.KeyedMutex
	records *recordTable
}

// New wires a Broadcaster. The sink is required; usage accounting is not.
func New(st store.Store, reg *adapter.Registry, sink transport.Sink, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		store:    st,
		registry: reg,
		sink:     sink,
		classify: adapter.Classify,
		locks:    util.NewKeyedMutex(),
		records:  newRecordTable(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ActiveCount reports broadcasts still running.
func (b *Broadcaster) ActiveCount() int { return b.records.active() }

// TotalCount reports all retained broadcast records.
func (b *Broadcaster) TotalCount() int { return b.records.total() }

// Records returns a snapshot of the broadcast ledger, newest first.
func (b *Broadcaster) Records() []Record { return b.records.snapshot() }

// ReleaseSession discards per-session lock state after a session is
// deleted. In-flight jobs holding the old mutex finish normally; their
// terminal store writes discover the session is gone and drop the update.
func (b *Broadcaster) ReleaseSession(sessionID string) {
	b.locks.Drop(sessionID)
}

// Broadcast sends one prompt to several panes concurrently. Selections pair
// with paneIDs by index; extra selections with no pane are logged and
// skipped. The call returns as soon as the jobs are scheduled, with a
// record id the caller can poll. The supplied context governs the whole
// fan-out, so callers pass a lifecycle context rather than a request one.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID, prompt string, selections []model.ModelSelection, paneIDs []string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if len(selections) == 0 {
		return "", ErrNoSelections
	}

	recordID := fmt.Sprintf("%s_%d", sessionID, time.Now().Unix())
	rec := &Record{
		ID:        recordID,
		SessionID: sessionID,
		PaneIDs:   append([]string(nil), paneIDs...),
		StartTime: time.Now(),
		Status:    RecordRunning,
	}
	b.records.add(rec)

	log.Printf("BROADCAST_START | record=%s session=%s selections=%d panes=%d",
		recordID, sessionID, len(selections), len(paneIDs))

	go b.runBroadcast(ctx, recordID, sessionID, selections, paneIDs)
	return recordID, nil
}

// runBroadcast drives the fan-out and settles the record when every job
// has finished, one way or another.
func (b *Broadcaster) runBroadcast(ctx context.Context, recordID, sessionID string, selections []model.ModelSelection, paneIDs []string) {
	var wg sync.WaitGroup
	for i, sel := range selections {
		if i >= len(paneIDs) {
			log.Printf("BROADCAST_PANE_MISMATCH | record=%s provider=%s model=%s index=%d",
				recordID, sel.Provider, sel.Model, i)
			continue
		}
		wg.Add(1)
		go func(sel model.ModelSelection, paneID string) {
			defer wg.Done()
			b.StreamToPane(ctx, sessionID, sel, paneID)
		}(sel, paneIDs[i])
	}
	wg.Wait()

	status := RecordCompleted
	if ctx.Err() != nil {
		status = RecordCancelled
	}
	b.records.finish(recordID, status)
	log.Printf("BROADCAST_COMPLETE | record=%s session=%s status=%s", recordID, sessionID, status)
}

// StreamToPane runs one streaming exchange against a single pane, sending
// the pane's stored transcript upstream. It never returns an error: every
// failure surfaces as an error event on the session's channel so clients
// watching the pane see the outcome. Panics are contained here so a
// misbehaving adapter cannot take down siblings.
func (b *Broadcaster) StreamToPane(ctx context.Context, sessionID string, sel model.ModelSelection, paneID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("STREAM_PANIC | session=%s pane=%s recovered=%v", sessionID, paneID, r)
			b.failPane(ctx, sessionID, paneID, fmt.Errorf("streaming job panic: %v", r))
		}
	}()

	a, ok := b.registry.Get(sel.Provider)
	if !ok {
		ev := protocol.NewError(paneID,
			fmt.Sprintf("no adapter registered for provider %q", sel.Provider),
			adapter.CodeProviderUnavailable, false)
		b.sink.SendEvent(sessionID, ev)
		return
	}

	outgoing, ok := b.beginStream(ctx, sessionID, paneID)
	if !ok {
		return
	}

	b.sink.SendEvent(sessionID, protocol.NewStatus(paneID, protocol.StateStreaming))
	log.Printf("STREAM_START | session=%s pane=%s provider=%s model=%s msgs=%d",
		sessionID, paneID, sel.Provider, sel.Model, len(outgoing))

	// Adapters normalize zero-valued params to their defaults.
	events := a.Stream(ctx, adapter.StreamRequest{
		Messages: outgoing,
		ModelID:  sel.Model,
		PaneID:   paneID,
		Params: adapter.GenerationParams{
			Temperature: sel.Temperature,
			MaxTokens:   sel.MaxTokens,
		},
	})

	// Adapters emit meter after final, so the loop drains to channel close
	// rather than bailing on the first terminal event.
	sawTerminal := false
	for ev := range events {
		switch ev.Type {
		case protocol.EventToken, protocol.EventStatus:
			b.sink.SendEvent(sessionID, ev)

		case protocol.EventFinal:
			sawTerminal = true
			b.commitFinal(ctx, sessionID, paneID, sel.Provider, ev)

		case protocol.EventMeter:
			b.commitMeter(ctx, sessionID, paneID, sel.Provider, sel.Model, ev)

		case protocol.EventError:
			sawTerminal = true
			b.sink.SendEvent(sessionID, ev)
			if ev.Retryable {
				b.registry.MarkHealth(sel.Provider, false)
			}
			b.clearStreaming(ctx, sessionID, paneID)
			log.Printf("STREAM_ERROR | session=%s pane=%s code=%s retryable=%v",
				sessionID, paneID, ev.Code, ev.Retryable)
		}
	}

	if !sawTerminal {
		// Channel closed with no terminal event. The upstream reply never
		// became parseable, so the pane keeps its prompt and nothing else.
		b.clearStreaming(ctx, sessionID, paneID)
		log.Printf("STREAM_SILENT | session=%s pane=%s provider=%s", sessionID, paneID, sel.Provider)
	}
}

// beginStream snapshots the pane transcript and flips the streaming flag
// inside one lock window. Callers seed the user turn into the stored
// transcript before the job starts, so the snapshot already ends with the
// prompt. The outgoing slice is detached from the session so later
// mutations cannot race the adapter.
func (b *Broadcaster) beginStream(ctx context.Context, sessionID, paneID string) ([]*model.Message, bool) {
	mu := b.locks.Get(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := b.store.Get(ctx, sessionID)
	if err != nil || sess == nil {
		log.Printf("ORCH_SESSION_MISSING | session=%s err=%v", sessionID, err)
		return nil, false
	}
	pane := sess.Pane(paneID)
	if pane == nil {
		log.Printf("ORCH_PANE_MISSING | session=%s pane=%s", sessionID, paneID)
		return nil, false
	}

	outgoing := make([]*model.Message, 0, len(pane.Messages))
	for _, msg := range pane.Messages {
		outgoing = append(outgoing, msg.Clone())
	}

	pane.IsStreaming = true
	if err := b.store.Update(ctx, sess); err != nil {
		log.Printf("ORCH_STORE_FAIL | op=begin session=%s pane=%s err=%v", sessionID, paneID, err)
		return nil, false
	}
	return outgoing, true
}

// commitFinal appends the assistant reply to the pane and clears the
// streaming flag, then forwards the final event stamped with the stored
// message id. A session or pane deleted mid-stream swallows the update.
func (b *Broadcaster) commitFinal(ctx context.Context, sessionID, paneID, provider string, ev protocol.Event) {
	mu := b.locks.Get(sessionID)
	mu.Lock()

	sess, err := b.store.Get(ctx, sessionID)
	if err != nil || sess == nil {
		mu.Unlock()
		log.Printf("ORCH_TARGET_GONE | op=final session=%s pane=%s err=%v", sessionID, paneID, err)
		return
	}
	pane := sess.Pane(paneID)
	if pane == nil {
		mu.Unlock()
		log.Printf("ORCH_TARGET_GONE | op=final session=%s pane=%s", sessionID, paneID)
		return
	}

	reply := model.NewAssistantMessage(ev.Content)
	pane.AppendMessage(reply)
	pane.IsStreaming = false
	if err := b.store.Update(ctx, sess); err != nil {
		log.Printf("ORCH_STORE_FAIL | op=final session=%s pane=%s err=%v", sessionID, paneID, err)
	}
	mu.Unlock()

	ev.MessageID = reply.ID
	b.sink.SendEvent(sessionID, ev)
	b.registry.MarkHealth(provider, true)
	log.Printf("STREAM_COMPLETE | session=%s pane=%s msg=%s chars=%d",
		sessionID, paneID, reply.ID, len(ev.Content))
}

// commitMeter folds token and cost figures into the pane metrics and the
// session total, records durable usage when a recorder is attached, and
// forwards the event.
func (b *Broadcaster) commitMeter(ctx context.Context, sessionID, paneID, provider, modelID string, ev protocol.Event) {
	mu := b.locks.Get(sessionID)
	mu.Lock()

	sess, err := b.store.Get(ctx, sessionID)
	if err != nil || sess == nil {
		mu.Unlock()
		log.Printf("ORCH_TARGET_GONE | op=meter session=%s pane=%s err=%v", sessionID, paneID, err)
		return
	}
	pane := sess.Pane(paneID)
	if pane == nil {
		mu.Unlock()
		log.Printf("ORCH_TARGET_GONE | op=meter session=%s pane=%s", sessionID, paneID)
		return
	}

	pane.Metrics.Accumulate(ev.TokenCount, ev.Cost, ev.LatencyMs)
	sess.TotalCost += ev.Cost
	if err := b.store.Update(ctx, sess); err != nil {
		log.Printf("ORCH_STORE_FAIL | op=meter session=%s pane=%s err=%v", sessionID, paneID, err)
	}
	mu.Unlock()

	if b.usage != nil {
		if err := b.usage.RecordUsage(ctx, sessionID, paneID, provider, modelID, ev.TokenCount, ev.Cost, ev.LatencyMs); err != nil {
			log.Printf("USAGE_RECORD_FAIL | session=%s pane=%s err=%v", sessionID, paneID, err)
		}
	}
	b.sink.SendEvent(sessionID, ev)
}

// clearStreaming best-effort resets a pane's streaming flag after an error
// or a silent completion.
func (b *Broadcaster) clearStreaming(ctx context.Context, sessionID, paneID string) {
	mu := b.locks.Get(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := b.store.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return
	}
	pane := sess.Pane(paneID)
	if pane == nil {
		return
	}
	pane.IsStreaming = false
	if err := b.store.Update(ctx, sess); err != nil {
		log.Printf("ORCH_STORE_FAIL | op=clear session=%s pane=%s err=%v", sessionID, paneID, err)
	}
}

// failPane classifies an internal failure and surfaces it to the pane as
// an error event.
func (b *Broadcaster) failPane(ctx context.Context, sessionID, paneID string, cause error) {
	code, retryable := b.classify(cause, 0)
	b.sink.SendEvent(sessionID, protocol.NewError(paneID, cause.Error(), code, retryable))
	b.clearStreaming(ctx, sessionID, paneID)
}

// =============================================================================
// SINGLE-PANE CHAT
// =============================================================================

// Chat continues the conversation in one pane with that pane's own model.
// The user message is stored synchronously; the streaming exchange runs in
// the background and reports through the session channel like any
// broadcast job.
func (b *Broadcaster) Chat(ctx context.Context, sessionID, paneID, message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyPrompt
	}

	mu := b.locks.Get(sessionID)
	mu.Lock()
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		mu.Unlock()
		return ErrSessionNotFound
	}
	pane := sess.Pane(paneID)
	if pane == nil {
		mu.Unlock()
		return ErrPaneNotFound
	}
	pane.AppendMessage(model.NewUserMessage(message))
	if err := b.store.Update(ctx, sess); err != nil {
		mu.Unlock()
		return fmt.Errorf("store user message: %w", err)
	}
	sel := selectionForPane(pane)
	mu.Unlock()

	log.Printf("CHAT_ACCEPTED | session=%s pane=%s provider=%s model=%s",
		sessionID, paneID, sel.Provider, sel.Model)

	go b.StreamToPane(ctx, sessionID, sel, paneID)
	return nil
}

// selectionForPane derives the provider and bare model id from the pane's
// namespaced model id. Ids without a namespace fall back to the recorded
// provider.
func selectionForPane(pane *model.Pane) model.ModelSelection {
	provider, bare, found := strings.Cut(pane.Model.ID, ":")
	if !found {
		return model.ModelSelection{Provider: pane.Model.Provider, Model: pane.Model.ID}
	}
	return model.ModelSelection{Provider: provider, Model: bare}
}

// =============================================================================
// ONE-SHOT EXCHANGE
// =============================================================================

// Exchange runs a single request-reply turn against an adapter without
// touching any session state. Token events accumulate so a stream that
// closes without a terminal event still yields whatever text arrived.
// Error events come back as a *adapter.ProviderError.
func Exchange(ctx context.Context, a adapter.Adapter, modelID string, msgs []*model.Message, params adapter.GenerationParams, destination string) (string, error) {
	events := a.Stream(ctx, adapter.StreamRequest{
		Messages: msgs,
		ModelID:  modelID,
		PaneID:   destination,
		Params:   params,
	})

	var buf strings.Builder
	for ev := range events {
		switch ev.Type {
		case protocol.EventToken:
			buf.WriteString(ev.Content)
		case protocol.EventFinal:
			return ev.Content, nil
		case protocol.EventError:
			return "", &adapter.ProviderError{
				Provider:  a.Provider(),
				Code:      ev.Code,
				Message:   ev.Message,
				Retryable: ev.Retryable,
			}
		}
	}
	return buf.String(), nil
}
