// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transfer moves conversation content between panes in a session.
//
// Three modes exist: append copies selected messages onto the target's
// transcript, replace clears the target first, and summarize condenses the
// selection through the source pane's own model before handing the target
// a single summary message. Every transferred message carries provenance
// back to the model and pane it came from.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jeranaias/chorus/internal/adapter"
	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/store"
	"github.com/jeranaias/chorus/internal/util"
)

// Summarize exchanges run colder and shorter than interactive chat.
const (
	summarizeTemperature = 0.3
	summarizeMaxTokens   = 500

	defaultInstruction = "Please provide a concise summary of the following conversation:"

	// contextSourceModel marks provenance on caller-supplied context that
	// never belonged to any model.
	contextSourceModel = "user-context"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound means the session id resolved to nothing.
	ErrSessionNotFound = errors.New("transfer: session not found")

	// ErrPaneNotFound means the source or target pane is not in the session.
	ErrPaneNotFound = errors.New("transfer: pane not found")

	// ErrNoMessages means the selection matched nothing in the source pane.
	ErrNoMessages = errors.New("transfer: no messages selected")

	// ErrInvalidMode rejects an unrecognized transfer mode.
	ErrInvalidMode = errors.New("transfer: invalid mode")

	// ErrSummarizeFailed wraps any failure producing the summary. The
	// target pane is left untouched when this is returned.
	ErrSummarizeFailed = errors.New("transfer: summarize failed")
)

// =============================================================================
// REQUEST
// =============================================================================

// Mode selects how transferred content lands in the target pane.
type Mode string

const (
	ModeAppend    Mode = "append"
	ModeReplace   Mode = "replace"
	ModeSummarize Mode = "summarize"
)

// Valid reports whether the mode is one of the known values.
func (m Mode) Valid() bool {
	switch m {
	case ModeAppend, ModeReplace, ModeSummarize:
		return true
	}
	return false
}

// Request describes one cross-pane transfer. Empty MessageIDs selects the
// whole source transcript. PreserveRoles keeps original roles on copies;
// otherwise every copy lands as a user message so the target model treats
// the material as input rather than its own prior output.
type Request struct {
	SessionID    string `json:"session_id"`
	SourcePaneID string `json:"source_pane_id"`
	TargetPaneID string `json:"target_pane_id"`

	MessageIDs    []string `json:"message_ids,omitempty"`
	Mode          Mode     `json:"mode"`
	PreserveRoles bool     `json:"preserve_roles"`

	// AdditionalContext is caller-supplied framing inserted ahead of the
	// transferred content as a system message.
	AdditionalContext string `json:"additional_context,omitempty"`

	// Instructions overrides the default summarize prompt.
	Instructions string `json:"instructions,omitempty"`
}

// Exchanger runs one isolated request-reply exchange against an adapter.
// Production wiring passes the orchestrator's one-shot helper.
type Exchanger func(ctx context.Context, a adapter.Adapter, modelID string, msgs []*model.Message, params adapter.GenerationParams, destination string) (string, error)

// =============================================================================
// PIPELINE
// =============================================================================

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSessionLocks shares a lock map with other session writers so
// transfers serialize against in-flight streaming commits.
func WithSessionLocks(locks *util.KeyedMutex) Option {
	return func(p *Pipeline) { p.locks = locks }
}

// Pipeline executes transfers against the session store.
type Pipeline struct {
	store    store.Store
	registry *adapter.Registry
	exchange Exchanger
	locks    *util.KeyedMutex
}

// NewPipeline wires a Pipeline. The exchanger is only exercised by
// summarize transfers but is required up front so wiring mistakes surface
// at startup rather than on the first summarize.
func NewPipeline(st store.Store, reg *adapter.Registry, ex Exchanger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    st,
		registry: reg,
		exchange: ex,
		locks:    util.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Transfer moves the selected messages and returns how many landed in the
// target. Context and bookkeeping messages ride along uncounted. The
// session lock is dropped while a summarize exchange is in flight, so the
// target is re-resolved before anything is written.
func (p *Pipeline) Transfer(ctx context.Context, req Request) (int, error) {
	if !req.Mode.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	log.Printf("TRANSFER_START | session=%s source=%s target=%s mode=%s ids=%d",
		req.SessionID, req.SourcePaneID, req.TargetPaneID, req.Mode, len(req.MessageIDs))

	selected, sourceModel, err := p.collect(ctx, req)
	if err != nil {
		return 0, err
	}

	payload, transferred, err := p.buildPayload(ctx, req, sourceModel, selected)
	if err != nil {
		return 0, err
	}

	if err := p.deliver(ctx, req, sourceModel, payload, transferred); err != nil {
		return 0, err
	}

	log.Printf("TRANSFER_COMPLETE | session=%s target=%s mode=%s transferred=%d",
		req.SessionID, req.TargetPaneID, req.Mode, transferred)
	return transferred, nil
}

// collect resolves both panes and clones the selection out of the source
// under the session lock. Both panes are checked here so a bad target
// fails before any summarize spend.
func (p *Pipeline) collect(ctx context.Context, req Request) ([]*model.Message, model.ModelInfo, error) {
	mu := p.locks.Get(req.SessionID)
	mu.Lock()
	defer mu.Unlock()

	var none model.ModelInfo
	sess, err := p.store.Get(ctx, req.SessionID)
	if err != nil {
		return nil, none, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, none, ErrSessionNotFound
	}
	source := sess.Pane(req.SourcePaneID)
	if source == nil {
		return nil, none, fmt.Errorf("%w: source %s", ErrPaneNotFound, req.SourcePaneID)
	}
	if sess.Pane(req.TargetPaneID) == nil {
		return nil, none, fmt.Errorf("%w: target %s", ErrPaneNotFound, req.TargetPaneID)
	}

	selected := selectMessages(source, req.MessageIDs)
	if len(selected) == 0 {
		return nil, none, ErrNoMessages
	}
	return selected, source.Model, nil
}

// buildPayload turns the selection into the messages the target will
// receive. The returned count excludes the additional-context message.
func (p *Pipeline) buildPayload(ctx context.Context, req Request, sourceModel model.ModelInfo, selected []*model.Message) ([]*model.Message, int, error) {
	var payload []*model.Message

	if strings.TrimSpace(req.AdditionalContext) != "" {
		ctxMsg := model.NewSystemMessage(req.AdditionalContext)
		ctxMsg.Provenance = model.NewProvenance(contextSourceModel, req.SourcePaneID, req.AdditionalContext)
		payload = append(payload, ctxMsg)
	}

	switch req.Mode {
	case ModeSummarize:
		summary, err := p.summarize(ctx, sourceModel, req.SourcePaneID, selected, req.Instructions)
		if err != nil {
			return nil, 0, err
		}
		msg := model.NewUserMessage(summary)
		msg.Provenance = model.NewProvenance(sourceModel.ID, req.SourcePaneID, summary)
		payload = append(payload, msg)
		return payload, 1, nil

	default:
		for _, src := range selected {
			role := model.RoleUser
			if req.PreserveRoles {
				role = src.Role
			}
			cp := model.NewMessage(role, src.Content)
			cp.Provenance = model.NewProvenance(sourceModel.ID, req.SourcePaneID, src.Content)
			payload = append(payload, cp)
		}
		return payload, len(selected), nil
	}
}

// deliver re-resolves the target under the lock and lands the payload plus
// a bookkeeping note.
func (p *Pipeline) deliver(ctx context.Context, req Request, sourceModel model.ModelInfo, payload []*model.Message, transferred int) error {
	mu := p.locks.Get(req.SessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := p.store.Get(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	target := sess.Pane(req.TargetPaneID)
	if target == nil {
		return fmt.Errorf("%w: target %s", ErrPaneNotFound, req.TargetPaneID)
	}

	if req.Mode == ModeReplace {
		target.ClearMessages()
	}
	for _, msg := range payload {
		target.AppendMessage(msg)
	}
	note := fmt.Sprintf("[Context updated: %d messages transferred from %s]", transferred, sourceModel.Name)
	target.AppendMessage(model.NewSystemMessage(note))

	if err := p.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("persist transfer: %w", err)
	}
	return nil
}

// summarize condenses the selection through the source pane's own model.
func (p *Pipeline) summarize(ctx context.Context, sourceModel model.ModelInfo, sourcePaneID string, msgs []*model.Message, instructions string) (string, error) {
	provider, modelID := splitModelID(sourceModel)
	a, ok := p.registry.Get(provider)
	if !ok {
		return "", fmt.Errorf("%w: no adapter for provider %q", ErrSummarizeFailed, provider)
	}

	instruction := strings.TrimSpace(instructions)
	if instruction == "" {
		instruction = defaultInstruction
	}
	prompt := instruction + "\n\n" + RenderTranscript(msgs)

	content, err := p.exchange(ctx, a, modelID,
		[]*model.Message{model.NewUserMessage(prompt)},
		adapter.GenerationParams{Temperature: summarizeTemperature, MaxTokens: summarizeMaxTokens},
		"summary-"+sourcePaneID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSummarizeFailed, err)
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: provider returned empty summary", ErrSummarizeFailed)
	}
	log.Printf("SUMMARIZE_EXCHANGE | source=%s model=%s chars=%d", sourcePaneID, modelID, len(content))
	return content, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// selectMessages clones the requested messages in source-pane order. Empty
// ids means the whole transcript. Unknown ids are logged and skipped.
func selectMessages(pane *model.Pane, ids []string) []*model.Message {
	if len(ids) == 0 {
		out := make([]*model.Message, 0, len(pane.Messages))
		for _, m := range pane.Messages {
			out = append(out, m.Clone())
		}
		return out
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*model.Message
	for _, m := range pane.Messages {
		if want[m.ID] {
			out = append(out, m.Clone())
			delete(want, m.ID)
		}
	}
	for id := range want {
		log.Printf("TRANSFER_ID_SKIP | pane=%s msg=%s", pane.ID, id)
	}
	return out
}

// RenderTranscript flattens messages into "ROLE: content" blocks separated
// by blank lines, the shape summarize prompts expect.
func RenderTranscript(msgs []*model.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// splitModelID resolves the adapter name and bare model id from a
// namespaced model id, falling back to the recorded provider.
func splitModelID(info model.ModelInfo) (provider, bare string) {
	if p, m, ok := strings.Cut(info.ID, ":"); ok {
		return p, m
	}
	return info.Provider, info.ID
}
