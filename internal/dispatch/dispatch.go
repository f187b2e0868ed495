// Package dispatch routes normalized envelopes to their handlers and
// runs the text-turn pipeline: session resolution, memory context
// assembly, the provider call, and the ordered response sequence.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aurin-ai/aurin/internal/config"
	"github.com/aurin-ai/aurin/internal/event"
	"github.com/aurin-ai/aurin/internal/memory"
	"github.com/aurin-ai/aurin/internal/observe"
	"github.com/aurin-ai/aurin/internal/session"
	"github.com/aurin-ai/aurin/pkg/provider/llm"
)

// aliases maps legacy inbound event types onto their canonical names.
var aliases = map[string]string{
	"user.text":        "input.text",
	"user.audio.chunk": "input.voice.chunk",
	"user.interrupt":   "input.interrupt",
}

// Dispatcher owns the business-event handlers. One instance serves all
// peers; it is safe for concurrent use.
type Dispatcher struct {
	cfg      *config.Config
	sessions *session.Registry
	memory   *memory.Service
	factory  Factory
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu  sync.Mutex
	llm llm.Provider
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithFactory overrides the provider factory, mainly for tests.
func WithFactory(f Factory) Option {
	return func(d *Dispatcher) { d.factory = f }
}

// New wires a Dispatcher. The default provider is built lazily from cfg
// on the first turn that carries no per-turn provider override.
func New(cfg *config.Config, sessions *session.Registry, mem *memory.Service, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		memory:   mem,
		factory:  NewFactory(cfg),
		logger:   logger,
		metrics:  observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch routes one envelope and returns the ordered response events.
// Unhandled types return nil; the hub re-broadcasts those to other
// peers instead.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Envelope) []map[string]any {
	eventType := ev.Type
	if canonical, ok := aliases[eventType]; ok {
		eventType = canonical
	}
	switch eventType {
	case "session.start":
		return d.handleSessionStart(ev)
	case "input.text":
		return d.handleInputText(ctx, ev)
	case "input.voice.start", "input.voice.end":
		return []map[string]any{}
	case "input.voice.chunk":
		return []map[string]any{
			event.Make("error", map[string]any{"message": "ASR not configured"}, event.WithSessionID(ev.SessionID)),
		}
	case "input.interrupt":
		return []map[string]any{
			event.Make("output.speech.end", map[string]any{}, event.WithSessionID(ev.SessionID)),
			event.Make("tts.end", map[string]any{}, event.WithSessionID(ev.SessionID)),
		}
	}
	return nil
}

func (d *Dispatcher) handleSessionStart(ev *event.Envelope) []map[string]any {
	payload := ev.Data
	sessionID := resolveSessionID(payload, ev.SessionID)
	d.sessions.GetOrCreate(sessionID, stringField(payload, "user_id"), stringField(payload, "profile_id"))
	d.sessions.SetSessionMeta(sessionID, extractSessionMeta(payload))
	d.sessions.SetDeveloperPrompt(sessionID, extractDeveloperPrompt(payload))

	return []map[string]any{
		event.Make("session.started", map[string]any{
			"session_id": sessionID,
			"profile_id": payload["profile_id"],
		}, event.WithSessionID(sessionID)),
	}
}

func (d *Dispatcher) handleInputText(ctx context.Context, ev *event.Envelope) []map[string]any {
	payload := ev.Data
	text, _ := payload["text"].(string)
	if text == "" {
		return []map[string]any{
			event.Make("error", map[string]any{"message": "input.text requires a text field"}, event.WithSessionID(ev.SessionID)),
		}
	}

	sessionID := resolveSessionID(payload, ev.SessionID)
	sess := d.sessions.GetOrCreate(sessionID, stringField(payload, "user_id"), stringField(payload, "profile_id"))

	sessionMeta := extractSessionMeta(payload)
	if sessionMeta == "" {
		sessionMeta = d.sessions.SessionMeta(sessionID)
	}
	d.sessions.SetSessionMeta(sessionID, sessionMeta)

	developerPrompt := extractDeveloperPrompt(payload)
	if developerPrompt == "" {
		developerPrompt = d.sessions.DeveloperPrompt(sessionID)
	}
	d.sessions.SetDeveloperPrompt(sessionID, developerPrompt)

	spec := d.providerSpec(payload)
	conversationID := d.sessions.ConversationID(sessionID, spec.ID)
	scope := memory.NewScope(sessionID, sess.UserID, sess.ProfileID)
	mctx, err := d.memory.BuildContext(ctx, scope, true)
	if err != nil {
		d.logger.Warn("memory context unavailable", "session_id", sessionID, "error", err)
		mctx = memory.Context{}
	}

	var prov llm.Provider
	if _, overridden := payload["provider"].(map[string]any); overridden {
		prov, err = d.factory(spec)
	} else {
		prov, err = d.defaultProvider()
	}
	if err != nil {
		return []map[string]any{d.providerError(sessionID, err)}
	}

	req := llm.Request{
		Text:           text,
		UserID:         stringField(payload, "user_id"),
		ConversationID: conversationID,
	}
	openAIStyle := isOpenAICompatible(spec.ID)
	if openAIStyle {
		req.Messages = d.memory.BuildMessages(d.cfg.LLM.SystemPrompt, mctx, developerPrompt, sessionMeta, text)
	} else {
		req.Text = d.memory.BuildPrompt(mctx, text, sessionMeta, developerPrompt)
	}

	var deltas []string
	responseText := ""
	responseConversationID := conversationID
	callStart := time.Now()
	if openAIStyle {
		deltas, err = prov.Stream(ctx, req)
		responseText = strings.Join(deltas, "")
		d.metrics.RecordProviderCall(ctx, spec.ID, "stream", time.Since(callStart), err)
	} else {
		var resp *llm.Response
		resp, err = prov.Generate(ctx, req)
		d.metrics.RecordProviderCall(ctx, spec.ID, "generate", time.Since(callStart), err)
		if err == nil {
			responseText = resp.Text
			if resp.ConversationID != "" {
				responseConversationID = resp.ConversationID
			}
			deltas = []string{responseText}
		}
	}
	if err != nil {
		return []map[string]any{d.providerError(sessionID, err)}
	}

	if responseConversationID != "" && responseConversationID != conversationID {
		d.sessions.SetConversationID(sessionID, spec.ID, responseConversationID)
	}

	// User before assistant so store ids match temporal order.
	if err := d.memory.RecordMessage(ctx, scope, "user", text); err != nil {
		d.logger.Warn("record user message", "session_id", sessionID, "error", err)
	}
	if err := d.memory.RecordMessage(ctx, scope, "assistant", responseText); err != nil {
		d.logger.Warn("record assistant message", "session_id", sessionID, "error", err)
	}
	if err := d.memory.MaybeSummarize(ctx, scope, prov); err != nil {
		d.logger.Warn("summarize session", "session_id", sessionID, "error", err)
	}

	var events []map[string]any
	for _, delta := range deltas {
		if delta == "" {
			continue
		}
		events = append(events, event.Make("output.chat.delta", map[string]any{"text": delta}, event.WithSessionID(sessionID)))
		events = append(events, event.Make("llm.delta", map[string]any{"text": delta}, event.WithSessionID(sessionID)))
	}
	finalPayload := map[string]any{
		"text":   responseText,
		"tokens": len(strings.Fields(responseText)),
	}
	events = append(events,
		event.Make("output.chat.complete", finalPayload, event.WithSessionID(sessionID)),
		event.Make("llm.final", finalPayload, event.WithSessionID(sessionID)),
		event.Make("memory.write", map[string]any{
			"kind":    "chat",
			"content": text,
			"tags":    []string{"user"},
		}, event.WithSessionID(sessionID)),
	)
	return events
}

// providerError phrases a turn failure: configuration problems carry
// the provider's own message, anything else is wrapped as a request
// failure.
func (d *Dispatcher) providerError(sessionID string, err error) map[string]any {
	var cfgErr *llm.ConfigError
	message := fmt.Sprintf("LLM request failed: %v", err)
	if errors.As(err, &cfgErr) {
		message = cfgErr.Error()
	}
	return event.Make("error", map[string]any{"message": message}, event.WithSessionID(sessionID))
}

func (d *Dispatcher) defaultProvider() (llm.Provider, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.llm == nil {
		prov, err := d.factory(d.providerSpec(nil))
		if err != nil {
			return nil, err
		}
		d.llm = prov
	}
	return d.llm, nil
}

// resolveSessionID picks the turn's session: an explicit session id
// first, then the user id, then the envelope session, then "default".
func resolveSessionID(payload map[string]any, fallback string) string {
	if id := stringField(payload, "sessionId", "session_id"); id != "" {
		return id
	}
	if id := stringField(payload, "user_id"); id != "" {
		return id
	}
	if fallback != "" {
		return fallback
	}
	return "default"
}

func extractSessionMeta(payload map[string]any) string {
	keys := []string{"session_meta", "sessionMeta", "session_metadata", "sessionMetadata", "metadata", "meta"}
	for _, key := range keys {
		if meta := coerceSessionMeta(payload[key]); meta != "" {
			return meta
		}
	}
	return ""
}

// coerceSessionMeta flattens the metadata payload: strings pass
// through, mappings become sorted "key: value" lines, lists join their
// non-empty items.
func coerceSessionMeta(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("%s: %v", key, v[key]))
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	case []any:
		var items []string
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, "\n")
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func extractDeveloperPrompt(payload map[string]any) string {
	keys := []string{"developer_prompt", "developerPrompt", "persona_prompt", "personaPrompt"}
	for _, key := range keys {
		switch v := payload[key].(type) {
		case nil:
			continue
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		default:
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
