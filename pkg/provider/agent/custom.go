package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Custom streams runs from any upstream that speaks the gateway's own
// SSE contract. The upstream receives
//
//	POST {base_url}{paths.chat|/chat}
//	{"text": "...", "conversation_id": "...", "config": {...}, "stream": true}
//
// and answers with SSE frames `event: <name>\ndata: <json>\n\n` using
// the event names message.delta, message.think, message.done,
// conversation.id, and error, with data {"text": ...},
// {"conversation_id": ...}, or {"message": ...} respectively. Upstreams
// that only send bare data lines still work: unnamed and unknown events
// are normalized to message.delta, and "done"/"final" to message.done.
//
// Conversation creation POSTs {"config": {...}} to paths.conversation
// when one is configured; the id is read from conversation_id,
// conversationId, data.id, or id.
type Custom struct {
	client *http.Client
}

var _ Handler = (*Custom)(nil)

// NewCustom returns a Custom handler on the default HTTP client.
func NewCustom() *Custom {
	return &Custom{client: http.DefaultClient}
}

func (h *Custom) CreateConversation(ctx context.Context, actx *Context) (string, error) {
	params := actx.resolved("api_key", "base_url")
	if id := stringParam(params, "conversation_id"); id != "" {
		return id, nil
	}
	baseURL := stringParam(params, "base_url")
	if baseURL == "" {
		return "", nil
	}
	// Creation is optional; without a configured path the upstream is
	// assumed stateless.
	if actx.Runtime.Paths["conversation"] == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, actx.Runtime.Timeout)
	defer cancel()
	url := joinURL(baseURL, actx.Runtime.Path("conversation", ""))
	payload := map[string]any{"config": sanitizeParams(params)}
	resp, err := postJSON(ctx, h.client, url, bearerHeaders(stringParam(params, "api_key"), actx.Runtime), payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("agent: custom conversation: %s", errorDetail(resp))
	}

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("agent: custom conversation: %w", err)
	}
	return extractConversationID(body), nil
}

func (h *Custom) Stream(ctx context.Context, actx *Context, text string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		defer emit(ctx, out, Event{Event: EventDone, Data: map[string]any{}})

		params := actx.resolved("api_key", "base_url")
		baseURL := stringParam(params, "base_url")
		if baseURL == "" {
			emitError(ctx, out, "Missing custom agent base URL.")
			return
		}

		payload := map[string]any{
			"text":            text,
			"conversation_id": stringParam(params, "conversation_id"),
			"config":          sanitizeParams(params),
			"stream":          true,
		}

		runCtx, cancel := context.WithTimeout(ctx, actx.Runtime.Timeout)
		defer cancel()
		url := joinURL(baseURL, actx.Runtime.Path("chat", "/chat"))
		resp, err := postJSON(runCtx, h.client, url, bearerHeaders(stringParam(params, "api_key"), actx.Runtime), payload)
		if err != nil {
			emitError(ctx, out, err.Error())
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			emitError(ctx, out, errorDetail(resp))
			return
		}

		// Block-oriented SSE read: an event name applies to the data
		// lines of its own block, multi-line data is joined, and a blank
		// line dispatches.
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var eventName string
		var dataLines []string
		// flush dispatches one block; it reports false when the stream
		// is finished, either by cancellation or an upstream done frame
		// (the terminating done is emitted once, on exit).
		flush := func() bool {
			if len(dataLines) == 0 {
				eventName = ""
				return true
			}
			ev := normalizeEvent(eventName, strings.TrimSpace(strings.Join(dataLines, "\n")))
			eventName = ""
			dataLines = nil
			if ev.Event == EventDone {
				return false
			}
			return emit(ctx, out, ev)
		}
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimLeft(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		flush()
		if err := sc.Err(); err != nil {
			emitError(ctx, out, err.Error())
		}
	}()
	return out, nil
}

// sanitizeParams strips credentials, routing, and transport keys before
// the parameter set is forwarded to the upstream as its config.
func sanitizeParams(params map[string]any) map[string]any {
	sanitized := make(map[string]any, len(params))
	for key, value := range params {
		switch key {
		case "api_key", "base_url", "stream":
			continue
		}
		if value == nil {
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

// normalizeEvent maps one upstream SSE block onto the gateway event
// vocabulary. Known names pass through; "done"/"final" map to
// message.done; everything else, named or not, is treated as a delta.
func normalizeEvent(name, payload string) Event {
	name = strings.TrimSpace(name)
	var data any = payload
	if payload != "" {
		var parsed any
		if err := json.Unmarshal([]byte(payload), &parsed); err == nil {
			data = parsed
		}
	}
	switch name {
	case EventDelta, EventThink, EventDone, EventConversationID, EventError:
		return coerceEvent(name, data)
	case "done", "final":
		return Event{Event: EventDone, Data: map[string]any{}}
	}
	return coerceEvent(EventDelta, data)
}

func coerceEvent(name string, data any) Event {
	switch name {
	case EventDelta, EventThink:
		text := ""
		switch v := data.(type) {
		case map[string]any:
			text, _ = v["text"].(string)
		case string:
			text = v
		}
		return Event{Event: name, Data: map[string]any{"text": text}}
	case EventConversationID:
		id := ""
		switch v := data.(type) {
		case map[string]any:
			id = stringParam(v, "conversation_id", "conversationId", "id")
		case string:
			id = v
		}
		return Event{Event: name, Data: map[string]any{"conversation_id": id}}
	case EventError:
		message := "Agent error."
		switch v := data.(type) {
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				message = m
			}
		case string:
			message = v
		}
		return Event{Event: name, Data: map[string]any{"message": message}}
	}
	return Event{Event: EventDone, Data: map[string]any{}}
}

// extractConversationID digs a conversation id out of a creation
// response of unknown shape.
func extractConversationID(payload any) string {
	switch v := payload.(type) {
	case map[string]any:
		if id := stringParam(v, "conversation_id", "conversationId"); id != "" {
			return id
		}
		if data, ok := v["data"].(map[string]any); ok {
			if id := stringValue(data["id"]); id != "" {
				return id
			}
		}
		return stringValue(v["id"])
	case string:
		return v
	}
	return ""
}
