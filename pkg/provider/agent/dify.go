package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/aurin-ai/aurin/internal/sse"
)

// Dify streams chat runs from a Dify application.
//
// Parameters: api_server (falls back to the runtime base URL), api_key
// (falls back to the runtime's api_key_env), username or user, inputs
// (object or JSON string), conversation_id.
type Dify struct {
	client *http.Client
}

var _ Handler = (*Dify)(nil)

// NewDify returns a Dify handler on the default HTTP client.
func NewDify() *Dify {
	return &Dify{client: http.DefaultClient}
}

// CreateConversation opens a conversation by sending a throwaway
// blocking "hello" turn and returns the conversation id Dify assigned.
// Missing configuration or an upstream error yields "" without failing
// the caller.
func (h *Dify) CreateConversation(ctx context.Context, actx *Context) (string, error) {
	params := actx.resolved("api_key", "api_server")
	apiServer := stringParam(params, "api_server")
	apiKey := stringParam(params, "api_key")
	username := stringParam(params, "username", "user")
	if apiServer == "" || apiKey == "" || username == "" {
		return "", nil
	}

	payload := map[string]any{
		"inputs":          difyInputs(params),
		"query":           "hello",
		"response_mode":   "blocking",
		"user":            username,
		"conversation_id": "",
		"files":           []any{},
	}
	chatPath := actx.Runtime.Path("conversation", actx.Runtime.Path("chat", "/chat-messages"))

	ctx, cancel := context.WithTimeout(ctx, actx.Runtime.Timeout)
	defer cancel()
	resp, err := postJSON(ctx, h.client, difyURL(apiServer, chatPath), bearerHeaders(apiKey, actx.Runtime), payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", nil
	}

	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", nil
	}
	return body.ConversationID, nil
}

// Stream runs one turn in streaming mode. The first frame carrying a
// conversation id is surfaced as a conversation.id event; answer frames
// of message-type events become deltas.
func (h *Dify) Stream(ctx context.Context, actx *Context, text string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		defer emit(ctx, out, Event{Event: EventDone, Data: map[string]any{}})

		params := actx.resolved("api_key", "api_server")
		apiServer := stringParam(params, "api_server")
		apiKey := stringParam(params, "api_key")
		username := stringParam(params, "username", "user")
		switch {
		case apiServer == "":
			emitError(ctx, out, "Missing Dify API server.")
			return
		case apiKey == "":
			emitError(ctx, out, "Missing Dify API key.")
			return
		case username == "":
			emitError(ctx, out, "Missing Dify username.")
			return
		}

		conversationID := difyConversationID(stringParam(params, "conversation_id"))
		payload := map[string]any{
			"inputs":          difyInputs(params),
			"query":           text,
			"response_mode":   "streaming",
			"user":            username,
			"conversation_id": conversationID,
			"files":           []any{},
		}

		runCtx, cancel := context.WithTimeout(ctx, actx.Runtime.Timeout)
		defer cancel()
		url := difyURL(apiServer, actx.Runtime.Path("chat", "/chat-messages"))
		resp, err := postJSON(runCtx, h.client, url, bearerHeaders(apiKey, actx.Runtime), payload)
		if err != nil {
			emitError(ctx, out, err.Error())
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			emitError(ctx, out, errorDetail(resp))
			return
		}

		scanner := sse.NewScanner(resp.Body)
		for {
			ev, ok := scanner.Next()
			if !ok {
				break
			}
			var frame struct {
				Event          string `json:"event"`
				Answer         string `json:"answer"`
				ConversationID string `json:"conversation_id"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
				continue
			}
			if conversationID == "" && frame.ConversationID != "" {
				conversationID = frame.ConversationID
				if !emit(ctx, out, Event{Event: EventConversationID, Data: map[string]any{"conversation_id": conversationID}}) {
					return
				}
			}
			if frame.Answer != "" && strings.Contains(frame.Event, "message") {
				if !emit(ctx, out, Event{Event: EventDelta, Data: map[string]any{"text": frame.Answer}}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			emitError(ctx, out, err.Error())
		}
	}()
	return out, nil
}

// difyURL joins base and path, collapsing the duplicate /v1 segment
// that appears when the configured base already ends in /v1.
func difyURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1") {
		path = path[3:]
		if path == "" {
			path = "/"
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// difyConversationID keeps only well-formed UUIDs; Dify rejects
// anything else, so stale ids fall back to a fresh conversation.
func difyConversationID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if _, err := uuid.Parse(value); err != nil {
		return ""
	}
	return value
}

// difyInputs accepts an object, a JSON-encoded object, or nothing.
func difyInputs(params map[string]any) map[string]any {
	switch v := params["inputs"].(type) {
	case map[string]any:
		return v
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil && parsed != nil {
			return parsed
		}
	}
	return map[string]any{}
}
