package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/aurin-ai/aurin/internal/sse"
)

// FastGPT streams chat completions from a FastGPT deployment.
// Conversations are client-side: the chat id is any opaque string, so
// creation just mints one locally.
//
// Parameters: base_url (falls back to the runtime base URL), api_key
// (falls back to the runtime's api_key_env), uid, conversation_id.
type FastGPT struct {
	client *http.Client
}

var _ Handler = (*FastGPT)(nil)

// NewFastGPT returns a FastGPT handler on the default HTTP client.
func NewFastGPT() *FastGPT {
	return &FastGPT{client: http.DefaultClient}
}

// CreateConversation returns the caller's conversation id or mints a
// fresh random one. No upstream call is involved.
func (h *FastGPT) CreateConversation(ctx context.Context, actx *Context) (string, error) {
	params := actx.resolved("api_key", "base_url")
	if id := stringParam(params, "conversation_id"); id != "" {
		return id, nil
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16], nil
}

// Stream runs one turn against the OpenAI-style completions endpoint in
// streaming mode and forwards choice deltas.
func (h *FastGPT) Stream(ctx context.Context, actx *Context, text string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		defer emit(ctx, out, Event{Event: EventDone, Data: map[string]any{}})

		params := actx.resolved("api_key", "base_url")
		baseURL := stringParam(params, "base_url")
		apiKey := stringParam(params, "api_key")
		switch {
		case baseURL == "":
			emitError(ctx, out, "Missing FastGPT base URL.")
			return
		case apiKey == "":
			emitError(ctx, out, "Missing FastGPT API key.")
			return
		}

		conversationID := stringParam(params, "conversation_id")
		if conversationID == "" {
			conversationID, _ = h.CreateConversation(ctx, actx)
			if conversationID != "" {
				if !emit(ctx, out, Event{Event: EventConversationID, Data: map[string]any{"conversation_id": conversationID}}) {
					return
				}
			}
		}

		payload := map[string]any{
			"chatId": conversationID,
			"stream": true,
			"detail": false,
			"messages": []map[string]any{
				{"role": "user", "content": text},
			},
			"customUid": stringParam(params, "uid"),
		}

		runCtx, cancel := context.WithTimeout(ctx, actx.Runtime.Timeout)
		defer cancel()
		url := joinURL(baseURL, actx.Runtime.Path("chat", "/v1/chat/completions"))
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
			if ev.Data == sse.Done {
				continue
			}
			var frame struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
				continue
			}
			if len(frame.Choices) == 0 {
				continue
			}
			if content := frame.Choices[0].Delta.Content; content != "" {
				if !emit(ctx, out, Event{Event: EventDelta, Data: map[string]any{"text": content}}) {
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
