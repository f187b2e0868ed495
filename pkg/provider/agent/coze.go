package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aurin-ai/aurin/internal/sse"
)

// Coze streams bot runs from the Coze v3 chat API. A run needs a
// server-side conversation; when the caller brings none, one is created
// first and announced as a conversation.id event.
//
// Parameters: api_base (falls back to the runtime base URL), token
// (falls back to the runtime's api_key_env), bot_id, user,
// conversation_id.
type Coze struct {
	client *http.Client
}

var _ Handler = (*Coze)(nil)

// NewCoze returns a Coze handler on the default HTTP client.
func NewCoze() *Coze {
	return &Coze{client: http.DefaultClient}
}

// CreateConversation provisions an empty conversation.
func (h *Coze) CreateConversation(ctx context.Context, actx *Context) (string, error) {
	params := actx.resolved("token", "api_base")
	apiBase := stringParam(params, "api_base")
	token := stringParam(params, "token")
	if apiBase == "" || token == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, actx.Runtime.Timeout)
	defer cancel()
	url := joinURL(apiBase, actx.Runtime.Path("conversation", "/v1/conversation/create"))
	resp, err := postJSON(ctx, h.client, url, bearerHeaders(token, actx.Runtime), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("agent: coze conversation: %s", errorDetail(resp))
	}

	var body struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("agent: coze conversation: %w", err)
	}
	return body.Data.ID, nil
}

// Stream runs one turn. Only conversation.message.delta frames
// contribute output: reasoning_content becomes message.think and
// content becomes message.delta.
func (h *Coze) Stream(ctx context.Context, actx *Context, text string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		defer emit(ctx, out, Event{Event: EventDone, Data: map[string]any{}})

		params := actx.resolved("token", "api_base")
		apiBase := stringParam(params, "api_base")
		token := stringParam(params, "token")
		botID := stringParam(params, "bot_id")
		switch {
		case apiBase == "":
			emitError(ctx, out, "Missing Coze API base.")
			return
		case token == "":
			emitError(ctx, out, "Missing Coze token.")
			return
		case botID == "":
			emitError(ctx, out, "Missing Coze bot_id.")
			return
		}
		userID := stringParam(params, "user")
		if userID == "" {
			userID = "aurin"
		}

		conversationID := stringParam(params, "conversation_id")
		if conversationID == "" {
			created, err := h.CreateConversation(ctx, actx)
			if err != nil {
				emitError(ctx, out, err.Error())
				return
			}
			conversationID = created
			if conversationID != "" {
				if !emit(ctx, out, Event{Event: EventConversationID, Data: map[string]any{"conversation_id": conversationID}}) {
					return
				}
			}
		}

		payload := map[string]any{
			"bot_id":            botID,
			"user_id":           userID,
			"stream":            true,
			"auto_save_history": true,
			"additional_messages": []map[string]any{
				{"role": "user", "content": text, "content_type": "text"},
			},
		}
		url := joinURL(apiBase, actx.Runtime.Path("chat", "/v3/chat"))
		if conversationID != "" {
			sep := "?"
			if strings.Contains(url, "?") {
				sep = "&"
			}
			url += sep + "conversation_id=" + conversationID
		}

		runCtx, cancel := context.WithTimeout(ctx, actx.Runtime.Timeout)
		defer cancel()
		resp, err := postJSON(runCtx, h.client, url, bearerHeaders(token, actx.Runtime), payload)
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
			if ev.Name != "conversation.message.delta" {
				continue
			}
			var frame struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
				continue
			}
			if frame.ReasoningContent != "" {
				if !emit(ctx, out, Event{Event: EventThink, Data: map[string]any{"text": frame.ReasoningContent}}) {
					return
				}
			}
			if frame.Content != "" {
				if !emit(ctx, out, Event{Event: EventDelta, Data: map[string]any{"text": frame.Content}}) {
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
