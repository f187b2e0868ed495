// Package agent defines the Handler interface for streaming agent
// backends.
//
// An agent handler wraps one upstream agent platform (Dify, Coze,
// FastGPT, or a custom SSE service) behind two operations: conversation
// creation and a streaming run. A run emits a flat sequence of Event
// records that the gateway forwards verbatim, so every backend speaks
// the same event vocabulary regardless of its native wire protocol.
//
// Implementations must be safe for concurrent use; one handler may
// serve many runs in parallel.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aurin-ai/aurin/internal/engine"
)

// Event names a handler may emit.
const (
	EventDelta          = "message.delta"
	EventThink          = "message.think"
	EventDone           = "message.done"
	EventConversationID = "conversation.id"
	EventError          = "error"
)

// Event is one streamed agent record, framed as event name plus a small
// JSON-ready data map.
type Event struct {
	Event string
	Data  map[string]any
}

// Context carries the resolved engine runtime and the per-run parameter
// overrides supplied by the caller. Params win over the runtime's
// default params key by key.
type Context struct {
	Runtime *engine.RuntimeConfig
	Params  map[string]any
}

// Handler is the abstraction over any agent backend.
type Handler interface {
	// CreateConversation provisions an upstream conversation and returns
	// its id. Backends without server-side conversations return "".
	CreateConversation(ctx context.Context, actx *Context) (string, error)

	// Stream runs one turn and returns a channel of events. The channel
	// is closed by the implementation when the run finishes or ctx is
	// cancelled; barring cancellation the final event is always
	// message.done, with upstream failures reported as error events
	// before it.
	Stream(ctx context.Context, actx *Context, text string) (<-chan Event, error)
}

// handlers maps lowercase engine types to constructors.
var handlers = map[string]func() Handler{
	"dify":          func() Handler { return NewDify() },
	"dify_agent":    func() Handler { return NewDify() },
	"coze":          func() Handler { return NewCoze() },
	"coze_agent":    func() Handler { return NewCoze() },
	"fastgpt":       func() Handler { return NewFastGPT() },
	"fastgpt_agent": func() Handler { return NewFastGPT() },
	"custom":        func() Handler { return NewCustom() },
	"custom_agent":  func() Handler { return NewCustom() },
}

// ForType returns the handler for an engine type. Unknown types get
// [Echo].
func ForType(engineType string) Handler {
	if build, ok := handlers[strings.ToLower(engineType)]; ok {
		return build()
	}
	return Echo{}
}

// Echo is the fallback handler. It has no upstream and plays the input
// text back as a single delta.
type Echo struct{}

var _ Handler = Echo{}

func (Echo) CreateConversation(ctx context.Context, actx *Context) (string, error) {
	return "", nil
}

func (Echo) Stream(ctx context.Context, actx *Context, text string) (<-chan Event, error) {
	out := make(chan Event, 2)
	if text != "" {
		out <- Event{Event: EventDelta, Data: map[string]any{"text": text}}
	}
	out <- Event{Event: EventDone, Data: map[string]any{}}
	close(out)
	return out, nil
}

// resolved merges the runtime default params with the per-run
// overrides, then fills keyField from the runtime's api_key_env and
// urlField from the runtime base URL when the caller left them unset.
func (c *Context) resolved(keyField, urlField string) map[string]any {
	params := make(map[string]any, len(c.Runtime.DefaultParams)+len(c.Params)+2)
	for k, v := range c.Runtime.DefaultParams {
		params[k] = v
	}
	for k, v := range c.Params {
		params[k] = v
	}
	if stringParam(params, keyField) == "" {
		if key := c.Runtime.APIKey(); key != "" {
			params[keyField] = key
		}
	}
	if stringParam(params, urlField) == "" {
		params[urlField] = c.Runtime.BaseURL
	}
	return params
}

// stringParam returns the first non-empty value among keys, coerced to
// a string.
func stringParam(params map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringValue(params[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

// bearerHeaders builds the standard JSON request headers with an
// optional bearer token, letting runtime headers override both.
func bearerHeaders(key string, runtime *engine.RuntimeConfig) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	if key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	for k, v := range runtime.Headers {
		headers[k] = v
	}
	return headers
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// emit delivers ev unless ctx is cancelled first.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func emitError(ctx context.Context, out chan<- Event, message string) {
	emit(ctx, out, Event{Event: EventError, Data: map[string]any{"message": message}})
}

// postJSON sends a POST with a JSON body; a nil payload sends an empty
// body.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("agent: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("agent: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: request: %w", err)
	}
	return resp, nil
}

// errorDetail extracts a human-readable message from an upstream error
// response. JSON bodies are mined for message/detail/error plus an
// optional code; anything else is returned raw.
func errorDetail(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	text := strings.TrimSpace(string(raw))
	if text != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			return text
		}
		message := stringParam(payload, "message", "detail", "error")
		code := stringValue(payload["code"])
		switch {
		case message != "" && code != "":
			return fmt.Sprintf("%s (%s)", message, code)
		case message != "":
			return message
		}
	}
	return fmt.Sprintf("Request failed with status %d.", resp.StatusCode)
}
