// Package llm defines the Provider interface for upstream chat backends.
//
// A provider wraps a remote chat API (an OpenAI-compatible server, Dify,
// FastGPT, or Coze) and exposes a uniform interface for the dispatcher to
// run one conversational turn without coupling to any specific wire format.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message is one entry of a structured conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything a provider needs for one turn.
type Request struct {
	// Text is the user's input for this turn.
	Text string

	// UserID identifies the end user to providers that track one.
	UserID string

	// ConversationID resumes an upstream conversation when the provider
	// supports it. Empty starts a new conversation.
	ConversationID string

	// Messages is the full structured history including the user turn.
	// Only consulted when [Provider.SupportsMessages] reports true;
	// other providers receive the history folded into Text.
	Messages []Message
}

// Response is the result of a blocking call.
type Response struct {
	// Text is the assistant's full reply.
	Text string

	// ConversationID is the upstream conversation id when the provider
	// established or confirmed one, else "".
	ConversationID string
}

// Provider is the abstraction over any upstream chat backend.
type Provider interface {
	// Generate runs one blocking turn.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream runs one turn and returns the reply as ordered delta
	// strings. Providers without native streaming return the blocking
	// reply as a single delta via [Collapse].
	Stream(ctx context.Context, req Request) ([]string, error)

	// SupportsMessages reports whether the provider consumes
	// [Request.Messages] as a structured history.
	SupportsMessages() bool
}

// Collapse implements Stream for providers without native streaming by
// running Generate and returning its text as one delta.
func Collapse(ctx context.Context, p Provider, req Request) ([]string, error) {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return []string{resp.Text}, nil
}

// ConfigError reports a provider that cannot be used as configured:
// missing credentials, missing model, or a malformed upstream response
// that makes the configuration suspect.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "llm: " + e.Reason }

// CoerceText returns text, falling back to the newest user entry of
// messages and then the last entry. Providers that take a single query
// string use this when the dispatcher hands them a structured history.
func CoerceText(text string, messages []Message) string {
	if text != "" {
		return text
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	if n := len(messages); n > 0 && messages[n-1].Content != "" {
		return messages[n-1].Content
	}
	return text
}

// ExtractConversationID digs a conversation id out of a decoded provider
// response, checking the common top-level keys and then a nested "data"
// object.
func ExtractConversationID(data map[string]any) string {
	keys := []string{"conversation_id", "conversationId", "chatId", "chat_id"}
	for _, key := range keys {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	nested, ok := data["data"].(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range append(keys, "id") {
		if v, ok := nested[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
