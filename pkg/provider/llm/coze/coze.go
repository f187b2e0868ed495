// Package coze provides a chat provider for the Coze agent platform.
//
// A turn is two upstream calls: conversation creation (when the request
// carries no conversation id) followed by a streamed /v3/chat call whose
// conversation.message.delta frames are concatenated into the reply.
package coze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aurin-ai/aurin/internal/sse"
	"github.com/aurin-ai/aurin/pkg/provider/llm"
)

// Provider implements llm.Provider against the Coze v3 chat API.
type Provider struct {
	apiBase string
	token   string
	botID   string
	user    string
	client  *http.Client
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

type config struct {
	user    string
	timeout time.Duration
	client  *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithUser sets the fallback user id sent to Coze when the request
// carries none.
func WithUser(user string) Option {
	return func(c *config) { c.user = user }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// New constructs a Provider. The token and bot id are required.
func New(apiBase, token, botID string, opts ...Option) (*Provider, error) {
	if token == "" {
		return nil, &llm.ConfigError{Reason: "coze token is required"}
	}
	if botID == "" {
		return nil, &llm.ConfigError{Reason: "coze bot_id is required"}
	}
	if apiBase == "" {
		apiBase = "https://api.coze.cn"
	}

	cfg := &config{user: "aurin", timeout: 30 * time.Second}
	for _, o := range opts {
		o(cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &Provider{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		botID:   botID,
		user:    cfg.user,
		client:  client,
	}, nil
}

// SupportsMessages implements llm.Provider.
func (p *Provider) SupportsMessages() bool { return false }

// Stream implements llm.Provider via the blocking call. The v3 chat API
// is consumed as one concatenated reply even though the upstream wire is
// a stream.
func (p *Provider) Stream(ctx context.Context, req llm.Request) ([]string, error) {
	return llm.Collapse(ctx, p, req)
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	conversationID := req.ConversationID
	if conversationID == "" {
		id, err := p.CreateConversation(ctx)
		if err != nil {
			return nil, err
		}
		conversationID = id
	}

	user := req.UserID
	if user == "" {
		user = p.user
	}
	payload := map[string]any{
		"bot_id":            p.botID,
		"user_id":           user,
		"stream":            true,
		"auto_save_history": true,
		"additional_messages": []map[string]any{
			{"role": "user", "content": llm.CoerceText(req.Text, req.Messages), "content_type": "text"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("coze: marshal request: %w", err)
	}

	url := p.apiBase + "/v3/chat?conversation_id=" + conversationID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coze: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coze: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("coze: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var chunks []string
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
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
			continue
		}
		if frame.Content != "" {
			chunks = append(chunks, frame.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("coze: read stream: %w", err)
	}
	if len(chunks) == 0 {
		return nil, &llm.ConfigError{Reason: "coze response missing content"}
	}

	return &llm.Response{
		Text:           strings.Join(chunks, ""),
		ConversationID: conversationID,
	}, nil
}

// CreateConversation opens a fresh upstream conversation and returns
// its id.
func (p *Provider) CreateConversation(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/v1/conversation/create", nil)
	if err != nil {
		return "", fmt.Errorf("coze: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("coze: create conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("coze: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var data struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("coze: decode response: %w", err)
	}
	if data.Data.ID == "" {
		return "", &llm.ConfigError{Reason: "coze response missing conversation id"}
	}
	return data.Data.ID, nil
}
