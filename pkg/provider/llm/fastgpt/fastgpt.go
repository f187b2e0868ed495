// Package fastgpt provides a chat provider for the FastGPT framework.
package fastgpt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aurin-ai/aurin/pkg/provider/llm"
)

// Provider implements llm.Provider against the FastGPT
// /v1/chat/completions API in blocking mode.
type Provider struct {
	baseURL string
	apiKey  string
	uid     string
	client  *http.Client
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

type config struct {
	uid     string
	timeout time.Duration
	client  *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithUID sets the fallback customUid sent to FastGPT when the request
// carries no user id.
func WithUID(uid string) Option {
	return func(c *config) { c.uid = uid }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// New constructs a Provider. Both the base URL and API key are required.
func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, &llm.ConfigError{Reason: "fastgpt base URL is required"}
	}
	if apiKey == "" {
		return nil, &llm.ConfigError{Reason: "fastgpt API key is required"}
	}

	cfg := &config{uid: "aurin", timeout: 30 * time.Second}
	for _, o := range opts {
		o(cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		uid:     cfg.uid,
		client:  client,
	}, nil
}

// SupportsMessages implements llm.Provider.
func (p *Provider) SupportsMessages() bool { return false }

// Stream implements llm.Provider via the blocking call.
func (p *Provider) Stream(ctx context.Context, req llm.Request) ([]string, error) {
	return llm.Collapse(ctx, p, req)
}

// Generate implements llm.Provider with a blocking chat call. The
// upstream conversation is keyed by chatId, which FastGPT creates on
// first use.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	uid := req.UserID
	if uid == "" {
		uid = p.uid
	}
	payload := map[string]any{
		"chatId": req.ConversationID,
		"stream": false,
		"detail": false,
		"messages": []map[string]any{
			{"role": "user", "content": llm.CoerceText(req.Text, req.Messages)},
		},
		"customUid": uid,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("fastgpt: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fastgpt: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fastgpt: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fastgpt: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("fastgpt: decode response: %w", err)
	}
	content := extractContent(data)
	if content == "" {
		return nil, &llm.ConfigError{Reason: "fastgpt response missing content"}
	}
	return &llm.Response{
		Text:           content,
		ConversationID: llm.ExtractConversationID(data),
	}, nil
}

func extractContent(data map[string]any) string {
	choices, _ := data["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)
	content, _ := message["content"].(string)
	return content
}
