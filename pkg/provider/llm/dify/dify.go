// Package dify provides a chat provider for the Dify agent platform.
package dify

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

// Provider implements llm.Provider against the Dify /chat-messages API in
// blocking mode.
type Provider struct {
	baseURL string
	apiKey  string
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

// WithUser sets the fallback end-user identifier sent to Dify when the
// request carries none.
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

// New constructs a Provider. Both the base URL and API key are required.
func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, &llm.ConfigError{Reason: "dify base URL is required"}
	}
	if apiKey == "" {
		return nil, &llm.ConfigError{Reason: "dify API key is required"}
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
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		user:    cfg.user,
		client:  client,
	}, nil
}

// SupportsMessages implements llm.Provider.
func (p *Provider) SupportsMessages() bool { return false }

// Stream implements llm.Provider via the blocking call.
func (p *Provider) Stream(ctx context.Context, req llm.Request) ([]string, error) {
	return llm.Collapse(ctx, p, req)
}

// Generate implements llm.Provider with a blocking /chat-messages call.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	user := req.UserID
	if user == "" {
		user = p.user
	}
	payload := map[string]any{
		"inputs":          map[string]any{},
		"query":           llm.CoerceText(req.Text, req.Messages),
		"response_mode":   "blocking",
		"user":            user,
		"conversation_id": req.ConversationID,
		"files":           []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dify: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dify: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dify: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("dify: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("dify: decode response: %w", err)
	}
	answer, _ := data["answer"].(string)
	if answer == "" {
		return nil, &llm.ConfigError{Reason: "dify response missing 'answer'"}
	}
	return &llm.Response{
		Text:           answer,
		ConversationID: llm.ExtractConversationID(data),
	}, nil
}
