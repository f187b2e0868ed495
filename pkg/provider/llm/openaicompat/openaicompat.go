// Package openaicompat provides a chat provider for any server speaking the
// OpenAI /chat/completions protocol.
package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aurin-ai/aurin/pkg/provider/llm"
)

// Provider implements llm.Provider over the OpenAI SDK.
type Provider struct {
	client       oai.Client
	model        string
	temperature  float64
	systemPrompt string
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

type config struct {
	baseURL      string
	timeout      time.Duration
	temperature  float64
	systemPrompt string
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the provider at a non-OpenAI compatible server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithSystemPrompt prepends a system message when the caller supplies no
// structured history.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) { c.systemPrompt = prompt }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Provider. The API key may be empty for local servers
// that skip auth, but the model is required.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, &llm.ConfigError{Reason: "openai-compatible model is required"}
	}

	cfg := &config{temperature: 0.7}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	} else if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		temperature:  cfg.temperature,
		systemPrompt: cfg.systemPrompt,
	}, nil
}

// SupportsMessages implements llm.Provider.
func (p *Provider) SupportsMessages() bool { return true }

// Generate implements llm.Provider with a blocking completion call.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.ConfigError{Reason: "openai-compatible response missing content"}
	}
	return &llm.Response{Text: resp.Choices[0].Message.Content}, nil
}

// Stream implements llm.Provider. It collects delta contents in arrival
// order; when the stream yields no content it falls back to a blocking
// call and returns the reply as a single delta.
func (p *Provider) Stream(ctx context.Context, req llm.Request) ([]string, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
	defer stream.Close()

	var deltas []string
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			deltas = append(deltas, content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openaicompat: stream: %w", err)
	}

	if len(deltas) == 0 {
		resp, err := p.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		return []string{resp.Text}, nil
	}
	return deltas, nil
}

func (p *Provider) buildParams(req llm.Request) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			switch m.Role {
			case "system":
				messages = append(messages, oai.SystemMessage(m.Content))
			case "assistant":
				messages = append(messages, oai.AssistantMessage(m.Content))
			default:
				messages = append(messages, oai.UserMessage(m.Content))
			}
		}
	} else {
		if p.systemPrompt != "" {
			messages = append(messages, oai.SystemMessage(p.systemPrompt))
		}
		messages = append(messages, oai.UserMessage(req.Text))
	}

	return oai.ChatCompletionNewParams{
		Model:       oai.ChatModel(p.model),
		Messages:    messages,
		Temperature: oai.Float(p.temperature),
	}
}
