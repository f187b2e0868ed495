package dispatch

import (
	"strings"

	"github.com/aurin-ai/aurin/internal/config"
	"github.com/aurin-ai/aurin/pkg/provider/llm"
	"github.com/aurin-ai/aurin/pkg/provider/llm/coze"
	"github.com/aurin-ai/aurin/pkg/provider/llm/dify"
	"github.com/aurin-ai/aurin/pkg/provider/llm/fastgpt"
	"github.com/aurin-ai/aurin/pkg/provider/llm/openaicompat"
)

// ProviderSpec is one turn's resolved provider configuration: the
// payload override merged over the configured defaults.
type ProviderSpec struct {
	ID      string
	APIKey  string
	BaseURL string
	Model   string
	Extra   map[string]any
}

// Factory builds an llm.Provider from a resolved spec. Construction
// failures surface as *llm.ConfigError.
type Factory func(spec ProviderSpec) (llm.Provider, error)

// isOpenAICompatible reports whether id names the OpenAI-style family.
func isOpenAICompatible(id string) bool {
	switch id {
	case "openai", "openai_compat", "openai-compatible":
		return true
	}
	return false
}

// providerSpec resolves the provider for one turn from the optional
// payload.provider block, falling back to the configured provider and
// filling family defaults from the configuration.
func (d *Dispatcher) providerSpec(payload map[string]any) ProviderSpec {
	raw, _ := payload["provider"].(map[string]any)

	id := strings.ToLower(strings.TrimSpace(stringField(raw, "id")))
	if id == "" {
		id = strings.ToLower(strings.TrimSpace(d.cfg.LLM.Provider))
	}
	spec := ProviderSpec{
		ID:      id,
		APIKey:  stringField(raw, "api_key", "apiKey"),
		BaseURL: stringField(raw, "base_url", "baseUrl"),
		Model:   stringField(raw, "model"),
	}
	if extra, ok := raw["extra"].(map[string]any); ok {
		spec.Extra = extra
	}

	providers := d.cfg.Providers
	switch {
	case isOpenAICompatible(id):
		spec.APIKey = firstNonEmpty(spec.APIKey, providers.OpenAI.APIKey)
		spec.BaseURL = firstNonEmpty(spec.BaseURL, providers.OpenAI.BaseURL)
		spec.Model = firstNonEmpty(spec.Model, providers.OpenAI.Model)
	case id == "dify":
		spec.APIKey = firstNonEmpty(spec.APIKey, providers.Dify.APIKey)
		spec.BaseURL = firstNonEmpty(spec.BaseURL, providers.Dify.BaseURL)
		spec.Extra = withDefaults(spec.Extra, map[string]any{"user": providers.Dify.User})
	case id == "fastgpt":
		spec.APIKey = firstNonEmpty(spec.APIKey, providers.FastGPT.APIKey)
		spec.BaseURL = firstNonEmpty(spec.BaseURL, providers.FastGPT.BaseURL)
		spec.Extra = withDefaults(spec.Extra, map[string]any{"uid": providers.FastGPT.UID})
	case id == "coze":
		spec.APIKey = firstNonEmpty(spec.APIKey, providers.Coze.Token)
		spec.BaseURL = firstNonEmpty(spec.BaseURL, providers.Coze.APIBase)
		spec.Extra = withDefaults(spec.Extra, map[string]any{
			"bot_id": providers.Coze.BotID,
			"user":   providers.Coze.User,
		})
	}
	return spec
}

// NewFactory returns the standard factory over the gateway
// configuration. Timeout, temperature, and system prompt come from the
// LLM section regardless of the provider family.
func NewFactory(cfg *config.Config) Factory {
	return func(spec ProviderSpec) (llm.Provider, error) {
		timeout := cfg.LLM.Timeout
		switch {
		case isOpenAICompatible(spec.ID):
			if spec.APIKey == "" {
				return nil, &llm.ConfigError{Reason: "OPENAI_API_KEY is required"}
			}
			return openaicompat.New(spec.APIKey, spec.Model,
				openaicompat.WithBaseURL(spec.BaseURL),
				openaicompat.WithTimeout(timeout),
				openaicompat.WithTemperature(cfg.LLM.Temperature),
				openaicompat.WithSystemPrompt(cfg.LLM.SystemPrompt),
			)
		case spec.ID == "dify":
			opts := []dify.Option{dify.WithTimeout(timeout)}
			if user := extraString(spec.Extra, "user"); user != "" {
				opts = append(opts, dify.WithUser(user))
			}
			return dify.New(spec.BaseURL, spec.APIKey, opts...)
		case spec.ID == "fastgpt":
			opts := []fastgpt.Option{fastgpt.WithTimeout(timeout)}
			if uid := extraString(spec.Extra, "uid"); uid != "" {
				opts = append(opts, fastgpt.WithUID(uid))
			}
			return fastgpt.New(spec.BaseURL, spec.APIKey, opts...)
		case spec.ID == "coze":
			opts := []coze.Option{coze.WithTimeout(timeout)}
			if user := extraString(spec.Extra, "user"); user != "" {
				opts = append(opts, coze.WithUser(user))
			}
			return coze.New(spec.BaseURL, spec.APIKey, extraString(spec.Extra, "bot_id"), opts...)
		}
		return nil, &llm.ConfigError{Reason: "unsupported LLM provider: " + spec.ID}
	}
}

func extraString(extra map[string]any, key string) string {
	s, _ := extra[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// withDefaults lays defaults under extra; explicit extra values win.
func withDefaults(extra, defaults map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(extra))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
