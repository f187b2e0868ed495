// Package config provides the configuration schema and loader for the Aurin
// conversational gateway. Values come from an optional YAML file overlaid
// with environment variables.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Aurin server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level. Unrecognised values map
// to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for Aurin.
// It is typically built with [Default], optionally overlaid from a YAML
// file via [Load], and finished with [FromEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Providers ProvidersConfig `yaml:"providers"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// ServerConfig holds network, auth, and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Debug enables verbose request logging regardless of LogLevel.
	Debug bool `yaml:"debug"`

	// AuthToken gates socket peers. When empty, peers are authenticated
	// on accept.
	AuthToken string `yaml:"auth_token"`

	// CORSAllowOrigins lists origins allowed on the HTTP surface.
	// ["*"] allows everything.
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`

	// EngineConfigPath points at the agent engine catalog YAML.
	EngineConfigPath string `yaml:"engine_config_path"`

	// ProviderCatalogPath and PluginCatalogPath point at the optional
	// UI-facing catalogs served verbatim over HTTP.
	ProviderCatalogPath string `yaml:"provider_catalog_path"`
	PluginCatalogPath   string `yaml:"plugin_catalog_path"`
}

// LLMConfig selects the default upstream family and shared call parameters.
type LLMConfig struct {
	// Provider is the default provider id for text turns that carry no
	// override (e.g., "openai", "dify", "fastgpt", "coze").
	Provider string `yaml:"provider"`

	// Timeout bounds a single upstream call.
	Timeout time.Duration `yaml:"timeout"`

	// Temperature is passed to providers that accept it.
	Temperature float64 `yaml:"temperature"`

	// SystemPrompt, when set, is prepended to every structured message list.
	SystemPrompt string `yaml:"system_prompt"`
}

// ProvidersConfig holds the per-family upstream credentials.
type ProvidersConfig struct {
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Dify    DifyConfig    `yaml:"dify"`
	FastGPT FastGPTConfig `yaml:"fastgpt"`
	Coze    CozeConfig    `yaml:"coze"`
}

// OpenAIConfig configures the OpenAI-compatible chat family. BaseURL may
// point at any server speaking the /chat/completions protocol.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// DifyConfig configures the Dify agent platform.
type DifyConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	User    string `yaml:"user"`
}

// FastGPTConfig configures the FastGPT framework.
type FastGPTConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	UID     string `yaml:"uid"`
}

// CozeConfig configures the Coze agent platform.
type CozeConfig struct {
	APIBase string `yaml:"api_base"`
	Token   string `yaml:"token"`
	BotID   string `yaml:"bot_id"`
	User    string `yaml:"user"`
}

// MemoryConfig holds settings for the long-term memory engine.
type MemoryConfig struct {
	// Enabled toggles recording, context assembly, and summarization.
	Enabled bool `yaml:"enabled"`

	// DBPath is the SQLite database file. Parent directories are created
	// on first open.
	DBPath string `yaml:"db_path"`

	// SessionWindow is the number of recent messages kept per session.
	SessionWindow int `yaml:"session_window"`

	// FactsMax caps the facts loaded into a context.
	FactsMax int `yaml:"facts_max"`

	// SummariesMax caps the summaries loaded into a context.
	SummariesMax int `yaml:"summaries_max"`

	// SummaryMaxChars truncates the stored summary body.
	SummaryMaxChars int `yaml:"summary_max_chars"`

	// SummaryMinMessages is the minimum window overflow before a
	// summarization pass runs.
	SummaryMinMessages int `yaml:"summary_min_messages"`

	// SummaryUserLimit is how many trimmed user messages feed the
	// summarizer.
	SummaryUserLimit int `yaml:"summary_user_limit"`

	// SummaryAssistantLimit is carried for forward compatibility; the
	// current summarization path does not consume it.
	SummaryAssistantLimit int `yaml:"summary_assistant_limit"`
}

// Default returns a Config populated with the built-in defaults. Every
// loader starts from this and overlays file and environment values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:          ":8080",
			LogLevel:            LogInfo,
			CORSAllowOrigins:    []string{"*"},
			EngineConfigPath:    "config/engines.yaml",
			ProviderCatalogPath: "config/providers.yaml",
			PluginCatalogPath:   "config/plugins.yaml",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Timeout:     30 * time.Second,
			Temperature: 0.7,
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
			Dify: DifyConfig{
				BaseURL: "https://api.dify.ai/v1",
				User:    "aurin",
			},
			FastGPT: FastGPTConfig{
				BaseURL: "https://cloud.fastgpt.cn/api",
				UID:     "aurin",
			},
			Coze: CozeConfig{
				APIBase: "https://api.coze.cn",
				User:    "aurin",
			},
		},
		Memory: MemoryConfig{
			Enabled:               true,
			DBPath:                "data/memory.db",
			SessionWindow:         12,
			FactsMax:              48,
			SummariesMax:          12,
			SummaryMaxChars:       480,
			SummaryMinMessages:    6,
			SummaryUserLimit:      3,
			SummaryAssistantLimit: 2,
		},
	}
}
