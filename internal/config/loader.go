package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path over the defaults,
// applies environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	FromEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Environment overrides are NOT applied; tests use
// this to pin exact values.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// FromEnv overlays environment variables onto cfg. Unset variables leave
// the existing value in place.
func FromEnv(cfg *Config) {
	envBool("DEBUG", &cfg.Server.Debug)
	envOrigins("CORS_ALLOW_ORIGINS", &cfg.Server.CORSAllowOrigins)
	envString("ENGINE_CONFIG_PATH", &cfg.Server.EngineConfigPath)
	envString("PROVIDER_CATALOG_PATH", &cfg.Server.ProviderCatalogPath)
	envString("PLUGIN_CATALOG_PATH", &cfg.Server.PluginCatalogPath)
	envString("WS_AUTH_TOKEN", &cfg.Server.AuthToken)
	envString("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}

	envString("LLM_PROVIDER", &cfg.LLM.Provider)
	envSeconds("LLM_TIMEOUT", &cfg.LLM.Timeout)
	envFloat("LLM_TEMPERATURE", &cfg.LLM.Temperature)
	envString("LLM_SYSTEM_PROMPT", &cfg.LLM.SystemPrompt)

	envString("OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey)
	envString("OPENAI_BASE_URL", &cfg.Providers.OpenAI.BaseURL)
	envString("OPENAI_MODEL", &cfg.Providers.OpenAI.Model)

	envString("DIFY_BASE_URL", &cfg.Providers.Dify.BaseURL)
	envString("DIFY_API_KEY", &cfg.Providers.Dify.APIKey)
	envString("DIFY_USER", &cfg.Providers.Dify.User)

	envString("FASTGPT_BASE_URL", &cfg.Providers.FastGPT.BaseURL)
	envString("FASTGPT_API_KEY", &cfg.Providers.FastGPT.APIKey)
	envString("FASTGPT_UID", &cfg.Providers.FastGPT.UID)

	envString("COZE_API_BASE", &cfg.Providers.Coze.APIBase)
	envString("COZE_TOKEN", &cfg.Providers.Coze.Token)
	envString("COZE_BOT_ID", &cfg.Providers.Coze.BotID)
	envString("COZE_USER", &cfg.Providers.Coze.User)

	envBool("MEMORY_ENABLED", &cfg.Memory.Enabled)
	envString("MEMORY_DB_PATH", &cfg.Memory.DBPath)
	envInt("MEMORY_SESSION_WINDOW", &cfg.Memory.SessionWindow)
	envInt("MEMORY_FACTS_MAX", &cfg.Memory.FactsMax)
	envInt("MEMORY_SUMMARIES_MAX", &cfg.Memory.SummariesMax)
	envInt("MEMORY_SUMMARY_MAX_CHARS", &cfg.Memory.SummaryMaxChars)
	envInt("MEMORY_SUMMARY_MIN_MESSAGES", &cfg.Memory.SummaryMinMessages)
	envInt("MEMORY_SUMMARY_USER_LIMIT", &cfg.Memory.SummaryUserLimit)
	envInt("MEMORY_SUMMARY_ASSISTANT_LIMIT", &cfg.Memory.SummaryAssistantLimit)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	switch strings.ToLower(cfg.LLM.Provider) {
	case "", "openai", "openai_compat", "openai-compatible", "dify", "fastgpt", "coze":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is invalid; valid values: openai, dify, fastgpt, coze", cfg.LLM.Provider))
	}
	if cfg.LLM.Timeout < 0 {
		errs = append(errs, fmt.Errorf("llm.timeout %s must not be negative", cfg.LLM.Timeout))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}

	if cfg.Memory.Enabled && cfg.Memory.DBPath == "" {
		errs = append(errs, errors.New("memory.db_path is required when memory is enabled"))
	}
	if cfg.Memory.SessionWindow < 0 {
		errs = append(errs, fmt.Errorf("memory.session_window %d must not be negative", cfg.Memory.SessionWindow))
	}
	if cfg.Memory.SummaryMaxChars <= 0 {
		errs = append(errs, fmt.Errorf("memory.summary_max_chars %d must be positive", cfg.Memory.SummaryMaxChars))
	}

	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

// envSeconds reads a duration expressed either as plain seconds ("30",
// "45.5") or as a Go duration string ("1m30s").
func envSeconds(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(f * float64(time.Second))
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// envOrigins reads a comma-separated origin list; "*" stays a single
// wildcard entry.
func envOrigins(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		*dst = []string{"*"}
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
