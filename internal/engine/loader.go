package engine

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// catalogFile mirrors the YAML engine catalog. Unknown keys are
// ignored; operators keep UI-only metadata (labels, param specs) in the
// same file.
type catalogFile struct {
	LLM   catalogSection `yaml:"llm"`
	TTS   catalogSection `yaml:"tts"`
	ASR   catalogSection `yaml:"asr"`
	Agent catalogSection `yaml:"agent"`
}

type catalogSection struct {
	Default string         `yaml:"default"`
	Engines []catalogEntry `yaml:"engines"`
}

type catalogEntry struct {
	ID        string            `yaml:"id"`
	Type      string            `yaml:"type"`
	BaseURL   string            `yaml:"base_url"`
	Model     string            `yaml:"model"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   float64           `yaml:"timeout"`
	Defaults  map[string]any    `yaml:"defaults"`
	Params    []catalogParam    `yaml:"params"`
	Paths     map[string]string `yaml:"paths"`
}

type catalogParam struct {
	Name    string `yaml:"name"`
	Default any    `yaml:"default"`
}

// LoadCatalog reads the engine catalog at path. A missing or empty path
// yields an empty store so the gateway runs without a catalog.
func LoadCatalog(path string) (*Store, error) {
	if path == "" {
		return NewStore(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStore(), nil
		}
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}
	defer f.Close()
	return ReadCatalog(f)
}

// ReadCatalog parses a YAML engine catalog.
func ReadCatalog(r io.Reader) (*Store, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("engine: parse catalog: %w", err)
	}

	store := NewStore()
	sections := map[string]catalogSection{
		KindLLM:   file.LLM,
		KindTTS:   file.TTS,
		KindASR:   file.ASR,
		KindAgent: file.Agent,
	}
	for kind, section := range sections {
		for _, entry := range section.Engines {
			if entry.ID == "" {
				continue
			}
			store.Register(kind, entry.runtime(kind), entry.ID == section.Default)
		}
	}
	return store, nil
}

func (e catalogEntry) runtime(kind string) *RuntimeConfig {
	engineType := e.Type
	if engineType == "" {
		if kind == KindAgent {
			engineType = "agent"
		} else {
			engineType = "openai_compat"
		}
	}

	timeout := DefaultTimeout
	if e.Timeout > 0 {
		timeout = time.Duration(e.Timeout * float64(time.Second))
	}

	defaults := make(map[string]any, len(e.Defaults)+len(e.Params))
	for k, v := range e.Defaults {
		defaults[k] = v
	}
	// Param spec defaults fill in without clobbering explicit defaults.
	for _, p := range e.Params {
		if p.Name == "" || p.Default == nil {
			continue
		}
		if _, ok := defaults[p.Name]; !ok {
			defaults[p.Name] = p.Default
		}
	}

	return &RuntimeConfig{
		ID:            e.ID,
		Type:          engineType,
		BaseURL:       e.BaseURL,
		Model:         e.Model,
		APIKeyEnv:     e.APIKeyEnv,
		Headers:       e.Headers,
		Timeout:       timeout,
		DefaultParams: defaults,
		Paths:         e.Paths,
	}
}
