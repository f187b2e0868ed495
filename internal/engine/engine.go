// Package engine holds the runtime configuration catalog for upstream
// engines. Configs are loaded once at startup from a YAML catalog and
// resolved by (kind, id) when a request names an engine.
package engine

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Engine kinds the catalog may declare.
const (
	KindLLM   = "llm"
	KindTTS   = "tts"
	KindASR   = "asr"
	KindAgent = "agent"
)

// DefaultTimeout applies when the catalog entry carries no timeout.
const DefaultTimeout = 60 * time.Second

// RuntimeConfig is everything a handler needs to talk to one engine.
type RuntimeConfig struct {
	ID      string
	Type    string
	BaseURL string
	Model   string

	// APIKeyEnv names the environment variable holding the key. The key
	// itself never lives in the catalog file.
	APIKeyEnv string

	// Headers are merged into every upstream request, after the
	// handler's own headers.
	Headers map[string]string

	Timeout time.Duration

	// DefaultParams seed the per-run parameter set; callers override
	// them key by key.
	DefaultParams map[string]any

	// Paths overrides the handler's endpoint paths, keyed by role
	// (chat, conversation, health).
	Paths map[string]string
}

// Path returns the configured endpoint path for key, or fallback, with
// a leading slash guaranteed.
func (c *RuntimeConfig) Path(key, fallback string) string {
	p := c.Paths[key]
	if p == "" {
		p = fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// APIKey reads the key from the configured environment variable.
func (c *RuntimeConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// Store indexes runtime configs by kind and id. It is safe for
// concurrent reads after loading.
type Store struct {
	mu       sync.RWMutex
	byKind   map[string]map[string]*RuntimeConfig
	defaults map[string]string
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byKind:   make(map[string]map[string]*RuntimeConfig),
		defaults: make(map[string]string),
	}
}

// Register adds cfg under kind. The first engine of a kind becomes its
// default; markDefault promotes a later one.
func (s *Store) Register(kind string, cfg *RuntimeConfig, markDefault bool) {
	if cfg == nil || cfg.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	engines := s.byKind[kind]
	if engines == nil {
		engines = make(map[string]*RuntimeConfig)
		s.byKind[kind] = engines
	}
	engines[cfg.ID] = cfg
	if markDefault || s.defaults[kind] == "" {
		s.defaults[kind] = cfg.ID
	}
}

// Get returns the config registered under (kind, id), or nil.
func (s *Store) Get(kind, id string) *RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKind[kind][id]
}

// Default returns the default engine of a kind, or nil when the kind is
// empty.
func (s *Store) Default(kind string) *RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKind[kind][s.defaults[kind]]
}

// Resolve looks up id under kind, treating "" and "default" as the
// kind's default engine.
func (s *Store) Resolve(kind, id string) *RuntimeConfig {
	if id == "" || id == "default" {
		return s.Default(kind)
	}
	return s.Get(kind, id)
}

// List returns the ids registered under kind.
func (s *Store) List(kind string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byKind[kind]))
	for id := range s.byKind[kind] {
		ids = append(ids, id)
	}
	return ids
}
