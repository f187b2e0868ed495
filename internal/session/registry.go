// Package session tracks per-session conversation state for the gateway:
// user and profile identity, per-provider conversation ids, and optional
// metadata and developer-prompt overrides.
//
// Sessions live for the process lifetime and are never evicted. All exported
// types are safe for concurrent use.
package session

import "sync"

// State is a snapshot of one session. Mutations go through [Registry]
// methods; the snapshot itself is a copy and safe to retain.
type State struct {
	SessionID       string
	UserID          string
	ProfileID       string
	ConversationIDs map[string]string
	SessionMeta     string
	DeveloperPrompt string
}

type state struct {
	userID          string
	profileID       string
	conversationIDs map[string]string
	sessionMeta     string
	developerPrompt string
}

// Registry is a thread-safe in-memory session store.
// The zero value is ready to use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*state
}

// NewRegistry returns an initialised [Registry].
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*state)}
}

// GetOrCreate returns the session for id, creating it on first reference.
// Non-empty userID/profileID update the stored identity.
func (r *Registry) GetOrCreate(id, userID, profileID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.locked(id)
	if userID != "" {
		s.userID = userID
	}
	if profileID != "" {
		s.profileID = profileID
	}
	return snapshot(id, s)
}

// Get returns the session for id and whether it exists.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return State{}, false
	}
	return snapshot(id, s), true
}

// ConversationID returns the upstream conversation id recorded for the
// given provider, or "" when none is known.
func (r *Registry) ConversationID(id, provider string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return ""
	}
	return s.conversationIDs[provider]
}

// SetConversationID records the upstream conversation id for a provider.
// Empty values are ignored so a provider that returns no id never clears
// an established conversation.
func (r *Registry) SetConversationID(id, provider, conversationID string) {
	if conversationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked(id).conversationIDs[provider] = conversationID
}

// SessionMeta returns the stored session metadata, or "".
func (r *Registry) SessionMeta(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[id]; ok {
		return s.sessionMeta
	}
	return ""
}

// SetSessionMeta stores session metadata. Empty values are ignored.
func (r *Registry) SetSessionMeta(id, meta string) {
	if meta == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked(id).sessionMeta = meta
}

// DeveloperPrompt returns the stored developer prompt, or "".
func (r *Registry) DeveloperPrompt(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[id]; ok {
		return s.developerPrompt
	}
	return ""
}

// SetDeveloperPrompt stores a developer prompt. Empty values are ignored.
func (r *Registry) SetDeveloperPrompt(id, prompt string) {
	if prompt == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked(id).developerPrompt = prompt
}

// locked returns the session for id, creating it if needed.
// Callers must hold the write lock.
func (r *Registry) locked(id string) *state {
	if r.sessions == nil {
		r.sessions = make(map[string]*state)
	}
	s, ok := r.sessions[id]
	if !ok {
		s = &state{conversationIDs: make(map[string]string)}
		r.sessions[id] = s
	}
	return s
}

func snapshot(id string, s *state) State {
	ids := make(map[string]string, len(s.conversationIDs))
	for k, v := range s.conversationIDs {
		ids[k] = v
	}
	return State{
		SessionID:       id,
		UserID:          s.userID,
		ProfileID:       s.profileID,
		ConversationIDs: ids,
		SessionMeta:     s.sessionMeta,
		DeveloperPrompt: s.developerPrompt,
	}
}
