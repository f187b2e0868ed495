// Package memory implements the per-user long-term memory engine: a
// single-file SQLite store of messages, facts, summaries, and candidates,
// a service that assembles upstream context and records turns, and an
// LLM-driven summarizer that compacts overflowed session windows.
package memory

import "github.com/aurin-ai/aurin/pkg/provider/llm"

// DefaultScopePart is the sentinel for a missing scope component.
const DefaultScopePart = "default"

// Scope keys every memory read and write.
type Scope struct {
	SessionID string
	UserID    string
	ProfileID string
}

// NewScope builds a Scope, substituting [DefaultScopePart] for empty
// components.
func NewScope(sessionID, userID, profileID string) Scope {
	if sessionID == "" {
		sessionID = DefaultScopePart
	}
	if userID == "" {
		userID = DefaultScopePart
	}
	if profileID == "" {
		profileID = DefaultScopePart
	}
	return Scope{SessionID: sessionID, UserID: userID, ProfileID: profileID}
}

// Message is one recorded conversation turn.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt int64
}

// Fact is a durable assertion about a user, persisted across sessions.
type Fact struct {
	ID        int64
	ProfileID string
	UserID    string
	Content   string
	Tags      []string
	CreatedAt int64
}

// Candidate statuses. Pending is the only non-terminal state.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Candidate is an auto-extracted fact awaiting accept or reject.
type Candidate struct {
	ID        int64
	ProfileID string
	UserID    string
	Content   string
	Reason    string
	Status    string
	CreatedAt int64
}

// Summary is a compressed record of an overflowed conversation window.
// It is retrieved by (profile, user) but carries the originating session
// id so context assembly can exclude the current session's own summary.
type Summary struct {
	ID        int64
	SessionID string
	ProfileID string
	UserID    string
	Content   string
	CreatedAt int64
}

// Context is the memory view injected into an upstream request.
type Context struct {
	// System is the formatted facts-and-summaries block, or "".
	System string

	// Messages is the recent window of the current session.
	Messages []llm.Message
}

// HasContent reports whether the context carries anything at all.
func (c Context) HasContent() bool {
	return c.System != "" || len(c.Messages) > 0
}
