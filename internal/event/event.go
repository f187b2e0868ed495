// Package event defines the canonical JSON envelope exchanged with peers
// over the duplex socket, plus the codec that parses inbound frames and
// builds outbound ones.
//
// Every event on the wire is a JSON object with a non-empty "type", an
// object "data", a unix-seconds "ts", and an opaque "id". Outbound events
// additionally mirror "data" under "payload" for older clients; removing
// the mirror is a breaking change.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the parsed form of a single inbound event.
type Envelope struct {
	// Type is the event type (e.g. "input.text"). Always non-empty.
	Type string

	// Data is the event body. Never nil; missing bodies parse as an
	// empty map.
	Data map[string]any

	// TS is the event timestamp in unix seconds.
	TS int64

	// ID is the client-supplied event id, or "" when absent.
	ID string

	// SessionID is the session the event belongs to. Read from the top
	// level ("sessionId"/"session_id") first, then from Data.
	SessionID string

	// Source identifies the emitting module, when known.
	Source string
}

// ParseError reports a malformed inbound frame. The hub answers these with
// an "error" event and keeps the connection open.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "event: " + e.Reason }

// Parse decodes a raw text frame into an [Envelope].
//
// The frame must be a JSON object with a non-empty string "type". The body
// is read from "data", falling back to the legacy "payload" key; a missing
// body becomes an empty map and a non-object body is rejected. "ts"
// defaults to the current wall clock when absent or non-integral, and "id"
// and "source" are coerced to strings.
func Parse(raw []byte) (*Envelope, error) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &ParseError{Reason: "invalid JSON"}
	}
	if frame == nil {
		return nil, &ParseError{Reason: "event must be a JSON object"}
	}

	eventType, _ := frame["type"].(string)
	if eventType == "" {
		return nil, &ParseError{Reason: "missing or invalid 'type'"}
	}

	body, ok := frame["data"]
	if !ok || body == nil {
		body, ok = frame["payload"], true
	}
	data := map[string]any{}
	if body != nil {
		data, ok = body.(map[string]any)
		if !ok {
			return nil, &ParseError{Reason: "'data' must be an object"}
		}
	}

	ts := time.Now().Unix()
	if v, ok := frame["ts"].(float64); ok && v == float64(int64(v)) {
		ts = int64(v)
	}

	sessionID := coerceString(frame["sessionId"])
	if sessionID == "" {
		sessionID = coerceString(frame["session_id"])
	}
	if sessionID == "" {
		sessionID = coerceString(data["sessionId"])
	}
	if sessionID == "" {
		sessionID = coerceString(data["session_id"])
	}

	return &Envelope{
		Type:      eventType,
		Data:      data,
		TS:        ts,
		ID:        coerceString(frame["id"]),
		SessionID: sessionID,
		Source:    coerceString(frame["source"]),
	}, nil
}

// Option customises an event built by [Make].
type Option func(*options)

type options struct {
	sessionID string
	source    string
	id        string
}

// WithSessionID attaches a session id to the outgoing event.
func WithSessionID(sessionID string) Option {
	return func(o *options) { o.sessionID = sessionID }
}

// WithSource attaches a source module name to the outgoing event.
func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

// WithID overrides the generated event id.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// Make builds an outbound event ready for JSON encoding. It stamps a fresh
// opaque id and the current unix-seconds timestamp, and mirrors data under
// the legacy "payload" key. Session id and source are included only when
// non-empty.
func Make(eventType string, data map[string]any, opts ...Option) map[string]any {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		o.id = NewID()
	}
	if data == nil {
		data = map[string]any{}
	}

	out := map[string]any{
		"type":    eventType,
		"id":      o.id,
		"data":    data,
		"ts":      time.Now().Unix(),
		"payload": data,
	}
	if o.sessionID != "" {
		out["sessionId"] = o.sessionID
	}
	if o.source != "" {
		out["source"] = o.source
	}
	return out
}

// NewID returns a fresh opaque hex event id.
func NewID() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:])
}

func coerceString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
