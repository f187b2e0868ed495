// Package sse reads the Server-Sent Events line protocol used by the
// upstream AI providers.
//
// The reader is deliberately loose: blank lines and unknown fields are
// skipped, an "event:" line sets the name attached to every following
// "data:" line until the next "event:" line, and payloads are returned
// verbatim for the caller to decode.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Done is the sentinel payload that terminates an OpenAI-style stream.
const Done = "[DONE]"

// Event is a single data line from the stream.
type Event struct {
	// Name is the most recent "event:" field, or "" when the stream
	// uses bare data lines.
	Name string

	// Data is the trimmed payload of one "data:" line.
	Data string
}

// Scanner yields one [Event] per "data:" line of an SSE response body.
type Scanner struct {
	sc    *bufio.Scanner
	event string
}

// NewScanner wraps r, typically an http.Response body.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	// Provider deltas are small but blocking-style frames can carry a
	// whole answer in one line.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{sc: sc}
}

// Next returns the next data event. It reports false when the stream is
// exhausted or failed; check [Scanner.Err] to distinguish.
func (s *Scanner) Next() (Event, bool) {
	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			continue
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			s.event = strings.TrimSpace(name)
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return Event{Name: s.event, Data: strings.TrimSpace(data)}, true
		}
	}
	return Event{}, false
}

// Err returns the first error encountered while reading, or nil on clean
// end of stream.
func (s *Scanner) Err() error {
	return s.sc.Err()
}
