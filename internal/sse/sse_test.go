package sse

import (
	"strings"
	"testing"
)

func TestScanner(t *testing.T) {
	t.Run("bare data lines", func(t *testing.T) {
		sc := NewScanner(strings.NewReader("data: {\"a\":1}\n\ndata: [DONE]\n"))

		ev, ok := sc.Next()
		if !ok || ev.Name != "" || ev.Data != `{"a":1}` {
			t.Fatalf("first event = %+v, ok=%v", ev, ok)
		}
		ev, ok = sc.Next()
		if !ok || ev.Data != Done {
			t.Fatalf("second event = %+v, ok=%v", ev, ok)
		}
		if _, ok := sc.Next(); ok {
			t.Error("expected exhausted stream")
		}
		if err := sc.Err(); err != nil {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("event names stick until replaced", func(t *testing.T) {
		body := strings.Join([]string{
			"event: conversation.message.delta",
			`data: {"content":"a"}`,
			`data: {"content":"b"}`,
			"event: conversation.message.completed",
			`data: {}`,
			"",
		}, "\n")
		sc := NewScanner(strings.NewReader(body))

		var got []string
		for {
			ev, ok := sc.Next()
			if !ok {
				break
			}
			got = append(got, ev.Name)
		}
		want := []string{
			"conversation.message.delta",
			"conversation.message.delta",
			"conversation.message.completed",
		}
		if len(got) != len(want) {
			t.Fatalf("events = %v", got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("event %d = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("skips blanks and unknown fields", func(t *testing.T) {
		body := ": keepalive\nid: 3\nretry: 100\n\ndata: x\n"
		sc := NewScanner(strings.NewReader(body))
		ev, ok := sc.Next()
		if !ok || ev.Data != "x" {
			t.Fatalf("event = %+v, ok=%v", ev, ok)
		}
	})
}
