package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFastGPTStream(t *testing.T) {
	var chatBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&chatBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	actx := testContext(ts.URL, map[string]any{
		"api_key": "fk", "uid": "u9", "conversation_id": "chat-1",
	})
	ch, err := NewFastGPT().Stream(context.Background(), actx, "hi")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(t, ch)

	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Data["text"] != "Hel" || events[1].Data["text"] != "lo" {
		t.Errorf("events = %+v", events)
	}

	if chatBody["chatId"] != "chat-1" || chatBody["customUid"] != "u9" {
		t.Errorf("chat body = %v", chatBody)
	}
	if chatBody["stream"] != true || chatBody["detail"] != false {
		t.Errorf("flags = %v", chatBody)
	}
}

func TestFastGPTStream_MintsConversationID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
	}))
	defer ts.Close()

	actx := testContext(ts.URL, map[string]any{"api_key": "fk"})
	ch, _ := NewFastGPT().Stream(context.Background(), actx, "hi")
	events := collect(t, ch)

	if len(events) != 3 || events[0].Event != EventConversationID {
		t.Fatalf("events = %+v", events)
	}
	id, _ := events[0].Data["conversation_id"].(string)
	if len(id) != 16 {
		t.Errorf("conversation_id = %q", id)
	}
}

func TestFastGPTStream_MissingConfig(t *testing.T) {
	cases := []struct {
		params map[string]any
		want   string
	}{
		{map[string]any{}, "Missing FastGPT base URL."},
		{map[string]any{"base_url": "https://x"}, "Missing FastGPT API key."},
	}
	for _, tc := range cases {
		actx := testContext("", tc.params)
		ch, _ := NewFastGPT().Stream(context.Background(), actx, "hi")
		events := collect(t, ch)
		if len(events) != 2 || events[0].Event != EventError || events[0].Data["message"] != tc.want {
			t.Errorf("params %v: events = %+v", tc.params, events)
		}
	}
}

func TestFastGPTCreateConversation(t *testing.T) {
	actx := testContext("https://x", map[string]any{"conversation_id": "keep-me"})
	id, err := NewFastGPT().CreateConversation(context.Background(), actx)
	if err != nil || id != "keep-me" {
		t.Errorf("id = %q, err = %v", id, err)
	}

	actx = testContext("https://x", nil)
	first, _ := NewFastGPT().CreateConversation(context.Background(), actx)
	second, _ := NewFastGPT().CreateConversation(context.Background(), actx)
	if len(first) != 16 || first == second {
		t.Errorf("minted ids = %q, %q", first, second)
	}
}
