package fastgpt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aurin-ai/aurin/pkg/provider/llm"
)

func TestGenerate(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k" {
			t.Errorf("auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"chatId": "chat-3",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "sure"}},
			},
		})
	}))
	defer ts.Close()

	p, err := New(ts.URL, "k", WithUID("default-uid"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := p.Generate(context.Background(), llm.Request{Text: "hi", ConversationID: "chat-3"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "sure" || resp.ConversationID != "chat-3" {
		t.Errorf("response = %+v", resp)
	}

	if got["chatId"] != "chat-3" {
		t.Errorf("chatId = %v", got["chatId"])
	}
	if got["stream"] != false || got["detail"] != false {
		t.Errorf("flags = stream:%v detail:%v", got["stream"], got["detail"])
	}
	if got["customUid"] != "default-uid" {
		t.Errorf("customUid = %v", got["customUid"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	msg, _ := msgs[0].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "hi" {
		t.Errorf("message = %v", msg)
	}
}

func TestGenerate_MissingContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{{}}})
	}))
	defer ts.Close()

	p, _ := New(ts.URL, "k")
	_, err := p.Generate(context.Background(), llm.Request{Text: "hi"})
	var cfgErr *llm.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("err = %v", err)
	}
}

func TestGenerate_CoercesTextFromMessages(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}},
			},
		})
	}))
	defer ts.Close()

	p, _ := New(ts.URL, "k")
	_, err := p.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "from history"},
		},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msgs, _ := got["messages"].([]any)
	msg, _ := msgs[0].(map[string]any)
	if msg["content"] != "from history" {
		t.Errorf("coerced content = %v", msg["content"])
	}
}
