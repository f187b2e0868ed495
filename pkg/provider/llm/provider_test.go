package llm_test

import (
	"context"
	"testing"

	"github.com/aurin-ai/aurin/pkg/provider/llm"
	"github.com/aurin-ai/aurin/pkg/provider/llm/mock"
)

func TestCollapse(t *testing.T) {
	p := &mock.Provider{GenerateResponse: &llm.Response{Text: "hello"}}
	deltas, err := llm.Collapse(context.Background(), p, llm.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "hello" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestCoerceText(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "latest"},
	}

	if got := llm.CoerceText("direct", msgs); got != "direct" {
		t.Errorf("explicit text = %q", got)
	}
	if got := llm.CoerceText("", msgs); got != "latest" {
		t.Errorf("newest user entry = %q", got)
	}

	noUser := []llm.Message{{Role: "assistant", Content: "only reply"}}
	if got := llm.CoerceText("", noUser); got != "only reply" {
		t.Errorf("last entry fallback = %q", got)
	}
	if got := llm.CoerceText("", nil); got != "" {
		t.Errorf("empty input = %q", got)
	}
}

func TestExtractConversationID(t *testing.T) {
	cases := map[string]struct {
		data map[string]any
		want string
	}{
		"top-level snake": {map[string]any{"conversation_id": "c1"}, "c1"},
		"top-level camel": {map[string]any{"conversationId": "c2"}, "c2"},
		"chat id":         {map[string]any{"chatId": "c3"}, "c3"},
		"nested data":     {map[string]any{"data": map[string]any{"id": "c4"}}, "c4"},
		"nested wins over nothing": {
			map[string]any{"answer": "x", "data": map[string]any{"conversation_id": "c5"}}, "c5",
		},
		"empty string ignored": {map[string]any{"conversation_id": "", "chatId": "c6"}, "c6"},
		"absent":               {map[string]any{"answer": "x"}, ""},
	}
	for name, tc := range cases {
		if got := llm.ExtractConversationID(tc.data); got != tc.want {
			t.Errorf("%s: got %q, want %q", name, got, tc.want)
		}
	}
}

func TestConfigError(t *testing.T) {
	err := &llm.ConfigError{Reason: "dify API key is required"}
	if err.Error() != "llm: dify API key is required" {
		t.Errorf("error = %q", err.Error())
	}
}
