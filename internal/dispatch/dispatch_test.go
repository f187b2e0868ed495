package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aurin-ai/aurin/internal/config"
	"github.com/aurin-ai/aurin/internal/event"
	"github.com/aurin-ai/aurin/internal/memory"
	"github.com/aurin-ai/aurin/internal/session"
	"github.com/aurin-ai/aurin/pkg/provider/llm"
	"github.com/aurin-ai/aurin/pkg/provider/llm/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, cfg *config.Config, prov llm.Provider) *Dispatcher {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := memory.Open(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem := memory.NewService(cfg.Memory, store, nil)
	factory := func(spec ProviderSpec) (llm.Provider, error) {
		if prov == nil {
			return nil, &llm.ConfigError{Reason: "no provider configured"}
		}
		return prov, nil
	}
	return New(cfg, session.NewRegistry(), mem, discardLogger(), WithFactory(factory))
}

func envelope(t *testing.T, eventType string, data map[string]any) *event.Envelope {
	t.Helper()
	if data == nil {
		data = map[string]any{}
	}
	return &event.Envelope{Type: eventType, Data: data}
}

func eventTypes(events []map[string]any) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev["type"].(string))
	}
	return types
}

func dataOf(ev map[string]any) map[string]any {
	data, _ := ev["data"].(map[string]any)
	return data
}

func TestDispatch_UnknownTypeIgnored(t *testing.T) {
	d := newTestDispatcher(t, nil, &mock.Provider{})
	if got := d.Dispatch(context.Background(), envelope(t, "something.custom", nil)); got != nil {
		t.Errorf("events = %+v", got)
	}
}

func TestDispatch_SessionStart(t *testing.T) {
	d := newTestDispatcher(t, nil, &mock.Provider{})
	events := d.Dispatch(context.Background(), envelope(t, "session.start", map[string]any{
		"session_id": "s1", "user_id": "u1", "profile_id": "p1",
		"sessionMeta":     map[string]any{"room": "bridge"},
		"developerPrompt": "be terse",
	}))
	if len(events) != 1 || events[0]["type"] != "session.started" {
		t.Fatalf("events = %+v", events)
	}
	data := dataOf(events[0])
	if data["session_id"] != "s1" || data["profile_id"] != "p1" {
		t.Errorf("data = %v", data)
	}
	if events[0]["sessionId"] != "s1" {
		t.Errorf("envelope session = %v", events[0]["sessionId"])
	}
	if got := d.sessions.SessionMeta("s1"); got != "room: bridge" {
		t.Errorf("session meta = %q", got)
	}
	if got := d.sessions.DeveloperPrompt("s1"); got != "be terse" {
		t.Errorf("developer prompt = %q", got)
	}
}

func TestDispatch_TextTurnOrdering(t *testing.T) {
	prov := &mock.Provider{Messages: true, StreamDeltas: []string{"Hi", "", " ", "there"}}
	d := newTestDispatcher(t, nil, prov)

	events := d.Dispatch(context.Background(), envelope(t, "input.text", map[string]any{
		"session_id": "s1", "text": "Hello",
	}))

	want := []string{
		"output.chat.delta", "llm.delta",
		"output.chat.delta", "llm.delta",
		"output.chat.delta", "llm.delta",
		"output.chat.complete", "llm.final", "memory.write",
	}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("sequence = %v", got)
	}

	// Empty deltas are dropped, the rest keep arrival order.
	if dataOf(events[0])["text"] != "Hi" || dataOf(events[2])["text"] != " " || dataOf(events[4])["text"] != "there" {
		t.Errorf("delta texts = %v %v %v", dataOf(events[0]), dataOf(events[2]), dataOf(events[4]))
	}

	final := dataOf(events[6])
	if final["text"] != "Hi there" || final["tokens"] != 2 {
		t.Errorf("final = %v", final)
	}
	if dataOf(events[7])["text"] != "Hi there" {
		t.Errorf("llm.final = %v", dataOf(events[7]))
	}

	write := dataOf(events[8])
	if write["kind"] != "chat" || write["content"] != "Hello" {
		t.Errorf("memory.write = %v", write)
	}
	tags, _ := write["tags"].([]string)
	if len(tags) != 1 || tags[0] != "user" {
		t.Errorf("tags = %v", tags)
	}
}

func TestDispatch_AliasNormalization(t *testing.T) {
	prov := &mock.Provider{Messages: true, StreamDeltas: []string{"ok"}}
	d := newTestDispatcher(t, nil, prov)

	events := d.Dispatch(context.Background(), envelope(t, "user.text", map[string]any{
		"session_id": "s1", "text": "Hello",
	}))
	if got := eventTypes(events); len(got) == 0 || got[0] != "output.chat.delta" {
		t.Fatalf("sequence = %v", got)
	}

	events = d.Dispatch(context.Background(), envelope(t, "user.interrupt", nil))
	if got := eventTypes(events); strings.Join(got, ",") != "output.speech.end,tts.end" {
		t.Errorf("interrupt sequence = %v", got)
	}

	events = d.Dispatch(context.Background(), envelope(t, "user.audio.chunk", nil))
	if len(events) != 1 || dataOf(events[0])["message"] != "ASR not configured" {
		t.Errorf("voice chunk = %+v", events)
	}
}

func TestDispatch_TextTurnRecordsMemory(t *testing.T) {
	prov := &mock.Provider{Messages: true, StreamDeltas: []string{"sure"}}
	d := newTestDispatcher(t, nil, prov)
	ctx := context.Background()

	d.Dispatch(ctx, envelope(t, "input.text", map[string]any{
		"session_id": "s1", "user_id": "u1", "profile_id": "p1", "text": "Hello",
	}))

	mctx, err := d.memory.BuildContext(ctx, memory.NewScope("s1", "u1", "p1"), true)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if len(mctx.Messages) != 2 || mctx.Messages[0].Role != "user" || mctx.Messages[1].Role != "assistant" {
		t.Errorf("messages = %+v", mctx.Messages)
	}
}

func TestDispatch_MissingText(t *testing.T) {
	d := newTestDispatcher(t, nil, &mock.Provider{})
	events := d.Dispatch(context.Background(), &event.Envelope{
		Type: "input.text", Data: map[string]any{}, SessionID: "s9",
	})
	if len(events) != 1 || events[0]["type"] != "error" {
		t.Fatalf("events = %+v", events)
	}
	if dataOf(events[0])["message"] != "input.text requires a text field" {
		t.Errorf("message = %v", dataOf(events[0])["message"])
	}
	if events[0]["sessionId"] != "s9" {
		t.Errorf("session = %v", events[0]["sessionId"])
	}
}

func TestDispatch_ProviderErrors(t *testing.T) {
	t.Run("config error keeps provider message", func(t *testing.T) {
		d := newTestDispatcher(t, nil, nil)
		events := d.Dispatch(context.Background(), envelope(t, "input.text", map[string]any{
			"session_id": "s1", "text": "hi",
		}))
		if len(events) != 1 || events[0]["type"] != "error" {
			t.Fatalf("events = %+v", events)
		}
		message, _ := dataOf(events[0])["message"].(string)
		if !strings.Contains(message, "no provider configured") || strings.Contains(message, "LLM request failed") {
			t.Errorf("message = %q", message)
		}
	})

	t.Run("upstream error is wrapped", func(t *testing.T) {
		prov := &mock.Provider{Messages: true, StreamErr: io.ErrUnexpectedEOF}
		d := newTestDispatcher(t, nil, prov)
		events := d.Dispatch(context.Background(), envelope(t, "input.text", map[string]any{
			"session_id": "s1", "text": "hi",
		}))
		message, _ := dataOf(events[0])["message"].(string)
		if !strings.HasPrefix(message, "LLM request failed: ") {
			t.Errorf("message = %q", message)
		}
	})
}

func TestDispatch_SessionIDResolution(t *testing.T) {
	prov := &mock.Provider{Messages: true, StreamDeltas: []string{"ok"}}
	d := newTestDispatcher(t, nil, prov)

	t.Run("user id fallback", func(t *testing.T) {
		events := d.Dispatch(context.Background(), envelope(t, "input.text", map[string]any{
			"user_id": "u42", "text": "hi",
		}))
		if events[0]["sessionId"] != "u42" {
			t.Errorf("session = %v", events[0]["sessionId"])
		}
	})

	t.Run("default fallback", func(t *testing.T) {
		events := d.Dispatch(context.Background(), envelope(t, "input.text", map[string]any{
			"text": "hi",
		}))
		if events[0]["sessionId"] != "default" {
			t.Errorf("session = %v", events[0]["sessionId"])
		}
	})
}

func TestDispatch_ProviderOverride(t *testing.T) {
	defaultProv := &mock.Provider{Messages: true, StreamDeltas: []string{"default"}}
	var overrideSpec ProviderSpec
	overrideProv := &mock.Provider{GenerateResponse: &llm.Response{Text: "override", ConversationID: "conv-1"}}

	cfg := config.Default()
	cfg.Providers.Dify.APIKey = "configured-key"
	d := newTestDispatcher(t, cfg, defaultProv)
	d.factory = func(spec ProviderSpec) (llm.Provider, error) {
		if spec.ID == "dify" {
			overrideSpec = spec
			return overrideProv, nil
		}
		return defaultProv, nil
	}

	events := d.Dispatch(context.Background(), envelope(t, "input.text", map[string]any{
		"session_id": "s1", "text": "hi",
		"provider": map[string]any{"id": "Dify", "base_url": "https://dify.example.com"},
	}))
	if dataOf(events[len(events)-3])["text"] != "override" {
		t.Fatalf("events = %v", eventTypes(events))
	}
	if overrideSpec.ID != "dify" || overrideSpec.BaseURL != "https://dify.example.com" {
		t.Errorf("spec = %+v", overrideSpec)
	}
	if overrideSpec.APIKey != "configured-key" {
		t.Errorf("api key not filled from config: %+v", overrideSpec)
	}
	if overrideProv.CallCount() != 1 || defaultProv.CallCount() != 0 {
		t.Errorf("calls: override = %d, default = %d", overrideProv.CallCount(), defaultProv.CallCount())
	}

	// The provider's conversation id is remembered per provider id.
	if got := d.sessions.ConversationID("s1", "dify"); got != "conv-1" {
		t.Errorf("conversation id = %q", got)
	}

	// The next unoverridden turn uses the lazily built default.
	d.Dispatch(context.Background(), envelope(t, "input.text", map[string]any{
		"session_id": "s1", "text": "again",
	}))
	if defaultProv.CallCount() != 1 {
		t.Errorf("default provider calls = %d", defaultProv.CallCount())
	}
}

func TestDispatch_NonOpenAIUsesPlainPrompt(t *testing.T) {
	prov := &mock.Provider{GenerateResponse: &llm.Response{Text: "hello"}}
	cfg := config.Default()
	cfg.LLM.Provider = "dify"
	d := newTestDispatcher(t, cfg, prov)
	ctx := context.Background()

	d.Dispatch(ctx, envelope(t, "session.start", map[string]any{
		"session_id": "s1", "sessionMeta": "room: bridge",
	}))
	d.Dispatch(ctx, envelope(t, "input.text", map[string]any{"session_id": "s1", "text": "hi"}))

	req := prov.LastCall().Req
	if len(req.Messages) != 0 {
		t.Errorf("messages = %+v", req.Messages)
	}
	if !strings.Contains(req.Text, "[Memory Context]") || !strings.Contains(req.Text, "room: bridge") {
		t.Errorf("text = %q", req.Text)
	}
	if !strings.HasSuffix(req.Text, "\n\nhi") {
		t.Errorf("text = %q", req.Text)
	}
}

func TestDispatch_OpenAIStructuredMessages(t *testing.T) {
	prov := &mock.Provider{Messages: true, StreamDeltas: []string{"ok"}}
	cfg := config.Default()
	cfg.LLM.SystemPrompt = "be helpful"
	d := newTestDispatcher(t, cfg, prov)

	d.Dispatch(context.Background(), envelope(t, "input.text", map[string]any{
		"session_id": "s1", "text": "hi", "developer_prompt": "be terse",
	}))

	req := prov.LastCall().Req
	if len(req.Messages) < 3 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "be helpful" {
		t.Errorf("system = %+v", req.Messages[0])
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "hi" {
		t.Errorf("user turn = %+v", last)
	}
}

func TestCoerceSessionMeta(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"  trimmed  ", "trimmed"},
		{map[string]any{"b": 2, "a": "x"}, "a: x\nb: 2"},
		{[]any{" one ", "", "two"}, "one\ntwo"},
		{42, "42"},
	}
	for _, tc := range cases {
		if got := coerceSessionMeta(tc.in); got != tc.want {
			t.Errorf("coerceSessionMeta(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestProviderSpecDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "coze"
	cfg.Providers.Coze.Token = "tok"
	cfg.Providers.Coze.BotID = "bot-1"
	d := newTestDispatcher(t, cfg, &mock.Provider{})

	spec := d.providerSpec(nil)
	if spec.ID != "coze" || spec.APIKey != "tok" || spec.BaseURL != "https://api.coze.cn" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Extra["bot_id"] != "bot-1" || spec.Extra["user"] != "aurin" {
		t.Errorf("extra = %v", spec.Extra)
	}

	// Payload extra wins over configured defaults.
	spec = d.providerSpec(map[string]any{"provider": map[string]any{
		"id": "coze", "extra": map[string]any{"bot_id": "bot-2"},
	}})
	if spec.Extra["bot_id"] != "bot-2" || spec.Extra["user"] != "aurin" {
		t.Errorf("extra = %v", spec.Extra)
	}
}

func TestNewFactory(t *testing.T) {
	cfg := config.Default()
	factory := NewFactory(cfg)

	t.Run("openai requires key", func(t *testing.T) {
		_, err := factory(ProviderSpec{ID: "openai", Model: "gpt-4o-mini"})
		if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
			t.Errorf("err = %v", err)
		}
		var cfgErr *llm.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("err type = %T", err)
		}
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := factory(ProviderSpec{ID: "acme"})
		if err == nil || !strings.Contains(err.Error(), "unsupported LLM provider: acme") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("families construct", func(t *testing.T) {
		if _, err := factory(ProviderSpec{ID: "openai", APIKey: "k", Model: "m"}); err != nil {
			t.Errorf("openai: %v", err)
		}
		if _, err := factory(ProviderSpec{ID: "dify", APIKey: "k", BaseURL: "https://x"}); err != nil {
			t.Errorf("dify: %v", err)
		}
		if _, err := factory(ProviderSpec{ID: "fastgpt", APIKey: "k", BaseURL: "https://x"}); err != nil {
			t.Errorf("fastgpt: %v", err)
		}
		if _, err := factory(ProviderSpec{ID: "coze", APIKey: "k", BaseURL: "https://x", Extra: map[string]any{"bot_id": "b"}}); err != nil {
			t.Errorf("coze: %v", err)
		}
	})
}
