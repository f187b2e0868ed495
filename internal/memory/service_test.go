package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aurin-ai/aurin/internal/config"
	"github.com/aurin-ai/aurin/pkg/provider/llm"
	"github.com/aurin-ai/aurin/pkg/provider/llm/mock"
)

func testSettings() config.MemoryConfig {
	return config.MemoryConfig{
		Enabled:            true,
		SessionWindow:      12,
		FactsMax:           48,
		SummariesMax:       12,
		SummaryMaxChars:    480,
		SummaryMinMessages: 6,
		SummaryUserLimit:   3,
	}
}

func newTestService(t *testing.T, settings config.MemoryConfig, provider llm.Provider) *Service {
	t.Helper()
	return NewService(settings, newTestStore(t), NewSummarizer(provider))
}

func TestRecordMessage_ExplicitFacts(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testSettings(), nil)
	scope := NewScope("s1", "u1", "p1")

	t.Run("english imperative", func(t *testing.T) {
		if err := svc.RecordMessage(ctx, scope, "user", "Please remember that I speak French."); err != nil {
			t.Fatalf("record: %v", err)
		}
		facts, _ := svc.ListFacts(ctx, scope, 10)
		if len(facts) != 1 || facts[0].Content != "I speak French" {
			t.Fatalf("facts = %+v", facts)
		}
		if len(facts[0].Tags) != 1 || facts[0].Tags[0] != "explicit" {
			t.Errorf("tags = %v", facts[0].Tags)
		}
	})

	t.Run("chinese imperative", func(t *testing.T) {
		if err := svc.RecordMessage(ctx, scope, "user", "记住：我喜欢喝绿茶。"); err != nil {
			t.Fatalf("record: %v", err)
		}
		facts, _ := svc.ListFacts(ctx, scope, 10)
		if len(facts) != 2 || facts[0].Content != "我喜欢喝绿茶" {
			t.Fatalf("facts = %+v", facts)
		}
	})

	t.Run("duplicate capture keeps one row", func(t *testing.T) {
		svc.RecordMessage(ctx, scope, "user", "remember that I speak French")
		facts, _ := svc.ListFacts(ctx, scope, 10)
		if len(facts) != 2 {
			t.Errorf("facts = %+v", facts)
		}
	})

	t.Run("assistant messages never capture", func(t *testing.T) {
		svc.RecordMessage(ctx, scope, "assistant", "Remember that water boils at 100C.")
		facts, _ := svc.ListFacts(ctx, scope, 10)
		if len(facts) != 2 {
			t.Errorf("facts = %+v", facts)
		}
	})

	t.Run("disabled engine records nothing", func(t *testing.T) {
		settings := testSettings()
		settings.Enabled = false
		off := NewService(settings, newTestStore(t), nil)
		off.RecordMessage(ctx, scope, "user", "remember this")
		facts, _ := off.ListFacts(ctx, scope, 10)
		if len(facts) != 0 {
			t.Errorf("facts = %+v", facts)
		}
	})
}

func TestBuildContext(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testSettings(), nil)
	scope := NewScope("s1", "u1", "p1")

	t.Run("empty memory yields empty context", func(t *testing.T) {
		mctx, err := svc.BuildContext(ctx, scope, true)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if mctx.HasContent() {
			t.Errorf("context = %+v", mctx)
		}
	})

	svc.RecordMessage(ctx, scope, "user", "hello")
	svc.RecordMessage(ctx, scope, "assistant", "hi there")
	store := svc.store
	store.AddFact(ctx, scope, "likes tea", nil, 100)
	store.AddSummary(ctx, NewScope("old-session", "u1", "p1"), "2026-01-01: Old chat\n|||| talked about tea", 101)
	store.AddSummary(ctx, scope, "2026-01-02: Current chat\n|||| should be excluded", 102)

	t.Run("facts, summaries, and window", func(t *testing.T) {
		mctx, err := svc.BuildContext(ctx, scope, true)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if !strings.Contains(mctx.System, "Memory context:") ||
			!strings.Contains(mctx.System, "- likes tea") ||
			!strings.Contains(mctx.System, "Old chat") {
			t.Errorf("system = %q", mctx.System)
		}
		if strings.Contains(mctx.System, "should be excluded") {
			t.Errorf("current session summary leaked: %q", mctx.System)
		}
		if len(mctx.Messages) != 2 || mctx.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v", mctx.Messages)
		}
	})

	t.Run("facts-and-summaries view", func(t *testing.T) {
		mctx, err := svc.BuildContext(ctx, scope, false)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if len(mctx.Messages) != 0 {
			t.Errorf("messages = %+v", mctx.Messages)
		}
		if mctx.System == "" {
			t.Error("system block missing")
		}
	})

	t.Run("summaries dedupe by session", func(t *testing.T) {
		store.AddSummary(ctx, NewScope("old-session", "u1", "p1"), "2026-01-03: Newer entry\n|||| newest wins", 103)
		mctx, _ := svc.BuildContext(ctx, scope, true)
		if !strings.Contains(mctx.System, "Newer entry") {
			t.Errorf("system = %q", mctx.System)
		}
		if strings.Contains(mctx.System, "Old chat") {
			t.Errorf("older duplicate kept: %q", mctx.System)
		}
	})
}

func TestBuildMessagesAndPrompt(t *testing.T) {
	svc := newTestService(t, testSettings(), nil)
	mctx := Context{
		System:   "Memory context:\nUser facts:\n- likes tea",
		Messages: []llm.Message{{Role: "user", Content: "earlier"}},
	}

	msgs := svc.BuildMessages("be helpful", mctx, "be terse", "room: bridge", "now")
	wantRoles := []string{"system", "system", "system", "system", "user", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages = %+v", msgs)
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, msgs[i].Role, role)
		}
	}
	if msgs[len(msgs)-1].Content != "now" {
		t.Errorf("user turn = %q", msgs[len(msgs)-1].Content)
	}

	prompt := svc.BuildPrompt(mctx, "now", "room: bridge", "be terse")
	for _, want := range []string{
		"[Memory Context]", "Developer instructions:", "be terse",
		"Session metadata:", "room: bridge", "Recent conversation:",
		"user: earlier", "[/Memory Context]",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if !strings.HasSuffix(prompt, "\n\nnow") {
		t.Errorf("prompt = %q", prompt)
	}

	if got := svc.BuildPrompt(Context{}, "bare", "", ""); got != "bare" {
		t.Errorf("empty context prompt = %q", got)
	}
}

func TestMaybeSummarize(t *testing.T) {
	ctx := context.Background()

	settings := testSettings()
	settings.SessionWindow = 2
	settings.SummaryMinMessages = 2
	settings.SummaryUserLimit = 3

	t.Run("trigger and persist", func(t *testing.T) {
		provider := &mock.Provider{GenerateResponse: &llm.Response{
			Text: `{"title":"Tea chat","summary":"User talked about tea.","facts":[{"content":"prefers Celsius","reason":"preference"}]}`,
		}}
		svc := newTestService(t, settings, provider)
		scope := NewScope("s1", "u1", "p1")

		for _, text := range []string{"turn one", "turn two", "turn three", "turn four"} {
			svc.RecordMessage(ctx, scope, "user", text)
		}
		if err := svc.MaybeSummarize(ctx, scope, nil); err != nil {
			t.Fatalf("summarize: %v", err)
		}

		count, _ := svc.store.CountMessages(ctx, "s1")
		if count != 2 {
			t.Errorf("messages after trim = %d", count)
		}

		summaries, _ := svc.ListSummaries(ctx, scope, 10)
		if len(summaries) != 1 {
			t.Fatalf("summaries = %+v", summaries)
		}
		today := time.Now().Format("2006-01-02")
		if !strings.HasPrefix(summaries[0].Content, today+": Tea chat\n|||| ") {
			t.Errorf("summary content = %q", summaries[0].Content)
		}

		pending, _ := svc.ListCandidates(ctx, scope, StatusPending, 10)
		if len(pending) != 1 || pending[0].Content != "prefers Celsius" {
			t.Errorf("candidates = %+v", pending)
		}
	})

	t.Run("no-op under the window", func(t *testing.T) {
		provider := &mock.Provider{GenerateResponse: &llm.Response{Text: `{"summary":"s"}`}}
		svc := newTestService(t, settings, provider)
		scope := NewScope("s1", "u1", "p1")

		svc.RecordMessage(ctx, scope, "user", "only one")
		if err := svc.MaybeSummarize(ctx, scope, nil); err != nil {
			t.Fatalf("summarize: %v", err)
		}
		if provider.CallCount() != 0 {
			t.Error("provider called without overflow")
		}
		count, _ := svc.store.CountMessages(ctx, "s1")
		if count != 1 {
			t.Errorf("messages = %d", count)
		}
	})

	t.Run("provider failure swallows but keeps trim", func(t *testing.T) {
		provider := &mock.Provider{GenerateErr: context.DeadlineExceeded}
		svc := newTestService(t, settings, provider)
		scope := NewScope("s1", "u1", "p1")

		for _, text := range []string{"a", "b", "c", "d"} {
			svc.RecordMessage(ctx, scope, "user", text)
		}
		if err := svc.MaybeSummarize(ctx, scope, nil); err != nil {
			t.Fatalf("summarize: %v", err)
		}
		summaries, _ := svc.ListSummaries(ctx, scope, 10)
		if len(summaries) != 0 {
			t.Errorf("summaries = %+v", summaries)
		}
	})

	t.Run("user limit caps summarizer input", func(t *testing.T) {
		provider := &mock.Provider{GenerateResponse: &llm.Response{Text: `{"summary":"s"}`}}
		svc := newTestService(t, settings, provider)
		scope := NewScope("s1", "u1", "p1")

		for _, text := range []string{"one", "two", "three", "four", "five", "six"} {
			svc.RecordMessage(ctx, scope, "user", text)
		}
		svc.MaybeSummarize(ctx, scope, nil)

		req := provider.LastCall().Req
		if strings.Contains(req.Text, "- one") {
			t.Errorf("oldest line should be dropped by the user limit:\n%s", req.Text)
		}
		if !strings.Contains(req.Text, "- four") {
			t.Errorf("expected recent line in prompt:\n%s", req.Text)
		}
	})
}

func TestCandidateLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testSettings(), nil)
	scope := NewScope("s1", "u1", "p1")

	svc.store.AddCandidate(ctx, scope, "prefers Celsius", "preference", 100)
	pending, _ := svc.ListCandidates(ctx, scope, StatusPending, 10)
	id := pending[0].ID

	fact, err := svc.AcceptCandidate(ctx, scope, id)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if fact == nil || fact.Content != "prefers Celsius" {
		t.Fatalf("fact = %+v", fact)
	}
	if len(fact.Tags) != 1 || fact.Tags[0] != "candidate" {
		t.Errorf("tags = %v", fact.Tags)
	}

	// Accepting twice yields nothing and exactly one fact remains.
	fact, err = svc.AcceptCandidate(ctx, scope, id)
	if err != nil || fact != nil {
		t.Errorf("second accept = %+v, err = %v", fact, err)
	}
	facts, _ := svc.ListFacts(ctx, scope, 10)
	if len(facts) != 1 {
		t.Errorf("facts = %+v", facts)
	}

	svc.store.AddCandidate(ctx, scope, "works nights", "role", 101)
	pending, _ = svc.ListCandidates(ctx, scope, StatusPending, 10)
	ok, err := svc.RejectCandidate(ctx, scope, pending[0].ID)
	if err != nil || !ok {
		t.Errorf("reject = %v, err = %v", ok, err)
	}
	ok, err = svc.RejectCandidate(ctx, scope, pending[0].ID)
	if err != nil || ok {
		t.Errorf("second reject = %v, err = %v", ok, err)
	}
}

func TestImportExport(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testSettings(), nil)
	scope := NewScope("s1", "u1", "p1")

	factsAdded, summariesAdded, err := svc.Import(ctx, scope, ExportData{
		Facts: []ExportFact{
			{Content: "likes tea", Tags: []string{"imported"}},
			{Content: "likes tea"},
			{Content: "  "},
		},
		Summaries: []ExportSummary{
			{Content: "2026-01-01: Old\n|||| body", SessionID: "other"},
		},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if factsAdded != 1 || summariesAdded != 1 {
		t.Errorf("added = %d facts, %d summaries", factsAdded, summariesAdded)
	}

	out, err := svc.Export(ctx, scope, 10, 10)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(out.Facts) != 1 || out.Facts[0].Content != "likes tea" {
		t.Errorf("facts = %+v", out.Facts)
	}
	if len(out.Summaries) != 1 || out.Summaries[0].SessionID != "other" {
		t.Errorf("summaries = %+v", out.Summaries)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 480); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 20)
	got := truncate(long, 10)
	if len([]rune(got)) != 10 || !strings.HasSuffix(got, "...") {
		t.Errorf("got %q", got)
	}
	if got := truncate(long, 0); got != long {
		t.Errorf("zero max should disable truncation, got %q", got)
	}
}
