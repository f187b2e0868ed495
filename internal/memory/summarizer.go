package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aurin-ai/aurin/pkg/provider/llm"
)

const summarizerSystemPrompt = `You summarize user chat history for long-term memory. Return JSON only with keys: title, summary, facts.
Rules:
- Use the user's language.
- Be objective and factual; avoid subjective judgments or tone labels.
- Do not copy formatting, markup, or special tokens (e.g. <|...|>); paraphrase in plain text.
- title: 4-8 words, short and neutral.
- summary: <= 400 characters, focused on user's goals, preferences, or ongoing topics.
- Decide if any long-term memory is truly valuable to store.
- facts: list of stable user facts ONLY when they are high-confidence and long-term useful.
- Prefer user preferences first, then goals/learning, then identity/role; each {"content": "...", "reason": "name|identity|role|preference|learning|goal|other"}.
- If nothing is worth storing, return facts as [].
- Do not include sensitive or temporary details.
`

// CandidateFact is one extracted fact proposal.
type CandidateFact struct {
	Content string
	Reason  string
}

// SummaryResult is the parsed output of one summarization call.
type SummaryResult struct {
	Title   string
	Summary string
	Facts   []CandidateFact
}

// Summarizer turns a batch of trimmed user messages into a structured
// summary via an LLM provider.
type Summarizer struct {
	provider llm.Provider
}

// NewSummarizer returns a Summarizer with an optional default provider.
// Pass nil to rely solely on per-call providers.
func NewSummarizer(provider llm.Provider) *Summarizer {
	return &Summarizer{provider: provider}
}

// Summarize prompts the provider with the user messages and parses the
// JSON reply. The per-call provider wins over the default; with neither,
// or when the reply yields no usable summary, it returns (nil, nil).
func (s *Summarizer) Summarize(ctx context.Context, userMessages []string, provider llm.Provider) (*SummaryResult, error) {
	if len(userMessages) == 0 {
		return nil, nil
	}
	resolved := provider
	if resolved == nil {
		resolved = s.provider
	}
	if resolved == nil {
		return nil, nil
	}

	userPrompt := buildUserPrompt(userMessages)
	req := llm.Request{Text: summarizerSystemPrompt + "\n\n" + userPrompt}
	if resolved.SupportsMessages() {
		req.Messages = []llm.Message{
			{Role: "system", Content: summarizerSystemPrompt},
			{Role: "user", Content: userPrompt},
		}
	}
	resp, err := resolved.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("memory: summarize: %w", err)
	}

	parsed := parseSummaryResponse(resp.Text)
	if parsed == nil {
		return nil, nil
	}
	title, _ := parsed["title"].(string)
	summary, _ := parsed["summary"].(string)
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, nil
	}
	return &SummaryResult{
		Title:   strings.TrimSpace(title),
		Summary: summary,
		Facts:   normalizeFacts(parsed["facts"]),
	}, nil
}

func buildUserPrompt(userMessages []string) string {
	var b strings.Builder
	b.WriteString("User messages:\n")
	for _, m := range userMessages {
		if m = strings.TrimSpace(m); m != "" {
			b.WriteString("- ")
			b.WriteString(m)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nReturn JSON only.")
	return b.String()
}

// parseSummaryResponse decodes the reply leniently: a straight JSON
// object first, then the substring between the first '{' and the last
// '}' for models that wrap JSON in prose or code fences.
func parseSummaryResponse(text string) map[string]any {
	if text == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err == nil && payload != nil {
		return payload
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil
	}
	return payload
}

// normalizeFacts accepts a list of strings, a list of objects, or a bare
// object, coercing each entry to a [CandidateFact] with a non-empty
// content and a defaulted reason.
func normalizeFacts(raw any) []CandidateFact {
	var out []CandidateFact
	appendFact := func(content, reason string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "other"
		}
		out = append(out, CandidateFact{Content: content, Reason: reason})
	}

	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			switch f := item.(type) {
			case string:
				appendFact(f, "other")
			case map[string]any:
				content, _ := f["content"].(string)
				reason, _ := f["reason"].(string)
				appendFact(content, reason)
			}
		}
	case map[string]any:
		content, _ := v["content"].(string)
		reason, _ := v["reason"].(string)
		appendFact(content, reason)
	}
	return out
}
