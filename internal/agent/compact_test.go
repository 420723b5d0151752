package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/Anteroom/Anteroom/internal/provider"
)

type summarizerLLM struct {
	summary string
	called  bool
}

func (s *summarizerLLM) Chat(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.called = true
	return &provider.ChatResponse{Content: s.summary}, nil
}

func (s *summarizerLLM) DefaultModel() string { return "fake" }

func TestPressureAndThreshold(t *testing.T) {
	m := NewContextMonitor(0.8, 4)
	small := []provider.Message{provider.User("hi")}
	if m.ShouldCompact(small, "gpt-4o") {
		t.Error("tiny context should not compact")
	}

	big := make([]provider.Message, 0, 3000)
	for i := 0; i < 3000; i++ {
		big = append(big, provider.User(strings.Repeat("word ", 40)))
	}
	if !m.ShouldCompact(big, "gpt-4o") {
		t.Errorf("pressure = %v, should exceed threshold", m.Pressure(big, "gpt-4o"))
	}
}

func TestBudgetByModel(t *testing.T) {
	if Budget("claude-sonnet-4-5") != 200000 {
		t.Errorf("claude budget = %d", Budget("claude-sonnet-4-5"))
	}
	if Budget("mystery-model") != defaultContextBudget {
		t.Errorf("unknown budget = %d", Budget("mystery-model"))
	}
}

func TestCompactPreservesTailAndSystem(t *testing.T) {
	llm := &summarizerLLM{summary: "Earlier: discussed scheduling."}
	monitor := NewContextMonitor(0.8, 2) // keep 4 trailing messages
	c := NewCompactor(llm, monitor)

	messages := []provider.Message{provider.System("identity")}
	for i := 0; i < 10; i++ {
		messages = append(messages, provider.User("question"), provider.Assistant("answer"))
	}

	compacted, result, err := c.Compact(context.Background(), messages, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if !llm.called {
		t.Fatal("model not called")
	}
	// system + summary + 4 tail messages
	if len(compacted) != 6 {
		t.Fatalf("compacted len = %d, want 6", len(compacted))
	}
	if compacted[0].Role != "system" {
		t.Error("system prompt lost")
	}
	if !strings.Contains(compacted[1].Content, "Earlier: discussed scheduling.") {
		t.Errorf("summary missing: %q", compacted[1].Content)
	}
	if result.TokensAfter >= result.TokensBefore {
		t.Errorf("tokens did not shrink: %d -> %d", result.TokensBefore, result.TokensAfter)
	}
	if result.TurnsRemoved == 0 {
		t.Error("turns removed = 0")
	}
}

func TestCompactShortConversationUnchanged(t *testing.T) {
	llm := &summarizerLLM{summary: "x"}
	c := NewCompactor(llm, NewContextMonitor(0.8, 4))

	messages := []provider.Message{provider.User("hi"), provider.Assistant("hello")}
	compacted, _, err := c.Compact(context.Background(), messages, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if llm.called {
		t.Error("model should not be called for short conversations")
	}
	if len(compacted) != 2 {
		t.Errorf("len = %d", len(compacted))
	}
}
