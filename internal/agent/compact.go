package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/provider"
)

// defaultContextBudget is the assumed context window in tokens when the
// model is unknown.
const defaultContextBudget = 128000

// modelBudgets maps model-name substrings to context budgets.
var modelBudgets = map[string]int{
	"gpt-4o":   128000,
	"o4-mini":  200000,
	"claude":   200000,
	"deepseek": 64000,
}

// ContextMonitor estimates context-window pressure from the current
// message list.
type ContextMonitor struct {
	// Threshold is the pressure ratio above which compaction is
	// suggested (0..1).
	Threshold float64
	// KeepTurns is how many trailing turns a compaction preserves.
	KeepTurns int
}

// NewContextMonitor creates a monitor with the given tuning.
func NewContextMonitor(threshold float64, keepTurns int) *ContextMonitor {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	if keepTurns <= 0 {
		keepTurns = 4
	}
	return &ContextMonitor{Threshold: threshold, KeepTurns: keepTurns}
}

// EstimateTokens is the cheap heuristic: one token per four bytes of
// content plus per-message overhead.
func EstimateTokens(messages []provider.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 8
		for _, tc := range m.ToolCalls {
			total += len(tc.Name)/4 + 16
		}
	}
	return total
}

// Budget reports the context budget for a model name.
func Budget(model string) int {
	lower := strings.ToLower(model)
	for substr, budget := range modelBudgets {
		if strings.Contains(lower, substr) {
			return budget
		}
	}
	return defaultContextBudget
}

// Pressure reports the estimated fraction of the context window used.
func (m *ContextMonitor) Pressure(messages []provider.Message, model string) float64 {
	return float64(EstimateTokens(messages)) / float64(Budget(model))
}

// ShouldCompact reports whether pressure exceeds the threshold.
func (m *ContextMonitor) ShouldCompact(messages []provider.Message, model string) bool {
	return m.Pressure(messages, model) >= m.Threshold
}

// CompactionResult reports what a compaction did.
type CompactionResult struct {
	TokensBefore int
	TokensAfter  int
	TurnsRemoved int
	Summary      string
}

// Compactor replaces older messages with a model-generated summary turn,
// preserving a configurable tail.
type Compactor struct {
	llm     provider.LLMProvider
	monitor *ContextMonitor
}

// NewCompactor creates a compactor.
func NewCompactor(llm provider.LLMProvider, monitor *ContextMonitor) *Compactor {
	return &Compactor{llm: llm, monitor: monitor}
}

// Compact summarises all but the trailing keep-window of messages and
// returns the new message list plus stats. Messages shorter than the
// keep window come back unchanged.
func (c *Compactor) Compact(ctx context.Context, messages []provider.Message, model string) ([]provider.Message, *CompactionResult, error) {
	// Keep the tail: roughly two messages per turn.
	keep := c.monitor.KeepTurns * 2
	if len(messages) <= keep+1 {
		return messages, &CompactionResult{
			TokensBefore: EstimateTokens(messages),
			TokensAfter:  EstimateTokens(messages),
		}, nil
	}

	// Never fold the leading system prompt into the summary.
	head := 0
	if messages[0].Role == "system" {
		head = 1
	}
	older := messages[head : len(messages)-keep]
	tail := messages[len(messages)-keep:]

	var transcript strings.Builder
	for _, m := range older {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := c.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			provider.System("Summarize this conversation so the assistant can continue it with full context. Keep decisions, open questions, names, and commitments. Be dense; no preamble."),
			provider.User(transcript.String()),
		},
		Model:       model,
		MaxTokens:   1024,
		Temperature: 0.2,
	})
	if err != nil {
		return messages, nil, errs.Wrap(errs.KindModel, "compactor.compact", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return messages, nil, errs.Wrap(errs.KindModel, "compactor.compact", errs.ErrInvalidResponse)
	}

	compacted := make([]provider.Message, 0, head+1+len(tail))
	compacted = append(compacted, messages[:head]...)
	compacted = append(compacted, provider.Message{
		Role:    "user",
		Content: "[Conversation summary of earlier turns]\n" + summary,
	})
	compacted = append(compacted, tail...)

	return compacted, &CompactionResult{
		TokensBefore: EstimateTokens(messages),
		TokensAfter:  EstimateTokens(compacted),
		TurnsRemoved: len(older) / 2,
		Summary:      summary,
	}, nil
}
