package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/provider"
)

// Triage model tuning: fixed low temperature, tight token cap.
const (
	triageTemperature = 0.1
	triageMaxTokens   = 512

	contentPreviewChars = 1000
	threadPreviewChars  = 200
	threadPreviewCount  = 3
)

// Processor routes an inbound message through the rules engine, then the
// model, then into the card queue.
type Processor struct {
	rules         *RulesEngine
	llm           provider.LLMProvider
	queue         *cards.CardQueue
	expireMinutes int
}

// NewProcessor creates a triage processor.
func NewProcessor(rules *RulesEngine, llm provider.LLMProvider, queue *cards.CardQueue, cardExpiryMinutes int) *Processor {
	if cardExpiryMinutes <= 0 {
		cardExpiryMinutes = 1440
	}
	return &Processor{
		rules:         rules,
		llm:           llm,
		queue:         queue,
		expireMinutes: cardExpiryMinutes,
	}
}

// Process triages one message and routes the result into the card queue.
//
// A failed model call or unparseable response surfaces as a pipeline
// error: the caller decides whether to fall back or leave the message
// pending for retry. The inbound is never silently dropped.
func (p *Processor) Process(ctx context.Context, msg *InboundMessage) (*ProcessedMessage, error) {
	action, err := p.Triage(ctx, msg)
	if err != nil {
		return nil, err
	}

	if err := p.routeToCard(ctx, msg, action); err != nil {
		return nil, err
	}

	return &ProcessedMessage{
		Original:    *msg,
		Action:      action,
		ProcessedAt: time.Now(),
	}, nil
}

// ProcessBatch processes messages sequentially. Individual failures are
// logged and do not fail the batch; the successfully processed results
// are returned.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []*InboundMessage) []*ProcessedMessage {
	out := make([]*ProcessedMessage, 0, len(msgs))
	for _, msg := range msgs {
		processed, err := p.Process(ctx, msg)
		if err != nil {
			slog.Warn("Triage failed, message left pending", "id", msg.ID, "channel", msg.Channel, "error", err)
			continue
		}
		out = append(out, processed)
	}
	return out
}

// Triage decides the action for a message: rules first, model second.
func (p *Processor) Triage(ctx context.Context, msg *InboundMessage) (TriageAction, error) {
	if action := p.rules.Evaluate(msg); action != nil {
		slog.Debug("Rules short-circuit", "id", msg.ID, "action", action.Kind)
		return *action, nil
	}

	resp, err := p.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			provider.System(buildTriageSystemPrompt()),
			provider.User(BuildTriageUserPrompt(msg)),
		},
		MaxTokens:   triageMaxTokens,
		Temperature: triageTemperature,
	})
	if err != nil {
		return TriageAction{}, errs.Wrap(errs.KindPipeline, "triage.model", err)
	}

	action, err := ParseTriageResponse(resp.Content)
	if err != nil {
		slog.Warn("Triage response unparseable", "id", msg.ID, "error", err)
		return TriageAction{}, errs.Wrapf(errs.KindPipeline, "triage.parse", errs.ErrInvalidResponse, "%v", err)
	}
	return action, nil
}

// routeToCard creates the card (or not) for a triage action.
func (p *Processor) routeToCard(ctx context.Context, msg *InboundMessage, action TriageAction) error {
	switch action.Kind {
	case ActionIgnore:
		slog.Debug("Ignoring message (no card created)",
			"id", msg.ID, "sender", msg.Sender, "reason", action.Reason)
		return nil

	case ActionNotify:
		card := cards.NewReply(msg.Channel, msg.Sender, msg.Content,
			fmt.Sprintf("[Notification] %s", action.Summary), 0, msg.ID, p.expireMinutes).
			WithReplyMetadata(cloneMetadata(msg.ReplyMetadata)).
			WithMessageID(msg.ID).
			WithThread(convertThread(msg.ThreadContext))
		p.queue.Push(ctx, card)
		slog.Info("Created notification card", "id", msg.ID)
		return nil

	case ActionDraftReply:
		// Merge tone/style notes into reply metadata so refinement and the
		// UI can use them; prior fields are preserved.
		metadata := cloneMetadata(msg.ReplyMetadata)
		if action.Tone != "" {
			metadata["tone"] = action.Tone
		}
		if action.StyleNotes != "" {
			metadata["style_notes"] = action.StyleNotes
		}
		card := cards.NewReply(msg.Channel, msg.Sender, msg.Content,
			action.Draft, action.Confidence, msg.ID, p.expireMinutes).
			WithReplyMetadata(metadata).
			WithMessageID(msg.ID).
			WithThread(convertThread(msg.ThreadContext))
		p.queue.Push(ctx, card)
		slog.Info("Created draft reply card",
			"id", msg.ID, "confidence", action.Confidence, "tone", action.Tone)
		return nil

	case ActionDigest:
		// Digest items become low-priority notification cards with a
		// longer expiry; periodic batching is pending.
		card := cards.NewReply(msg.Channel, msg.Sender, msg.Content,
			fmt.Sprintf("[Digest] %s", action.Summary), 0, msg.ID, p.expireMinutes*4).
			WithReplyMetadata(cloneMetadata(msg.ReplyMetadata)).
			WithMessageID(msg.ID)
		p.queue.Push(ctx, card)
		slog.Debug("Created digest card", "id", msg.ID, "summary", action.Summary)
		return nil
	}
	return errs.New(errs.KindPipeline, "triage.route", "unhandled action "+string(action.Kind))
}

func cloneMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func convertThread(thread []ThreadMessage) []cards.ThreadMessage {
	out := make([]cards.ThreadMessage, 0, len(thread))
	for _, m := range thread {
		ts, _ := time.Parse(time.RFC3339, m.Timestamp)
		out = append(out, cards.ThreadMessage{Sender: m.Sender, Content: m.Content, Timestamp: ts})
	}
	return out
}

// ---------------------------------------------------------------------------
// Prompt construction
// ---------------------------------------------------------------------------

func buildTriageSystemPrompt() string {
	return `You are a message triage engine. Classify incoming messages into one of four actions.

Actions:
- "ignore": spam, newsletters, marketing, automated noise. Provide reason.
- "notify": FYI only — user should see it but no reply needed. Provide summary.
- "draft_reply": needs a response — draft one. Provide summary, draft, confidence (0.0-1.0).
- "digest": low priority — can be batched into a periodic summary. Provide summary.

Respond with ONLY a JSON object:
{"action": "...", "reason": "...", "summary": "...", "draft": "...", "confidence": 0.0, "tone": "...", "style_notes": "..."}

Rules:
- Be concise in summaries (1 sentence max)
- Draft replies should sound natural, not robotic
- High confidence (>0.8) only for straightforward replies
- When in doubt between notify and draft_reply, choose notify
- Omit fields that don't apply (e.g., no "draft" for notify actions)
- For draft_reply: include "tone" (max 10 words, e.g. "casual and friendly") and optionally "style_notes" (max 15 words, e.g. "uses first names, keep it brief")`
}

// BuildTriageUserPrompt renders an inbound message for the triage model:
// channel, sender, subject, hint flags, a truncated thread preview, and a
// truncated content preview.
func BuildTriageUserPrompt(msg *InboundMessage) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Channel: %s\n", msg.Channel)
	fmt.Fprintf(&sb, "From: %s", msg.Sender)
	if msg.SenderName != "" {
		fmt.Fprintf(&sb, " (%s)", msg.SenderName)
	}
	sb.WriteString("\n")

	if msg.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", msg.Subject)
	}

	var flags []string
	if msg.Hints.IsReplyToMe {
		flags = append(flags, "replying to me")
	}
	if msg.Hints.IsDirectMessage {
		flags = append(flags, "direct message")
	}
	if msg.Hints.HasQuestion {
		flags = append(flags, "contains question")
	}
	if msg.Hints.SenderIsKnown {
		flags = append(flags, "known sender")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&sb, "Signals: %s\n", strings.Join(flags, ", "))
	}

	if len(msg.ThreadContext) > 0 {
		sb.WriteString("\nRecent thread:\n")
		for i, m := range msg.ThreadContext {
			if i >= threadPreviewCount {
				break
			}
			fmt.Fprintf(&sb, "  [%d] %s: %s\n", i+1, m.Sender, truncateRunes(m.Content, threadPreviewChars))
		}
	}

	fmt.Fprintf(&sb, "\nMessage:\n%s", truncateRunes(msg.Content, contentPreviewChars))
	return sb.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// ---------------------------------------------------------------------------
// Response parsing
// ---------------------------------------------------------------------------

// triageResponse mirrors the JSON object the model must return.
type triageResponse struct {
	Action     string  `json:"action"`
	Reason     string  `json:"reason"`
	Summary    string  `json:"summary"`
	Draft      string  `json:"draft"`
	Confidence float64 `json:"confidence"`
	Tone       string  `json:"tone"`
	StyleNotes string  `json:"style_notes"`
}

// ParseTriageResponse parses the model's triage output. It accepts bare
// JSON objects, fenced code blocks, and objects embedded in surrounding
// prose; unknown action names are errors, as is draft_reply without a
// draft. Confidence is clamped to [0, 1]; empty optional strings become
// absent.
func ParseTriageResponse(raw string) (TriageAction, error) {
	jsonStr := ExtractJSONObject(raw)

	var resp triageResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return TriageAction{}, fmt.Errorf("JSON parse error: %w", err)
	}

	switch resp.Action {
	case "ignore":
		if resp.Reason == "" {
			resp.Reason = "LLM triage: ignore"
		}
		return Ignore(resp.Reason), nil
	case "notify":
		if resp.Summary == "" {
			resp.Summary = "New message"
		}
		return Notify(resp.Summary), nil
	case "draft_reply":
		if resp.Draft == "" {
			return TriageAction{}, fmt.Errorf("draft_reply action requires a draft field")
		}
		if resp.Summary == "" {
			resp.Summary = "Message needs reply"
		}
		confidence := resp.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		return DraftReply(resp.Summary, resp.Draft, confidence, resp.Tone, resp.StyleNotes), nil
	case "digest":
		if resp.Summary == "" {
			resp.Summary = "Low priority message"
		}
		return Digest(resp.Summary), nil
	default:
		return TriageAction{}, fmt.Errorf("unknown triage action: %q", resp.Action)
	}
}

// ExtractJSONObject isolates a JSON object from model output, tolerating
// markdown fencing and surrounding prose.
func ExtractJSONObject(text string) string {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	if start := strings.Index(trimmed, "```json"); start >= 0 {
		after := trimmed[start+7:]
		if end := strings.Index(after, "```"); end >= 0 {
			return strings.TrimSpace(after[:end])
		}
	}

	if start := strings.Index(trimmed, "```"); start >= 0 {
		after := trimmed[start+3:]
		if end := strings.Index(after, "```"); end >= 0 {
			inner := strings.TrimSpace(after[:end])
			if strings.HasPrefix(inner, "{") {
				return inner
			}
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}

	return trimmed
}
