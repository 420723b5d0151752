// Package pipeline implements the inbound triage pipeline: rules, model
// triage, and routing into the approval-card queue.
package pipeline

import (
	"context"
	"strings"
	"time"
)

// InboundMessage is the unified inbound message from any channel.
// Channel adapters convert their native format into this struct before it
// enters the pipeline.
type InboundMessage struct {
	// ID is the channel-native unique id (or a generated UUID).
	ID string `json:"id"`
	// Channel is the source channel: "email", "telegram", etc.
	Channel string `json:"channel"`
	// Sender is the sender identifier (address, handle, phone number).
	Sender string `json:"sender"`
	// SenderName is the human-readable sender name, if available.
	SenderName string `json:"sender_name,omitempty"`
	// Content is the message body.
	Content string `json:"content"`
	// Subject is the email subject or thread title, if any.
	Subject string `json:"subject,omitempty"`
	// ThreadContext holds recent messages in this thread.
	ThreadContext []ThreadMessage `json:"thread_context,omitempty"`
	// ReplyMetadata carries channel-specific fields needed to reply
	// (email headers, chat ids).
	ReplyMetadata map[string]any `json:"reply_metadata,omitempty"`
	// ReceivedAt is when the message was received.
	ReceivedAt time.Time `json:"received_at"`
	// Hints are priority signals for triage.
	Hints PriorityHints `json:"priority_hints"`
}

// ThreadMessage is one prior message of thread context.
type ThreadMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PriorityHints are heuristic signals computed by the channel adapter
// before the message enters the pipeline. The model triage may override.
type PriorityHints struct {
	IsReplyToMe     bool  `json:"is_reply_to_me"`
	IsDirectMessage bool  `json:"is_direct_message"`
	HasQuestion     bool  `json:"has_question"`
	SenderIsKnown   bool  `json:"sender_is_known"`
	AgeSeconds      int64 `json:"age_seconds"`
}

// AnalyzeHints builds priority hints from content and metadata heuristics.
func AnalyzeHints(content, sender string, knownSenders []string, isReplyToMe, isDirectMessage bool, receivedAt time.Time) PriorityHints {
	senderLower := strings.ToLower(sender)
	known := false
	for _, s := range knownSenders {
		if strings.ToLower(s) == senderLower {
			known = true
			break
		}
	}
	age := int64(time.Since(receivedAt).Seconds())
	if age < 0 {
		age = 0
	}
	return PriorityHints{
		IsReplyToMe:     isReplyToMe,
		IsDirectMessage: isDirectMessage,
		HasQuestion:     strings.Contains(content, "?"),
		SenderIsKnown:   known,
		AgeSeconds:      age,
	}
}

// ActionKind labels a triage decision.
type ActionKind string

const (
	ActionIgnore     ActionKind = "ignore"
	ActionNotify     ActionKind = "notify"
	ActionDraftReply ActionKind = "draft_reply"
	ActionDigest     ActionKind = "digest"
)

// TriageAction is the triage decision for an inbound message, produced by
// the rules engine (fast path) or the model (slow path). Every action
// except ignore eventually creates a card.
type TriageAction struct {
	Kind ActionKind
	// Reason applies to ignore.
	Reason string
	// Summary applies to notify, draft_reply, and digest.
	Summary string
	// Draft, Confidence, Tone and StyleNotes apply to draft_reply.
	Draft      string
	Confidence float64
	Tone       string
	StyleNotes string
}

// Ignore builds an ignore action.
func Ignore(reason string) TriageAction {
	return TriageAction{Kind: ActionIgnore, Reason: reason}
}

// Notify builds a notify action.
func Notify(summary string) TriageAction {
	return TriageAction{Kind: ActionNotify, Summary: summary}
}

// DraftReply builds a draft-reply action.
func DraftReply(summary, draft string, confidence float64, tone, styleNotes string) TriageAction {
	return TriageAction{
		Kind: ActionDraftReply, Summary: summary, Draft: draft,
		Confidence: confidence, Tone: tone, StyleNotes: styleNotes,
	}
}

// Digest builds a digest action.
func Digest(summary string) TriageAction {
	return TriageAction{Kind: ActionDigest, Summary: summary}
}

// ProcessedMessage is the result of running a message through the pipeline.
type ProcessedMessage struct {
	Original    InboundMessage
	Action      TriageAction
	ProcessedAt time.Time
}

// ChannelAdapter is the contract channel transports implement: pure I/O,
// no business logic. Triage, card routing, and approval live elsewhere.
type ChannelAdapter interface {
	// Name returns the channel name (e.g. "email", "telegram").
	Name() string
	// FetchNew fetches new/unread messages from this channel.
	FetchNew(ctx context.Context) ([]InboundMessage, error)
	// SendReply sends an approved reply back through this channel.
	// Called only after a card is approved, never automatically.
	SendReply(ctx context.Context, original *InboundMessage, reply string) error
}
