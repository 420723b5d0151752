// Package cards implements the approval-card model and queue.
//
// A card is the unit of human approval: nothing leaves the system without
// one progressing to approved. Shared fields live on the card; the
// type-specific data lives in exactly one payload variant.
package cards

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Anteroom/Anteroom/internal/store"
)

// Status of an approval card.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDismissed Status = "dismissed"
	StatusExpired   Status = "expired"
	StatusSent      Status = "sent"
)

// validTransitions is the acyclic status graph. pending fans out to the
// terminal trio; approved may still progress to sent.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDismissed, StatusExpired},
	StatusApproved: {StatusSent},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Silo is the UI grouping tag on a card.
type Silo string

const (
	SiloMessages Silo = "messages"
	SiloTodos    Silo = "todos"
	SiloCalendar Silo = "calendar"
)

// ParseSilo validates a silo string.
func ParseSilo(s string) (Silo, error) {
	switch Silo(s) {
	case SiloMessages, SiloTodos, SiloCalendar:
		return Silo(s), nil
	}
	return "", fmt.Errorf("unknown silo: %s", s)
}

// ThreadMessage is one message of thread context carried on a reply card.
type ThreadMessage struct {
	Sender     string    `json:"sender"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsOutgoing bool      `json:"is_outgoing"`
}

// MaxThreadContext bounds how many prior messages a reply card carries.
const MaxThreadContext = 10

// ReplyPayload is a drafted reply to a received message.
type ReplyPayload struct {
	Channel        string          `json:"channel"`
	SourceSender   string          `json:"source_sender"`
	SourceMessage  string          `json:"source_message"`
	SuggestedReply string          `json:"suggested_reply"`
	Confidence     float64         `json:"confidence"`
	ConversationID string          `json:"conversation_id"`
	Thread         []ThreadMessage `json:"thread,omitempty"`
	// ReplyMetadata carries channel-specific reply fields (for email:
	// reply_to, cc, subject, in_reply_to, references, plus tone and
	// style_notes merged in by triage).
	ReplyMetadata map[string]any `json:"reply_metadata,omitempty"`
	// MessageID links the inbound message record, if any.
	MessageID string `json:"message_id,omitempty"`
}

// ComposePayload is a new outbound message.
type ComposePayload struct {
	Channel    string  `json:"channel"`
	Recipient  string  `json:"recipient"`
	Subject    string  `json:"subject,omitempty"`
	DraftBody  string  `json:"draft_body"`
	Confidence float64 `json:"confidence"`
}

// ActionPayload asks approval for an action in the world.
type ActionPayload struct {
	Description  string `json:"description"`
	ActionDetail string `json:"action_detail,omitempty"`
}

// DecisionPayload asks the user for a judgment call.
type DecisionPayload struct {
	Question string   `json:"question"`
	Context  string   `json:"context"`
	Options  []string `json:"options,omitempty"`
}

// ApprovalCard is a typed approval request surfaced to the UI.
//
// Exactly one payload pointer is set; CardType reports which.
type ApprovalCard struct {
	ID        uuid.UUID
	Silo      Silo
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time

	Reply    *ReplyPayload
	Compose  *ComposePayload
	Action   *ActionPayload
	Decision *DecisionPayload
}

// CardType returns the payload discriminant.
func (c *ApprovalCard) CardType() string {
	switch {
	case c.Reply != nil:
		return "reply"
	case c.Compose != nil:
		return "compose"
	case c.Action != nil:
		return "action"
	case c.Decision != nil:
		return "decision"
	}
	return ""
}

// Channel returns the payload channel, if the variant has one.
func (c *ApprovalCard) Channel() string {
	switch {
	case c.Reply != nil:
		return c.Reply.Channel
	case c.Compose != nil:
		return c.Compose.Channel
	}
	return ""
}

// MessageID returns the linked inbound message id (reply cards only).
func (c *ApprovalCard) MessageID() string {
	if c.Reply != nil {
		return c.Reply.MessageID
	}
	return ""
}

// IsExpired reports whether the card is past its deadline.
func (c *ApprovalCard) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// EffectivelyPending reports status = pending and not past expiry.
func (c *ApprovalCard) EffectivelyPending() bool {
	return c.Status == StatusPending && !c.IsExpired()
}

// clampConfidence bounds a confidence score to [0, 1].
func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NewReply creates a pending reply card.
func NewReply(channel, sourceSender, sourceMessage, suggestedReply string, confidence float64, conversationID string, expireMinutes int) *ApprovalCard {
	now := time.Now()
	return &ApprovalCard{
		ID:        uuid.New(),
		Silo:      SiloMessages,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(expireMinutes) * time.Minute),
		UpdatedAt: now,
		Reply: &ReplyPayload{
			Channel:        channel,
			SourceSender:   sourceSender,
			SourceMessage:  sourceMessage,
			SuggestedReply: suggestedReply,
			Confidence:     clampConfidence(confidence),
			ConversationID: conversationID,
		},
	}
}

// NewCompose creates a pending compose card.
func NewCompose(channel, recipient, subject, draftBody string, confidence float64, expireMinutes int) *ApprovalCard {
	now := time.Now()
	return &ApprovalCard{
		ID:        uuid.New(),
		Silo:      SiloMessages,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(expireMinutes) * time.Minute),
		UpdatedAt: now,
		Compose: &ComposePayload{
			Channel:    channel,
			Recipient:  recipient,
			Subject:    subject,
			DraftBody:  draftBody,
			Confidence: clampConfidence(confidence),
		},
	}
}

// NewAction creates a pending action card.
func NewAction(description, detail string, expireMinutes int) *ApprovalCard {
	now := time.Now()
	return &ApprovalCard{
		ID:        uuid.New(),
		Silo:      SiloTodos,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(expireMinutes) * time.Minute),
		UpdatedAt: now,
		Action:    &ActionPayload{Description: description, ActionDetail: detail},
	}
}

// NewDecision creates a pending decision card.
func NewDecision(question, context string, options []string, expireMinutes int) *ApprovalCard {
	now := time.Now()
	return &ApprovalCard{
		ID:        uuid.New(),
		Silo:      SiloMessages,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(expireMinutes) * time.Minute),
		UpdatedAt: now,
		Decision:  &DecisionPayload{Question: question, Context: context, Options: options},
	}
}

// WithSilo sets the silo and returns the card for chaining.
func (c *ApprovalCard) WithSilo(silo Silo) *ApprovalCard {
	c.Silo = silo
	return c
}

// WithReplyMetadata sets the reply metadata (reply cards only).
func (c *ApprovalCard) WithReplyMetadata(meta map[string]any) *ApprovalCard {
	if c.Reply != nil {
		c.Reply.ReplyMetadata = meta
	}
	return c
}

// WithMessageID links an inbound message (reply cards only).
func (c *ApprovalCard) WithMessageID(id string) *ApprovalCard {
	if c.Reply != nil {
		c.Reply.MessageID = id
	}
	return c
}

// WithThread attaches thread context, truncated to MaxThreadContext
// messages and 500 chars of content each.
func (c *ApprovalCard) WithThread(thread []ThreadMessage) *ApprovalCard {
	if c.Reply == nil {
		return c
	}
	if len(thread) > MaxThreadContext {
		thread = thread[len(thread)-MaxThreadContext:]
	}
	out := make([]ThreadMessage, len(thread))
	for i, m := range thread {
		if runes := []rune(m.Content); len(runes) > 500 {
			m.Content = string(runes[:500])
		}
		out[i] = m
	}
	c.Reply.Thread = out
	return c
}

// ---------------------------------------------------------------------------
// JSON encoding: shared fields top-level, payload adjacently tagged.
// ---------------------------------------------------------------------------

type cardJSON struct {
	ID        uuid.UUID       `json:"id"`
	Silo      Silo            `json:"silo"`
	CardType  string          `json:"card_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON encodes the card as {"card_type": ..., "payload": {...}} with
// shared fields alongside.
func (c *ApprovalCard) MarshalJSON() ([]byte, error) {
	var payload any
	switch {
	case c.Reply != nil:
		payload = c.Reply
	case c.Compose != nil:
		payload = c.Compose
	case c.Action != nil:
		payload = c.Action
	case c.Decision != nil:
		payload = c.Decision
	default:
		return nil, fmt.Errorf("card %s has no payload", c.ID)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cardJSON{
		ID:        c.ID,
		Silo:      c.Silo,
		CardType:  c.CardType(),
		Payload:   raw,
		Status:    c.Status,
		CreatedAt: c.CreatedAt,
		ExpiresAt: c.ExpiresAt,
		UpdatedAt: c.UpdatedAt,
	})
}

// UnmarshalJSON decodes the adjacently tagged form.
func (c *ApprovalCard) UnmarshalJSON(data []byte) error {
	var raw cardJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.Silo = raw.Silo
	c.Status = raw.Status
	c.CreatedAt = raw.CreatedAt
	c.ExpiresAt = raw.ExpiresAt
	c.UpdatedAt = raw.UpdatedAt
	c.Reply, c.Compose, c.Action, c.Decision = nil, nil, nil, nil

	switch raw.CardType {
	case "reply":
		c.Reply = &ReplyPayload{}
		return json.Unmarshal(raw.Payload, c.Reply)
	case "compose":
		c.Compose = &ComposePayload{}
		return json.Unmarshal(raw.Payload, c.Compose)
	case "action":
		c.Action = &ActionPayload{}
		return json.Unmarshal(raw.Payload, c.Action)
	case "decision":
		c.Decision = &DecisionPayload{}
		return json.Unmarshal(raw.Payload, c.Decision)
	default:
		return fmt.Errorf("unknown card_type: %s", raw.CardType)
	}
}

// ---------------------------------------------------------------------------
// Silo counts
// ---------------------------------------------------------------------------

// SiloCounts holds pending card counts per silo for badge display.
type SiloCounts struct {
	Messages int `json:"messages"`
	Todos    int `json:"todos"`
	Calendar int `json:"calendar"`
}

// Total sums all silos.
func (s SiloCounts) Total() int { return s.Messages + s.Todos + s.Calendar }

// CountSilos tallies effectively-pending cards per silo.
func CountSilos(cards []*ApprovalCard) SiloCounts {
	var counts SiloCounts
	for _, card := range cards {
		if !card.EffectivelyPending() {
			continue
		}
		switch card.Silo {
		case SiloMessages:
			counts.Messages++
		case SiloTodos:
			counts.Todos++
		case SiloCalendar:
			counts.Calendar++
		}
	}
	return counts
}

// ---------------------------------------------------------------------------
// Store conversion
// ---------------------------------------------------------------------------

// ToRecord flattens the card into its persisted form.
func (c *ApprovalCard) ToRecord() (*store.CardRecord, error) {
	rec := &store.CardRecord{
		ID:        c.ID.String(),
		Silo:      string(c.Silo),
		CardType:  c.CardType(),
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		ExpiresAt: c.ExpiresAt,
		UpdatedAt: c.UpdatedAt,
	}
	switch {
	case c.Reply != nil:
		rec.Channel = c.Reply.Channel
		rec.ConversationID = c.Reply.ConversationID
		rec.SourceMessage = c.Reply.SourceMessage
		rec.SourceSender = c.Reply.SourceSender
		rec.SuggestedReply = c.Reply.SuggestedReply
		rec.Confidence = c.Reply.Confidence
		rec.MessageID = c.Reply.MessageID
		if len(c.Reply.ReplyMetadata) > 0 {
			b, err := json.Marshal(c.Reply.ReplyMetadata)
			if err != nil {
				return nil, err
			}
			rec.ReplyMetadata = string(b)
		}
		if len(c.Reply.Thread) > 0 {
			b, err := json.Marshal(c.Reply.Thread)
			if err != nil {
				return nil, err
			}
			rec.EmailThread = string(b)
		}
	case c.Compose != nil:
		rec.Channel = c.Compose.Channel
		rec.SuggestedReply = c.Compose.DraftBody
		rec.Confidence = c.Compose.Confidence
		extra, err := json.Marshal(map[string]string{"recipient": c.Compose.Recipient, "subject": c.Compose.Subject})
		if err != nil {
			return nil, err
		}
		rec.PayloadExtra = string(extra)
	case c.Action != nil:
		rec.SourceMessage = c.Action.Description
		extra, err := json.Marshal(map[string]string{"action_detail": c.Action.ActionDetail})
		if err != nil {
			return nil, err
		}
		rec.PayloadExtra = string(extra)
	case c.Decision != nil:
		rec.SourceMessage = c.Decision.Question
		extra, err := json.Marshal(map[string]any{"context": c.Decision.Context, "options": c.Decision.Options})
		if err != nil {
			return nil, err
		}
		rec.PayloadExtra = string(extra)
	default:
		return nil, fmt.Errorf("card %s has no payload", c.ID)
	}
	return rec, nil
}

// FromRecord rebuilds a card from its persisted form.
func FromRecord(rec *store.CardRecord) (*ApprovalCard, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("card id %q: %w", rec.ID, err)
	}
	card := &ApprovalCard{
		ID:        id,
		Silo:      Silo(rec.Silo),
		Status:    Status(rec.Status),
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		UpdatedAt: rec.UpdatedAt,
	}
	switch rec.CardType {
	case "reply", "":
		reply := &ReplyPayload{
			Channel:        rec.Channel,
			SourceSender:   rec.SourceSender,
			SourceMessage:  rec.SourceMessage,
			SuggestedReply: rec.SuggestedReply,
			Confidence:     rec.Confidence,
			ConversationID: rec.ConversationID,
			MessageID:      rec.MessageID,
		}
		if rec.ReplyMetadata != "" {
			if err := json.Unmarshal([]byte(rec.ReplyMetadata), &reply.ReplyMetadata); err != nil {
				return nil, fmt.Errorf("card %s reply_metadata: %w", rec.ID, err)
			}
		}
		if rec.EmailThread != "" {
			if err := json.Unmarshal([]byte(rec.EmailThread), &reply.Thread); err != nil {
				return nil, fmt.Errorf("card %s email_thread: %w", rec.ID, err)
			}
		}
		card.Reply = reply
	case "compose":
		var extra struct {
			Recipient string `json:"recipient"`
			Subject   string `json:"subject"`
		}
		if rec.PayloadExtra != "" {
			if err := json.Unmarshal([]byte(rec.PayloadExtra), &extra); err != nil {
				return nil, fmt.Errorf("card %s payload_extra: %w", rec.ID, err)
			}
		}
		card.Compose = &ComposePayload{
			Channel:    rec.Channel,
			Recipient:  extra.Recipient,
			Subject:    extra.Subject,
			DraftBody:  rec.SuggestedReply,
			Confidence: rec.Confidence,
		}
	case "action":
		var extra struct {
			ActionDetail string `json:"action_detail"`
		}
		if rec.PayloadExtra != "" {
			if err := json.Unmarshal([]byte(rec.PayloadExtra), &extra); err != nil {
				return nil, fmt.Errorf("card %s payload_extra: %w", rec.ID, err)
			}
		}
		card.Action = &ActionPayload{Description: rec.SourceMessage, ActionDetail: extra.ActionDetail}
	case "decision":
		var extra struct {
			Context string   `json:"context"`
			Options []string `json:"options"`
		}
		if rec.PayloadExtra != "" {
			if err := json.Unmarshal([]byte(rec.PayloadExtra), &extra); err != nil {
				return nil, fmt.Errorf("card %s payload_extra: %w", rec.ID, err)
			}
		}
		card.Decision = &DecisionPayload{Question: rec.SourceMessage, Context: extra.Context, Options: extra.Options}
	default:
		return nil, fmt.Errorf("card %s has unknown card_type %q", rec.ID, rec.CardType)
	}
	return card, nil
}
