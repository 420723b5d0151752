package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Anteroom/Anteroom/internal/store"
)

// EventSink receives every triaged message (the routine engine's event
// matcher hangs off this).
type EventSink interface {
	OnInboundMessage(ctx context.Context, channel, content string)
}

// TriageLoop drains pending inbound messages from the store through the
// processor on an interval. Pollers write messages in; this loop turns
// them into cards.
type TriageLoop struct {
	store     store.Store
	processor *Processor
	sink      EventSink // optional
	interval  time.Duration
}

// NewTriageLoop creates the loop.
func NewTriageLoop(st store.Store, processor *Processor, sink EventSink, interval time.Duration) *TriageLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TriageLoop{store: st, processor: processor, sink: sink, interval: interval}
}

// Run processes pending messages until ctx is cancelled.
func (l *TriageLoop) Run(ctx context.Context) {
	slog.Info("Triage loop started", "interval", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Triage loop stopped")
			return
		case <-ticker.C:
			if n, err := l.RunOnce(ctx); err != nil {
				slog.Warn("Triage sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Triaged messages", "count", n)
			}
		}
	}
}

// RunOnce triages the current pending set. A message already backed by a
// pending card is skipped; an ignored message is dismissed so it never
// resurfaces; triage failures leave the message pending for retry.
func (l *TriageLoop) RunOnce(ctx context.Context) (int, error) {
	records, err := l.store.ListPendingMessages(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range records {
		carded, err := l.store.HasPendingCardForMessage(ctx, rec.ExternalID)
		if err != nil {
			slog.Warn("Card lookup failed", "external_id", rec.ExternalID, "error", err)
			continue
		}
		if carded {
			continue
		}

		msg := recordToMessage(rec)
		if l.sink != nil {
			l.sink.OnInboundMessage(ctx, msg.Channel, msg.Content)
		}

		result, err := l.processor.Process(ctx, msg)
		if err != nil {
			// Left pending for retry; never silently dropped.
			slog.Warn("Triage failed, message left pending",
				"external_id", rec.ExternalID, "error", err)
			continue
		}
		if result.Action.Kind == ActionIgnore {
			if err := l.store.UpdateMessageStatus(ctx, rec.ExternalID, store.MessageStatusDismissed); err != nil {
				slog.Warn("Ignored-message dismissal failed", "external_id", rec.ExternalID, "error", err)
			}
		}
		processed++
	}
	return processed, nil
}

func recordToMessage(rec *store.MessageRecord) *InboundMessage {
	msg := &InboundMessage{
		ID:         rec.ExternalID,
		Channel:    rec.Channel,
		Sender:     rec.Sender,
		Subject:    rec.Subject,
		Content:    rec.Content,
		ReceivedAt: rec.ReceivedAt,
	}
	if rec.Metadata != "" {
		_ = json.Unmarshal([]byte(rec.Metadata), &msg.ReplyMetadata)
	}
	msg.Hints = AnalyzeHints(msg.Content, msg.Sender, nil, false, false, msg.ReceivedAt)
	return msg
}
