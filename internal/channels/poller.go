package channels

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/pipeline"
	"github.com/Anteroom/Anteroom/internal/store"
)

// Poller periodically fetches new messages from an adapter and persists
// them as pending for the triage loop to pick up.
//
// Invariants upheld per fetch: external-id dedup (the store's unique
// constraint is the backstop), allowlist filtering, and self-loop
// suppression — messages from the agent's own identity are marked seen
// without creating work.
type Poller struct {
	adapter   pipeline.ChannelAdapter
	store     store.Store
	allowlist *Allowlist
	selfID    string
	interval  time.Duration
}

// NewPoller creates a poller for one adapter.
func NewPoller(adapter pipeline.ChannelAdapter, st store.Store, allowlist *Allowlist, selfID string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		adapter:   adapter,
		store:     st,
		allowlist: allowlist,
		selfID:    selfID,
		interval:  interval,
	}
}

// Run polls on a fixed interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("Channel poller started", "channel", p.adapter.Name(), "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Channel poller stopped", "channel", p.adapter.Name())
			return
		case <-ticker.C:
			if n, err := p.PollOnce(ctx); err != nil {
				slog.Warn("Channel fetch failed", "channel", p.adapter.Name(), "error", err)
			} else if n > 0 {
				slog.Info("Persisted new inbound messages", "channel", p.adapter.Name(), "count", n)
			}
		}
	}
}

// PollOnce fetches and persists one batch. Returns how many new messages
// were stored.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.adapter.FetchNew(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.KindPipeline, "poller.fetch", err)
	}

	stored := 0
	for _, msg := range msgs {
		if p.selfID != "" && equalFoldTrim(msg.Sender, p.selfID) {
			// Own message: mark seen, no work created.
			p.markSeen(ctx, &msg)
			continue
		}
		if p.allowlist != nil && !p.allowlist.Allows(msg.Sender) {
			slog.Debug("Sender not on allowlist, dropping",
				"channel", p.adapter.Name(), "sender", msg.Sender)
			continue
		}

		// Cheap dedup before insert; the unique constraint is the backstop.
		if existing, err := p.store.GetMessageByExternalID(ctx, msg.ID); err == nil && existing != nil {
			continue
		}

		rec := toRecord(&msg)
		if err := p.store.InsertMessage(ctx, rec); err != nil {
			if errors.Is(err, errs.ErrConstraint) {
				continue // raced with an earlier poll
			}
			slog.Warn("Failed to persist inbound message",
				"channel", p.adapter.Name(), "external_id", msg.ID, "error", err)
			continue
		}
		stored++
	}
	return stored, nil
}

// markSeen records the agent's own message as dismissed so it never
// resurfaces.
func (p *Poller) markSeen(ctx context.Context, msg *pipeline.InboundMessage) {
	if existing, err := p.store.GetMessageByExternalID(ctx, msg.ID); err == nil && existing != nil {
		return
	}
	rec := toRecord(msg)
	rec.Status = store.MessageStatusDismissed
	_ = p.store.InsertMessage(ctx, rec)
}

func toRecord(msg *pipeline.InboundMessage) *store.MessageRecord {
	rec := &store.MessageRecord{
		ExternalID: msg.ID,
		Channel:    msg.Channel,
		Sender:     msg.Sender,
		Subject:    msg.Subject,
		Content:    msg.Content,
		ReceivedAt: msg.ReceivedAt,
		Status:     store.MessageStatusPending,
	}
	if len(msg.ReplyMetadata) > 0 {
		if b, err := json.Marshal(msg.ReplyMetadata); err == nil {
			rec.Metadata = string(b)
		}
	}
	return rec
}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// LoadPending converts persisted pending messages back into pipeline
// form for the triage loop.
func LoadPending(ctx context.Context, st store.Store) ([]*pipeline.InboundMessage, error) {
	records, err := st.ListPendingMessages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*pipeline.InboundMessage, 0, len(records))
	for _, rec := range records {
		msg := &pipeline.InboundMessage{
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
		out = append(out, msg)
	}
	return out, nil
}
