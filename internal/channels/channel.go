// Package channels implements channel adapters and their pollers.
//
// An adapter is pure I/O: fetch new inbound messages, send approved
// replies. Triage, card routing and approval live in the pipeline and the
// card queue. Nothing here sends without an approved card.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/pipeline"
	"github.com/Anteroom/Anteroom/internal/store"
)

// Manager holds the registered channel adapters.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]pipeline.ChannelAdapter
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{adapters: make(map[string]pipeline.ChannelAdapter)}
}

// Register adds an adapter under its name.
func (m *Manager) Register(adapter pipeline.ChannelAdapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[adapter.Name()] = adapter
	slog.Info("Channel registered", "channel", adapter.Name())
}

// Get returns the adapter for a channel name.
func (m *Manager) Get(name string) (pipeline.ChannelAdapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, ok := m.adapters[name]
	return adapter, ok
}

// Names lists registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		out = append(out, name)
	}
	return out
}

// SendApproved delivers an approved reply card through its channel,
// marking the card sent and the linked message replied on success. This
// is the only path by which anything leaves the system.
func (m *Manager) SendApproved(ctx context.Context, card *cards.ApprovalCard, queue *cards.CardQueue, st store.Store) error {
	if card.Status != cards.StatusApproved {
		return errs.Wrapf(errs.KindChannel, "channels.send", errs.ErrInvalidTransition,
			"card %s is %s, not approved", card.ID, card.Status)
	}
	if card.Reply == nil {
		return errs.New(errs.KindChannel, "channels.send", "only reply cards can be sent")
	}

	adapter, ok := m.Get(card.Reply.Channel)
	if !ok {
		return errs.Wrapf(errs.KindChannel, "channels.send", errs.ErrNotFound,
			"channel %s", card.Reply.Channel)
	}

	original := &pipeline.InboundMessage{
		ID:            card.Reply.MessageID,
		Channel:       card.Reply.Channel,
		Sender:        card.Reply.SourceSender,
		Content:       card.Reply.SourceMessage,
		ReplyMetadata: card.Reply.ReplyMetadata,
	}
	if err := adapter.SendReply(ctx, original, card.Reply.SuggestedReply); err != nil {
		// Surface to the caller so the user can retry; never auto-retry
		// indefinitely.
		return errs.Wrap(errs.KindChannel, "channels.send", err)
	}

	if err := queue.MarkSent(ctx, card.ID); err != nil {
		slog.Warn("Card sent but mark_sent failed", "id", card.ID, "error", err)
	}
	if st != nil && card.Reply.MessageID != "" {
		if err := st.UpdateMessageStatus(ctx, card.Reply.MessageID, store.MessageStatusReplied); err != nil {
			slog.Warn("Card sent but message status update failed",
				"message_id", card.Reply.MessageID, "error", err)
		}
	}
	return nil
}

// NewExternalID generates an external id for channels without native ids.
func NewExternalID(channel string) string {
	return channel + "-" + uuid.NewString()
}

// Allowlist filters senders. Entries are exact addresses, bare domains
// ("example.com"), or the wildcard "*". An empty allowlist admits nobody.
type Allowlist struct {
	entries []string
}

// NewAllowlist builds an allowlist from config entries.
func NewAllowlist(entries []string) *Allowlist {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return &Allowlist{entries: out}
}

// Allows reports whether sender passes the allowlist.
func (a *Allowlist) Allows(sender string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	for _, e := range a.entries {
		switch {
		case e == "*":
			return true
		case e == sender:
			return true
		case strings.HasPrefix(e, "@") && strings.HasSuffix(sender, e):
			return true
		case !strings.Contains(e, "@") && strings.HasSuffix(sender, "@"+e):
			return true
		}
	}
	return false
}
