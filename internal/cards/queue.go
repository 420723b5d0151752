package cards

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/store"
)

// subscriberBuffer is the per-subscriber event buffer. A subscriber that
// falls further behind is flagged lagged and resynchronised with a full
// cards_sync on the next emission.
const subscriberBuffer = 64

// maxHistory caps how many non-pending cards stay in memory.
const maxHistory = 200

// Subscriber receives queue events. Lagged() reports whether events were
// dropped since the last cards_sync.
type Subscriber struct {
	C      chan Event
	lagged bool
	closed bool
}

// CardQueue is the in-memory approval-card queue with write-through
// persistence and broadcast fan-out.
//
// Persistence is best-effort: DB errors on the write-through path are
// logged and swallowed so connected UI clients still see the card. A
// reconciliation sweep (Reconcile) compares memory to the persisted
// pending set and logs divergence.
type CardQueue struct {
	mu      sync.RWMutex
	cards   []*ApprovalCard
	subs    map[*Subscriber]struct{}
	store   store.Store          // optional
	refiner provider.LLMProvider // optional, used by Refine
}

// NewQueue creates an empty queue with no persistence.
func NewQueue() *CardQueue {
	return &CardQueue{subs: make(map[*Subscriber]struct{})}
}

// NewQueueWithStore creates a queue backed by a store and hydrates
// pending cards from it.
func NewQueueWithStore(ctx context.Context, st store.Store) (*CardQueue, error) {
	q := NewQueue()
	q.store = st

	records, err := st.ListPendingCards(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		card, err := FromRecord(rec)
		if err != nil {
			slog.Warn("Skipping unreadable card during hydration", "id", rec.ID, "error", err)
			continue
		}
		q.cards = append(q.cards, card)
	}
	slog.Info("Card queue hydrated", "pending", len(q.cards))
	return q, nil
}

// SetRefiner wires the model used by Refine.
func (q *CardQueue) SetRefiner(p provider.LLMProvider) {
	q.mu.Lock()
	q.refiner = p
	q.mu.Unlock()
}

// Subscribe registers a new event subscriber. The caller receives the
// current pending set as an initial cards_sync frame.
func (q *CardQueue) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan Event, subscriberBuffer)}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	snapshot := q.pendingLocked()
	q.mu.Unlock()

	sub.C <- CardsSyncEvent(snapshot)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (q *CardQueue) Unsubscribe(sub *Subscriber) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.subs[sub]; !ok {
		return
	}
	delete(q.subs, sub)
	sub.closed = true
	close(sub.C)
}

// broadcastLocked fans an event out to all subscribers. Must hold q.mu.
// A full buffer marks the subscriber lagged; a lagged subscriber is sent
// a fresh cards_sync before the event once room frees up.
func (q *CardQueue) broadcastLocked(ev Event) {
	snapshot := q.pendingLocked()
	for sub := range q.subs {
		if sub.closed {
			continue
		}
		if sub.lagged {
			select {
			case sub.C <- CardsSyncEvent(snapshot):
				sub.lagged = false
			default:
				continue // still behind; keep flag set
			}
		}
		select {
		case sub.C <- ev:
		default:
			sub.lagged = true
			slog.Warn("Card subscriber lagging, will resync")
		}
	}
}

// emitLocked broadcasts ev followed by a silo_counts update. Must hold q.mu.
func (q *CardQueue) emitLocked(ev Event) {
	q.broadcastLocked(ev)
	q.broadcastLocked(SiloCountsEvent(CountSilos(q.cards)))
}

// Push persists the card (best-effort), appends it, and emits new_card.
// Duplicate detection is the caller's job.
func (q *CardQueue) Push(ctx context.Context, card *ApprovalCard) {
	q.persist(ctx, card, "push")

	q.mu.Lock()
	defer q.mu.Unlock()
	q.cards = append(q.cards, card)
	q.trimHistoryLocked()
	q.emitLocked(NewCardEvent(card))
}

// Approve transitions a pending card to approved and returns it for the
// downstream send. Concurrent callers observe at most one success.
func (q *CardQueue) Approve(ctx context.Context, id uuid.UUID) (*ApprovalCard, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	card := q.findLocked(id)
	if card == nil {
		return nil, errs.NotFound("cards.approve", "card", id.String())
	}
	if card.Status != StatusPending {
		return nil, errs.Wrapf(errs.KindPipeline, "cards.approve", errs.ErrInvalidTransition,
			"card %s is %s", id, card.Status)
	}

	card.Status = StatusApproved
	card.UpdatedAt = time.Now()
	q.persistStatus(ctx, card, "approve")
	q.updateLinkedMessage(ctx, card, store.MessageStatusReplied)
	q.emitLocked(CardUpdateEvent(id.String(), StatusApproved))
	return card, nil
}

// Dismiss transitions a pending card to dismissed.
func (q *CardQueue) Dismiss(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	card := q.findLocked(id)
	if card == nil {
		return errs.NotFound("cards.dismiss", "card", id.String())
	}
	if card.Status != StatusPending {
		return errs.Wrapf(errs.KindPipeline, "cards.dismiss", errs.ErrInvalidTransition,
			"card %s is %s", id, card.Status)
	}

	card.Status = StatusDismissed
	card.UpdatedAt = time.Now()
	q.persistStatus(ctx, card, "dismiss")
	q.updateLinkedMessage(ctx, card, store.MessageStatusDismissed)
	q.emitLocked(CardUpdateEvent(id.String(), StatusDismissed))
	return nil
}

// Edit rewrites a pending reply card's suggested text and approves it in
// the same step (the user's edit is the approval).
func (q *CardQueue) Edit(ctx context.Context, id uuid.UUID, newText string) (*ApprovalCard, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	card := q.findLocked(id)
	if card == nil {
		return nil, errs.NotFound("cards.edit", "card", id.String())
	}
	if card.Status != StatusPending {
		return nil, errs.Wrapf(errs.KindPipeline, "cards.edit", errs.ErrInvalidTransition,
			"card %s is %s", id, card.Status)
	}
	if card.Reply == nil {
		return nil, errs.New(errs.KindPipeline, "cards.edit", "only reply cards can be edited")
	}

	card.Reply.SuggestedReply = newText
	card.Status = StatusApproved
	card.UpdatedAt = time.Now()
	if q.store != nil {
		if err := q.store.UpdateCardReply(ctx, id.String(), newText, string(StatusApproved)); err != nil {
			slog.Warn("Card edit write-through failed", "id", id, "error", err)
		}
	}
	q.updateLinkedMessage(ctx, card, store.MessageStatusReplied)
	q.emitLocked(CardUpdateEvent(id.String(), StatusApproved))
	return card, nil
}

// Refine asks the model to rework a pending card's draft per the user's
// instruction and replaces it in place, emitting card_refreshed.
func (q *CardQueue) Refine(ctx context.Context, id uuid.UUID, instruction string) (*ApprovalCard, error) {
	q.mu.RLock()
	card := q.findLocked(id)
	refiner := q.refiner
	q.mu.RUnlock()

	if card == nil {
		return nil, errs.NotFound("cards.refine", "card", id.String())
	}
	if refiner == nil {
		return nil, errs.New(errs.KindPipeline, "cards.refine", "no refinement model configured")
	}

	q.mu.RLock()
	if card.Status != StatusPending || card.Reply == nil {
		q.mu.RUnlock()
		return nil, errs.Wrapf(errs.KindPipeline, "cards.refine", errs.ErrInvalidTransition,
			"card %s cannot be refined", id)
	}
	prompt := buildRefinePrompt(card.Reply, instruction)
	q.mu.RUnlock()

	resp, err := refiner.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			provider.System("You refine draft replies. Return ONLY the revised reply text, no commentary."),
			provider.User(prompt),
		},
		MaxTokens:   512,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindPipeline, "cards.refine", err)
	}
	revised := strings.TrimSpace(resp.Content)
	if revised == "" {
		return nil, errs.Wrap(errs.KindPipeline, "cards.refine", errs.ErrInvalidResponse)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// Re-check under the write lock: the card may have been acted on while
	// the model call was in flight.
	if card.Status != StatusPending {
		return nil, errs.Wrapf(errs.KindPipeline, "cards.refine", errs.ErrInvalidTransition,
			"card %s is %s", id, card.Status)
	}
	card.Reply.SuggestedReply = revised
	card.UpdatedAt = time.Now()
	if q.store != nil {
		if err := q.store.UpdateCardReply(ctx, id.String(), revised, string(StatusPending)); err != nil {
			slog.Warn("Card refine write-through failed", "id", id, "error", err)
		}
	}
	q.emitLocked(CardRefreshedEvent(card))
	return card, nil
}

// MarkSent transitions an approved card to sent.
func (q *CardQueue) MarkSent(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	card := q.findLocked(id)
	if card == nil {
		return errs.NotFound("cards.mark_sent", "card", id.String())
	}
	if card.Status != StatusApproved {
		return errs.Wrapf(errs.KindPipeline, "cards.mark_sent", errs.ErrInvalidTransition,
			"card %s is %s", id, card.Status)
	}

	card.Status = StatusSent
	card.UpdatedAt = time.Now()
	q.persistStatus(ctx, card, "mark_sent")
	q.emitLocked(CardUpdateEvent(id.String(), StatusSent))
	return nil
}

// ExpireOld moves pending cards past their expiry to expired, emitting
// card_expired for each. Returns how many expired.
func (q *CardQueue) ExpireOld(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	expired := 0
	for _, card := range q.cards {
		if card.Status != StatusPending || now.Before(card.ExpiresAt) {
			continue
		}
		card.Status = StatusExpired
		card.UpdatedAt = now
		q.persistStatus(ctx, card, "expire")
		q.broadcastLocked(CardExpiredEvent(card.ID.String()))
		expired++
	}
	if expired > 0 {
		q.broadcastLocked(SiloCountsEvent(CountSilos(q.cards)))
		q.trimHistoryLocked()
	}
	if q.store != nil {
		if _, err := q.store.ExpireCards(ctx, now); err != nil {
			slog.Warn("Card expiry write-through failed", "error", err)
		}
	}
	return expired
}

// Pending returns the effectively pending cards in creation order.
func (q *CardQueue) Pending() []*ApprovalCard {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pendingLocked()
}

// Get returns a card by id.
func (q *CardQueue) Get(id uuid.UUID) (*ApprovalCard, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	card := q.findLocked(id)
	return card, card != nil
}

// Len reports the in-memory queue length (all statuses).
func (q *CardQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.cards)
}

// Counts tallies effectively pending cards per silo.
func (q *CardQueue) Counts() SiloCounts {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return CountSilos(q.cards)
}

// Reconcile compares the in-memory pending set against the store and logs
// any divergence. It never repairs automatically.
func (q *CardQueue) Reconcile(ctx context.Context) {
	if q.store == nil {
		return
	}
	records, err := q.store.ListPendingCards(ctx)
	if err != nil {
		slog.Warn("Card reconciliation sweep failed", "error", err)
		return
	}
	persisted := make(map[string]bool, len(records))
	for _, rec := range records {
		persisted[rec.ID] = true
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	inMemory := make(map[string]bool)
	for _, card := range q.cards {
		if card.EffectivelyPending() {
			inMemory[card.ID.String()] = true
			if !persisted[card.ID.String()] {
				slog.Warn("Card pending in memory but not in store", "id", card.ID)
			}
		}
	}
	for id := range persisted {
		if !inMemory[id] {
			slog.Warn("Card pending in store but not in memory", "id", id)
		}
	}
}

// RunExpiry periodically expires old cards until ctx is cancelled.
func (q *CardQueue) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.ExpireOld(ctx); n > 0 {
				slog.Info("Expired cards", "count", n)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (q *CardQueue) findLocked(id uuid.UUID) *ApprovalCard {
	for _, card := range q.cards {
		if card.ID == id {
			return card
		}
	}
	return nil
}

func (q *CardQueue) pendingLocked() []*ApprovalCard {
	var out []*ApprovalCard
	for _, card := range q.cards {
		if card.EffectivelyPending() {
			out = append(out, card)
		}
	}
	return out
}

// trimHistoryLocked drops the oldest non-pending cards beyond maxHistory.
func (q *CardQueue) trimHistoryLocked() {
	nonPending := 0
	for _, card := range q.cards {
		if card.Status != StatusPending {
			nonPending++
		}
	}
	if nonPending <= maxHistory {
		return
	}
	toDrop := nonPending - maxHistory
	kept := q.cards[:0]
	for _, card := range q.cards {
		if toDrop > 0 && card.Status != StatusPending {
			toDrop--
			continue
		}
		kept = append(kept, card)
	}
	q.cards = kept
}

// persist writes a full card best-effort.
func (q *CardQueue) persist(ctx context.Context, card *ApprovalCard, op string) {
	if q.store == nil {
		return
	}
	rec, err := card.ToRecord()
	if err != nil {
		slog.Warn("Card serialization failed", "op", op, "id", card.ID, "error", err)
		return
	}
	if err := q.store.InsertCard(ctx, rec); err != nil {
		slog.Warn("Card write-through failed", "op", op, "id", card.ID, "error", err)
	}
}

// persistStatus writes a status change best-effort.
func (q *CardQueue) persistStatus(ctx context.Context, card *ApprovalCard, op string) {
	if q.store == nil {
		return
	}
	if err := q.store.UpdateCardStatus(ctx, card.ID.String(), string(card.Status)); err != nil {
		slog.Warn("Card status write-through failed", "op", op, "id", card.ID, "error", err)
	}
}

// updateLinkedMessage moves the linked inbound message's status, if any.
func (q *CardQueue) updateLinkedMessage(ctx context.Context, card *ApprovalCard, status string) {
	if q.store == nil || card.MessageID() == "" {
		return
	}
	if err := q.store.UpdateMessageStatus(ctx, card.MessageID(), status); err != nil {
		slog.Warn("Linked message update failed", "message_id", card.MessageID(), "error", err)
	}
}

// buildRefinePrompt assembles the refinement request from the card and the
// user's instruction, including tone/style hints stored on the card.
func buildRefinePrompt(reply *ReplyPayload, instruction string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original message from %s:\n%s\n\n", reply.SourceSender, reply.SourceMessage)
	fmt.Fprintf(&sb, "Current draft reply:\n%s\n\n", reply.SuggestedReply)
	if tone, ok := reply.ReplyMetadata["tone"].(string); ok && tone != "" {
		fmt.Fprintf(&sb, "Tone: %s\n", tone)
	}
	if style, ok := reply.ReplyMetadata["style_notes"].(string); ok && style != "" {
		fmt.Fprintf(&sb, "Style notes: %s\n", style)
	}
	fmt.Fprintf(&sb, "\nRevise the draft per this instruction: %s", instruction)
	return sb.String()
}
