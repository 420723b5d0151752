package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/store"
)

// sessionEntry pairs a session with its mutex. All mutation of a session
// and its threads happens under this lock; the turn loop holds it for the
// duration of a turn's thread mutations.
type sessionEntry struct {
	mu      sync.Mutex
	session *Session
}

// threadKey indexes externally-identified threads.
type threadKey struct {
	userID   string
	channel  string
	external string
}

// Manager owns the user → session mapping and the external-thread index.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	index   map[threadKey]uuid.UUID
	store   store.Store // optional, used for thread hydration
}

// NewManager creates a session manager. st may be nil (no hydration).
func NewManager(st store.Store) *Manager {
	return &Manager{
		entries: make(map[string]*sessionEntry),
		index:   make(map[threadKey]uuid.UUID),
		store:   st,
	}
}

// WithSession runs fn with the user's session under its mutex, creating
// the session on first use. Never mutate session state outside fn.
func (m *Manager) WithSession(userID string, fn func(*Session)) {
	entry := m.entry(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(entry.session)
}

func (m *Manager) entry(userID string) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[userID]
	if !ok {
		entry = &sessionEntry{session: NewSession(userID)}
		m.entries[userID] = entry
	}
	return entry
}

// ResolveThread finds the thread for (user, channel, externalThreadID)
// under the session mutex and passes it to fn.
//
// Resolution: an absent external id means the session's active thread; a
// known external id returns the registered thread; an unknown external id
// that parses as a thread id is hydrated from storage and registered; an
// unparseable id gets a fresh thread registered under that key.
func (m *Manager) ResolveThread(ctx context.Context, userID, channel, externalThreadID string, fn func(*Session, *Thread)) {
	entry := m.entry(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	sess := entry.session
	sess.Touch()

	if externalThreadID == "" {
		fn(sess, sess.ActiveThread())
		return
	}

	key := threadKey{userID: userID, channel: channel, external: externalThreadID}
	m.mu.Lock()
	threadID, known := m.index[key]
	m.mu.Unlock()

	if known {
		if t, ok := sess.Threads[threadID]; ok {
			fn(sess, t)
			return
		}
	}

	thread := m.hydrateOrCreate(ctx, sess, externalThreadID)
	m.mu.Lock()
	m.index[key] = thread.ID
	m.mu.Unlock()
	fn(sess, thread)
}

// hydrateOrCreate rebuilds a thread from the conversation store when the
// external id parses as a structured thread id, otherwise creates one.
func (m *Manager) hydrateOrCreate(ctx context.Context, sess *Session, externalThreadID string) *Thread {
	id, err := uuid.Parse(externalThreadID)
	if err != nil || m.store == nil {
		t := sess.NewThread()
		return t
	}

	msgs, err := m.store.ListConversationMessages(ctx, externalThreadID)
	if err != nil || len(msgs) == 0 {
		t := sess.NewThread()
		t.ConversationID = externalThreadID
		return t
	}

	t := NewThread(sess.UserID)
	t.ID = id
	t.ConversationID = externalThreadID
	for _, msg := range msgs {
		t.Messages = append(t.Messages, provider.Message{Role: msg.Role, Content: msg.Content})
	}
	if meta, err := m.store.GetConversationMetadata(ctx, externalThreadID); err == nil {
		if lastID, ok := meta["last_response_id"].(string); ok {
			t.LastResponseID = lastID
		}
	}
	sess.Threads[t.ID] = t
	sess.ThreadOrder = append(sess.ThreadOrder, t.ID)
	sess.ActiveThreadID = t.ID
	slog.Info("Hydrated thread from storage", "thread", t.ID, "messages", len(t.Messages))
	return t
}

// PruneIdle removes sessions idle longer than timeout. Returns how many
// were removed.
func (m *Manager) PruneIdle(timeout time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	pruned := 0
	for userID, entry := range m.entries {
		// Skip sessions currently in use.
		if !entry.mu.TryLock() {
			continue
		}
		idle := entry.session.LastActivity.Before(cutoff)
		entry.mu.Unlock()
		if idle {
			delete(m.entries, userID)
			for key := range m.index {
				if key.userID == userID {
					delete(m.index, key)
				}
			}
			pruned++
		}
	}
	return pruned
}

// RunPruner prunes idle sessions on an interval until ctx is cancelled.
func (m *Manager) RunPruner(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.PruneIdle(timeout); n > 0 {
				slog.Info("Pruned idle sessions", "count", n)
			}
		}
	}
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
