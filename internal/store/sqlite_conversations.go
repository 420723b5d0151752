package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// EnsureConversation idempotently creates a conversation row.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, id, channel, userID, threadID string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, channel, user_id, thread_id, started_at, last_activity, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, '{}')
		 ON CONFLICT(id) DO UPDATE SET last_activity = excluded.last_activity`,
		id, channel, userID, threadID, now, now,
	)
	return classify("conversations.ensure", err)
}

// AppendConversationMessage appends one message to a conversation.
func (s *SQLiteStore) AppendConversationMessage(ctx context.Context, conversationID, role, content string) error {
	now := fmtTime(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("conversations.append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_messages (conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		conversationID, role, content, now,
	); err != nil {
		return classify("conversations.append", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity = ? WHERE id = ?`,
		now, conversationID,
	); err != nil {
		return classify("conversations.append", err)
	}
	return classify("conversations.append", tx.Commit())
}

// ListConversationMessages returns a conversation's messages in insertion
// order.
func (s *SQLiteStore) ListConversationMessages(ctx context.Context, conversationID string) ([]*ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM conversation_messages WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, classify("conversations.list_messages", err)
	}
	defer rows.Close()

	var out []*ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, classify("conversations.list_messages", err)
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetConversationMetadata reads the metadata blob.
func (s *SQLiteStore) GetConversationMetadata(ctx context.Context, conversationID string) (map[string]any, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM conversations WHERE id = ?`, conversationID,
	).Scan(&raw)
	if err != nil {
		return nil, classify("conversations.get_metadata", err)
	}
	meta := map[string]any{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
			return nil, errs.Wrap(errs.KindDatabase, "conversations.get_metadata", errs.ErrSerialization)
		}
	}
	return meta, nil
}

// SetConversationMetadataField atomically updates a single metadata key.
func (s *SQLiteStore) SetConversationMetadataField(ctx context.Context, conversationID, key string, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("conversations.set_metadata", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT metadata FROM conversations WHERE id = ?`, conversationID,
	).Scan(&raw); err != nil {
		return classify("conversations.set_metadata", err)
	}

	meta := map[string]any{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
			return errs.Wrap(errs.KindDatabase, "conversations.set_metadata", errs.ErrSerialization)
		}
	}
	meta[key] = value
	encoded, err := json.Marshal(meta)
	if err != nil {
		return errs.Wrap(errs.KindDatabase, "conversations.set_metadata", errs.ErrSerialization)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET metadata = ? WHERE id = ?`,
		string(encoded), conversationID,
	); err != nil {
		return classify("conversations.set_metadata", err)
	}
	return classify("conversations.set_metadata", tx.Commit())
}
