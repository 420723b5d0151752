package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
)

const cardColumns = `id, silo, card_type, conversation_id, source_message, source_sender,
	suggested_reply, confidence, status, channel, created_at, expires_at, updated_at,
	message_id, reply_metadata, email_thread, payload_extra`

// InsertCard persists a new card.
func (s *SQLiteStore) InsertCard(ctx context.Context, card *CardRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, card.Silo, card.CardType, card.ConversationID, card.SourceMessage,
		card.SourceSender, card.SuggestedReply, card.Confidence, card.Status, card.Channel,
		fmtTime(card.CreatedAt), fmtTime(card.ExpiresAt), fmtTime(card.UpdatedAt),
		nullStr(card.MessageID), nullStr(card.ReplyMetadata), nullStr(card.EmailThread),
		nullStr(card.PayloadExtra),
	)
	return classify("cards.insert", err)
}

// GetCard looks a card up by id.
func (s *SQLiteStore) GetCard(ctx context.Context, id string) (*CardRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	card, err := scanCard(row)
	if err != nil {
		return nil, classify("cards.get", err)
	}
	return card, nil
}

// UpdateCardStatus sets a card's status and bumps updated_at.
func (s *SQLiteStore) UpdateCardStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cards SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now()), id,
	)
	if err != nil {
		return classify("cards.update_status", err)
	}
	return requireRow(res, "cards.update_status", id)
}

// UpdateCardReply atomically rewrites the suggested reply and status.
func (s *SQLiteStore) UpdateCardReply(ctx context.Context, id, reply, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cards SET suggested_reply = ?, status = ?, updated_at = ? WHERE id = ?`,
		reply, status, fmtTime(time.Now()), id,
	)
	if err != nil {
		return classify("cards.update_reply", err)
	}
	return requireRow(res, "cards.update_reply", id)
}

// ListPendingCards returns pending, non-expired cards ordered by creation.
func (s *SQLiteStore) ListPendingCards(ctx context.Context) ([]*CardRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE status = ? AND expires_at > ?
		 ORDER BY created_at ASC`,
		CardStatusPending, fmtTime(time.Now()),
	)
	if err != nil {
		return nil, classify("cards.list_pending", err)
	}
	defer rows.Close()
	return scanCards(rows)
}

// ListCardsByChannel returns recent cards for a channel, newest first.
func (s *SQLiteStore) ListCardsByChannel(ctx context.Context, channel string, limit int) ([]*CardRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE channel = ? ORDER BY created_at DESC LIMIT ?`,
		channel, limit,
	)
	if err != nil {
		return nil, classify("cards.list_by_channel", err)
	}
	defer rows.Close()
	return scanCards(rows)
}

// HasPendingCardForMessage reports whether a pending card links messageID.
func (s *SQLiteStore) HasPendingCardForMessage(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cards WHERE message_id = ? AND status = ?`,
		messageID, CardStatusPending,
	).Scan(&n)
	if err != nil {
		return false, classify("cards.has_pending_for_message", err)
	}
	return n > 0, nil
}

// ExpireCards marks pending cards past their deadline as expired.
func (s *SQLiteStore) ExpireCards(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cards SET status = ?, updated_at = ? WHERE status = ? AND expires_at <= ?`,
		CardStatusExpired, fmtTime(now), CardStatusPending, fmtTime(now),
	)
	if err != nil {
		return 0, classify("cards.expire", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneCards deletes non-pending cards older than the retention window.
func (s *SQLiteStore) PruneCards(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cards WHERE status != ? AND created_at < ?`,
		CardStatusPending, fmtTime(cutoff),
	)
	if err != nil {
		return 0, classify("cards.prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---------------------------------------------------------------------------
// scanning
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*CardRecord, error) {
	var c CardRecord
	var createdAt, expiresAt, updatedAt string
	var messageID, replyMetadata, emailThread, payloadExtra sql.NullString
	err := row.Scan(
		&c.ID, &c.Silo, &c.CardType, &c.ConversationID, &c.SourceMessage, &c.SourceSender,
		&c.SuggestedReply, &c.Confidence, &c.Status, &c.Channel,
		&createdAt, &expiresAt, &updatedAt,
		&messageID, &replyMetadata, &emailThread, &payloadExtra,
	)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.ExpiresAt = parseTime(expiresAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.MessageID = strOrEmpty(messageID)
	c.ReplyMetadata = strOrEmpty(replyMetadata)
	c.EmailThread = strOrEmpty(emailThread)
	c.PayloadExtra = strOrEmpty(payloadExtra)
	return &c, nil
}

func scanCards(rows *sql.Rows) ([]*CardRecord, error) {
	var out []*CardRecord
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, classify("cards.scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return errs.NotFound(op, "card", id)
	}
	return nil
}
