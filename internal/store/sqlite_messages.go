package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
)

const messageColumns = `id, external_id, channel, sender, subject, content,
	received_at, status, replied_at, metadata, created_at, updated_at`

// InsertMessage persists a new inbound message. The external id is the
// dedup key: inserting a duplicate returns a constraint error.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *MessageRecord) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}
	if msg.Status == "" {
		msg.Status = MessageStatusPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (external_id, channel, sender, subject, content,
			received_at, status, replied_at, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ExternalID, msg.Channel, msg.Sender, nullStr(msg.Subject), msg.Content,
		fmtTime(msg.ReceivedAt), msg.Status, fmtTimePtr(msg.RepliedAt),
		nullStr(msg.Metadata), fmtTime(msg.CreatedAt), fmtTime(msg.UpdatedAt),
	)
	if err != nil {
		return classify("messages.insert", err)
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

// GetMessageByExternalID looks up a message by its channel-native id.
func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, externalID string) (*MessageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, classify("messages.get", err)
	}
	return msg, nil
}

// ListPendingMessages returns pending messages ordered by receipt.
func (s *SQLiteStore) ListPendingMessages(ctx context.Context) ([]*MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY received_at ASC`,
		MessageStatusPending,
	)
	if err != nil {
		return nil, classify("messages.list_pending", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessagesByChannel returns recent messages for a channel, newest first.
func (s *SQLiteStore) ListMessagesByChannel(ctx context.Context, channel string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel = ? ORDER BY received_at DESC LIMIT ?`,
		channel, limit,
	)
	if err != nil {
		return nil, classify("messages.list_by_channel", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UpdateMessageStatus sets a message's status by external id. Moving to
// replied stamps replied_at.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, externalID, status string) error {
	now := fmtTime(time.Now())
	var res sql.Result
	var err error
	if status == MessageStatusReplied {
		res, err = s.db.ExecContext(ctx,
			`UPDATE messages SET status = ?, replied_at = ?, updated_at = ? WHERE external_id = ?`,
			status, now, now, externalID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE messages SET status = ?, updated_at = ? WHERE external_id = ?`,
			status, now, externalID,
		)
	}
	if err != nil {
		return classify("messages.update_status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFound("messages.update_status", "message", externalID)
	}
	return nil
}

func scanMessage(row rowScanner) (*MessageRecord, error) {
	var m MessageRecord
	var subject, metadata, repliedAt sql.NullString
	var receivedAt, createdAt, updatedAt string
	err := row.Scan(
		&m.ID, &m.ExternalID, &m.Channel, &m.Sender, &subject, &m.Content,
		&receivedAt, &m.Status, &repliedAt, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Subject = strOrEmpty(subject)
	m.Metadata = strOrEmpty(metadata)
	m.ReceivedAt = parseTime(receivedAt)
	m.RepliedAt = parseTimePtr(repliedAt)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*MessageRecord, error) {
	var out []*MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify("messages.scan", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
