package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// InsertApproval persists a suspended tool approval.
func (s *SQLiteStore) InsertApproval(ctx context.Context, rec *ApprovalRecord) error {
	if rec.Status == "" {
		rec.Status = ApprovalStatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_approvals (request_id, thread_id, tool, parameters,
			description, tool_call_id, snapshot, status, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.ThreadID, rec.Tool, orJSON(rec.Parameters),
		rec.Description, rec.ToolCallID, nullStr(rec.Snapshot), rec.Status,
		fmtTime(rec.CreatedAt), fmtTimePtr(rec.ResolvedAt),
	)
	return classify("approvals.insert", err)
}

// GetApproval looks an approval up by request id.
func (s *SQLiteStore) GetApproval(ctx context.Context, requestID string) (*ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, thread_id, tool, parameters, description, tool_call_id,
			snapshot, status, created_at, resolved_at
		 FROM pending_approvals WHERE request_id = ?`, requestID)

	var rec ApprovalRecord
	var snapshot, resolvedAt sql.NullString
	var createdAt string
	err := row.Scan(&rec.RequestID, &rec.ThreadID, &rec.Tool, &rec.Parameters,
		&rec.Description, &rec.ToolCallID, &snapshot, &rec.Status, &createdAt, &resolvedAt)
	if err != nil {
		return nil, classify("approvals.get", err)
	}
	rec.Snapshot = strOrEmpty(snapshot)
	rec.CreatedAt = parseTime(createdAt)
	rec.ResolvedAt = parseTimePtr(resolvedAt)
	return &rec, nil
}

// ResolveApproval records the human's decision and stamps resolved_at.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, requestID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_approvals SET status = ?, resolved_at = ? WHERE request_id = ?`,
		status, fmtTime(time.Now()), requestID,
	)
	if err != nil {
		return classify("approvals.resolve", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFound("approvals.resolve", "approval", requestID)
	}
	return nil
}

// ExpireStaleApprovals marks every still-pending approval as expired.
// Called on startup: rows in that state are leftovers from a previous
// process that never resolved them.
func (s *SQLiteStore) ExpireStaleApprovals(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_approvals SET status = ?, resolved_at = ? WHERE status = ?`,
		ApprovalStatusExpired, fmtTime(time.Now()), ApprovalStatusPending,
	)
	if err != nil {
		return 0, classify("approvals.expire_stale", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
