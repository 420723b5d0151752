package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
)

const routineColumns = `id, name, description, owner, enabled, trigger_type, trigger_config,
	action_type, action_config, guardrails, notify, last_run_at, next_fire_at,
	run_count, consecutive_failures, state, created_at, updated_at`

// InsertRoutine persists a new routine.
func (s *SQLiteStore) InsertRoutine(ctx context.Context, r *RoutineRecord) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO routines (`+routineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, r.Owner, boolInt(r.Enabled),
		r.TriggerType, orJSON(r.TriggerConfig), r.ActionType, orJSON(r.ActionConfig),
		orJSON(r.Guardrails), orJSON(r.Notify),
		fmtTimePtr(r.LastRunAt), fmtTimePtr(r.NextFireAt),
		r.RunCount, r.ConsecFails, orJSON(r.State),
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	return classify("routines.insert", err)
}

// GetRoutine looks a routine up by id.
func (s *SQLiteStore) GetRoutine(ctx context.Context, id string) (*RoutineRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routineColumns+` FROM routines WHERE id = ?`, id)
	r, err := scanRoutine(row)
	if err != nil {
		return nil, classify("routines.get", err)
	}
	return r, nil
}

// ListRoutines returns all routines.
func (s *SQLiteStore) ListRoutines(ctx context.Context) ([]*RoutineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+routineColumns+` FROM routines ORDER BY name ASC`)
	if err != nil {
		return nil, classify("routines.list", err)
	}
	defer rows.Close()
	return scanRoutines(rows)
}

// ListDueRoutines returns enabled routines whose next fire time has passed.
func (s *SQLiteStore) ListDueRoutines(ctx context.Context, now time.Time) ([]*RoutineRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+routineColumns+` FROM routines
		 WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?`,
		fmtTime(now),
	)
	if err != nil {
		return nil, classify("routines.list_due", err)
	}
	defer rows.Close()
	return scanRoutines(rows)
}

// UpdateRoutine rewrites a routine definition.
func (s *SQLiteStore) UpdateRoutine(ctx context.Context, r *RoutineRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE routines SET name = ?, description = ?, owner = ?, enabled = ?,
			trigger_type = ?, trigger_config = ?, action_type = ?, action_config = ?,
			guardrails = ?, notify = ?, state = ?, updated_at = ?
		 WHERE id = ?`,
		r.Name, r.Description, r.Owner, boolInt(r.Enabled),
		r.TriggerType, orJSON(r.TriggerConfig), r.ActionType, orJSON(r.ActionConfig),
		orJSON(r.Guardrails), orJSON(r.Notify), orJSON(r.State), fmtTime(time.Now()),
		r.ID,
	)
	if err != nil {
		return classify("routines.update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFound("routines.update", "routine", r.ID)
	}
	return nil
}

// UpdateRoutineRuntime updates the runtime bookkeeping fields only.
func (s *SQLiteStore) UpdateRoutineRuntime(ctx context.Context, id string, lastRun, nextFire *time.Time, runCount, consecFails int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE routines SET last_run_at = ?, next_fire_at = ?, run_count = ?,
			consecutive_failures = ?, updated_at = ?
		 WHERE id = ?`,
		fmtTimePtr(lastRun), fmtTimePtr(nextFire), runCount, consecFails,
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return classify("routines.update_runtime", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFound("routines.update_runtime", "routine", id)
	}
	return nil
}

// DeleteRoutine removes a routine and (via cascade) its runs.
func (s *SQLiteStore) DeleteRoutine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routines WHERE id = ?`, id)
	if err != nil {
		return classify("routines.delete", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFound("routines.delete", "routine", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// routine runs
// ---------------------------------------------------------------------------

// InsertRoutineRun records a run starting.
func (s *SQLiteStore) InsertRoutineRun(ctx context.Context, run *RoutineRunRecord) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routine_runs (id, routine_id, trigger_info, started_at, finished_at, status, summary, tokens_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RoutineID, run.Trigger, fmtTime(run.StartedAt),
		fmtTimePtr(run.FinishedAt), run.Status, run.Summary, run.TokensUsed,
	)
	return classify("routine_runs.insert", err)
}

// UpdateRoutineRun records a run finishing.
func (s *SQLiteStore) UpdateRoutineRun(ctx context.Context, run *RoutineRunRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE routine_runs SET finished_at = ?, status = ?, summary = ?, tokens_used = ?
		 WHERE id = ?`,
		fmtTimePtr(run.FinishedAt), run.Status, run.Summary, run.TokensUsed, run.ID,
	)
	if err != nil {
		return classify("routine_runs.update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFound("routine_runs.update", "routine run", run.ID)
	}
	return nil
}

// CountRunningRuns reports how many runs of a routine are in flight.
func (s *SQLiteStore) CountRunningRuns(ctx context.Context, routineID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM routine_runs WHERE routine_id = ? AND status = ?`,
		routineID, RunStatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, classify("routine_runs.count_running", err)
	}
	return n, nil
}

// ListRoutineRuns returns recent runs for a routine, newest first.
func (s *SQLiteStore) ListRoutineRuns(ctx context.Context, routineID string, limit int) ([]*RoutineRunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, routine_id, trigger_info, started_at, finished_at, status, summary, tokens_used
		 FROM routine_runs WHERE routine_id = ? ORDER BY started_at DESC LIMIT ?`,
		routineID, limit,
	)
	if err != nil {
		return nil, classify("routine_runs.list", err)
	}
	defer rows.Close()

	var out []*RoutineRunRecord
	for rows.Next() {
		var r RoutineRunRecord
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.RoutineID, &r.Trigger, &startedAt, &finishedAt,
			&r.Status, &r.Summary, &r.TokensUsed); err != nil {
			return nil, classify("routine_runs.list", err)
		}
		r.StartedAt = parseTime(startedAt)
		r.FinishedAt = parseTimePtr(finishedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PruneRoutineRuns deletes finished runs older than the retention window.
func (s *SQLiteStore) PruneRoutineRuns(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM routine_runs WHERE status != ? AND started_at < ?`,
		RunStatusRunning, fmtTime(cutoff),
	)
	if err != nil {
		return 0, classify("routine_runs.prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRoutine(row rowScanner) (*RoutineRecord, error) {
	var r RoutineRecord
	var enabled int
	var lastRun, nextFire sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.Owner, &enabled,
		&r.TriggerType, &r.TriggerConfig, &r.ActionType, &r.ActionConfig,
		&r.Guardrails, &r.Notify, &lastRun, &nextFire,
		&r.RunCount, &r.ConsecFails, &r.State, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.LastRunAt = parseTimePtr(lastRun)
	r.NextFireAt = parseTimePtr(nextFire)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func scanRoutines(rows *sql.Rows) ([]*RoutineRecord, error) {
	var out []*RoutineRecord
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, classify("routines.scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
