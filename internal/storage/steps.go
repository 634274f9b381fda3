package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mpataki/relay/internal/models"
)

// SaveStep persists a run step together with its current attempt (the last
// entry of History) in one transaction. A new step may only be recorded
// once every earlier step of the run is terminal.
func (s *Storage) SaveStep(ctx context.Context, rs *models.RunStep) error {
	output, err := encodeJSON(rs.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output of %s: %w", rs.StepID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var open int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_steps
		 WHERE run_id = ? AND seq < ? AND status NOT IN (?, ?)`,
		rs.RunID, rs.Seq, models.StepStatusSucceeded, models.StepStatusFailed,
	).Scan(&open)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("run %s: step %d recorded before earlier steps finished",
			rs.RunID, rs.Seq)
	}

	kind, code, msg := errorColumns(rs.Error)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, seq, step_id, name, connector, action,
		   status, attempts, output, error_kind, error_code, error_message,
		   started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, seq) DO UPDATE SET
		   status = excluded.status, attempts = excluded.attempts,
		   output = excluded.output, error_kind = excluded.error_kind,
		   error_code = excluded.error_code,
		   error_message = excluded.error_message,
		   started_at = excluded.started_at, finished_at = excluded.finished_at`,
		rs.RunID, rs.Seq, rs.StepID, rs.Name, rs.Connector, rs.Action,
		rs.Status, rs.Attempts, output, kind, code, msg,
		nullTime(rs.StartedAt), nullTime(rs.FinishedAt))
	if err != nil {
		return err
	}

	if n := len(rs.History); n > 0 {
		if err := saveAttempt(ctx, tx, rs.RunID, rs.Seq, rs.History[n-1]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func saveAttempt(
	ctx context.Context, tx *sql.Tx, runID string, seq int, a *models.Attempt,
) error {
	output, err := encodeJSON(a.Output)
	if err != nil {
		return err
	}
	kind, code, msg := errorColumns(a.Error)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_attempts (run_id, seq, attempt, status, output,
		   error_kind, error_code, error_message, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, seq, attempt) DO UPDATE SET
		   status = excluded.status, output = excluded.output,
		   error_kind = excluded.error_kind, error_code = excluded.error_code,
		   error_message = excluded.error_message,
		   started_at = excluded.started_at, finished_at = excluded.finished_at`,
		runID, seq, a.Number, a.Status, output, kind, code, msg,
		nullTime(a.StartedAt), nullTime(a.FinishedAt))
	return err
}

// GetRunSteps loads a run's steps in order, each with its attempt history
func (s *Storage) GetRunSteps(ctx context.Context, runID string) ([]*models.RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, step_id, name, connector, action, status, attempts,
		   output, error_kind, error_code, error_message, started_at, finished_at
		 FROM run_steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}

	var steps []*models.RunStep
	bySeq := map[int]*models.RunStep{}
	for rows.Next() {
		var rs models.RunStep
		var output, kind, code, msg sql.NullString
		var startedAt, finishedAt sql.NullTime
		err := rows.Scan(&rs.RunID, &rs.Seq, &rs.StepID, &rs.Name,
			&rs.Connector, &rs.Action, &rs.Status, &rs.Attempts, &output,
			&kind, &code, &msg, &startedAt, &finishedAt)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if rs.Output, err = decodeJSON(output); err != nil {
			rows.Close()
			return nil, fmt.Errorf("corrupt output for %s: %w", rs.StepID, err)
		}
		rs.Error = stepError(kind, code, msg)
		rs.StartedAt = timePtr(startedAt)
		rs.FinishedAt = timePtr(finishedAt)
		steps = append(steps, &rs)
		bySeq[rs.Seq] = &rs
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(steps) == 0 {
		return steps, nil
	}

	// the single connection must be released before the second query
	rows, err = s.db.QueryContext(ctx,
		`SELECT seq, attempt, status, output, error_kind, error_code,
		   error_message, started_at, finished_at
		 FROM step_attempts WHERE run_id = ? ORDER BY seq, attempt`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int
		var a models.Attempt
		var output, kind, code, msg sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&seq, &a.Number, &a.Status, &output, &kind,
			&code, &msg, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if a.Output, err = decodeJSON(output); err != nil {
			return nil, err
		}
		a.Error = stepError(kind, code, msg)
		a.StartedAt = timePtr(startedAt)
		a.FinishedAt = timePtr(finishedAt)
		if rs, ok := bySeq[seq]; ok {
			rs.History = append(rs.History, &a)
		}
	}
	return steps, rows.Err()
}
