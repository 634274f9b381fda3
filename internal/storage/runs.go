package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
)

// RunFilter narrows ListRuns. Zero values match everything; a zero Limit
// means no limit.
type RunFilter struct {
	FlowID string
	Status models.RunStatus
	Limit  int
}

const runColumns = `id, flow_id, version, status, partial_failure, cancel_requested,
	inputs, error_kind, error_code, error_message, created_at, started_at, finished_at`

func (s *Storage) CreateRun(ctx context.Context, run *models.Run) error {
	inputs, err := encodeJSON(run.Inputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow_id, version, status, inputs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowID, run.Version, run.Status, inputs,
		run.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return errs.Conflict(errs.CodeDuplicate,
			fmt.Sprintf("run %s already exists", run.ID))
	}
	return err
}

// StartRun moves a pending run to running. It is the only way a run becomes
// active, and the conditional update guarantees at most one caller wins.
func (s *Storage) StartRun(ctx context.Context, runID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?
		 WHERE id = ? AND status = ?`,
		models.RunStatusRunning, at.UTC(), runID, models.RunStatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	status, err := s.runStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status == models.RunStatusRunning {
		return errs.Conflict(errs.CodeRunAlreadyActive,
			fmt.Sprintf("run %s is already running", runID))
	}
	return errs.Conflict(errs.CodeRunTerminal,
		fmt.Sprintf("run %s is %s", runID, status))
}

// FinishRun records a running run's terminal status. Terminal runs are
// never rewritten.
func (s *Storage) FinishRun(ctx context.Context, run *models.Run) error {
	if !run.Status.IsTerminal() {
		return fmt.Errorf("cannot finish run %s with status %s",
			run.ID, run.Status)
	}
	kind, code, msg := errorColumns(run.Error)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, partial_failure = ?, error_kind = ?,
		 error_code = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		run.Status, boolInt(run.PartialFailure), kind, code, msg,
		nullTime(run.FinishedAt), run.ID, models.RunStatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notRunning(ctx, run.ID)
	}
	return nil
}

// RequestCancel cancels a pending run outright, or flags a running run so
// its worker stops at the next step boundary. It returns the run's status
// after the request.
func (s *Storage) RequestCancel(
	ctx context.Context, runID string, at time.Time,
) (models.RunStatus, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, cancel_requested = 1, finished_at = ?
		 WHERE id = ? AND status = ?`,
		models.RunStatusCancelled, at.UTC(), runID, models.RunStatusPending)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return models.RunStatusCancelled, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested = 1 WHERE id = ? AND status = ?`,
		runID, models.RunStatusRunning)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return models.RunStatusRunning, nil
	}

	status, err := s.runStatus(ctx, runID)
	if err != nil {
		return "", err
	}
	return status, errs.Conflict(errs.CodeRunTerminal,
		fmt.Sprintf("run %s is already %s", runID, status))
}

// CancelRequested reports whether cancellation was asked for
func (s *Storage) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE id = ?`, runID,
	).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, runNotFound(runID)
	}
	return flag != 0, err
}

// InterruptRun fails a running run that has no live worker
func (s *Storage) InterruptRun(
	ctx context.Context, runID string, cause *models.StepError, at time.Time,
) error {
	kind, code, msg := errorColumns(cause)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error_kind = ?, error_code = ?,
		 error_message = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		models.RunStatusFailed, kind, code, msg, at.UTC(),
		runID, models.RunStatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notRunning(ctx, runID)
	}
	return nil
}

// GetRun loads a run with all of its steps and their attempt history
func (s *Storage) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(id)
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.GetRunSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return run, nil
}

// ListRuns returns runs newest first, without their steps
func (s *Storage) ListRuns(ctx context.Context, f RunFilter) ([]*models.Run, error) {
	var where []string
	var args []any
	if f.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, f.FlowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a terminal run and its step history
func (s *Storage) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.RunStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return runNotFound(id)
	}
	if err != nil {
		return err
	}
	if !status.IsTerminal() {
		return errs.Conflict(errs.CodeRunAlreadyActive,
			fmt.Sprintf("run %s is %s and cannot be deleted", id, status))
	}

	for _, q := range []string{
		`DELETE FROM step_attempts WHERE run_id = ?`,
		`DELETE FROM run_steps WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Storage) runStatus(ctx context.Context, runID string) (models.RunStatus, error) {
	var status models.RunStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", runNotFound(runID)
	}
	return status, err
}

func (s *Storage) notRunning(ctx context.Context, runID string) error {
	status, err := s.runStatus(ctx, runID)
	if err != nil {
		return err
	}
	return errs.Conflict(errs.CodeRunTerminal,
		fmt.Sprintf("run %s is %s, not running", runID, status))
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var partial, cancel int
	var inputs, kind, code, msg sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.FlowID, &run.Version, &run.Status, &partial, &cancel,
		&inputs, &kind, &code, &msg, &run.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.PartialFailure = partial != 0
	run.CancelRequested = cancel != 0
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	run.Error = stepError(kind, code, msg)
	if inputs.Valid {
		if err := json.Unmarshal([]byte(inputs.String), &run.Inputs); err != nil {
			return nil, fmt.Errorf("corrupt inputs for run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func runNotFound(id string) error {
	return errs.NotFound("run", fmt.Sprintf("run %s not found", id))
}

func encodeJSON(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func errorColumns(e *models.StepError) (sql.NullString, sql.NullString, sql.NullString) {
	if e == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullString{}
	}
	return nullString(e.Kind), nullString(e.Code), nullString(e.Message)
}

func stepError(kind, code, msg sql.NullString) *models.StepError {
	if !kind.Valid {
		return nil
	}
	return &models.StepError{
		Kind:    kind.String,
		Code:    code.String,
		Message: msg.String,
	}
}
