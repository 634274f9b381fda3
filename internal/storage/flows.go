package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
)

const flowColumns = `id, name, description, next_version, retired, created_at, updated_at`

func (s *Storage) CreateFlow(ctx context.Context, flow *models.Flow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (id, name, description, next_version, retired, created_at, updated_at)
		 VALUES (?, ?, ?, 1, 0, ?, ?)`,
		flow.ID, flow.Name, flow.Description,
		flow.CreatedAt.UTC(), flow.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return errs.Conflict(errs.CodeDuplicate,
			fmt.Sprintf("flow named %q already exists", flow.Name))
	}
	return err
}

func (s *Storage) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	return scanFlow(row, id)
}

func (s *Storage) GetFlowByName(ctx context.Context, name string) (*models.Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE name = ?`, name)
	return scanFlow(row, name)
}

// ListFlows returns flows ordered by name
func (s *Storage) ListFlows(ctx context.Context, includeRetired bool) ([]*models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows`
	if !includeRetired {
		query += ` WHERE retired = 0`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		f, err := scanFlow(rows, "")
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// RetireFlow marks a flow as retired. Its versions stay readable.
func (s *Storage) RetireFlow(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET retired = 1, updated_at = ? WHERE id = ?`,
		at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flowNotFound(id)
	}
	return nil
}

// AppendVersion stores steps as the flow's next version. The counter read,
// the insert and the counter bump share one transaction, and the bump only
// applies if the counter is unchanged, so concurrent appends can never
// produce a gap or a duplicate.
func (s *Storage) AppendVersion(
	ctx context.Context, flowID string, steps []models.Step, author string,
	at time.Time,
) (*models.FlowVersion, error) {
	data, err := yaml.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT next_version FROM flows WHERE id = ?`, flowID,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowNotFound(flowID)
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO flow_versions (flow_id, version, steps, author, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		flowID, next, string(data), author, at.UTC())
	if isUniqueViolation(err) {
		return nil, versionConflict(flowID, next)
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE flows SET next_version = ?, updated_at = ?
		 WHERE id = ? AND next_version = ?`,
		next+1, at.UTC(), flowID, next)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, versionConflict(flowID, next)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.FlowVersion{
		FlowID:    flowID,
		Version:   next,
		Steps:     steps,
		Author:    author,
		CreatedAt: at.UTC(),
	}, nil
}

// GetVersion loads one version; models.LatestVersion selects the newest
func (s *Storage) GetVersion(
	ctx context.Context, flowID string, version int,
) (*models.FlowVersion, error) {
	var row *sql.Row
	if version == models.LatestVersion {
		row = s.db.QueryRowContext(ctx,
			`SELECT flow_id, version, steps, author, created_at FROM flow_versions
			 WHERE flow_id = ? ORDER BY version DESC LIMIT 1`, flowID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT flow_id, version, steps, author, created_at FROM flow_versions
			 WHERE flow_id = ? AND version = ?`, flowID, version)
	}

	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		if version == models.LatestVersion {
			return nil, errs.NotFound("version",
				fmt.Sprintf("flow %s has no published versions", flowID))
		}
		return nil, errs.NotFound("version",
			fmt.Sprintf("flow %s has no version %d", flowID, version))
	}
	return v, err
}

// ListVersions returns every version of a flow in ascending order
func (s *Storage) ListVersions(
	ctx context.Context, flowID string,
) ([]*models.FlowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT flow_id, version, steps, author, created_at FROM flow_versions
		 WHERE flow_id = ? ORDER BY version`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*models.FlowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanFlow(row scanner, key string) (*models.Flow, error) {
	var f models.Flow
	var next, retired int
	err := row.Scan(&f.ID, &f.Name, &f.Description, &next, &retired,
		&f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowNotFound(key)
	}
	if err != nil {
		return nil, err
	}
	f.LatestVersion = next - 1
	f.Retired = retired != 0
	return &f, nil
}

func scanVersion(row scanner) (*models.FlowVersion, error) {
	var v models.FlowVersion
	var steps string
	if err := row.Scan(&v.FlowID, &v.Version, &steps, &v.Author,
		&v.CreatedAt); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(steps), &v.Steps); err != nil {
		return nil, fmt.Errorf("corrupt steps for %s v%d: %w",
			v.FlowID, v.Version, err)
	}
	return &v, nil
}

func flowNotFound(key string) error {
	return errs.NotFound("flow", fmt.Sprintf("flow %s not found", key))
}

func versionConflict(flowID string, version int) error {
	return errs.Conflict(errs.CodeVersionConflict,
		fmt.Sprintf("version %d of flow %s was published concurrently",
			version, flowID))
}
