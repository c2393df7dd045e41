package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// RollbackRecordRepo implements [domain.RollbackRecordRepository] backed
// by SQLite. The deployment id is the primary key, which is what makes
// "exactly one rollback record per deployment" hold under concurrency.
type RollbackRecordRepo struct {
	DB *sql.DB
}

func (r *RollbackRecordRepo) Create(ctx context.Context, rec domain.RollbackRecord) error {
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO rollback_records (id, deployment_id, reason, outcomes, result, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.DeploymentID), rec.Reason, string(outcomes),
		string(rec.Result), timeString(rec.StartedAt), timeString(rec.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rollback record for deployment %q: %w", rec.DeploymentID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert rollback record: %w", err)
	}
	return nil
}

func (r *RollbackRecordRepo) GetByDeployment(ctx context.Context, deploymentID domain.DeploymentID) (domain.RollbackRecord, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, deployment_id, reason, outcomes, result, started_at, completed_at
		 FROM rollback_records WHERE deployment_id = ?`,
		string(deploymentID),
	)

	var rec domain.RollbackRecord
	var deploymentIDStr, outcomesJSON, result string
	var startedAt, completedAt sql.NullString
	err := row.Scan(&rec.ID, &deploymentIDStr, &rec.Reason, &outcomesJSON, &result, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return rec, fmt.Errorf("scan rollback record: %w", err)
	}
	rec.DeploymentID = domain.DeploymentID(deploymentIDStr)
	rec.Result = domain.RollbackResult(result)
	if err := json.Unmarshal([]byte(outcomesJSON), &rec.Outcomes); err != nil {
		return rec, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	rec.StartedAt = parseTime(startedAt)
	rec.CompletedAt = parseTime(completedAt)
	return rec, nil
}
