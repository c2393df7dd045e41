package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// ApplyRecordRepo implements [domain.ApplyRecordRepository] backed by
// SQLite. Put upserts: one row per deployment-asset pair.
type ApplyRecordRepo struct {
	DB *sql.DB
}

func (r *ApplyRecordRepo) Put(ctx context.Context, rec domain.ApplyRecord) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO apply_records (deployment_id, asset_id, stage, state, detail, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (deployment_id, asset_id) DO UPDATE SET
		   stage = excluded.stage,
		   state = excluded.state,
		   detail = excluded.detail,
		   updated_at = excluded.updated_at`,
		string(rec.DeploymentID), string(rec.AssetID), rec.Stage,
		string(rec.State), rec.Detail, timeString(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put apply record: %w", err)
	}
	return nil
}

func (r *ApplyRecordRepo) Get(ctx context.Context, deploymentID domain.DeploymentID, assetID domain.AssetID) (domain.ApplyRecord, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT deployment_id, asset_id, stage, state, detail, updated_at
		 FROM apply_records WHERE deployment_id = ? AND asset_id = ?`,
		string(deploymentID), string(assetID),
	)
	return scanApplyRecord(row)
}

func (r *ApplyRecordRepo) ListByDeployment(ctx context.Context, deploymentID domain.DeploymentID) ([]domain.ApplyRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT deployment_id, asset_id, stage, state, detail, updated_at
		 FROM apply_records WHERE deployment_id = ? ORDER BY stage, asset_id`,
		string(deploymentID),
	)
	if err != nil {
		return nil, fmt.Errorf("list apply records: %w", err)
	}
	defer rows.Close()

	var records []domain.ApplyRecord
	for rows.Next() {
		rec, err := scanApplyRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanApplyRecord(s scanner) (domain.ApplyRecord, error) {
	var rec domain.ApplyRecord
	var deploymentID, assetID, state string
	var updatedAt sql.NullString
	if err := s.Scan(&deploymentID, &assetID, &rec.Stage, &state, &rec.Detail, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return rec, fmt.Errorf("scan apply record: %w", err)
	}
	rec.DeploymentID = domain.DeploymentID(deploymentID)
	rec.AssetID = domain.AssetID(assetID)
	rec.State = domain.ApplyState(state)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}
