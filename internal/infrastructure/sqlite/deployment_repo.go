package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

const deploymentColumns = `id, patch_ref, selection, targets, strategy, policy, status,
	 stage_index, progress, history, baseline, rollback_id,
	 created_at, started_at, completed_at`

// DeploymentRepo implements [domain.DeploymentRepository] backed by SQLite.
type DeploymentRepo struct {
	DB *sql.DB
}

func (r *DeploymentRepo) Create(ctx context.Context, d domain.Deployment) error {
	cols, err := marshalDeployment(d)
	if err != nil {
		return err
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), d.PatchRef, cols.selection, cols.targets, cols.strategy,
		cols.policy, string(d.Status), d.StageIndex, d.Progress, cols.history,
		cols.baseline, d.RollbackID,
		timeString(d.CreatedAt), timeString(d.StartedAt), timeString(d.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %q: %w", d.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (r *DeploymentRepo) Get(ctx context.Context, id domain.DeploymentID) (domain.Deployment, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`,
		string(id),
	)
	return scanDeployment(row)
}

func (r *DeploymentRepo) List(ctx context.Context) ([]domain.Deployment, error) {
	return r.query(ctx, `SELECT `+deploymentColumns+` FROM deployments`)
}

func (r *DeploymentRepo) ListActive(ctx context.Context) ([]domain.Deployment, error) {
	return r.query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE status IN (?, ?)`,
		string(domain.StatusInProgress), string(domain.StatusPaused),
	)
}

func (r *DeploymentRepo) query(ctx context.Context, q string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

func (r *DeploymentRepo) Update(ctx context.Context, d domain.Deployment) error {
	cols, err := marshalDeployment(d)
	if err != nil {
		return err
	}

	res, err := r.DB.ExecContext(ctx,
		`UPDATE deployments
		 SET patch_ref = ?, selection = ?, targets = ?, strategy = ?, policy = ?,
		     status = ?, stage_index = ?, progress = ?, history = ?, baseline = ?,
		     rollback_id = ?, created_at = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		d.PatchRef, cols.selection, cols.targets, cols.strategy, cols.policy,
		string(d.Status), d.StageIndex, d.Progress, cols.history, cols.baseline,
		d.RollbackID, timeString(d.CreatedAt), timeString(d.StartedAt),
		timeString(d.CompletedAt), string(d.ID),
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment %q: %w", d.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *DeploymentRepo) Delete(ctx context.Context, id domain.DeploymentID) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

type deploymentColumnsJSON struct {
	selection, targets, strategy, policy, history string
	baseline                                      sql.NullString
}

func marshalDeployment(d domain.Deployment) (deploymentColumnsJSON, error) {
	var cols deploymentColumnsJSON

	sel, err := json.Marshal(d.Selection)
	if err != nil {
		return cols, fmt.Errorf("marshal selection: %w", err)
	}
	targets, err := json.Marshal(d.Targets)
	if err != nil {
		return cols, fmt.Errorf("marshal targets: %w", err)
	}
	strategy, err := json.Marshal(d.Strategy)
	if err != nil {
		return cols, fmt.Errorf("marshal strategy: %w", err)
	}
	policy, err := json.Marshal(d.Policy)
	if err != nil {
		return cols, fmt.Errorf("marshal policy: %w", err)
	}
	history, err := json.Marshal(d.History)
	if err != nil {
		return cols, fmt.Errorf("marshal history: %w", err)
	}
	var baseline []byte
	if d.Baseline != nil {
		baseline, err = json.Marshal(d.Baseline)
		if err != nil {
			return cols, fmt.Errorf("marshal baseline: %w", err)
		}
	}

	cols.selection = string(sel)
	cols.targets = string(targets)
	cols.strategy = string(strategy)
	cols.policy = string(policy)
	cols.history = string(history)
	cols.baseline = nullString(baseline)
	return cols, nil
}

func scanDeployment(s scanner) (domain.Deployment, error) {
	var d domain.Deployment
	var id, selJSON, targetsJSON, strategyJSON, policyJSON, historyJSON, statusStr string
	var baselineJSON, createdAt, startedAt, completedAt sql.NullString

	err := s.Scan(&id, &d.PatchRef, &selJSON, &targetsJSON, &strategyJSON,
		&policyJSON, &statusStr, &d.StageIndex, &d.Progress, &historyJSON,
		&baselineJSON, &d.RollbackID, &createdAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return d, fmt.Errorf("scan deployment: %w", err)
	}
	d.ID = domain.DeploymentID(id)
	d.Status = domain.DeploymentStatus(statusStr)

	if err := json.Unmarshal([]byte(selJSON), &d.Selection); err != nil {
		return d, fmt.Errorf("unmarshal selection: %w", err)
	}
	if err := json.Unmarshal([]byte(targetsJSON), &d.Targets); err != nil {
		return d, fmt.Errorf("unmarshal targets: %w", err)
	}
	if err := json.Unmarshal([]byte(strategyJSON), &d.Strategy); err != nil {
		return d, fmt.Errorf("unmarshal strategy: %w", err)
	}
	if err := json.Unmarshal([]byte(policyJSON), &d.Policy); err != nil {
		return d, fmt.Errorf("unmarshal policy: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &d.History); err != nil {
		return d, fmt.Errorf("unmarshal history: %w", err)
	}
	if baselineJSON.Valid {
		if err := json.Unmarshal([]byte(baselineJSON.String), &d.Baseline); err != nil {
			return d, fmt.Errorf("unmarshal baseline: %w", err)
		}
	}
	d.CreatedAt = parseTime(createdAt)
	d.StartedAt = parseTime(startedAt)
	d.CompletedAt = parseTime(completedAt)
	return d, nil
}
