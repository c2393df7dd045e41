package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// AssetRepo implements [domain.AssetRepository] backed by SQLite.
type AssetRepo struct {
	DB *sql.DB
}

func (r *AssetRepo) Create(ctx context.Context, asset domain.Asset) error {
	labels, err := json.Marshal(asset.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO assets (id, name, address, labels, criticality)
		 VALUES (?, ?, ?, ?, ?)`,
		string(asset.ID), asset.Name, asset.Address, string(labels), asset.Criticality,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("asset %q: %w", asset.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

func (r *AssetRepo) Get(ctx context.Context, id domain.AssetID) (domain.Asset, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, name, address, labels, criticality FROM assets WHERE id = ?`,
		string(id),
	)
	return scanAsset(row)
}

func (r *AssetRepo) List(ctx context.Context) ([]domain.Asset, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, name, address, labels, criticality FROM assets ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (r *AssetRepo) Delete(ctx context.Context, id domain.AssetID) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("asset %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanAsset(s scanner) (domain.Asset, error) {
	var a domain.Asset
	var id, labelsJSON string
	if err := s.Scan(&id, &a.Name, &a.Address, &labelsJSON, &a.Criticality); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return a, fmt.Errorf("scan asset: %w", err)
	}
	a.ID = domain.AssetID(id)
	if err := json.Unmarshal([]byte(labelsJSON), &a.Labels); err != nil {
		return a, fmt.Errorf("unmarshal labels: %w", err)
	}
	return a, nil
}
