package domain

import "context"

// AssetRepository persists and retrieves registered assets.
type AssetRepository interface {
	Create(ctx context.Context, asset Asset) error
	Get(ctx context.Context, id AssetID) (Asset, error)
	List(ctx context.Context) ([]Asset, error)
	Delete(ctx context.Context, id AssetID) error
}

// DeploymentRepository persists and retrieves deployments.
type DeploymentRepository interface {
	Create(ctx context.Context, d Deployment) error
	Get(ctx context.Context, id DeploymentID) (Deployment, error)
	List(ctx context.Context) ([]Deployment, error)
	// ListActive returns deployments in a non-terminal, non-pending
	// status, for resuming monitoring after a process restart.
	ListActive(ctx context.Context) ([]Deployment, error)
	Update(ctx context.Context, d Deployment) error
	Delete(ctx context.Context, id DeploymentID) error
}

// ApplyRecordRepository persists the per deployment-asset change state.
type ApplyRecordRepository interface {
	Put(ctx context.Context, record ApplyRecord) error
	Get(ctx context.Context, deploymentID DeploymentID, assetID AssetID) (ApplyRecord, error)
	ListByDeployment(ctx context.Context, deploymentID DeploymentID) ([]ApplyRecord, error)
}

// RollbackRecordRepository persists rollback outcomes. Create enforces
// at most one record per deployment: a second create for the same
// deployment fails with ErrAlreadyExists.
type RollbackRecordRepository interface {
	Create(ctx context.Context, record RollbackRecord) error
	GetByDeployment(ctx context.Context, deploymentID DeploymentID) (RollbackRecord, error)
}
