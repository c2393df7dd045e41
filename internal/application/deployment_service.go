package application

import (
	"context"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
	"github.com/vulnzero/vulnzero/rollout-server/internal/engine"
)

// DeploymentService exposes the deployment lifecycle to callers. It is
// a thin facade over the rollout engine; all state lives there and in
// the repositories.
type DeploymentService struct {
	Deployments domain.DeploymentRepository
	Rollbacks   domain.RollbackRecordRepository
	Engine      *engine.Engine
}

// Create persists a new pending deployment.
func (s *DeploymentService) Create(ctx context.Context, in engine.CreateDeploymentInput) (domain.Deployment, error) {
	return s.Engine.CreateDeployment(ctx, in)
}

// Start begins the rollout.
func (s *DeploymentService) Start(ctx context.Context, id domain.DeploymentID) error {
	return s.Engine.Start(ctx, id)
}

// Pause suspends stage advancement; monitoring continues.
func (s *DeploymentService) Pause(ctx context.Context, id domain.DeploymentID) error {
	return s.Engine.Pause(ctx, id)
}

// Resume continues a paused rollout.
func (s *DeploymentService) Resume(ctx context.Context, id domain.DeploymentID) error {
	return s.Engine.Resume(ctx, id)
}

// Cancel rolls back every changed asset.
func (s *DeploymentService) Cancel(ctx context.Context, id domain.DeploymentID, reason string) error {
	return s.Engine.Cancel(ctx, id, reason)
}

// Get retrieves one deployment.
func (s *DeploymentService) Get(ctx context.Context, id domain.DeploymentID) (domain.Deployment, error) {
	return s.Engine.Get(ctx, id)
}

// List returns all deployments.
func (s *DeploymentService) List(ctx context.Context) ([]domain.Deployment, error) {
	return s.Deployments.List(ctx)
}

// Rollback returns the rollback record for a rolled-back deployment.
func (s *DeploymentService) Rollback(ctx context.Context, id domain.DeploymentID) (domain.RollbackRecord, error) {
	return s.Rollbacks.GetByDeployment(ctx, id)
}
