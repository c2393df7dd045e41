package application

import (
	"context"
	"fmt"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// AssetService manages asset registration and queries.
type AssetService struct {
	Assets domain.AssetRepository
}

func (s *AssetService) Register(ctx context.Context, asset domain.Asset) error {
	if asset.ID == "" {
		return fmt.Errorf("%w: asset ID is required", domain.ErrInvalidArgument)
	}
	if asset.Name == "" {
		return fmt.Errorf("%w: asset name is required", domain.ErrInvalidArgument)
	}
	if asset.Criticality < 0 || asset.Criticality > domain.MaxCriticality {
		return fmt.Errorf("%w: criticality must be in [0,%d]", domain.ErrInvalidArgument, domain.MaxCriticality)
	}
	return s.Assets.Create(ctx, asset)
}

func (s *AssetService) Get(ctx context.Context, id domain.AssetID) (domain.Asset, error) {
	return s.Assets.Get(ctx, id)
}

func (s *AssetService) List(ctx context.Context) ([]domain.Asset, error) {
	return s.Assets.List(ctx)
}
