package engine

import (
	"fmt"
	"sync"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// Claims tracks exclusive per-asset ownership across concurrent
// deployments. An asset committed to one rollout stays claimed until
// that deployment reaches a terminal state; a second deployment
// targeting it is rejected with ErrAssetBusy.
type Claims struct {
	mu      sync.Mutex
	byAsset map[domain.AssetID]domain.DeploymentID
}

func NewClaims() *Claims {
	return &Claims{byAsset: make(map[domain.AssetID]domain.DeploymentID)}
}

// Claim atomically claims every asset for the deployment, or none.
func (c *Claims) Claim(id domain.DeploymentID, assets []domain.AssetID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range assets {
		if owner, ok := c.byAsset[a]; ok && owner != id {
			return fmt.Errorf("%w: asset %q claimed by deployment %q", domain.ErrAssetBusy, a, owner)
		}
	}
	for _, a := range assets {
		c.byAsset[a] = id
	}
	return nil
}

// Release frees every asset held by the deployment.
func (c *Claims) Release(id domain.DeploymentID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for a, owner := range c.byAsset {
		if owner == id {
			delete(c.byAsset, a)
		}
	}
}
