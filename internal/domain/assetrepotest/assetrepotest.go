// Package assetrepotest provides contract tests for
// [domain.AssetRepository] implementations.
package assetrepotest

import (
	"context"
	"errors"
	"testing"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// Factory creates a fresh [domain.AssetRepository] for each test.
type Factory func(t *testing.T) domain.AssetRepository

// Run exercises the [domain.AssetRepository] contract.
func Run(t *testing.T, factory Factory) {
	sampleAsset := func() domain.Asset {
		return domain.Asset{
			ID:          "web-1",
			Name:        "web frontend 1",
			Address:     "10.0.4.11:7070",
			Labels:      map[string]string{"role": "web", "zone": "a"},
			Criticality: 2,
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		a := sampleAsset()

		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "web-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Address != a.Address {
			t.Errorf("Address = %q, want %q", got.Address, a.Address)
		}
		if got.Labels["zone"] != "a" {
			t.Errorf("Labels = %v, want the stored labels", got.Labels)
		}
		if got.Criticality != 2 {
			t.Errorf("Criticality = %d, want 2", got.Criticality)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, sampleAsset())
		err := repo.Create(ctx, sampleAsset())
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		a1 := sampleAsset()
		a2 := sampleAsset()
		a2.ID = "web-2"
		_ = repo.Create(ctx, a1)
		_ = repo.Create(ctx, a2)

		got, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List: got %d, want 2", len(got))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, sampleAsset())
		if err := repo.Delete(ctx, "web-1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, err := repo.Get(ctx, "web-1")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Delete(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Delete: got %v, want ErrNotFound", err)
		}
	})
}
