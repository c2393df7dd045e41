// Package applyrecordrepotest provides contract tests for
// [domain.ApplyRecordRepository] implementations.
package applyrecordrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// Factory creates a fresh [domain.ApplyRecordRepository] for each test.
type Factory func(t *testing.T) domain.ApplyRecordRepository

// Run exercises the [domain.ApplyRecordRepository] contract.
func Run(t *testing.T, factory Factory) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	t.Run("PutAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		rec := domain.ApplyRecord{
			DeploymentID: "d1",
			AssetID:      "a1",
			Stage:        1,
			State:        domain.ApplyStateApplied,
			UpdatedAt:    at,
		}
		if err := repo.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := repo.Get(ctx, "d1", "a1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != domain.ApplyStateApplied || got.Stage != 1 {
			t.Errorf("got %+v, want the stored record", got)
		}
	})

	t.Run("PutUpserts", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		rec := domain.ApplyRecord{
			DeploymentID: "d1", AssetID: "a1",
			State: domain.ApplyStateApplied, UpdatedAt: at,
		}
		_ = repo.Put(ctx, rec)

		rec.State = domain.ApplyStateReverted
		rec.Detail = "rolled back"
		if err := repo.Put(ctx, rec); err != nil {
			t.Fatalf("second Put: %v", err)
		}

		got, _ := repo.Get(ctx, "d1", "a1")
		if got.State != domain.ApplyStateReverted {
			t.Errorf("State = %q, want reverted: Put must overwrite", got.State)
		}
		records, _ := repo.ListByDeployment(ctx, "d1")
		if len(records) != 1 {
			t.Fatalf("ListByDeployment: got %d rows, want 1 per deployment-asset pair", len(records))
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "d1", "ghost")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListScopedToDeployment", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for _, rec := range []domain.ApplyRecord{
			{DeploymentID: "d1", AssetID: "a1", Stage: 0, State: domain.ApplyStateApplied, UpdatedAt: at},
			{DeploymentID: "d1", AssetID: "a2", Stage: 1, State: domain.ApplyStateFailed, Detail: "timeout", UpdatedAt: at},
			{DeploymentID: "d2", AssetID: "a1", Stage: 0, State: domain.ApplyStateApplied, UpdatedAt: at},
		} {
			if err := repo.Put(ctx, rec); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}

		got, err := repo.ListByDeployment(ctx, "d1")
		if err != nil {
			t.Fatalf("ListByDeployment: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListByDeployment: got %d rows, want 2", len(got))
		}
		for _, rec := range got {
			if rec.DeploymentID != "d1" {
				t.Errorf("row for deployment %q leaked into d1's list", rec.DeploymentID)
			}
		}
	})
}
