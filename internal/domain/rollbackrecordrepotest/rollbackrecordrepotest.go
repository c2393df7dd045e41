// Package rollbackrecordrepotest provides contract tests for
// [domain.RollbackRecordRepository] implementations.
package rollbackrecordrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// Factory creates a fresh [domain.RollbackRecordRepository] for each test.
type Factory func(t *testing.T) domain.RollbackRecordRepository

// Run exercises the [domain.RollbackRecordRepository] contract.
func Run(t *testing.T, factory Factory) {
	sampleRecord := func() domain.RollbackRecord {
		return domain.RollbackRecord{
			ID:           "rb-1",
			DeploymentID: "d1",
			Reason:       "critical anomaly count 1 reached threshold 1",
			Outcomes: map[domain.AssetID]domain.RevertOutcome{
				"a1": domain.RevertSuccess,
				"a2": domain.RevertFailed,
				"a3": domain.RevertSkipped,
			},
			Result:      domain.RollbackPartial,
			StartedAt:   time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
			CompletedAt: time.Date(2026, 8, 1, 10, 2, 0, 0, time.UTC),
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Create(ctx, sampleRecord()); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.GetByDeployment(ctx, "d1")
		if err != nil {
			t.Fatalf("GetByDeployment: %v", err)
		}
		if got.Result != domain.RollbackPartial {
			t.Errorf("Result = %q, want partial", got.Result)
		}
		if got.Outcomes["a2"] != domain.RevertFailed {
			t.Errorf("Outcomes = %v, want the stored outcomes", got.Outcomes)
		}
		if !got.CompletedAt.After(got.StartedAt) {
			t.Errorf("timestamps = %v / %v, want completed after started", got.StartedAt, got.CompletedAt)
		}
	})

	t.Run("OneRecordPerDeployment", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, sampleRecord())

		second := sampleRecord()
		second.ID = "rb-2"
		err := repo.Create(ctx, second)
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second Create for d1: got %v, want ErrAlreadyExists", err)
		}

		got, _ := repo.GetByDeployment(ctx, "d1")
		if got.ID != "rb-1" {
			t.Errorf("stored record = %q, want the first one kept", got.ID)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.GetByDeployment(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetByDeployment: got %v, want ErrNotFound", err)
		}
	})
}
