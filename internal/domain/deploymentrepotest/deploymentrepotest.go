// Package deploymentrepotest provides contract tests for
// [domain.DeploymentRepository] implementations.
package deploymentrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// Factory creates a fresh [domain.DeploymentRepository] for each test.
type Factory func(t *testing.T) domain.DeploymentRepository

// Run exercises the [domain.DeploymentRepository] contract.
func Run(t *testing.T, factory Factory) {
	sampleDeployment := func() domain.Deployment {
		return domain.Deployment{
			ID:       "d1",
			PatchRef: "patch-7",
			Selection: domain.SelectionSpec{
				Type:   domain.SelectionStatic,
				Assets: []domain.AssetID{"a1", "a2"},
			},
			Targets: []domain.AssetID{"a1", "a2"},
			Strategy: domain.StrategySpec{
				Type:           domain.StrategyCanary,
				StageFractions: []float64{0.5, 1.0},
			},
			Policy:    domain.DefaultPolicy(),
			Status:    domain.StatusPending,
			CreatedAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment()

		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "d1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Strategy.Type != domain.StrategyCanary {
			t.Errorf("Strategy.Type = %q, want %q", got.Strategy.Type, domain.StrategyCanary)
		}
		if len(got.Strategy.StageFractions) != 2 {
			t.Errorf("StageFractions = %v, want 2 entries", got.Strategy.StageFractions)
		}
		if len(got.Targets) != 2 {
			t.Errorf("Targets = %d, want 2", len(got.Targets))
		}
		if got.Policy.StageTicks != d.Policy.StageTicks {
			t.Errorf("Policy.StageTicks = %d, want %d", got.Policy.StageTicks, d.Policy.StageTicks)
		}
		if !got.CreatedAt.Equal(d.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, d.CreatedAt)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, sampleDeployment())
		err := repo.Create(ctx, sampleDeployment())
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

	t.Run("UpdateRoundTripsState", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment()
		_ = repo.Create(ctx, d)

		d.Status = domain.StatusInProgress
		d.StageIndex = 1
		d.Progress = 0.5
		d.Baseline = map[domain.AssetID]map[string]float64{
			"a1": {domain.MetricLatencyMs: 120.5},
		}
		d.History = append(d.History, domain.StageTransition{
			FromStage: 0, ToStage: 1,
			Status: domain.StatusInProgress,
			Note:   "stage advanced",
			At:     time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		})
		if err := repo.Update(ctx, d); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, _ := repo.Get(ctx, "d1")
		if got.Status != domain.StatusInProgress {
			t.Errorf("Status = %q, want in_progress", got.Status)
		}
		if got.StageIndex != 1 || got.Progress != 0.5 {
			t.Errorf("stage/progress = %d/%g, want 1/0.5", got.StageIndex, got.Progress)
		}
		if got.Baseline["a1"][domain.MetricLatencyMs] != 120.5 {
			t.Errorf("Baseline = %v, want the stored snapshot", got.Baseline)
		}
		if len(got.History) != 1 || got.History[0].Note != "stage advanced" {
			t.Errorf("History = %v, want the appended transition", got.History)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Update(context.Background(), domain.Deployment{ID: "nonexistent"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Update: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for _, row := range []struct {
			id     domain.DeploymentID
			status domain.DeploymentStatus
		}{
			{"d1", domain.StatusPending},
			{"d2", domain.StatusInProgress},
			{"d3", domain.StatusPaused},
			{"d4", domain.StatusSucceeded},
			{"d5", domain.StatusRolledBack},
		} {
			d := sampleDeployment()
			d.ID = row.id
			d.Status = row.status
			if err := repo.Create(ctx, d); err != nil {
				t.Fatalf("Create %s: %v", row.id, err)
			}
		}

		got, err := repo.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListActive: got %d, want the in-progress and paused rows", len(got))
		}
		for _, d := range got {
			if d.ID != "d2" && d.ID != "d3" {
				t.Errorf("ListActive returned %s in status %s", d.ID, d.Status)
			}
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, sampleDeployment())
		if err := repo.Delete(ctx, "d1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, err := repo.Get(ctx, "d1")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
		}
	})
}
