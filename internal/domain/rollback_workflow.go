package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RollbackInput starts a rollback for a deployment.
type RollbackInput struct {
	DeploymentID DeploymentID
	Reason       string
}

// RevertTarget is one asset the rollback must revert, with the stage it
// was applied in.
type RevertTarget struct {
	Asset Asset
	Stage int
}

// RollbackState is the loaded starting point of a rollback run.
type RollbackState struct {
	// Existing is set when a rollback record already exists for the
	// deployment; the workflow returns it without touching any asset.
	Existing bool
	Record   RollbackRecord

	PatchRef string
	// Targets are assets in the applied state, plus assets whose revert
	// failed in a previous interrupted run.
	Targets []RevertTarget
	// Skipped are assets whose apply failed; there is nothing to revert.
	Skipped []AssetID
	// Reverted are assets already reverted by a previous interrupted run.
	Reverted  []AssetID
	StartedAt time.Time

	// Retries and CallTimeout come from the deployment's policy; they
	// ride in the state so one registered workflow serves deployments
	// with different policies.
	Retries     int
	CallTimeout time.Duration
}

// RevertAssetInput reverts the patch on a single asset.
type RevertAssetInput struct {
	DeploymentID DeploymentID
	Target       RevertTarget
	PatchRef     string
	Retries      int
	CallTimeout  time.Duration
}

// RecordRollbackInput persists the final rollback record.
type RecordRollbackInput struct {
	DeploymentID DeploymentID
	Reason       string
	Outcomes     map[AssetID]RevertOutcome
	StartedAt    time.Time
}

// RollbackWorkflow reverts an interrupted rollout. It runs as a durable
// workflow so that a process crash mid-revert resumes from the last
// completed asset instead of stranding a half-reverted fleet. All
// activities are safe for at-least-once invocation; the workflow as a
// whole is idempotent per deployment through the rollback record.
type RollbackWorkflow struct {
	Deployments DeploymentRepository
	Assets      AssetRepository
	Applied     ApplyRecordRepository
	Records     RollbackRecordRepository
	Executor    ChangeExecutor

	// Now is the clock for record timestamps; nil means time.Now.
	Now func() time.Time
}

func (w *RollbackWorkflow) Name() string { return "rollback" }

// Run executes the rollback. Panics and errors from activities abort the
// run; per-asset revert failures do not, they become failed outcomes in
// the record.
func (w *RollbackWorkflow) Run(runner DurableRunner, in RollbackInput) (RollbackRecord, error) {
	state, err := RunActivity(runner, w.LoadState(), in)
	if err != nil {
		return RollbackRecord{}, err
	}
	if state.Existing {
		return state.Record, nil
	}

	outcomes := make(map[AssetID]RevertOutcome, len(state.Targets)+len(state.Skipped))
	for _, id := range state.Skipped {
		outcomes[id] = RevertSkipped
	}
	for _, id := range state.Reverted {
		outcomes[id] = RevertSuccess
	}
	for _, target := range state.Targets {
		outcome, err := RunActivity(runner, w.RevertAsset(), RevertAssetInput{
			DeploymentID: in.DeploymentID,
			Target:       target,
			PatchRef:     state.PatchRef,
			Retries:      state.Retries,
			CallTimeout:  state.CallTimeout,
		})
		if err != nil {
			return RollbackRecord{}, err
		}
		outcomes[target.Asset.ID] = outcome
	}

	return RunActivity(runner, w.RecordRollback(), RecordRollbackInput{
		DeploymentID: in.DeploymentID,
		Reason:       in.Reason,
		Outcomes:     outcomes,
		StartedAt:    state.StartedAt,
	})
}

// LoadState loads the deployment, its apply records, and any existing
// rollback record.
func (w *RollbackWorkflow) LoadState() Activity[RollbackInput, RollbackState] {
	return NewActivity("load-rollback-state", func(ctx context.Context, in RollbackInput) (RollbackState, error) {
		existing, err := w.Records.GetByDeployment(ctx, in.DeploymentID)
		if err == nil {
			return RollbackState{Existing: true, Record: existing}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return RollbackState{}, fmt.Errorf("load rollback record: %w", err)
		}

		dep, err := w.Deployments.Get(ctx, in.DeploymentID)
		if err != nil {
			return RollbackState{}, fmt.Errorf("load deployment: %w", err)
		}
		records, err := w.Applied.ListByDeployment(ctx, in.DeploymentID)
		if err != nil {
			return RollbackState{}, fmt.Errorf("load apply records: %w", err)
		}

		state := RollbackState{
			PatchRef:    dep.PatchRef,
			StartedAt:   w.now(),
			Retries:     dep.Policy.RollbackRetries,
			CallTimeout: dep.Policy.CallTimeout,
		}
		for _, rec := range records {
			switch rec.State {
			case ApplyStateApplied, ApplyStateRevertFailed:
				asset, err := w.Assets.Get(ctx, rec.AssetID)
				if err != nil {
					return RollbackState{}, fmt.Errorf("load asset %q: %w", rec.AssetID, err)
				}
				state.Targets = append(state.Targets, RevertTarget{Asset: asset, Stage: rec.Stage})
			case ApplyStateFailed:
				state.Skipped = append(state.Skipped, rec.AssetID)
			case ApplyStateReverted:
				state.Reverted = append(state.Reverted, rec.AssetID)
			}
		}
		return state, nil
	})
}

// RevertAsset reverts the patch on one asset, retrying with backoff up
// to the configured bound. Exhausted retries are a definite failed
// outcome, not an activity error.
func (w *RollbackWorkflow) RevertAsset() Activity[RevertAssetInput, RevertOutcome] {
	return NewActivity("revert-asset", func(ctx context.Context, in RevertAssetInput) (RevertOutcome, error) {
		err := retry.Do(
			func() error {
				callCtx, cancel := context.WithTimeout(ctx, in.CallTimeout)
				defer cancel()
				return w.Executor.Revert(callCtx, in.Target.Asset, in.PatchRef)
			},
			retry.Attempts(uint(in.Retries)+1),
			retry.Context(ctx),
		)

		rec := ApplyRecord{
			DeploymentID: in.DeploymentID,
			AssetID:      in.Target.Asset.ID,
			Stage:        in.Target.Stage,
			State:        ApplyStateReverted,
			UpdatedAt:    w.now(),
		}
		outcome := RevertSuccess
		if err != nil {
			log.Error().Err(err).
				Str("deployment", string(in.DeploymentID)).
				Str("asset", string(in.Target.Asset.ID)).
				Msg("revert failed after retries")
			rec.State = ApplyStateRevertFailed
			rec.Detail = err.Error()
			outcome = RevertFailed
		}
		if err := w.Applied.Put(ctx, rec); err != nil {
			return "", fmt.Errorf("record revert outcome for %q: %w", in.Target.Asset.ID, err)
		}
		return outcome, nil
	})
}

// RecordRollback persists the rollback record. Safe for at-least-once
// invocation: a concurrent or repeated create returns the stored record.
func (w *RollbackWorkflow) RecordRollback() Activity[RecordRollbackInput, RollbackRecord] {
	return NewActivity("record-rollback", func(ctx context.Context, in RecordRollbackInput) (RollbackRecord, error) {
		result := RollbackComplete
		for _, outcome := range in.Outcomes {
			if outcome == RevertFailed {
				result = RollbackPartial
				break
			}
		}
		rec := RollbackRecord{
			ID:           uuid.NewString(),
			DeploymentID: in.DeploymentID,
			Reason:       in.Reason,
			Outcomes:     in.Outcomes,
			Result:       result,
			StartedAt:    in.StartedAt,
			CompletedAt:  w.now(),
		}
		err := w.Records.Create(ctx, rec)
		if errors.Is(err, ErrAlreadyExists) {
			return w.Records.GetByDeployment(ctx, in.DeploymentID)
		}
		if err != nil {
			return RollbackRecord{}, fmt.Errorf("create rollback record: %w", err)
		}
		return rec, nil
	})
}

func (w *RollbackWorkflow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}
