package domain

import "time"

// RevertOutcome is the definite per-asset result of a revert attempt.
type RevertOutcome string

const (
	RevertSuccess RevertOutcome = "success"
	RevertFailed  RevertOutcome = "failed"
	// RevertSkipped marks assets that were never applied (their apply
	// failed), so there was nothing to revert.
	RevertSkipped RevertOutcome = "skipped"
)

// RollbackResult is the overall outcome of a rollback.
type RollbackResult string

const (
	// RollbackComplete means every applied asset was reverted.
	RollbackComplete RollbackResult = "complete"
	// RollbackPartial means at least one asset failed to revert after
	// exhausting retries. Never silently upgraded to complete; requires
	// manual follow-up.
	RollbackPartial RollbackResult = "partial"
)

// RollbackRecord is the persisted outcome of a rollback. Created exactly
// once per deployment; it exists if and only if the deployment status is
// rolled back.
type RollbackRecord struct {
	ID           string
	DeploymentID DeploymentID
	// Reason names the policy rule that fired, or "manual" with detail
	// for operator-initiated cancellation.
	Reason      string
	Outcomes    map[AssetID]RevertOutcome
	Result      RollbackResult
	StartedAt   time.Time
	CompletedAt time.Time
}

// ApplyState is the per deployment-asset change state.
type ApplyState string

const (
	ApplyStateApplied      ApplyState = "applied"
	ApplyStateFailed       ApplyState = "failed"
	ApplyStateReverted     ApplyState = "reverted"
	ApplyStateRevertFailed ApplyState = "revert_failed"
)

// ApplyRecord captures the change state of one asset within one
// deployment. Written after every apply/revert outcome; the set of
// records in the applied state is what rollback targets.
type ApplyRecord struct {
	DeploymentID DeploymentID
	AssetID      AssetID
	Stage        int
	State        ApplyState
	Detail       string
	UpdatedAt    time.Time
}
