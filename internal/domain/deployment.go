package domain

import "time"

// DeploymentID identifies one rollout attempt.
type DeploymentID string

// DeploymentStatus indicates the lifecycle state of a deployment.
type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "pending"
	StatusInProgress DeploymentStatus = "in_progress"
	StatusPaused     DeploymentStatus = "paused"
	StatusSucceeded  DeploymentStatus = "succeeded"
	StatusFailed     DeploymentStatus = "failed"
	StatusRolledBack DeploymentStatus = "rolled_back"
)

// Terminal reports whether no further transitions are accepted from s.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// StageTransition is one entry in a deployment's append-only history.
// FromStage and ToStage are stage indices; status-only transitions repeat
// the current stage on both sides.
type StageTransition struct {
	FromStage int
	ToStage   int
	Status    DeploymentStatus
	Note      string
	At        time.Time
}

// Deployment is one rollout attempt of a patch onto a resolved asset set.
// It is owned exclusively by its orchestrator: all mutation goes through
// orchestrator transitions, and History is appended, never rewritten.
type Deployment struct {
	ID        DeploymentID
	PatchRef  string // opaque reference to the patch content
	Selection SelectionSpec
	Targets   []AssetID // resolved at creation, ordered
	Strategy  StrategySpec
	Policy    Policy
	Status    DeploymentStatus
	// StageIndex is the currently active stage. Monotonically
	// non-decreasing while the deployment is live; frozen by rollback.
	StageIndex int
	// Progress is the fraction of targets with a definite apply outcome,
	// in [0,1].
	Progress float64
	History  []StageTransition
	// Baseline is the pre-rollout metric snapshot per asset, captured
	// once before stage 0 and never overwritten. Persisted with the
	// deployment so a process restart does not lose it.
	Baseline    map[AssetID]map[string]float64
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	// RollbackID references the rollback record, set if and only if
	// Status is StatusRolledBack.
	RollbackID string
}
