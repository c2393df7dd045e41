package domain

import "time"

// EventType identifies a deployment lifecycle event.
type EventType string

const (
	EventDeploymentStarted    EventType = "deployment_started"
	EventDeploymentProgress   EventType = "deployment_progress"
	EventDeploymentPaused     EventType = "deployment_paused"
	EventDeploymentResumed    EventType = "deployment_resumed"
	EventDeploymentCompleted  EventType = "deployment_completed"
	EventDeploymentFailed     EventType = "deployment_failed"
	EventDeploymentRolledBack EventType = "deployment_rolled_back"
)

// RollbackSummary is the event-facing view of a rollback record.
type RollbackSummary struct {
	RecordID string
	Result   RollbackResult
	Failed   []AssetID
}

// Event is one lifecycle or progress notification. Events are published
// after the state mutation they describe, never before, and are ordered
// per deployment.
type Event struct {
	Type         EventType
	DeploymentID DeploymentID
	StageIndex   int
	Progress     float64
	// AssetStates carries the per-asset change state for progress events.
	AssetStates map[AssetID]ApplyState
	Reason      string
	Rollback    *RollbackSummary
	At          time.Time
}
