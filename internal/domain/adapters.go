package domain

import (
	"context"
	"time"
)

// ChangeExecutor is the port through which the engine applies and
// reverts a patch on one asset. The real implementation drives an SSH or
// agent channel; both calls may block and are individually bounded by
// the caller's context deadline. Retries beyond the adapter's own
// contract are not the engine's job: a failure here is a definite
// per-asset outcome.
type ChangeExecutor interface {
	Apply(ctx context.Context, asset Asset, patchRef string) error
	Revert(ctx context.Context, asset Asset, patchRef string) error
}

// MetricPoint is one metric reading returned by the metric source.
type MetricPoint struct {
	Metric string
	Value  float64
	At     time.Time
}

// MetricSource supplies point-in-time metric samples for an asset.
// Partial success per metric is allowed: a short read with a nil error
// simply means some metrics were unavailable this tick.
type MetricSource interface {
	Sample(ctx context.Context, asset Asset, metrics []string) ([]MetricPoint, error)
}

// EventSink receives lifecycle events. Publish must not block the
// orchestrator beyond a short bound; delivery downstream is
// at-least-once and subscribers must treat events as idempotent
// notifications.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}
