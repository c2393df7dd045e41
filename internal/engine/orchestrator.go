package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
	"github.com/vulnzero/vulnzero/rollout-server/internal/metrics"
	"github.com/vulnzero/vulnzero/rollout-server/internal/monitor"
)

// Deps are the collaborators an orchestrator needs. One Deps value is
// shared by the whole engine; orchestrators add per-deployment state on
// top of it.
type Deps struct {
	Deployments domain.DeploymentRepository
	Assets      domain.AssetRepository
	Applied     domain.ApplyRecordRepository
	Rollbacks   domain.RollbackRecordRepository
	Executor    domain.ChangeExecutor
	Source      domain.MetricSource
	// Rollback is the shared rollback workflow runner. Engine.New
	// builds it from Workflows when nil.
	Rollback  domain.RollbackRunner
	Workflows domain.WorkflowEngine
	Publisher *Publisher
	Claims    *Claims
	Stats     metrics.Metrics

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Orchestrator drives one deployment through its lifecycle. All state
// transitions go through methods that hold the orchestrator mutex, so
// concurrent tick, advance, pause, and cancel calls observe a
// consistent deployment and never interleave two transitions.
type Orchestrator struct {
	deps Deps

	mu  sync.Mutex
	dep domain.Deployment
	// assets indexes the resolved target assets by ID.
	assets map[domain.AssetID]domain.Asset
	// order is the resolved targets as full assets, in rollout order.
	order []domain.Asset
	// outcomes caches the definite per-asset apply state.
	outcomes map[domain.AssetID]domain.ApplyState

	collector *monitor.Collector
	detectors []monitor.Detector
	decider   monitor.DecisionMaker
	rollback  domain.RollbackRunner

	// ticksInStage counts consecutive continue verdicts in the current
	// stage; a hold verdict resets it.
	ticksInStage int
	// cancelling suppresses automatic rollback evaluation once a manual
	// cancel has begun.
	cancelling bool
}

// NewOrchestrator builds an orchestrator for a stored deployment,
// resolving its target assets and preparing the monitoring pipeline.
func NewOrchestrator(ctx context.Context, deps Deps, dep domain.Deployment) (*Orchestrator, error) {
	assets := make(map[domain.AssetID]domain.Asset, len(dep.Targets))
	order := make([]domain.Asset, 0, len(dep.Targets))
	for _, id := range dep.Targets {
		asset, err := deps.Assets.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve target %q: %w", id, err)
		}
		assets[id] = asset
		order = append(order, asset)
	}

	collector := monitor.NewCollector(deps.Source, dep.Policy.Metrics, dep.Policy.SampleWindow, dep.Policy.CallTimeout)
	collector.Now = deps.Now

	return &Orchestrator{
		deps:      deps,
		dep:       dep,
		assets:    assets,
		order:     order,
		outcomes:  make(map[domain.AssetID]domain.ApplyState),
		collector: collector,
		detectors: monitor.BuildDetectors(dep.Policy.Detectors),
		decider:   monitor.DecisionMaker{Rules: dep.Policy.Rules},
		rollback:  deps.Rollback,
	}, nil
}

// Deployment returns a snapshot of the deployment.
func (o *Orchestrator) Deployment() domain.Deployment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dep
}

// Status returns the current deployment status.
func (o *Orchestrator) Status() domain.DeploymentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dep.Status
}

// Start captures the baseline, claims the target assets, transitions the
// deployment to in-progress, and applies stage 0. A baseline failure
// leaves the deployment pending with no assets claimed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dep.Status != domain.StatusPending {
		return fmt.Errorf("%w: cannot start deployment in status %q", domain.ErrInvalidState, o.dep.Status)
	}
	if err := o.deps.Claims.Claim(o.dep.ID, o.dep.Targets); err != nil {
		return err
	}
	if err := o.collector.CaptureBaseline(ctx, o.order); err != nil {
		o.deps.Claims.Release(o.dep.ID)
		return err
	}

	o.dep.Baseline = o.collector.ExportBaseline()
	o.dep.StartedAt = o.deps.now()
	if err := o.transitionLocked(ctx, domain.StatusInProgress, "rollout started"); err != nil {
		o.deps.Claims.Release(o.dep.ID)
		return err
	}
	o.publishLocked(domain.EventDeploymentStarted, "", nil)
	o.deps.Stats.Increment("deployments.started")

	return o.applyStageLocked(ctx)
}

// Recover re-attaches the orchestrator to a deployment that was live
// when the process last stopped: re-claims its assets, reloads the
// persisted baseline and apply outcomes, and leaves status untouched.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.dep.Status {
	case domain.StatusInProgress, domain.StatusPaused:
	default:
		return fmt.Errorf("%w: cannot recover deployment in status %q", domain.ErrInvalidState, o.dep.Status)
	}
	if err := o.deps.Claims.Claim(o.dep.ID, o.dep.Targets); err != nil {
		return err
	}
	o.collector.SeedBaseline(o.dep.Baseline)

	records, err := o.deps.Applied.ListByDeployment(ctx, o.dep.ID)
	if err != nil {
		return fmt.Errorf("reload apply records: %w", err)
	}
	for _, rec := range records {
		o.outcomes[rec.AssetID] = rec.State
	}
	return nil
}

// Pause transitions an in-progress deployment to paused. Monitoring
// continues for assets already changed; no new stage starts.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dep.Status != domain.StatusInProgress {
		return fmt.Errorf("%w: cannot pause deployment in status %q", domain.ErrInvalidState, o.dep.Status)
	}
	if err := o.transitionLocked(ctx, domain.StatusPaused, "paused by operator"); err != nil {
		return err
	}
	o.publishLocked(domain.EventDeploymentPaused, "", nil)
	return nil
}

// Resume transitions a paused deployment back to in-progress, continuing
// from the current stage index.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dep.Status != domain.StatusPaused {
		return fmt.Errorf("%w: cannot resume deployment in status %q", domain.ErrInvalidState, o.dep.Status)
	}
	if err := o.transitionLocked(ctx, domain.StatusInProgress, "resumed by operator"); err != nil {
		return err
	}
	o.publishLocked(domain.EventDeploymentResumed, "", nil)
	return nil
}

// Cancel rolls back every changed asset and terminates the deployment.
// Manual cancellation takes precedence over automatic triggers: once it
// begins, tick evaluation is suppressed.
func (o *Orchestrator) Cancel(ctx context.Context, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.dep.Status {
	case domain.StatusInProgress, domain.StatusPaused:
	default:
		return fmt.Errorf("%w: cannot cancel deployment in status %q", domain.ErrInvalidState, o.dep.Status)
	}
	o.cancelling = true
	return o.rollbackLocked(ctx, "manual: "+reason)
}

// OnTick runs one monitoring cycle: sample, detect, decide, act. Called
// at the policy's tick cadence while the deployment is live.
func (o *Orchestrator) OnTick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancelling {
		return nil
	}
	switch o.dep.Status {
	case domain.StatusInProgress, domain.StatusPaused:
	default:
		return nil
	}

	started := o.deps.now()
	defer func() { o.deps.Stats.Duration("tick", o.deps.now().Sub(started)) }()
	o.deps.Stats.Increment("ticks")

	failures := o.collector.Sample(ctx, o.order)
	for id, err := range failures {
		log.Debug().Err(err).
			Str("deployment", string(o.dep.ID)).
			Str("asset", string(id)).
			Msg("metric sample failed")
	}

	changed := o.changedAssetsLocked()
	report := monitor.TickReport{
		AggregateErrorRate: o.collector.LatestAverage(changed, domain.MetricErrorRate),
		Down:               o.collector.DownFor(changed),
	}
	now := o.deps.now()
	for _, id := range changed {
		asset := o.assets[id]
		for _, metric := range o.dep.Policy.Metrics {
			window := o.collector.Window(id, metric)
			for _, detector := range o.detectors {
				report.Anomalies = append(report.Anomalies, detector.Detect(asset, metric, window, now)...)
			}
		}
	}
	o.deps.Stats.Gauge("anomalies", len(report.Anomalies))

	decision := o.decider.Decide(report)
	switch decision.Action {
	case domain.ActionRollback:
		log.Warn().
			Str("deployment", string(o.dep.ID)).
			Str("reason", decision.Reason).
			Msg("rollback triggered")
		return o.rollbackLocked(ctx, decision.Reason)

	case domain.ActionHold:
		log.Info().
			Str("deployment", string(o.dep.ID)).
			Int("anomalies", len(report.Anomalies)).
			Msg("anomalies below trigger, holding stage advancement")
		o.ticksInStage = 0
		return nil

	default:
		if o.dep.Status != domain.StatusInProgress {
			return nil
		}
		o.ticksInStage++
		if o.ticksInStage < o.dep.Policy.StageTicks {
			return nil
		}
		return o.advanceStageLocked(ctx)
	}
}

// advanceStageLocked moves to the next stage, or to succeeded after the
// last stage's monitoring window completed cleanly.
func (o *Orchestrator) advanceStageLocked(ctx context.Context) error {
	o.ticksInStage = 0

	last := o.dep.Strategy.StageCount(len(o.dep.Targets)) - 1
	if o.dep.StageIndex >= last {
		o.dep.CompletedAt = o.deps.now()
		if err := o.transitionLocked(ctx, domain.StatusSucceeded, "all stages completed"); err != nil {
			return err
		}
		o.deps.Claims.Release(o.dep.ID)
		o.publishLocked(domain.EventDeploymentCompleted, "", nil)
		o.deps.Stats.Increment("deployments.succeeded")
		return nil
	}

	from := o.dep.StageIndex
	o.dep.StageIndex++
	o.dep.History = append(o.dep.History, domain.StageTransition{
		FromStage: from,
		ToStage:   o.dep.StageIndex,
		Status:    o.dep.Status,
		Note:      "stage advanced",
		At:        o.deps.now(),
	})
	if err := o.deps.Deployments.Update(ctx, o.dep); err != nil {
		return fmt.Errorf("persist stage advance: %w", err)
	}
	return o.applyStageLocked(ctx)
}

// applyStageLocked applies the patch to the current stage's target delta
// with bounded fan-out. Failures beyond the configured tolerance trigger
// rollback of the assets changed so far.
func (o *Orchestrator) applyStageLocked(ctx context.Context) error {
	delta := o.dep.Strategy.StageDelta(o.dep.Targets, o.dep.StageIndex)
	if len(delta) == 0 {
		return nil
	}

	states := make([]domain.ApplyState, len(delta))
	details := make([]string, len(delta))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.dep.Policy.MaxParallel)
	for i, id := range delta {
		g.Go(func() error {
			asset := o.assets[id]
			callCtx, cancel := context.WithTimeout(groupCtx, o.dep.Policy.CallTimeout)
			defer cancel()

			if err := o.deps.Executor.Apply(callCtx, asset, o.dep.PatchRef); err != nil {
				log.Error().Err(err).
					Str("deployment", string(o.dep.ID)).
					Str("asset", string(id)).
					Int("stage", o.dep.StageIndex).
					Msg("apply failed")
				states[i] = domain.ApplyStateFailed
				details[i] = err.Error()
				return nil
			}
			states[i] = domain.ApplyStateApplied
			return nil
		})
	}
	// Apply goroutines never return errors; the group is used for its
	// fan-out bound.
	_ = g.Wait()

	failed := 0
	for i, id := range delta {
		o.outcomes[id] = states[i]
		if states[i] == domain.ApplyStateFailed {
			failed++
		}
		rec := domain.ApplyRecord{
			DeploymentID: o.dep.ID,
			AssetID:      id,
			Stage:        o.dep.StageIndex,
			State:        states[i],
			Detail:       details[i],
			UpdatedAt:    o.deps.now(),
		}
		if err := o.deps.Applied.Put(ctx, rec); err != nil {
			return fmt.Errorf("record apply outcome for %q: %w", id, err)
		}
	}

	o.dep.Progress = float64(len(o.outcomes)) / float64(len(o.dep.Targets))
	if err := o.deps.Deployments.Update(ctx, o.dep); err != nil {
		return fmt.Errorf("persist stage progress: %w", err)
	}
	o.publishLocked(domain.EventDeploymentProgress, "", o.snapshotOutcomesLocked())

	if float64(failed)/float64(len(delta)) > o.dep.Policy.ApplyFailureTolerance {
		return o.rollbackLocked(ctx, fmt.Sprintf(
			"stage %d apply failures: %d of %d assets", o.dep.StageIndex, failed, len(delta)))
	}
	return nil
}

// rollbackLocked runs the rollback workflow and terminates the
// deployment. Idempotent: a deployment already rolled back keeps its
// record. The stage index is frozen at its value when rollback begins.
func (o *Orchestrator) rollbackLocked(ctx context.Context, reason string) error {
	handle, err := o.rollback.Run(ctx, domain.RollbackInput{
		DeploymentID: o.dep.ID,
		Reason:       reason,
	})
	if err != nil {
		return o.failLocked(ctx, fmt.Errorf("start rollback workflow: %w", err))
	}
	record, err := handle.AwaitResult(ctx)
	if err != nil {
		return o.failLocked(ctx, fmt.Errorf("rollback workflow: %w", err))
	}

	for id, outcome := range record.Outcomes {
		switch outcome {
		case domain.RevertSuccess:
			o.outcomes[id] = domain.ApplyStateReverted
		case domain.RevertFailed:
			o.outcomes[id] = domain.ApplyStateRevertFailed
		}
	}

	o.dep.RollbackID = record.ID
	o.dep.CompletedAt = o.deps.now()
	if err := o.transitionLocked(ctx, domain.StatusRolledBack, reason); err != nil {
		return err
	}
	o.deps.Claims.Release(o.dep.ID)

	summary := &domain.RollbackSummary{RecordID: record.ID, Result: record.Result}
	for id, outcome := range record.Outcomes {
		if outcome == domain.RevertFailed {
			summary.Failed = append(summary.Failed, id)
		}
	}
	o.publishLocked(domain.EventDeploymentRolledBack, reason, o.snapshotOutcomesLocked(), summary)
	o.deps.Stats.Increment("deployments.rolled_back")

	if record.Result == domain.RollbackPartial {
		log.Error().
			Str("deployment", string(o.dep.ID)).
			Int("failed_reverts", len(summary.Failed)).
			Msg("rollback partial, manual follow-up required")
	}
	return nil
}

// failLocked terminates the deployment as failed when rollback itself
// cannot run. The claim is kept released last so operators see the
// failure before assets free up.
func (o *Orchestrator) failLocked(ctx context.Context, cause error) error {
	log.Error().Err(cause).
		Str("deployment", string(o.dep.ID)).
		Msg("deployment failed")
	o.dep.CompletedAt = o.deps.now()
	if err := o.transitionLocked(ctx, domain.StatusFailed, cause.Error()); err != nil {
		return err
	}
	o.publishLocked(domain.EventDeploymentFailed, cause.Error(), nil)
	o.deps.Claims.Release(o.dep.ID)
	o.deps.Stats.Increment("deployments.failed")
	return cause
}

// transitionLocked applies a status transition, appends it to the
// deployment's history, and persists the deployment. Terminal statuses
// are never left.
func (o *Orchestrator) transitionLocked(ctx context.Context, to domain.DeploymentStatus, note string) error {
	if o.dep.Status.Terminal() {
		return fmt.Errorf("%w: deployment %q is terminal in status %q", domain.ErrInvalidState, o.dep.ID, o.dep.Status)
	}
	o.dep.Status = to
	o.dep.History = append(o.dep.History, domain.StageTransition{
		FromStage: o.dep.StageIndex,
		ToStage:   o.dep.StageIndex,
		Status:    to,
		Note:      note,
		At:        o.deps.now(),
	})
	if err := o.deps.Deployments.Update(ctx, o.dep); err != nil {
		return fmt.Errorf("persist transition to %q: %w", to, err)
	}
	return nil
}

// changedAssetsLocked returns the assets with the patch currently
// applied: the cumulative stage targets minus assets whose apply failed.
func (o *Orchestrator) changedAssetsLocked() []domain.AssetID {
	cumulative := o.dep.Strategy.CumulativeTargets(o.dep.Targets, o.dep.StageIndex)
	changed := make([]domain.AssetID, 0, len(cumulative))
	for _, id := range cumulative {
		if o.outcomes[id] == domain.ApplyStateApplied {
			changed = append(changed, id)
		}
	}
	return changed
}

func (o *Orchestrator) snapshotOutcomesLocked() map[domain.AssetID]domain.ApplyState {
	out := make(map[domain.AssetID]domain.ApplyState, len(o.outcomes))
	for id, state := range o.outcomes {
		out[id] = state
	}
	return out
}

// publishLocked emits an event reflecting the deployment state after the
// mutation it describes.
func (o *Orchestrator) publishLocked(t domain.EventType, reason string, states map[domain.AssetID]domain.ApplyState, rollback ...*domain.RollbackSummary) {
	event := domain.Event{
		Type:         t,
		DeploymentID: o.dep.ID,
		StageIndex:   o.dep.StageIndex,
		Progress:     o.dep.Progress,
		AssetStates:  states,
		Reason:       reason,
		At:           o.deps.now(),
	}
	if len(rollback) > 0 {
		event.Rollback = rollback[0]
	}
	o.deps.Publisher.Publish(event)
}

// Run drives the tick loop until the deployment reaches a terminal
// state or the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.dep.Policy.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.Status().Terminal() {
				return
			}
			if err := o.OnTick(ctx); err != nil {
				log.Error().Err(err).
					Str("deployment", string(o.dep.ID)).
					Msg("tick failed")
			}
			if o.Status().Terminal() {
				return
			}
		}
	}
}
