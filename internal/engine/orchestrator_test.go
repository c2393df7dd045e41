package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
	"github.com/vulnzero/vulnzero/rollout-server/internal/engine"
	"github.com/vulnzero/vulnzero/rollout-server/internal/infrastructure/syncworkflow"
	"github.com/vulnzero/vulnzero/rollout-server/internal/metrics"
)

func testPolicy() domain.Policy {
	p := domain.DefaultPolicy()
	p.StageTicks = 1
	p.Metrics = []string{domain.MetricErrorRate, domain.MetricCPUPercent}
	p.Detectors = domain.DetectorSet{Threshold: []domain.ThresholdRule{
		{Metric: domain.MetricErrorRate, UpperBound: 0.05},
		{Metric: domain.MetricCPUPercent, UpperBound: 90},
	}}
	p.SampleWindow = 10
	p.CallTimeout = time.Second
	p.RollbackRetries = 0
	return p
}

type fixture struct {
	deployments *memDeploymentRepo
	applied     *memApplyRepo
	rollbacks   *memRollbackRepo
	executor    *stubExecutor
	source      *stubSource
	sink        *captureSink
	clock       *stubClock
	claims      *engine.Claims
	publisher   *engine.Publisher
	deps        engine.Deps
	orch        *engine.Orchestrator
}

// newFixture persists a pending deployment over n assets named a1..an
// and builds its orchestrator.
func newFixture(t *testing.T, n int, strategy domain.StrategySpec, policy domain.Policy) *fixture {
	t.Helper()
	ctx := context.Background()

	var assets []domain.Asset
	var ids []domain.AssetID
	for i := 1; i <= n; i++ {
		id := domain.AssetID(fmt.Sprintf("a%d", i))
		assets = append(assets, domain.Asset{ID: id, Name: string(id), Address: string(id) + ":9000"})
		ids = append(ids, id)
	}

	f := &fixture{
		deployments: newMemDeploymentRepo(),
		applied:     newMemApplyRepo(),
		rollbacks:   newMemRollbackRepo(),
		executor:    newStubExecutor(),
		source:      newStubSource(),
		sink:        &captureSink{},
		clock:       newStubClock(),
		claims:      engine.NewClaims(),
	}
	assetRepo := newMemAssetRepo(assets...)

	f.publisher = engine.NewPublisher(f.sink, 64, nil)
	pubCtx, cancel := context.WithCancel(ctx)
	go f.publisher.Run(pubCtx)
	t.Cleanup(cancel)

	wf := &domain.RollbackWorkflow{
		Deployments: f.deployments,
		Assets:      assetRepo,
		Applied:     f.applied,
		Records:     f.rollbacks,
		Executor:    f.executor,
		Now:         f.clock.now,
	}
	runner, err := (&syncworkflow.Engine{}).RollbackRunner(wf)
	if err != nil {
		t.Fatal(err)
	}

	f.deps = engine.Deps{
		Deployments: f.deployments,
		Assets:      assetRepo,
		Applied:     f.applied,
		Rollbacks:   f.rollbacks,
		Executor:    f.executor,
		Source:      f.source,
		Rollback:    runner,
		Publisher:   f.publisher,
		Claims:      f.claims,
		Stats:       metrics.Noop{},
		Now:         f.clock.now,
	}

	dep := domain.Deployment{
		ID:        "d1",
		PatchRef:  "patch-7",
		Selection: domain.SelectionSpec{Type: domain.SelectionStatic, Assets: ids},
		Targets:   ids,
		Strategy:  strategy,
		Policy:    policy,
		Status:    domain.StatusPending,
		CreatedAt: f.clock.now(),
	}
	if err := f.deployments.Create(ctx, dep); err != nil {
		t.Fatal(err)
	}
	f.orch, err = engine.NewOrchestrator(ctx, f.deps, dep)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	f.clock.advance(time.Minute)
	if err := f.orch.OnTick(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// drain closes the publisher and returns every delivered event.
func (f *fixture) drain(t *testing.T) []domain.Event {
	t.Helper()
	f.publisher.Close()
	return f.sink.all()
}

func TestOrchestrator_AllAtOnceSucceeds(t *testing.T) {
	f := newFixture(t, 3, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, testPolicy())
	f.start(t)

	dep := f.orch.Deployment()
	if dep.Status != domain.StatusInProgress {
		t.Fatalf("Status = %s, want in_progress", dep.Status)
	}
	if dep.Progress != 1.0 {
		t.Fatalf("Progress = %g, want 1.0 after the single stage applied", dep.Progress)
	}
	if len(dep.Baseline) != 3 {
		t.Fatalf("baseline captured for %d assets, want 3", len(dep.Baseline))
	}

	// One clean monitoring tick completes the only stage.
	f.tick(t)
	dep = f.orch.Deployment()
	if dep.Status != domain.StatusSucceeded {
		t.Fatalf("Status = %s, want succeeded", dep.Status)
	}
	for i := 1; i <= 3; i++ {
		id := domain.AssetID(fmt.Sprintf("a%d", i))
		if f.executor.applied(id) != 1 {
			t.Errorf("%s applied %d times, want 1", id, f.executor.applied(id))
		}
	}

	events := f.drain(t)
	var types []domain.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []domain.EventType{
		domain.EventDeploymentStarted,
		domain.EventDeploymentProgress,
		domain.EventDeploymentCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestOrchestrator_CanaryRollsBackBeforeFullFleet(t *testing.T) {
	strategy := domain.StrategySpec{Type: domain.StrategyCanary, StageFractions: []float64{0.5, 1.0}}
	f := newFixture(t, 4, strategy, testPolicy())
	f.start(t)

	dep := f.orch.Deployment()
	if dep.StageIndex != 0 {
		t.Fatalf("StageIndex = %d, want 0", dep.StageIndex)
	}
	// Only the canary half is changed.
	for i, want := range map[domain.AssetID]int{"a1": 1, "a2": 1, "a3": 0, "a4": 0} {
		if got := f.executor.applied(i); got != want {
			t.Errorf("%s applied %d times, want %d", i, got, want)
		}
	}

	// The canary misbehaves: error rate over the threshold bound, which
	// is a critical anomaly and the critical-count rule fires.
	f.source.set("a1", domain.MetricErrorRate, 0.20)
	f.tick(t)

	dep = f.orch.Deployment()
	if dep.Status != domain.StatusRolledBack {
		t.Fatalf("Status = %s, want rolled_back", dep.Status)
	}
	if dep.StageIndex != 0 {
		t.Fatalf("StageIndex = %d, want frozen at 0", dep.StageIndex)
	}
	if dep.RollbackID == "" {
		t.Fatal("RollbackID not set on the rolled back deployment")
	}
	// The untouched half was never applied, and never reverted.
	for _, id := range []domain.AssetID{"a3", "a4"} {
		if f.executor.applied(id) != 0 || f.executor.reverted(id) != 0 {
			t.Errorf("%s touched by rollback of the canary stage", id)
		}
	}
	for _, id := range []domain.AssetID{"a1", "a2"} {
		if f.executor.reverted(id) != 1 {
			t.Errorf("%s reverted %d times, want 1", id, f.executor.reverted(id))
		}
	}

	rec, err := f.rollbacks.GetByDeployment(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Result != domain.RollbackComplete {
		t.Errorf("rollback result = %s, want complete", rec.Result)
	}

	events := f.drain(t)
	last := events[len(events)-1]
	if last.Type != domain.EventDeploymentRolledBack {
		t.Fatalf("last event = %s, want rolled_back", last.Type)
	}
	if last.Rollback == nil || last.Rollback.RecordID != rec.ID {
		t.Error("rolled_back event does not reference the rollback record")
	}
}

func TestOrchestrator_RollingAdvancesThroughBatches(t *testing.T) {
	strategy := domain.StrategySpec{Type: domain.StrategyRolling, BatchSize: 2}
	f := newFixture(t, 5, strategy, testPolicy())
	f.start(t)

	// Stages: {a1,a2}, {a3,a4}, {a5}. Two clean ticks reach the last
	// batch, the third completes it.
	f.tick(t)
	if got := f.orch.Deployment().StageIndex; got != 1 {
		t.Fatalf("StageIndex = %d after first tick, want 1", got)
	}
	f.tick(t)
	if got := f.orch.Deployment().StageIndex; got != 2 {
		t.Fatalf("StageIndex = %d after second tick, want 2", got)
	}
	f.tick(t)

	dep := f.orch.Deployment()
	if dep.Status != domain.StatusSucceeded {
		t.Fatalf("Status = %s, want succeeded", dep.Status)
	}
	if dep.Progress != 1.0 {
		t.Fatalf("Progress = %g, want 1.0", dep.Progress)
	}
}

func TestOrchestrator_HoldResetsTheStageWindow(t *testing.T) {
	policy := testPolicy()
	policy.StageTicks = 2
	f := newFixture(t, 2, domain.StrategySpec{Type: domain.StrategyRolling, BatchSize: 1}, policy)
	f.start(t)

	f.tick(t) // clean, 1 of 2
	// A CPU spike on the changed asset: medium severity, below every
	// trigger, so the verdict is hold and the counter resets.
	f.source.set("a1", domain.MetricCPUPercent, 95)
	f.tick(t)
	if got := f.orch.Deployment().StageIndex; got != 0 {
		t.Fatalf("StageIndex = %d after hold, want 0", got)
	}

	f.source.set("a1", domain.MetricCPUPercent, 10)
	f.tick(t) // clean, 1 of 2 again
	if got := f.orch.Deployment().StageIndex; got != 0 {
		t.Fatalf("StageIndex = %d, want 0: the hold must reset the window", got)
	}
	f.tick(t) // clean, 2 of 2
	if got := f.orch.Deployment().StageIndex; got != 1 {
		t.Fatalf("StageIndex = %d, want 1", got)
	}
}

func TestOrchestrator_PauseFreezesAdvancement(t *testing.T) {
	f := newFixture(t, 4, domain.StrategySpec{Type: domain.StrategyRolling, BatchSize: 2}, testPolicy())
	f.start(t)
	ctx := context.Background()

	if err := f.orch.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	before := f.orch.Deployment()

	// Monitoring continues while paused, but no stage starts.
	f.tick(t)
	f.tick(t)
	after := f.orch.Deployment()
	if after.StageIndex != before.StageIndex {
		t.Fatalf("StageIndex moved %d -> %d while paused", before.StageIndex, after.StageIndex)
	}
	if after.Progress != before.Progress {
		t.Fatalf("Progress moved %g -> %g while paused", before.Progress, after.Progress)
	}
	if f.executor.applied("a3") != 0 {
		t.Fatal("a3 applied while paused")
	}

	if err := f.orch.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	f.tick(t)
	if got := f.orch.Deployment().StageIndex; got != 1 {
		t.Fatalf("StageIndex = %d after resume and a clean tick, want 1", got)
	}
}

func TestOrchestrator_PausedFleetStillRollsBack(t *testing.T) {
	f := newFixture(t, 2, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, testPolicy())
	f.start(t)
	ctx := context.Background()

	if err := f.orch.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	f.source.set("a1", domain.MetricErrorRate, 0.50)
	f.tick(t)

	if got := f.orch.Deployment().Status; got != domain.StatusRolledBack {
		t.Fatalf("Status = %s, want rolled_back: paused deployments keep their rollback triggers", got)
	}
}

func TestOrchestrator_ApplyFailureTriggersRollback(t *testing.T) {
	f := newFixture(t, 5, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, testPolicy())
	f.executor.failApply["a3"] = true
	f.start(t)

	dep := f.orch.Deployment()
	if dep.Status != domain.StatusRolledBack {
		t.Fatalf("Status = %s, want rolled_back: tolerance is zero", dep.Status)
	}
	// Only the four applied assets get reverted; the failed one is
	// skipped.
	if f.executor.reverted("a3") != 0 {
		t.Fatal("a3 reverted despite its apply failing")
	}
	for _, id := range []domain.AssetID{"a1", "a2", "a4", "a5"} {
		if f.executor.reverted(id) != 1 {
			t.Errorf("%s reverted %d times, want 1", id, f.executor.reverted(id))
		}
	}

	rec, err := f.rollbacks.GetByDeployment(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Outcomes["a3"] != domain.RevertSkipped {
		t.Errorf("outcome for a3 = %s, want skipped", rec.Outcomes["a3"])
	}
}

func TestOrchestrator_ToleranceAbsorbsFailures(t *testing.T) {
	policy := testPolicy()
	policy.ApplyFailureTolerance = 0.25
	f := newFixture(t, 5, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, policy)
	f.executor.failApply["a3"] = true
	f.start(t)

	// 1 of 5 failed: 0.2 <= 0.25, the stage survives.
	dep := f.orch.Deployment()
	if dep.Status != domain.StatusInProgress {
		t.Fatalf("Status = %s, want in_progress", dep.Status)
	}
	rec, err := f.applied.Get(context.Background(), "d1", "a3")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != domain.ApplyStateFailed {
		t.Errorf("apply record for a3 = %s, want failed", rec.State)
	}
}

func TestOrchestrator_CancelTakesPrecedence(t *testing.T) {
	f := newFixture(t, 2, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, testPolicy())
	f.start(t)
	ctx := context.Background()

	if err := f.orch.Cancel(ctx, "bad patch content"); err != nil {
		t.Fatal(err)
	}
	dep := f.orch.Deployment()
	if dep.Status != domain.StatusRolledBack {
		t.Fatalf("Status = %s, want rolled_back", dep.Status)
	}

	rec, err := f.rollbacks.GetByDeployment(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Reason != "manual: bad patch content" {
		t.Errorf("Reason = %q, want the manual reason", rec.Reason)
	}

	// Ticks after cancellation are inert.
	if err := f.orch.OnTick(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestOrchestrator_TerminalStateRejectsOperations(t *testing.T) {
	f := newFixture(t, 1, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, testPolicy())
	f.start(t)
	f.tick(t)
	ctx := context.Background()

	if got := f.orch.Deployment().Status; got != domain.StatusSucceeded {
		t.Fatalf("Status = %s, want succeeded", got)
	}
	for name, op := range map[string]func() error{
		"pause":  func() error { return f.orch.Pause(ctx) },
		"resume": func() error { return f.orch.Resume(ctx) },
		"cancel": func() error { return f.orch.Cancel(ctx, "too late") },
		"start":  func() error { return f.orch.Start(ctx) },
	} {
		if err := op(); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("%s on a succeeded deployment: err = %v, want ErrInvalidState", name, err)
		}
	}
}

func TestOrchestrator_ReleasesClaimsOnTerminal(t *testing.T) {
	f := newFixture(t, 2, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, testPolicy())
	f.start(t)

	if err := f.claims.Claim("d2", []domain.AssetID{"a1"}); !errors.Is(err, domain.ErrAssetBusy) {
		t.Fatalf("claim during rollout: err = %v, want ErrAssetBusy", err)
	}
	if err := f.orch.Cancel(context.Background(), "freeing the fleet"); err != nil {
		t.Fatal(err)
	}
	if err := f.claims.Claim("d2", []domain.AssetID{"a1", "a2"}); err != nil {
		t.Fatalf("claim after terminal state: %v", err)
	}
}

func TestOrchestrator_BaselineFailureLeavesPending(t *testing.T) {
	f := newFixture(t, 2, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, testPolicy())
	f.source.fail["a1"] = true
	f.source.fail["a2"] = true

	err := f.orch.Start(context.Background())
	if !errors.Is(err, domain.ErrBaselineUnavailable) {
		t.Fatalf("err = %v, want ErrBaselineUnavailable", err)
	}
	if got := f.orch.Deployment().Status; got != domain.StatusPending {
		t.Fatalf("Status = %s, want pending", got)
	}
	if f.executor.applied("a1") != 0 {
		t.Fatal("assets changed despite baseline failure")
	}
	// The failed start must not leave assets claimed.
	if err := f.claims.Claim("d2", []domain.AssetID{"a1"}); err != nil {
		t.Fatalf("claim after failed start: %v", err)
	}
}

func TestOrchestrator_DowntimeRollback(t *testing.T) {
	policy := testPolicy()
	policy.StageTicks = 100 // keep the stage open
	f := newFixture(t, 2, domain.StrategySpec{Type: domain.StrategyAllAtOnce}, policy)
	f.start(t)

	f.source.fail["a1"] = true
	f.tick(t) // first failed sample, streak starts
	f.tick(t) // down for exactly 60s: at the threshold, not over it
	if got := f.orch.Deployment().Status; got != domain.StatusInProgress {
		t.Fatalf("Status = %s while downtime is at the threshold, want in_progress", got)
	}
	f.tick(t) // 120s: over the threshold
	if got := f.orch.Deployment().Status; got != domain.StatusRolledBack {
		t.Fatalf("Status = %s, want rolled_back after sustained downtime", got)
	}
}
