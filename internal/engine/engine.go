package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
	"github.com/vulnzero/vulnzero/rollout-server/internal/metrics"
)

// Engine owns the live orchestrators: one per deployment, each running
// its tick loop as an independent goroutine. Deployments share no
// mutable state except the asset claim registry.
type Engine struct {
	deps Deps

	loopCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[domain.DeploymentID]*Orchestrator
	wg     sync.WaitGroup
}

// New creates an engine over the given collaborators. Claims and Stats
// default when nil; the rollback runner is built from Workflows when
// not supplied. The workflow is registered exactly once and shared by
// every orchestrator.
func New(deps Deps) (*Engine, error) {
	if deps.Claims == nil {
		deps.Claims = NewClaims()
	}
	if deps.Stats == nil {
		deps.Stats = metrics.Noop{}
	}
	if deps.Rollback == nil {
		wf := &domain.RollbackWorkflow{
			Deployments: deps.Deployments,
			Assets:      deps.Assets,
			Applied:     deps.Applied,
			Records:     deps.Rollbacks,
			Executor:    deps.Executor,
			Now:         deps.Now,
		}
		runner, err := deps.Workflows.RollbackRunner(wf)
		if err != nil {
			return nil, fmt.Errorf("create rollback runner: %w", err)
		}
		deps.Rollback = runner
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:    deps,
		loopCtx: ctx,
		stop:    cancel,
		active:  make(map[domain.DeploymentID]*Orchestrator),
	}, nil
}

// CreateDeploymentInput is the caller-provided input for creating a
// deployment. A nil Policy takes the defaults.
type CreateDeploymentInput struct {
	ID        domain.DeploymentID
	PatchRef  string
	Selection domain.SelectionSpec
	Strategy  domain.StrategySpec
	Policy    *domain.Policy
}

// CreateDeployment validates the input, resolves the target asset set,
// and persists a pending deployment. Nothing is applied until Start.
func (e *Engine) CreateDeployment(ctx context.Context, in CreateDeploymentInput) (domain.Deployment, error) {
	if in.ID == "" {
		in.ID = domain.DeploymentID(uuid.NewString())
	}
	if in.PatchRef == "" {
		return domain.Deployment{}, fmt.Errorf("%w: patch reference is required", domain.ErrInvalidArgument)
	}

	pool, err := e.deps.Assets.List(ctx)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("list assets: %w", err)
	}
	resolved, err := in.Selection.Resolve(pool)
	if err != nil {
		return domain.Deployment{}, err
	}

	policy := domain.DefaultPolicy()
	if in.Policy != nil {
		policy = *in.Policy
	}
	if err := policy.Validate(); err != nil {
		return domain.Deployment{}, err
	}
	if err := in.Strategy.Validate(len(resolved)); err != nil {
		return domain.Deployment{}, err
	}

	dep := domain.Deployment{
		ID:        in.ID,
		PatchRef:  in.PatchRef,
		Selection: in.Selection,
		Targets:   domain.AssetIDs(resolved),
		Strategy:  in.Strategy,
		Policy:    policy,
		Status:    domain.StatusPending,
		CreatedAt: e.deps.now(),
	}
	if err := e.deps.Deployments.Create(ctx, dep); err != nil {
		return domain.Deployment{}, err
	}
	return dep, nil
}

// Start begins the rollout: baseline capture, stage 0 application, and
// the background tick loop. Registration happens before any side
// effects, so a second Start for the same deployment fails with
// ErrInvalidState instead of racing the first through baseline capture
// and stage application.
func (e *Engine) Start(ctx context.Context, id domain.DeploymentID) error {
	dep, err := e.deps.Deployments.Get(ctx, id)
	if err != nil {
		return err
	}
	o, err := NewOrchestrator(ctx, e.deps, dep)
	if err != nil {
		return err
	}
	if err := e.register(o); err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		if status := o.Status(); status == domain.StatusPending || status.Terminal() {
			e.untrack(id)
			return err
		}
		// The in-progress transition persisted but stage application
		// hit a storage error. Keep the orchestrator live so its tick
		// loop keeps monitoring the claimed assets.
		e.run(o)
		return err
	}
	e.run(o)
	return nil
}

// RecoverActive re-attaches orchestrators to every deployment that was
// live when the process last stopped and restarts their monitoring.
func (e *Engine) RecoverActive(ctx context.Context) error {
	deps, err := e.deps.Deployments.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active deployments: %w", err)
	}
	for _, dep := range deps {
		o, err := NewOrchestrator(ctx, e.deps, dep)
		if err != nil {
			return fmt.Errorf("recover deployment %q: %w", dep.ID, err)
		}
		if err := e.register(o); err != nil {
			return fmt.Errorf("recover deployment %q: %w", dep.ID, err)
		}
		if err := o.Recover(ctx); err != nil {
			e.untrack(dep.ID)
			return fmt.Errorf("recover deployment %q: %w", dep.ID, err)
		}
		log.Info().
			Str("deployment", string(dep.ID)).
			Str("status", string(dep.Status)).
			Int("stage", dep.StageIndex).
			Msg("resumed monitoring")
		e.run(o)
	}
	return nil
}

// Pause suspends stage advancement for an in-progress deployment.
func (e *Engine) Pause(ctx context.Context, id domain.DeploymentID) error {
	o, err := e.orchestrator(id)
	if err != nil {
		return err
	}
	return o.Pause(ctx)
}

// Resume continues a paused deployment from its current stage.
func (e *Engine) Resume(ctx context.Context, id domain.DeploymentID) error {
	o, err := e.orchestrator(id)
	if err != nil {
		return err
	}
	return o.Resume(ctx)
}

// Cancel rolls back every changed asset of a live deployment.
func (e *Engine) Cancel(ctx context.Context, id domain.DeploymentID, reason string) error {
	o, err := e.orchestrator(id)
	if err != nil {
		return err
	}
	return o.Cancel(ctx, reason)
}

// Get returns the deployment, preferring the live orchestrator's view.
func (e *Engine) Get(ctx context.Context, id domain.DeploymentID) (domain.Deployment, error) {
	e.mu.Lock()
	o, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		return o.Deployment(), nil
	}
	return e.deps.Deployments.Get(ctx, id)
}

// Close stops every tick loop and waits for them to exit.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// register claims the live-orchestrator slot for the deployment. At
// most one orchestrator per deployment exists at a time.
func (e *Engine) register(o *Orchestrator) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := o.Deployment().ID
	if _, ok := e.active[id]; ok {
		return fmt.Errorf("%w: deployment %q already has a live orchestrator", domain.ErrInvalidState, id)
	}
	e.active[id] = o
	return nil
}

func (e *Engine) untrack(id domain.DeploymentID) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// run starts the registered orchestrator's tick loop.
func (e *Engine) run(o *Orchestrator) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		o.Run(e.loopCtx)
		e.untrack(o.Deployment().ID)
	}()
}

func (e *Engine) orchestrator(id domain.DeploymentID) (*Orchestrator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: deployment %q has no live orchestrator", domain.ErrInvalidState, id)
	}
	return o, nil
}
