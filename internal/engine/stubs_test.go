package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

type memAssetRepo struct {
	mu     sync.Mutex
	assets map[domain.AssetID]domain.Asset
}

func newMemAssetRepo(assets ...domain.Asset) *memAssetRepo {
	r := &memAssetRepo{assets: make(map[domain.AssetID]domain.Asset)}
	for _, a := range assets {
		r.assets[a.ID] = a
	}
	return r
}

func (r *memAssetRepo) Create(_ context.Context, a domain.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[a.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.assets[a.ID] = a
	return nil
}

func (r *memAssetRepo) Get(_ context.Context, id domain.AssetID) (domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok {
		return domain.Asset{}, fmt.Errorf("%w: asset %q", domain.ErrNotFound, id)
	}
	return a, nil
}

func (r *memAssetRepo) List(_ context.Context) ([]domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memAssetRepo) Delete(_ context.Context, id domain.AssetID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assets, id)
	return nil
}

type memDeploymentRepo struct {
	mu   sync.Mutex
	deps map[domain.DeploymentID]domain.Deployment
}

func newMemDeploymentRepo() *memDeploymentRepo {
	return &memDeploymentRepo{deps: make(map[domain.DeploymentID]domain.Deployment)}
}

func (r *memDeploymentRepo) Create(_ context.Context, d domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deps[d.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.deps[d.ID] = d
	return nil
}

func (r *memDeploymentRepo) Get(_ context.Context, id domain.DeploymentID) (domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deps[id]
	if !ok {
		return domain.Deployment{}, fmt.Errorf("%w: deployment %q", domain.ErrNotFound, id)
	}
	return d, nil
}

func (r *memDeploymentRepo) List(_ context.Context) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Deployment, 0, len(r.deps))
	for _, d := range r.deps {
		out = append(out, d)
	}
	return out, nil
}

func (r *memDeploymentRepo) ListActive(_ context.Context) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, d := range r.deps {
		if d.Status == domain.StatusInProgress || d.Status == domain.StatusPaused {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memDeploymentRepo) Update(_ context.Context, d domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deps[d.ID]; !ok {
		return fmt.Errorf("%w: deployment %q", domain.ErrNotFound, d.ID)
	}
	r.deps[d.ID] = d
	return nil
}

func (r *memDeploymentRepo) Delete(_ context.Context, id domain.DeploymentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deps, id)
	return nil
}

type applyKey struct {
	dep   domain.DeploymentID
	asset domain.AssetID
}

type memApplyRepo struct {
	mu      sync.Mutex
	records map[applyKey]domain.ApplyRecord
	putErr  error
}

func newMemApplyRepo() *memApplyRepo {
	return &memApplyRepo{records: make(map[applyKey]domain.ApplyRecord)}
}

// failPuts makes every Put return err until cleared with nil.
func (r *memApplyRepo) failPuts(err error) {
	r.mu.Lock()
	r.putErr = err
	r.mu.Unlock()
}

func (r *memApplyRepo) Put(_ context.Context, rec domain.ApplyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return r.putErr
	}
	r.records[applyKey{rec.DeploymentID, rec.AssetID}] = rec
	return nil
}

func (r *memApplyRepo) Get(_ context.Context, dep domain.DeploymentID, asset domain.AssetID) (domain.ApplyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[applyKey{dep, asset}]
	if !ok {
		return domain.ApplyRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (r *memApplyRepo) ListByDeployment(_ context.Context, dep domain.DeploymentID) ([]domain.ApplyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ApplyRecord
	for k, rec := range r.records {
		if k.dep == dep {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

type memRollbackRepo struct {
	mu      sync.Mutex
	records map[domain.DeploymentID]domain.RollbackRecord
}

func newMemRollbackRepo() *memRollbackRepo {
	return &memRollbackRepo{records: make(map[domain.DeploymentID]domain.RollbackRecord)}
}

func (r *memRollbackRepo) Create(_ context.Context, rec domain.RollbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.DeploymentID]; ok {
		return fmt.Errorf("%w: rollback for %q", domain.ErrAlreadyExists, rec.DeploymentID)
	}
	r.records[rec.DeploymentID] = rec
	return nil
}

func (r *memRollbackRepo) GetByDeployment(_ context.Context, dep domain.DeploymentID) (domain.RollbackRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[dep]
	if !ok {
		return domain.RollbackRecord{}, fmt.Errorf("%w: rollback for %q", domain.ErrNotFound, dep)
	}
	return rec, nil
}

// stubExecutor records apply/revert calls and fails them for the
// configured assets.
type stubExecutor struct {
	mu          sync.Mutex
	applyCalls  map[domain.AssetID]int
	revertCalls map[domain.AssetID]int
	failApply   map[domain.AssetID]bool
	failRevert  map[domain.AssetID]bool
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		applyCalls:  make(map[domain.AssetID]int),
		revertCalls: make(map[domain.AssetID]int),
		failApply:   make(map[domain.AssetID]bool),
		failRevert:  make(map[domain.AssetID]bool),
	}
}

func (e *stubExecutor) Apply(_ context.Context, asset domain.Asset, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyCalls[asset.ID]++
	if e.failApply[asset.ID] {
		return errors.New("patch apply failed: exit status 1")
	}
	return nil
}

func (e *stubExecutor) Revert(_ context.Context, asset domain.Asset, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revertCalls[asset.ID]++
	if e.failRevert[asset.ID] {
		return errors.New("patch revert failed: exit status 1")
	}
	return nil
}

func (e *stubExecutor) applied(id domain.AssetID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyCalls[id]
}

func (e *stubExecutor) reverted(id domain.AssetID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revertCalls[id]
}

// stubSource serves canned per-asset metric values and can be toggled
// to fail per asset.
type stubSource struct {
	mu     sync.Mutex
	values map[domain.AssetID]map[string]float64
	fail   map[domain.AssetID]bool
}

func newStubSource() *stubSource {
	return &stubSource{
		values: make(map[domain.AssetID]map[string]float64),
		fail:   make(map[domain.AssetID]bool),
	}
}

func (s *stubSource) set(id domain.AssetID, metric string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[id] == nil {
		s.values[id] = make(map[string]float64)
	}
	s.values[id][metric] = value
}

func (s *stubSource) Sample(_ context.Context, asset domain.Asset, metrics []string) ([]domain.MetricPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[asset.ID] {
		return nil, errors.New("dial tcp: connection refused")
	}
	points := make([]domain.MetricPoint, 0, len(metrics))
	for _, m := range metrics {
		v := s.values[asset.ID][m]
		points = append(points, domain.MetricPoint{Metric: m, Value: v})
	}
	return points, nil
}

// captureSink records published events and can be taken down to force
// the publisher's retry path.
type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
	down   bool
}

func (s *captureSink) Publish(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("broker unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *captureSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

type stubClock struct {
	mu sync.Mutex
	at time.Time
}

func newStubClock() *stubClock {
	return &stubClock{at: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stubClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}
