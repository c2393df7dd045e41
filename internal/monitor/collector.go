// Package monitor implements the per-tick observation pipeline: metric
// collection, anomaly detection, and the rollback decision. Collection
// has external side effects; detection and the decision are pure over
// their inputs so they stay testable without mocking time or network.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// Collector samples assets through the metric source and retains a
// rolling window per asset/metric plus the permanent pre-rollout
// baseline. One collector serves one deployment.
type Collector struct {
	source      domain.MetricSource
	metrics     []string
	window      int
	callTimeout time.Duration

	// Now is the clock used for fallback sample timestamps and downtime
	// tracking; nil means time.Now.
	Now func() time.Time

	mu       sync.Mutex
	baseline map[domain.AssetID]map[string]float64
	samples  map[domain.AssetID]map[string][]domain.MetricSample
	// downSince tracks the start of each asset's current unbroken run
	// of failed sample calls.
	downSince map[domain.AssetID]time.Time
}

// NewCollector creates a collector for the given metric names. The
// window bounds retained samples per asset/metric; baseline samples are
// kept outside it and never evicted.
func NewCollector(source domain.MetricSource, metrics []string, window int, callTimeout time.Duration) *Collector {
	return &Collector{
		source:      source,
		metrics:     metrics,
		window:      window,
		callTimeout: callTimeout,
		baseline:    make(map[domain.AssetID]map[string]float64),
		samples:     make(map[domain.AssetID]map[string][]domain.MetricSample),
		downSince:   make(map[domain.AssetID]time.Time),
	}
}

// CaptureBaseline samples each configured metric once per asset before
// the rollout starts. Assets unreachable at baseline time are logged and
// excluded from baseline comparison until they report a sample; if no
// asset reports at all the rollout cannot start and the error wraps
// ErrBaselineUnavailable.
func (c *Collector) CaptureBaseline(ctx context.Context, assets []domain.Asset) error {
	captured := 0
	for _, asset := range assets {
		points, err := c.sampleOne(ctx, asset)
		if err != nil {
			log.Warn().Err(err).
				Str("asset", string(asset.ID)).
				Msg("asset unreachable at baseline capture")
			continue
		}
		c.mu.Lock()
		base := make(map[string]float64, len(points))
		for _, p := range points {
			base[p.Metric] = p.Value
		}
		c.baseline[asset.ID] = base
		c.mu.Unlock()
		captured++
	}
	if captured == 0 {
		return fmt.Errorf("%w: no asset reported a baseline sample", domain.ErrBaselineUnavailable)
	}
	return nil
}

// Sample appends one observation per asset/metric and evicts samples
// beyond the retention window. Per-asset failures do not abort the
// batch; they are returned keyed by asset and tracked as downtime.
func (c *Collector) Sample(ctx context.Context, assets []domain.Asset) map[domain.AssetID]error {
	failures := make(map[domain.AssetID]error)
	for _, asset := range assets {
		points, err := c.sampleOne(ctx, asset)
		if err != nil {
			failures[asset.ID] = err
			c.markDown(asset.ID)
			continue
		}
		c.record(asset.ID, points)
	}
	return failures
}

func (c *Collector) sampleOne(ctx context.Context, asset domain.Asset) ([]domain.MetricPoint, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.source.Sample(callCtx, asset, c.metrics)
}

func (c *Collector) record(id domain.AssetID, points []domain.MetricPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.downSince, id)

	byMetric, ok := c.samples[id]
	if !ok {
		byMetric = make(map[string][]domain.MetricSample, len(c.metrics))
		c.samples[id] = byMetric
	}
	for _, p := range points {
		at := p.At
		if at.IsZero() {
			at = c.now()
		}
		series := append(byMetric[p.Metric], domain.MetricSample{
			Asset:  id,
			Metric: p.Metric,
			Value:  p.Value,
			At:     at,
		})
		if len(series) > c.window {
			series = series[len(series)-c.window:]
		}
		byMetric[p.Metric] = series
	}
}

func (c *Collector) markDown(id domain.AssetID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.downSince[id]; !ok {
		c.downSince[id] = c.now()
	}
}

// SeedBaseline loads a previously captured baseline, for resuming a
// deployment after a process restart. The baseline is never recaptured.
func (c *Collector) SeedBaseline(baseline map[domain.AssetID]map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, metrics := range baseline {
		copied := make(map[string]float64, len(metrics))
		for m, v := range metrics {
			copied[m] = v
		}
		c.baseline[id] = copied
	}
}

// ExportBaseline returns a copy of the captured baseline for persistence.
func (c *Collector) ExportBaseline() map[domain.AssetID]map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.AssetID]map[string]float64, len(c.baseline))
	for id, metrics := range c.baseline {
		copied := make(map[string]float64, len(metrics))
		for m, v := range metrics {
			copied[m] = v
		}
		out[id] = copied
	}
	return out
}

// Window returns the retained series plus the baseline value for one
// asset/metric pair.
func (c *Collector) Window(id domain.AssetID, metric string) domain.MetricWindow {
	c.mu.Lock()
	defer c.mu.Unlock()

	var w domain.MetricWindow
	if series, ok := c.samples[id]; ok {
		w.Samples = series[metric]
	}
	if base, ok := c.baseline[id]; ok {
		if v, ok := base[metric]; ok {
			w.BaselineVal = v
			w.HasBaseline = true
		}
	}
	return w
}

// DownFor returns how long each of the given assets has been
// continuously unreachable. Reachable assets are absent from the result.
func (c *Collector) DownFor(assets []domain.AssetID) map[domain.AssetID]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[domain.AssetID]time.Duration)
	for _, id := range assets {
		if since, ok := c.downSince[id]; ok {
			out[id] = now.Sub(since)
		}
	}
	return out
}

// LatestAverage returns the mean of the most recent sample of one metric
// across the given assets. Assets with no sample for the metric are
// excluded; with no contributing asset it returns zero.
func (c *Collector) LatestAverage(assets []domain.AssetID, metric string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	sum, n := 0.0, 0
	for _, id := range assets {
		series, ok := c.samples[id]
		if !ok {
			continue
		}
		s := series[metric]
		if len(s) == 0 {
			continue
		}
		sum += s[len(s)-1].Value
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
