package monitor_test

import (
	"testing"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
	"github.com/vulnzero/vulnzero/rollout-server/internal/monitor"
)

var detectAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func window(values ...float64) domain.MetricWindow {
	w := domain.MetricWindow{}
	for i, v := range values {
		w.Samples = append(w.Samples, domain.MetricSample{
			Asset:  "a1",
			Metric: domain.MetricLatencyMs,
			Value:  v,
			At:     detectAt.Add(time.Duration(i) * time.Minute),
		})
	}
	return w
}

func TestStatistical_FlatWindowThenSpike(t *testing.T) {
	d := &monitor.StatisticalDetector{ZScore: 3.0, MinSamples: 5}
	w := window(10, 10, 10, 10, 10, 100)

	got := d.Detect(domain.Asset{ID: "a1"}, domain.MetricLatencyMs, w, detectAt)
	if len(got) != 1 {
		t.Fatalf("expected the spike flagged against a flat window, got %d anomalies", len(got))
	}
	if got[0].Type != domain.AnomalyHighLatency {
		t.Errorf("Type = %s, want %s", got[0].Type, domain.AnomalyHighLatency)
	}
	if got[0].Value != 100 {
		t.Errorf("Value = %g, want 100", got[0].Value)
	}
}

func TestStatistical_NoisyWindowAbsorbsSmallMove(t *testing.T) {
	d := &monitor.StatisticalDetector{ZScore: 3.0, MinSamples: 5}
	w := window(10, 11, 9, 10, 12, 11)

	if got := d.Detect(domain.Asset{ID: "a1"}, domain.MetricLatencyMs, w, detectAt); len(got) != 0 {
		t.Fatalf("11 is within the noise of [10 11 9 10 12], got %d anomalies", len(got))
	}
}

func TestStatistical_AbstainsOnColdData(t *testing.T) {
	d := &monitor.StatisticalDetector{ZScore: 3.0, MinSamples: 5}
	// Five samples total: only four priors, below the minimum.
	w := window(10, 10, 10, 10, 500)

	if got := d.Detect(domain.Asset{ID: "a1"}, domain.MetricLatencyMs, w, detectAt); len(got) != 0 {
		t.Fatalf("detector must abstain below %d prior samples, got %d anomalies", 5, len(got))
	}
}

func TestThreshold_FlagsLatestAboveBound(t *testing.T) {
	d := &monitor.ThresholdDetector{Rules: []domain.ThresholdRule{
		{Metric: domain.MetricErrorRate, UpperBound: 0.05},
	}}
	w := domain.MetricWindow{Samples: []domain.MetricSample{
		{Asset: "a1", Metric: domain.MetricErrorRate, Value: 0.02, At: detectAt},
		{Asset: "a1", Metric: domain.MetricErrorRate, Value: 0.08, At: detectAt},
	}}

	got := d.Detect(domain.Asset{ID: "a1"}, domain.MetricErrorRate, w, detectAt)
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(got))
	}
	if got[0].Severity != domain.SeverityCritical {
		t.Errorf("error rate severity = %s, want critical", got[0].Severity)
	}

	below := domain.MetricWindow{Samples: []domain.MetricSample{
		{Asset: "a1", Metric: domain.MetricErrorRate, Value: 0.05, At: detectAt},
	}}
	if got := d.Detect(domain.Asset{ID: "a1"}, domain.MetricErrorRate, below, detectAt); len(got) != 0 {
		t.Fatalf("value at the bound must not flag, got %d anomalies", len(got))
	}
}

func TestBaseline_RelativeDeviation(t *testing.T) {
	d := &monitor.BaselineDetector{Rules: []domain.BaselineRule{
		{Metric: domain.MetricLatencyMs, MaxRatio: 2.0},
	}}

	over := window(350)
	over.BaselineVal, over.HasBaseline = 100, true
	if got := d.Detect(domain.Asset{ID: "a1"}, domain.MetricLatencyMs, over, detectAt); len(got) != 1 {
		t.Fatalf("+250%% over baseline must flag, got %d anomalies", len(got))
	}

	under := window(250)
	under.BaselineVal, under.HasBaseline = 100, true
	if got := d.Detect(domain.Asset{ID: "a1"}, domain.MetricLatencyMs, under, detectAt); len(got) != 0 {
		t.Fatalf("+150%% is within the 200%% ratio, got %d anomalies", len(got))
	}
}

func TestBaseline_AbstainsWithoutBaseline(t *testing.T) {
	d := &monitor.BaselineDetector{Rules: []domain.BaselineRule{
		{Metric: domain.MetricLatencyMs, MaxRatio: 2.0},
	}}
	if got := d.Detect(domain.Asset{ID: "a1"}, domain.MetricLatencyMs, window(9999), detectAt); len(got) != 0 {
		t.Fatalf("no baseline captured, detector must abstain; got %d anomalies", len(got))
	}
}

func TestMaxCriticalityAssetEscalates(t *testing.T) {
	d := &monitor.ThresholdDetector{Rules: []domain.ThresholdRule{
		{Metric: domain.MetricCPUPercent, UpperBound: 90},
	}}
	w := domain.MetricWindow{Samples: []domain.MetricSample{
		{Asset: "pay-1", Metric: domain.MetricCPUPercent, Value: 99, At: detectAt},
	}}

	got := d.Detect(domain.Asset{ID: "pay-1", Criticality: domain.MaxCriticality}, domain.MetricCPUPercent, w, detectAt)
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(got))
	}
	// CPU spikes are medium by default; a max-criticality asset raises
	// them one level.
	if got[0].Severity != domain.SeverityHigh {
		t.Errorf("Severity = %s, want high", got[0].Severity)
	}
}

func TestBuildDetectors(t *testing.T) {
	set := domain.DetectorSet{
		Threshold:   []domain.ThresholdRule{{Metric: domain.MetricErrorRate, UpperBound: 0.05}},
		Statistical: &domain.StatisticalSpec{ZScore: 3, MinSamples: 5},
		Baseline:    []domain.BaselineRule{{Metric: domain.MetricLatencyMs, MaxRatio: 2}},
	}
	if got := monitor.BuildDetectors(set); len(got) != 3 {
		t.Fatalf("expected 3 detectors, got %d", len(got))
	}
	if got := monitor.BuildDetectors(domain.DetectorSet{}); len(got) != 0 {
		t.Fatalf("empty set must build no detectors, got %d", len(got))
	}
}
