package monitor

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// Detector flags anomalies in one asset/metric window. Detectors are
// pure: same window, same verdict. A deployment runs every enabled
// detector and unions their outputs.
type Detector interface {
	Detect(asset domain.Asset, metric string, w domain.MetricWindow, now time.Time) []domain.Anomaly
}

// BuildDetectors instantiates the detectors enabled by the policy.
func BuildDetectors(set domain.DetectorSet) []Detector {
	var detectors []Detector
	if len(set.Threshold) > 0 {
		detectors = append(detectors, &ThresholdDetector{Rules: set.Threshold})
	}
	if set.Statistical != nil {
		detectors = append(detectors, &StatisticalDetector{
			ZScore:     set.Statistical.ZScore,
			MinSamples: set.Statistical.MinSamples,
		})
	}
	if len(set.Baseline) > 0 {
		detectors = append(detectors, &BaselineDetector{Rules: set.Baseline})
	}
	return detectors
}

func newAnomaly(asset domain.Asset, metric string, value float64, evidence string, now time.Time) domain.Anomaly {
	t := domain.AnomalyTypeForMetric(metric)
	return domain.Anomaly{
		Type:       t,
		Severity:   domain.EscalateForAsset(domain.DefaultSeverity(t), asset),
		Asset:      asset.ID,
		Metric:     metric,
		Value:      value,
		Evidence:   evidence,
		DetectedAt: now,
	}
}

// ThresholdDetector flags a metric when its latest value crosses a
// static configured bound. Deterministic and stateless.
type ThresholdDetector struct {
	Rules []domain.ThresholdRule
}

func (d *ThresholdDetector) Detect(asset domain.Asset, metric string, w domain.MetricWindow, now time.Time) []domain.Anomaly {
	latest, ok := w.Latest()
	if !ok {
		return nil
	}
	var out []domain.Anomaly
	for _, rule := range d.Rules {
		if rule.Metric != metric || latest.Value <= rule.UpperBound {
			continue
		}
		out = append(out, newAnomaly(asset, metric, latest.Value,
			fmt.Sprintf("%s=%.4g exceeds bound %.4g", metric, latest.Value, rule.UpperBound), now))
	}
	return out
}

// StatisticalDetector flags the latest sample when it deviates from the
// rest of the window: z-score when the window has spread, interquartile
// fences when it does not. Abstains below MinSamples prior samples so
// cold data never produces a false positive.
type StatisticalDetector struct {
	ZScore     float64
	MinSamples int
}

func (d *StatisticalDetector) Detect(asset domain.Asset, metric string, w domain.MetricWindow, now time.Time) []domain.Anomaly {
	if len(w.Samples) < d.MinSamples+1 {
		return nil
	}
	latest := w.Samples[len(w.Samples)-1].Value
	prior := make([]float64, 0, len(w.Samples)-1)
	for _, s := range w.Samples[:len(w.Samples)-1] {
		prior = append(prior, s.Value)
	}

	mean, stddev := meanStddev(prior)
	if stddev > 0 {
		z := math.Abs(latest-mean) / stddev
		if z <= d.ZScore {
			return nil
		}
		return []domain.Anomaly{newAnomaly(asset, metric, latest,
			fmt.Sprintf("%s=%.4g has z-score %.2f over window mean %.4g", metric, latest, z, mean), now)}
	}

	q1, q3 := quartiles(prior)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr
	if latest >= lo && latest <= hi {
		return nil
	}
	return []domain.Anomaly{newAnomaly(asset, metric, latest,
		fmt.Sprintf("%s=%.4g outside IQR fence [%.4g, %.4g]", metric, latest, lo, hi), now)}
}

// BaselineDetector flags a metric when its relative deviation from the
// pre-rollout baseline exceeds the configured ratio. Abstains for assets
// without a captured baseline.
type BaselineDetector struct {
	Rules []domain.BaselineRule
}

func (d *BaselineDetector) Detect(asset domain.Asset, metric string, w domain.MetricWindow, now time.Time) []domain.Anomaly {
	latest, ok := w.Latest()
	if !ok || !w.HasBaseline || w.BaselineVal == 0 {
		return nil
	}
	var out []domain.Anomaly
	for _, rule := range d.Rules {
		if rule.Metric != metric {
			continue
		}
		ratio := (latest.Value - w.BaselineVal) / w.BaselineVal
		if ratio <= rule.MaxRatio {
			continue
		}
		out = append(out, newAnomaly(asset, metric, latest.Value,
			fmt.Sprintf("%s=%.4g is %+.0f%% over baseline %.4g", metric, latest.Value, ratio*100, w.BaselineVal), now))
	}
	return out
}

func meanStddev(values []float64) (float64, float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// quartiles returns Q1 and Q3 by the median-of-halves method; the
// middle element of an odd-length window belongs to neither half.
func quartiles(values []float64) (float64, float64) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	lower := sorted[:mid]
	upper := sorted[mid:]
	if len(sorted)%2 == 1 {
		upper = sorted[mid+1:]
	}
	return median(lower), median(upper)
}

func median(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
