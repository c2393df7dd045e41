package domain

import (
	"fmt"
	"time"
)

// Action is the verdict of one decision-maker evaluation.
type Action string

const (
	// ActionContinue means no anomalies; stage advancement proceeds.
	ActionContinue Action = "continue"
	// ActionHold means anomalies are present but below every trigger:
	// the rollout stays at the current stage, no rollback.
	ActionHold Action = "hold"
	// ActionRollback means a trigger rule fired.
	ActionRollback Action = "rollback"
)

// Decision is the decision maker's verdict for one tick.
type Decision struct {
	Action Action
	// Reason names the policy rule that fired, for rollback decisions.
	Reason string
}

// RollbackRules are the automatic rollback triggers. The rules are a
// flat OR: any single satisfied rule triggers rollback, and evaluation
// order does not affect the outcome.
type RollbackRules struct {
	// CriticalCount triggers when at least this many critical-severity
	// anomalies are present in one tick.
	CriticalCount int
	// HighCount triggers when at least this many high-severity
	// anomalies are present in one tick.
	HighCount int
	// ErrorRateThreshold triggers when the aggregate error rate across
	// changed assets exceeds this fraction.
	ErrorRateThreshold float64
	// DowntimeThreshold triggers when any changed asset has been
	// continuously unreachable for longer than this.
	DowntimeThreshold time.Duration
}

// ThresholdRule flags a metric when its latest value crosses a static bound.
type ThresholdRule struct {
	Metric     string
	UpperBound float64
}

// BaselineRule flags a metric when its relative deviation from the
// captured baseline exceeds MaxRatio (e.g. 2.0 means +200%).
type BaselineRule struct {
	Metric   string
	MaxRatio float64
}

// StatisticalSpec configures the statistical detector. The detector
// abstains until MinSamples prior samples are retained for a series.
type StatisticalSpec struct {
	ZScore     float64
	MinSamples int
}

// DetectorSet enables and parameterizes the anomaly detectors for a
// deployment. Detectors run concurrently over the same windows and their
// outputs are unioned.
type DetectorSet struct {
	Threshold   []ThresholdRule
	Statistical *StatisticalSpec
	Baseline    []BaselineRule
}

// Policy is the per-deployment monitoring and rollback configuration.
type Policy struct {
	TickInterval time.Duration
	// StageTicks is the monitoring window per stage, in ticks. A stage
	// advances only after this many consecutive continue verdicts.
	StageTicks int
	Rules      RollbackRules
	Detectors  DetectorSet
	// Metrics are the metric names sampled each tick.
	Metrics []string
	// SampleWindow is the number of retained samples per asset/metric.
	SampleWindow int
	// ApplyFailureTolerance is the fraction of per-asset apply failures
	// a stage absorbs before rollback triggers. Zero means any failure.
	ApplyFailureTolerance float64
	// RollbackRetries bounds revert retries per asset.
	RollbackRetries int
	// MaxParallel bounds per-stage apply fan-out.
	MaxParallel int
	// CallTimeout bounds each adapter call. A timeout is a definite
	// per-asset failure, not a retryable transient.
	CallTimeout time.Duration
}

// DefaultPolicy returns the policy applied when a deployment is created
// without overrides.
func DefaultPolicy() Policy {
	return Policy{
		TickInterval: 60 * time.Second,
		StageTicks:   3,
		Rules: RollbackRules{
			CriticalCount:      1,
			HighCount:          3,
			ErrorRateThreshold: 0.10,
			DowntimeThreshold:  60 * time.Second,
		},
		Detectors: DetectorSet{
			Threshold: []ThresholdRule{
				{Metric: MetricErrorRate, UpperBound: 0.05},
				{Metric: MetricDiskPercent, UpperBound: 95},
			},
			Statistical: &StatisticalSpec{ZScore: 3.0, MinSamples: 5},
			Baseline: []BaselineRule{
				{Metric: MetricLatencyMs, MaxRatio: 2.0},
				{Metric: MetricMemoryMB, MaxRatio: 1.0},
			},
		},
		Metrics: []string{
			MetricErrorRate, MetricLatencyMs, MetricCPUPercent,
			MetricMemoryMB, MetricDiskPercent,
		},
		SampleWindow:          50,
		ApplyFailureTolerance: 0,
		RollbackRetries:       2,
		MaxParallel:           4,
		CallTimeout:           30 * time.Second,
	}
}

// Validate rejects malformed policies with ErrPolicyViolation.
func (p Policy) Validate() error {
	if p.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrPolicyViolation)
	}
	if p.StageTicks <= 0 {
		return fmt.Errorf("%w: stage ticks must be positive", ErrPolicyViolation)
	}
	if p.SampleWindow <= 0 {
		return fmt.Errorf("%w: sample window must be positive", ErrPolicyViolation)
	}
	if p.ApplyFailureTolerance < 0 || p.ApplyFailureTolerance >= 1 {
		return fmt.Errorf("%w: apply failure tolerance must be in [0,1)", ErrPolicyViolation)
	}
	if p.RollbackRetries < 0 {
		return fmt.Errorf("%w: rollback retries must not be negative", ErrPolicyViolation)
	}
	if p.MaxParallel <= 0 {
		return fmt.Errorf("%w: max parallel must be positive", ErrPolicyViolation)
	}
	if p.CallTimeout <= 0 {
		return fmt.Errorf("%w: call timeout must be positive", ErrPolicyViolation)
	}
	if len(p.Metrics) == 0 {
		return fmt.Errorf("%w: at least one metric must be sampled", ErrPolicyViolation)
	}
	if s := p.Detectors.Statistical; s != nil {
		if s.ZScore <= 0 {
			return fmt.Errorf("%w: statistical z-score must be positive", ErrPolicyViolation)
		}
		if s.MinSamples <= 1 {
			return fmt.Errorf("%w: statistical min samples must exceed one", ErrPolicyViolation)
		}
	}
	for _, r := range p.Detectors.Baseline {
		if r.MaxRatio <= 0 {
			return fmt.Errorf("%w: baseline rule for %q requires a positive ratio", ErrPolicyViolation, r.Metric)
		}
	}
	return nil
}
