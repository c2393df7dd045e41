package domain

import (
	"fmt"
	"math"
)

// StrategyType identifies the kind of rollout strategy.
type StrategyType string

const (
	StrategyAllAtOnce StrategyType = "all_at_once"
	StrategyRolling   StrategyType = "rolling"
	StrategyCanary    StrategyType = "canary"
)

// StrategySpec is the caller-provided specification of rollout pacing.
// It is a closed union: the orchestrator's control flow is identical
// across strategies, only stage target selection differs.
type StrategySpec struct {
	Type StrategyType
	// BatchSize is the number of assets per stage for "rolling".
	BatchSize int
	// StageFractions are cumulative asset fractions for "canary",
	// strictly increasing with a final value of 1.0. Canary assets from
	// stage k remain changed in stage k+1; each stage's delta only
	// expands the changed set.
	StageFractions []float64
}

// Validate checks the spec against the resolved target count. Malformed
// specs are rejected with ErrPolicyViolation.
func (s StrategySpec) Validate(targetCount int) error {
	if targetCount == 0 {
		return fmt.Errorf("%w: deployment resolves to zero targets", ErrPolicyViolation)
	}
	switch s.Type {
	case StrategyAllAtOnce:
		return nil
	case StrategyRolling:
		if s.BatchSize <= 0 {
			return fmt.Errorf("%w: rolling strategy requires a positive batch size", ErrPolicyViolation)
		}
		return nil
	case StrategyCanary:
		if len(s.StageFractions) == 0 {
			return fmt.Errorf("%w: canary strategy requires stage fractions", ErrPolicyViolation)
		}
		prev := 0.0
		for i, f := range s.StageFractions {
			if f <= prev || f > 1.0 {
				return fmt.Errorf("%w: canary fractions must be strictly increasing in (0,1], got %v at index %d", ErrPolicyViolation, f, i)
			}
			prev = f
		}
		if s.StageFractions[len(s.StageFractions)-1] != 1.0 {
			return fmt.Errorf("%w: canary fractions must end at 1.0", ErrPolicyViolation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported strategy type %q", ErrPolicyViolation, s.Type)
	}
}

// StageCount returns the number of stages for the given target count.
func (s StrategySpec) StageCount(targetCount int) int {
	switch s.Type {
	case StrategyRolling:
		return (targetCount + s.BatchSize - 1) / s.BatchSize
	case StrategyCanary:
		return len(s.StageFractions)
	default:
		return 1
	}
}

// StageDelta returns the assets newly changed in the given stage: the
// slice of targets covered by that stage and no earlier one. Across all
// stages the deltas partition the target set; no asset appears twice.
func (s StrategySpec) StageDelta(targets []AssetID, stage int) []AssetID {
	from, to := s.stageBounds(len(targets), stage)
	if from >= to {
		return nil
	}
	return targets[from:to]
}

// CumulativeTargets returns every asset changed by stages 0..stage
// inclusive, in rollout order.
func (s StrategySpec) CumulativeTargets(targets []AssetID, stage int) []AssetID {
	_, to := s.stageBounds(len(targets), stage)
	return targets[:to]
}

func (s StrategySpec) stageBounds(n, stage int) (int, int) {
	switch s.Type {
	case StrategyRolling:
		from := stage * s.BatchSize
		to := from + s.BatchSize
		if from > n {
			from = n
		}
		if to > n {
			to = n
		}
		return from, to
	case StrategyCanary:
		if stage >= len(s.StageFractions) {
			return n, n
		}
		from := 0
		if stage > 0 {
			from = canaryCount(n, s.StageFractions[stage-1])
		}
		return from, canaryCount(n, s.StageFractions[stage])
	default:
		if stage > 0 {
			return n, n
		}
		return 0, n
	}
}

// canaryCount maps a cumulative fraction onto an asset count. Rounding is
// up so a non-zero fraction always changes at least one asset; the final
// fraction of 1.0 always covers the whole set.
func canaryCount(n int, fraction float64) int {
	c := int(math.Ceil(fraction * float64(n)))
	if c > n {
		c = n
	}
	return c
}
