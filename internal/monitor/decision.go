package monitor

import (
	"fmt"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// TickReport is the decision maker's input for one tick: the unioned
// detector output plus the collector's aggregate views over the changed
// asset set.
type TickReport struct {
	Anomalies          []domain.Anomaly
	AggregateErrorRate float64
	// Down maps each unreachable changed asset to its continuous
	// unreachability duration.
	Down map[domain.AssetID]time.Duration
}

// DecisionMaker evaluates one tick against the rollback rules. Pure
// function of the report: the rules are a flat OR and evaluation order
// never changes the outcome.
type DecisionMaker struct {
	Rules domain.RollbackRules
}

// Decide returns rollback when any rule fires, hold when anomalies are
// present below every trigger, and continue otherwise.
func (m DecisionMaker) Decide(report TickReport) domain.Decision {
	criticals, highs := 0, 0
	for _, a := range report.Anomalies {
		switch a.Severity {
		case domain.SeverityCritical:
			criticals++
		case domain.SeverityHigh:
			highs++
		}
	}

	if m.Rules.CriticalCount > 0 && criticals >= m.Rules.CriticalCount {
		return domain.Decision{
			Action: domain.ActionRollback,
			Reason: fmt.Sprintf("critical anomaly count %d reached threshold %d", criticals, m.Rules.CriticalCount),
		}
	}
	if m.Rules.HighCount > 0 && highs >= m.Rules.HighCount {
		return domain.Decision{
			Action: domain.ActionRollback,
			Reason: fmt.Sprintf("high anomaly count %d reached threshold %d", highs, m.Rules.HighCount),
		}
	}
	if m.Rules.ErrorRateThreshold > 0 && report.AggregateErrorRate > m.Rules.ErrorRateThreshold {
		return domain.Decision{
			Action: domain.ActionRollback,
			Reason: fmt.Sprintf("aggregate error rate %.4f exceeds threshold %.4f", report.AggregateErrorRate, m.Rules.ErrorRateThreshold),
		}
	}
	if m.Rules.DowntimeThreshold > 0 {
		for id, d := range report.Down {
			if d > m.Rules.DowntimeThreshold {
				return domain.Decision{
					Action: domain.ActionRollback,
					Reason: fmt.Sprintf("asset %s unreachable for %s, over threshold %s", id, d, m.Rules.DowntimeThreshold),
				}
			}
		}
	}

	if len(report.Anomalies) > 0 || len(report.Down) > 0 {
		return domain.Decision{Action: domain.ActionHold}
	}
	return domain.Decision{Action: domain.ActionContinue}
}
