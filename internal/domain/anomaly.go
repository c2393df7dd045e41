package domain

import (
	"strings"
	"time"
)

// AnomalyType classifies a detected deviation.
type AnomalyType string

const (
	AnomalyHighErrorRate AnomalyType = "high_error_rate"
	AnomalyHighLatency   AnomalyType = "high_latency"
	AnomalyMemoryLeak    AnomalyType = "memory_leak"
	AnomalyCPUSpike      AnomalyType = "cpu_spike"
	AnomalyServiceDown   AnomalyType = "service_down"
	AnomalyDiskFull      AnomalyType = "disk_full"
	AnomalyCustom        AnomalyType = "custom"
)

// Severity ranks anomalies for policy evaluation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Anomaly is a detected deviation on one asset. Produced fresh on every
// detection tick and aggregated by the decision maker; not persisted.
type Anomaly struct {
	Type       AnomalyType
	Severity   Severity
	Asset      AssetID
	Metric     string
	Value      float64
	Evidence   string
	DetectedAt time.Time
}

// DefaultSeverity is the fixed severity mapping per anomaly type.
func DefaultSeverity(t AnomalyType) Severity {
	switch t {
	case AnomalyServiceDown, AnomalyHighErrorRate:
		return SeverityCritical
	case AnomalyHighLatency, AnomalyMemoryLeak, AnomalyDiskFull:
		return SeverityHigh
	case AnomalyCPUSpike:
		return SeverityMedium
	}
	return SeverityLow
}

// EscalateForAsset raises the severity one level when the affected asset
// carries the maximum criticality weight.
func EscalateForAsset(sev Severity, a Asset) Severity {
	if a.Criticality >= MaxCriticality && sev < SeverityCritical {
		return sev + 1
	}
	return sev
}

// AnomalyTypeForMetric maps a metric name onto the anomaly type its
// deviations are reported as. Unrecognized metrics report as custom.
func AnomalyTypeForMetric(metric string) AnomalyType {
	switch {
	case metric == MetricErrorRate:
		return AnomalyHighErrorRate
	case metric == MetricAvailability:
		return AnomalyServiceDown
	case strings.HasPrefix(metric, "latency"):
		return AnomalyHighLatency
	case strings.HasPrefix(metric, "cpu"):
		return AnomalyCPUSpike
	case strings.HasPrefix(metric, "memory"):
		return AnomalyMemoryLeak
	case strings.HasPrefix(metric, "disk"):
		return AnomalyDiskFull
	}
	return AnomalyCustom
}
