package domain

import "time"

// Well-known metric names. The collector samples whatever metric names
// the policy configures; these are the ones the default detector rules
// and the decision maker's aggregate error-rate rule refer to.
const (
	MetricErrorRate    = "error_rate"
	MetricLatencyMs    = "latency_ms"
	MetricCPUPercent   = "cpu_percent"
	MetricMemoryMB     = "memory_mb"
	MetricDiskPercent  = "disk_percent"
	MetricAvailability = "availability"
)

// MetricSample is one observation of one metric on one asset.
// Append-only: the collector retains a bounded rolling window per
// asset/metric plus the permanent pre-rollout baseline set.
type MetricSample struct {
	Asset    AssetID
	Metric   string
	Value    float64
	At       time.Time
	Baseline bool
}

// MetricWindow is the detector-facing view of one asset/metric series:
// the retained samples in order plus the baseline value, if one was
// captured before the rollout started.
type MetricWindow struct {
	Samples     []MetricSample
	BaselineVal float64
	HasBaseline bool
}

// Latest returns the most recent sample in the window.
func (w MetricWindow) Latest() (MetricSample, bool) {
	if len(w.Samples) == 0 {
		return MetricSample{}, false
	}
	return w.Samples[len(w.Samples)-1], true
}
