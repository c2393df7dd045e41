// Package metrics instruments the engine. The interface is deliberately
// narrow; production wires the statsd client, tests and unconfigured
// deployments use the no-op.
package metrics

import "time"

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

// Noop discards all measurements.
type Noop struct{}

func (Noop) Increment(string) {}

func (Noop) Duration(string, time.Duration) {}

func (Noop) Gauge(string, int) {}
