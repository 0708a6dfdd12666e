package sensor

import "time"

// MetricsRecorder is the subset of the daemon's metrics collector the
// engine drives directly. Declared here rather than imported from the
// top-level package, which already imports internal/sensor and would cycle
// back; satisfied by a small adapter over the daemon's concrete *Metrics.
type MetricsRecorder interface {
	RecordPoll(endpointID uint8, sensorName string, latency time.Duration)
	RecordError(endpointID uint8, sensorName string, kind string)
	SetOffline(endpointID uint8, offline bool)
	RecordLongRunningCompletion()
}

// noopMetrics is the default MetricsRecorder when NewEngine is given none,
// the same fallback shape as the nil-logger defaults elsewhere in this
// package.
type noopMetrics struct{}

func (noopMetrics) RecordPoll(uint8, string, time.Duration) {}
func (noopMetrics) RecordError(uint8, string, string)       {}
func (noopMetrics) SetOffline(uint8, bool)                  {}
func (noopMetrics) RecordLongRunningCompletion()            {}
