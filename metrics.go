package nsmd

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/NVIDIA/nsmd-sub004/internal/sensor"
)

// Metrics is the daemon's Prometheus-backed counterpart to the teacher's
// hand-rolled atomic Metrics/MetricsSnapshot type: the same Device-style
// introspection (Snapshot returns a point-in-time struct), but every counter
// is a prometheus collector registered against Registry, so the daemon's
// own /metrics endpoint exposes them directly instead of requiring a
// separate exporter.
type Metrics struct {
	Registry *prometheus.Registry

	polls          *prometheus.CounterVec
	errors         *prometheus.CounterVec
	pollLatency    *prometheus.HistogramVec
	offline        *prometheus.GaugeVec
	longRunning    prometheus.Counter
	discoveryTries prometheus.Counter

	startTime time.Time
	stopTime  time.Time
}

// NewMetrics creates a Metrics instance backed by a fresh, private
// registry — callers that want process-wide /metrics exposition pass
// m.Registry to an HTTP handler; tests construct one per case to avoid
// cross-test collector collisions.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry:  reg,
		startTime: time.Now(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsmd_sensor_polls_total",
			Help: "Total successful sensor polls, by endpoint and sensor.",
		}, []string{"endpoint", "sensor"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsmd_sensor_errors_total",
			Help: "Total sensor poll errors, by endpoint, sensor, and kind.",
		}, []string{"endpoint", "sensor", "kind"}),
		pollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nsmd_sensor_poll_duration_seconds",
			Help:    "Sensor poll round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "sensor"}),
		offline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nsmd_endpoint_offline",
			Help: "1 if the endpoint is currently marked offline, else 0.",
		}, []string{"endpoint"}),
		longRunning: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nsmd_long_running_completions_total",
			Help: "Total long-running command completions observed.",
		}),
		discoveryTries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nsmd_discovery_attempts_total",
			Help: "Total startup discovery passes (one per daemon run); per-endpoint query retries and rediscoveries are not counted.",
		}),
	}
	reg.MustRegister(m.polls, m.errors, m.pollLatency, m.offline, m.longRunning, m.discoveryTries)
	return m
}

// RecordPoll records one successful sensor poll and its latency.
func (m *Metrics) RecordPoll(endpointID uint8, sensor string, latency time.Duration) {
	endpoint := endpointLabel(endpointID)
	m.polls.WithLabelValues(endpoint, sensor).Inc()
	m.pollLatency.WithLabelValues(endpoint, sensor).Observe(latency.Seconds())
}

// RecordError records one sensor poll error of the given taxonomy kind.
func (m *Metrics) RecordError(endpointID uint8, sensor string, kind ErrorKind) {
	m.errors.WithLabelValues(endpointLabel(endpointID), sensor, string(kind)).Inc()
}

// SetOffline records an endpoint's current offline/online state.
func (m *Metrics) SetOffline(endpointID uint8, offline bool) {
	v := 0.0
	if offline {
		v = 1.0
	}
	m.offline.WithLabelValues(endpointLabel(endpointID)).Set(v)
}

// RecordLongRunningCompletion increments the long-running completion
// counter.
func (m *Metrics) RecordLongRunningCompletion() {
	m.longRunning.Inc()
}

// RecordDiscoveryAttempt increments the discovery-attempt counter.
func (m *Metrics) RecordDiscoveryAttempt() {
	m.discoveryTries.Inc()
}

// Stop marks the daemon as stopped, fixing the uptime reported by Snapshot.
func (m *Metrics) Stop() {
	m.stopTime = time.Now()
}

// MetricsSnapshot is a point-in-time, Go-native view over the daemon's
// Prometheus collectors, for callers (like a status CLI or a test) that
// want plain values instead of scraping /metrics.
type MetricsSnapshot struct {
	Polls               map[string]float64
	Errors              map[string]float64
	LongRunningComplete float64
	DiscoveryAttempts   float64
	UptimeNs            uint64
}

// Snapshot gathers every collector into a MetricsSnapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Polls:               gatherCounterVec(m.polls, "endpoint", "sensor"),
		Errors:              gatherCounterVec(m.errors, "endpoint", "sensor", "kind"),
		LongRunningComplete: gatherCounter(m.longRunning),
		DiscoveryAttempts:   gatherCounter(m.discoveryTries),
	}
	if !m.stopTime.IsZero() {
		snap.UptimeNs = uint64(m.stopTime.Sub(m.startTime))
	} else {
		snap.UptimeNs = uint64(time.Since(m.startTime))
	}
	return snap
}

// metricsAdapter satisfies sensor.MetricsRecorder over a *Metrics, the small
// interface-matching-a-concrete-type idiom this package already uses for
// sink.ObjectSink — needed because internal/sensor cannot import this
// package back to reference *Metrics directly.
type metricsAdapter struct{ m *Metrics }

// AsRecorder exposes m as the sensor.MetricsRecorder its Engine drives.
func (m *Metrics) AsRecorder() sensor.MetricsRecorder { return metricsAdapter{m} }

func (a metricsAdapter) RecordPoll(endpointID uint8, sensorName string, latency time.Duration) {
	a.m.RecordPoll(endpointID, sensorName, latency)
}

func (a metricsAdapter) RecordError(endpointID uint8, sensorName string, kind string) {
	a.m.RecordError(endpointID, sensorName, ErrorKind(kind))
}

func (a metricsAdapter) SetOffline(endpointID uint8, offline bool) {
	a.m.SetOffline(endpointID, offline)
}

func (a metricsAdapter) RecordLongRunningCompletion() {
	a.m.RecordLongRunningCompletion()
}

func endpointLabel(endpointID uint8) string {
	return strconv.Itoa(int(endpointID))
}

func gatherCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// gatherCounterVec flattens a CounterVec into a map keyed by its label
// values joined with "/", in the order given by labelNames (the declaration
// order) — good enough for the snapshot's debugging/introspection use, not
// meant to be parsed back apart.
func gatherCounterVec(cv *prometheus.CounterVec, labelNames ...string) map[string]float64 {
	out := make(map[string]float64)
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			continue
		}
		byName := make(map[string]string, len(m.GetLabel()))
		for _, l := range m.GetLabel() {
			byName[l.GetName()] = l.GetValue()
		}
		labels := make([]string, 0, len(labelNames))
		for _, name := range labelNames {
			labels = append(labels, byName[name])
		}
		out[strings.Join(labels, "/")] = m.GetCounter().GetValue()
	}
	return out
}
