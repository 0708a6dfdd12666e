package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogSink implements ObjectSink by writing every published value through a
// zap.SugaredLogger, whose (msg string, keysAndValues ...any) shape is a
// direct match for spec §6's "(severity, message-id, {key→value})" log-sink
// upcall.
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink wraps log (nil uses a no-op logger).
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogSink{log: log}
}

// Publish implements ObjectSink.
func (s *LogSink) Publish(_ context.Context, path, iface, property string, value any, ts time.Time) error {
	s.log.Infow("property updated",
		"path", path,
		"interface", iface,
		"property", property,
		"value", value,
		"timestamp", ts,
	)
	return nil
}

// rateLimitKey identifies one (endpoint, sensor, error-kind) tuple for the
// collapsing behavior spec §7 requires: "first occurrence per tuple logged
// verbosely, subsequent occurrences collapsed until a cleared record".
type rateLimitKey struct {
	endpointID uint8
	sensor     string
	kind       string
}

// RateLimitedErrorLog wraps a zap logger with the per-(endpoint, sensor,
// kind) collapsing behavior described in spec §7's final paragraph. It is
// the log-sink-facing counterpart of internal/sensor's own rate limiter,
// usable by any component (discovery, dispatcher) that needs the same
// collapsing instead of re-implementing it.
type RateLimitedErrorLog struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	seen   map[rateLimitKey]bool
	counts map[rateLimitKey]int
}

// NewRateLimitedErrorLog wraps log (nil uses a no-op logger).
func NewRateLimitedErrorLog(log *zap.SugaredLogger) *RateLimitedErrorLog {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RateLimitedErrorLog{
		log:    log,
		seen:   make(map[rateLimitKey]bool),
		counts: make(map[rateLimitKey]int),
	}
}

// Report logs err for (endpointID, sensor, kind), verbosely on first
// occurrence and silently (just incrementing a counter) thereafter.
func (r *RateLimitedErrorLog) Report(endpointID uint8, sensor, kind string, err error) {
	key := rateLimitKey{endpointID: endpointID, sensor: sensor, kind: kind}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.seen[key] {
		r.seen[key] = true
		r.counts[key] = 1
		r.log.Warnw("sensor error", "endpoint", endpointID, "sensor", sensor, "kind", kind, "error", err)
		return
	}
	r.counts[key]++
}

// Clear resets the tuple's state and, when more than one occurrence was
// reported since the last verbose log, emits one "cleared" record with the
// occurrence count. A no-op if the tuple was never reported.
func (r *RateLimitedErrorLog) Clear(endpointID uint8, sensor, kind string) {
	key := rateLimitKey{endpointID: endpointID, sensor: sensor, kind: kind}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.seen[key] {
		return
	}
	count := r.counts[key]
	delete(r.seen, key)
	delete(r.counts, key)
	if count > 1 {
		r.log.Infow("sensor error cleared", "endpoint", endpointID, "sensor", sensor, "kind", kind, "occurrences", count)
	}
}
