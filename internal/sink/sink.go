// Package sink implements spec §6's external sinks: object, log, and
// telemetry-shmem, all "treated as side-effect-free" from the daemon's own
// point of view. The log sink is backed by go.uber.org/zap and also carries
// the rate-limited error logging described in spec §7; the telemetry sink
// is backed by a Prometheus gauge per (interface, property), standing in
// for the real shared-memory aggregator.
package sink

import (
	"context"
	"time"
)

// ObjectSink publishes a decoded property value, keyed by an object path and
// (interface, property) pair, per spec §6.
type ObjectSink interface {
	Publish(ctx context.Context, path, iface, property string, value any, ts time.Time) error
}

// MultiSink fans a single publish out to every wrapped sink, stopping at (and
// returning) the first error. Used to bind one sensor record to more than
// one sink without the engine itself knowing about fan-out.
type MultiSink struct {
	Sinks []ObjectSink
}

// Publish implements ObjectSink by calling through to every wrapped sink in
// order.
func (m MultiSink) Publish(ctx context.Context, path, iface, property string, value any, ts time.Time) error {
	for _, s := range m.Sinks {
		if err := s.Publish(ctx, path, iface, property, value, ts); err != nil {
			return err
		}
	}
	return nil
}

// NoopSink discards every publish; used by tests and by sensors configured
// without a sink binding.
type NoopSink struct{}

// Publish implements ObjectSink by doing nothing.
func (NoopSink) Publish(context.Context, string, string, string, any, time.Time) error { return nil }

// RecordingSink captures every publish call, for assertions in tests.
type RecordingSink struct {
	Published []Published
}

// Published is one recorded ObjectSink.Publish call.
type Published struct {
	Path      string
	Interface string
	Property  string
	Value     any
	Timestamp time.Time
}

// Publish implements ObjectSink by appending to Published.
func (r *RecordingSink) Publish(_ context.Context, path, iface, property string, value any, ts time.Time) error {
	r.Published = append(r.Published, Published{Path: path, Interface: iface, Property: property, Value: value, Timestamp: ts})
	return nil
}
