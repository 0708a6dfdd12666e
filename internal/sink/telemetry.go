package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TelemetrySink implements ObjectSink by recording each published value as a
// Prometheus gauge labeled by object path, one gauge per (interface,
// property) pair, standing in for the real telemetry-shmem aggregator named
// in spec §6 ("same shape as ObjectSink plus a fixed shmem path"); the
// daemon's own /metrics endpoint plays that role here.
type TelemetrySink struct {
	registerer prometheus.Registerer

	mu     sync.Mutex
	gauges map[string]*prometheus.GaugeVec
}

// NewTelemetrySink wraps reg (nil uses the default registry).
func NewTelemetrySink(reg prometheus.Registerer) *TelemetrySink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &TelemetrySink{registerer: reg, gauges: make(map[string]*prometheus.GaugeVec)}
}

// Publish implements ObjectSink. value must be numeric or bool; anything
// else returns an error rather than silently recording a meaningless
// reading.
func (s *TelemetrySink) Publish(_ context.Context, path, iface, property string, value any, _ time.Time) error {
	f, err := numericValue(value)
	if err != nil {
		return fmt.Errorf("sink: telemetry publish %s.%s: %w", iface, property, err)
	}
	gauge, err := s.gaugeFor(iface, property)
	if err != nil {
		return err
	}
	gauge.WithLabelValues(path).Set(f)
	return nil
}

func (s *TelemetrySink) gaugeFor(iface, property string) (*prometheus.GaugeVec, error) {
	name := metricName(iface, property)

	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.gauges[name]; ok {
		return g, nil
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: fmt.Sprintf("telemetry value for %s.%s", iface, property),
	}, []string{"path"})
	if err := s.registerer.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			return nil, fmt.Errorf("sink: register gauge %s: %w", name, err)
		}
	}
	s.gauges[name] = g
	return g, nil
}

func metricName(iface, property string) string {
	return "nsmd_" + sanitize(iface) + "_" + sanitize(property)
}

func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// numericValue coerces value into a float64 gauge reading.
func numericValue(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported telemetry value type %T", value)
	}
}
