package sensor

import (
	"go.uber.org/zap"
)

// errorKindLabel names an ErrorKind for log fields; never surfaced to
// sinks, only to the log-sink upcall (spec §7).
func errorKindLabel(k ErrorKind) string {
	switch k {
	case ErrEncode:
		return "encode-error"
	case ErrDecodeLength:
		return "decode-length-error"
	case ErrDecodeData:
		return "decode-data-error"
	case ErrInvalidArgument:
		return "invalid-argument"
	case ErrUnsupportedCommand:
		return "unsupported-command"
	case ErrUnavailable:
		return "unavailable"
	case ErrBusy:
		return "busy"
	case ErrCompletionError:
		return "completion-error"
	case ErrTimeout:
		return "timeout"
	case ErrLongRunningTimeout:
		return "long-running-timeout"
	case ErrAcquireCancelled:
		return "acquire-cancelled"
	default:
		return "none"
	}
}

// rateLimitedLogger implements spec §7's logging rule: the first occurrence
// per (endpoint, sensor, kind) tuple logs verbosely; later identical
// occurrences are collapsed until the sensor succeeds once, at which point
// a single "cleared" record names every kind that was suppressed.
type rateLimitedLogger struct {
	log *zap.SugaredLogger

	seen map[rateLimitKey]bool
}

type rateLimitKey struct {
	endpointID uint8
	sensor     string
	kind       ErrorKind
}

func newRateLimitedLogger(log *zap.SugaredLogger) *rateLimitedLogger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &rateLimitedLogger{log: log, seen: make(map[rateLimitKey]bool)}
}

// report logs err for (endpointID, sensorName, kind), verbosely on first
// occurrence and collapsed thereafter.
func (r *rateLimitedLogger) report(endpointID uint8, sensorName string, kind ErrorKind, err error) {
	key := rateLimitKey{endpointID, sensorName, kind}
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.log.Warnw("sensor error",
		"endpoint", endpointID,
		"sensor", sensorName,
		"kind", errorKindLabel(kind),
		"error", err,
	)
}

// clear emits a single "cleared" record naming every error kind that had
// been suppressed for (endpointID, sensorName), then resets the tuple's
// state so the next occurrence of each kind logs verbosely again.
func (r *rateLimitedLogger) clear(endpointID uint8, sensorName string) {
	var cleared []string
	for key := range r.seen {
		if key.endpointID == endpointID && key.sensor == sensorName {
			cleared = append(cleared, errorKindLabel(key.kind))
			delete(r.seen, key)
		}
	}
	if len(cleared) == 0 {
		return
	}
	r.log.Infow("sensor error cleared",
		"endpoint", endpointID,
		"sensor", sensorName,
		"kinds", cleared,
	)
}
