// Package sensor implements spec §4.5: the per-endpoint scheduling loop
// that polls configured sensors under priority/round-robin fairness,
// dispatches to the wire codec, routes results to sinks, and runs the
// aggregator and long-running specialisations.
//
// A Sensor is a tagged variant, not a type hierarchy (Design Notes §9):
// Kind selects which of the behavior funcs the engine calls, the same way
// the teacher's Backend interface is a single shape implemented by one
// concrete type per medium rather than a deep inheritance tree.
package sensor

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags which scheduling behavior a Sensor uses.
type Kind uint8

const (
	KindSimple Kind = iota
	KindAggregator
	KindLongRunning
	// KindTwoPhase is the GPU presence-and-power sensor of spec §4.1's
	// Design Notes: a single request's response packs two state fields;
	// phase one always decodes presence, phase two (power) runs only when
	// phase one found the GPU present.
	KindTwoPhase
)

// ErrorKind classifies a sensor's last failure for rate-limited logging and
// offline accounting, per spec §7's taxonomy.
type ErrorKind uint8

const (
	ErrNone ErrorKind = iota
	ErrEncode
	ErrDecodeLength
	ErrDecodeData
	ErrInvalidArgument
	ErrUnsupportedCommand
	ErrUnavailable
	ErrBusy
	ErrCompletionError
	ErrTimeout
	ErrLongRunningTimeout
	ErrAcquireCancelled
)

// RequestFunc produces the command-specific request payload for a sensor.
// An error here is spec §7's "encode error": always a programming error,
// surfaced rather than retried.
type RequestFunc func() ([]byte, error)

// DecodeFunc consumes a successful response's data field and delivers it to
// the sensor's bound sink(s).
type DecodeFunc func(data []byte) error

// LongRunningCompleteFunc consumes a long-running command's completion
// event payload.
type LongRunningCompleteFunc func(payload []byte) error

// Sensor is one polled unit of telemetry or control, per spec §3's Sensor
// entity.
type Sensor struct {
	Name            string
	Kind            Kind
	EndpointUUID    uuid.UUID
	MsgType         uint8
	Command         uint8
	Priority        bool
	RefreshInterval time.Duration
	Timeout         time.Duration

	MakeRequest    RequestFunc
	DecodeResponse DecodeFunc

	// Aggregator-only: tag -> child sensor, and this sensor's own tag when
	// it is itself a child of another aggregator (0 when not a child).
	Children map[uint8]*Sensor
	Tag      uint8

	// LongRunning-only.
	LongRunningTimeout time.Duration
	OnComplete         LongRunningCompleteFunc

	// TwoPhase-only: DecodePresence always runs against the response and
	// its result is stashed in present, the internal state field that
	// gates whether DecodePower also runs this poll.
	DecodePresence func(data []byte) (present bool, err error)
	DecodePower    DecodeFunc

	lastRefreshed time.Time
	errored       bool
	disabled      bool
	present       bool
}

// Present reports the most recently decoded GPU-presence state for a
// TwoPhase sensor; always false for other kinds.
func (s *Sensor) Present() bool { return s.present }

// Disabled reports whether an unsupported-command response has
// permanently disabled this sensor (spec §7).
func (s *Sensor) Disabled() bool { return s.disabled }

// Errored reports whether the sensor's most recent poll failed.
func (s *Sensor) Errored() bool { return s.errored }

func (s *Sensor) disable() { s.disabled = true }

// LastRefreshed returns the last time this sensor completed a poll.
func (s *Sensor) LastRefreshed() time.Time { return s.lastRefreshed }

// Due reports whether s's refresh interval has elapsed as of now.
func (s *Sensor) Due(now time.Time) bool {
	if s.lastRefreshed.IsZero() {
		return true
	}
	interval := s.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return now.Sub(s.lastRefreshed) >= interval
}

// DefaultRefreshInterval is spec §4.5's "Default 500 ms".
const DefaultRefreshInterval = 500 * time.Millisecond

// DefaultTimeout is spec §5's "Default request timeout 2 s".
const DefaultTimeout = 2 * time.Second

// DefaultLongRunningTimeout is spec §5's "long-running-completion timeout
// 120 s".
const DefaultLongRunningTimeout = 120 * time.Second
