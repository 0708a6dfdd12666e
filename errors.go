// Package nsmd implements a device management daemon for NVIDIA GPU/switch
// complexes speaking the NSM protocol over MCTP: endpoint discovery, a
// sensor-polling engine, and an event dispatcher, wired together by Daemon.
package nsmd

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the error taxonomy of spec §7: every failure a sensor or
// discovery operation can produce collapses into one of these kinds.
type ErrorKind string

const (
	ErrKindEncode             ErrorKind = "encode error"
	ErrKindDecodeLength       ErrorKind = "decode length error"
	ErrKindDecodeData         ErrorKind = "decode data error"
	ErrKindInvalidArgument    ErrorKind = "completion: invalid argument"
	ErrKindUnsupportedCommand ErrorKind = "completion: unsupported command"
	ErrKindUnavailable        ErrorKind = "completion: unavailable"
	ErrKindBusy               ErrorKind = "completion: busy"
	ErrKindCompletionOther    ErrorKind = "completion: other"
	ErrKindTimeout            ErrorKind = "timeout"
	ErrKindLongRunningTimeout ErrorKind = "long-running timeout"
	ErrKindAcquireCancelled   ErrorKind = "acquire cancelled"
	ErrKindDiscovery          ErrorKind = "discovery failure"
)

// Error is the daemon's structured error type: an operation, the endpoint
// and sensor it concerns, a taxonomy kind, and the wrapped cause. Grounded
// on the teacher's own Op/DevID/Code/Inner *Error, generalized from ublk's
// device/queue/errno categories to the NSM error kinds above.
type Error struct {
	Op         string
	EndpointID uint8
	SensorName string
	Kind       ErrorKind
	Inner      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	parts = append(parts, fmt.Sprintf("endpoint=%d", e.EndpointID))
	if e.SensorName != "" {
		parts = append(parts, fmt.Sprintf("sensor=%s", e.SensorName))
	}

	msg := string(e.Kind)
	if e.Inner != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Inner)
	}
	return fmt.Sprintf("nsmd: %s (%s)", msg, strings.Join(parts, " "))
}

// Unwrap returns the wrapped cause, for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is reports whether target is an *Error with the same Kind, letting callers
// write errors.Is(err, &nsmd.Error{Kind: nsmd.ErrKindTimeout}).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Kind == te.Kind
}

// NewError constructs an *Error for a given operation/endpoint/kind, with an
// optional wrapped cause.
func NewError(op string, endpointID uint8, kind ErrorKind, cause error) *Error {
	return &Error{Op: op, EndpointID: endpointID, Kind: kind, Inner: cause}
}

// NewSensorError is NewError plus the sensor name, the shape most call sites
// in internal/sensor actually need.
func NewSensorError(op string, endpointID uint8, sensorName string, kind ErrorKind, cause error) *Error {
	return &Error{Op: op, EndpointID: endpointID, SensorName: sensorName, Kind: kind, Inner: cause}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
