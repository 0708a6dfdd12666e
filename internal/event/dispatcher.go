// Package event implements spec §4.6: routing of unsolicited event frames
// to per-(type, id) handlers, the distinguished rediscovery event that
// re-triggers discovery, and long-running-command completion correlation.
//
// Grounded on the teacher's internal/queue.Runner demultiplexing pattern
// (completions routed to a waiter keyed by a small correlation tuple) and,
// for the "unhandled event" logging path, on internal/logging's structured
// Warn calls.
package event

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/nsmd-sub004/internal/sink"
	"github.com/NVIDIA/nsmd-sub004/internal/wire"
	"go.uber.org/zap"
)

// ackRequestBit is the top bit of an event's EventID, repurposing the
// 7-bit id space to carry the "receiver must ack" flag named in spec §4.6
// (the wire codec reserves no separate bit for this, so the dispatcher
// owns the convention the same way it owns the long-running/rediscovery
// event-id reservations below).
const ackRequestBit uint8 = 0x80

// Reserved event ids, scoped to this daemon rather than the wire protocol
// at large (spec §9's open questions leave the concrete ids unspecified).
const (
	// RediscoveryEventID is the distinguished event id on
	// wire.TypeDeviceCapability whose arrival triggers re-discovery.
	RediscoveryEventID uint8 = 0x7E

	// LongRunningCompletionEventID is the distinguished event id, carried
	// on any event class, whose State field packs (msgType, command) and
	// whose payload is the long-running command's final result.
	LongRunningCompletionEventID uint8 = 0x7F
)

type routeKey struct {
	eventClass uint8
	eventID    uint8
}

// Handler processes one routed event.
type Handler func(endpointID uint8, ev wire.Event)

// AckSender issues the explicit ack spec §4.6 requires for events with the
// ack-request bit set, without blocking event intake.
type AckSender func(endpointID uint8, ev wire.Event) error

// lrKey is the long-running correlation tuple of spec I7/§4.6:
// (endpoint, message type, command, instance id).
type lrKey struct {
	endpointID uint8
	msgType    uint8
	command    uint8
	instanceID uint8
}

// RediscoveryFunc is invoked with the endpoint id whenever a rediscovery
// event arrives; normally bound to the discovery driver's per-endpoint
// re-query entry point.
type RediscoveryFunc func(endpointID uint8)

// Dispatcher implements the routing, rediscovery, long-running-completion
// and ack-forwarding behavior of spec §4.6. It is driven by
// transport.Client.SubscribeEvents(0, dispatcher.Dispatch) so every event
// frame from every endpoint passes through here first.
type Dispatcher struct {
	log    *zap.SugaredLogger
	errLog *sink.RateLimitedErrorLog

	mu          sync.Mutex
	perEndpoint map[uint8]map[routeKey]Handler
	global      map[routeKey]Handler
	longRunning map[lrKey]func(payload []byte, ok bool)
	rediscovery RediscoveryFunc
	ackSender   AckSender
}

// New creates an empty Dispatcher. log may be nil, in which case a no-op
// logger is used.
func New(log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		log:         log,
		errLog:      sink.NewRateLimitedErrorLog(log),
		perEndpoint: make(map[uint8]map[routeKey]Handler),
		global:      make(map[routeKey]Handler),
		longRunning: make(map[lrKey]func(payload []byte, ok bool)),
	}
}

// SetRediscoveryHandler binds the callback invoked on a rediscovery event.
func (d *Dispatcher) SetRediscoveryHandler(fn RediscoveryFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rediscovery = fn
}

// SetAckSender binds the callback used to forward acks.
func (d *Dispatcher) SetAckSender(fn AckSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ackSender = fn
}

// RegisterGlobal installs a fallback handler for (eventClass, eventID)
// across every endpoint, consulted when no per-endpoint handler matches.
func (d *Dispatcher) RegisterGlobal(eventClass, eventID uint8, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global[routeKey{eventClass, eventID}] = h
}

// RegisterEndpoint installs a handler for (eventClass, eventID) scoped to
// one endpoint, taking precedence over any global handler.
func (d *Dispatcher) RegisterEndpoint(endpointID, eventClass, eventID uint8, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.perEndpoint[endpointID]
	if m == nil {
		m = make(map[routeKey]Handler)
		d.perEndpoint[endpointID] = m
	}
	m[routeKey{eventClass, eventID}] = h
}

// Unregister removes a per-endpoint handler, used when an endpoint goes
// offline (spec I4) so a stale handler cannot fire for a recycled endpoint
// id after rediscovery.
func (d *Dispatcher) Unregister(endpointID uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.perEndpoint, endpointID)
}

// RegisterLongRunning records the waiter for a long-running command's
// completion, per spec I7: no two outstanding requests may share the same
// tuple, so a second registration for the same key overwrites (and orphans)
// the first, which is a caller bug rather than something this package
// should paper over.
func (d *Dispatcher) RegisterLongRunning(endpointID, msgType, command, instanceID uint8, onComplete func(payload []byte, ok bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.longRunning[lrKey{endpointID, msgType, command, instanceID}] = onComplete
}

// CancelLongRunning deregisters a waiter without invoking it, used on
// long-running timeout (spec §7) and on cooperative cancellation (spec §5).
func (d *Dispatcher) CancelLongRunning(endpointID, msgType, command, instanceID uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.longRunning, lrKey{endpointID, msgType, command, instanceID})
}

// Dispatch is the intake entry point (spec §4.6 "Intake"): called for every
// datagram+request frame the transport receives. It never blocks on ack
// forwarding or on a handler, beyond running that handler's own body
// synchronously on the caller's goroutine — handlers are expected to defer
// real work onto a sched.Task the same way transport.EventHandler does.
func (d *Dispatcher) Dispatch(endpointID uint8, ev wire.Event) {
	rawID := ev.EventID &^ ackRequestBit
	acked := ev.EventID&ackRequestBit != 0

	switch {
	case rawID == LongRunningCompletionEventID:
		d.completeLongRunning(endpointID, ev)
	case ev.EventClass == wire.TypeDeviceCapability && rawID == RediscoveryEventID:
		d.mu.Lock()
		fn := d.rediscovery
		d.mu.Unlock()
		if fn != nil {
			fn(endpointID)
		}
	default:
		d.route(endpointID, ev, rawID)
	}

	if acked {
		d.forwardAck(endpointID, ev)
	}
}

func (d *Dispatcher) route(endpointID uint8, ev wire.Event, rawID uint8) {
	key := routeKey{ev.EventClass, rawID}

	d.mu.Lock()
	h := d.perEndpoint[endpointID][key]
	if h == nil {
		h = d.global[key]
	}
	d.mu.Unlock()

	if h == nil {
		d.errLog.Report(endpointID, "event", "unhandled",
			fmt.Errorf("event_class=%d event_id=%d length=%d", ev.EventClass, rawID, len(ev.Payload)))
		return
	}
	h(endpointID, ev)
}

func (d *Dispatcher) completeLongRunning(endpointID uint8, ev wire.Event) {
	msgType := uint8(ev.State >> 8)
	command := uint8(ev.State & 0xFF)
	key := lrKey{endpointID: endpointID, msgType: msgType, command: command, instanceID: ev.Header.InstanceID}

	d.mu.Lock()
	onComplete, ok := d.longRunning[key]
	if ok {
		delete(d.longRunning, key)
	}
	d.mu.Unlock()

	if !ok {
		d.log.Warnw("long-running completion with no registered waiter",
			"endpoint", endpointID, "msg_type", msgType, "command", command, "instance_id", ev.Header.InstanceID,
		)
		return
	}
	onComplete(ev.Payload, true)
}

func (d *Dispatcher) forwardAck(endpointID uint8, ev wire.Event) {
	d.mu.Lock()
	sender := d.ackSender
	d.mu.Unlock()
	if sender == nil {
		return
	}
	if err := sender(endpointID, ev); err != nil {
		d.errLog.Report(endpointID, "event", "ack-forward-failed", err)
		return
	}
	d.errLog.Clear(endpointID, "event", "ack-forward-failed")
}
