package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/nsmd-sub004/internal/event"
	"github.com/NVIDIA/nsmd-sub004/internal/registry"
	"github.com/NVIDIA/nsmd-sub004/internal/sched"
	"github.com/NVIDIA/nsmd-sub004/internal/transport"
	"github.com/NVIDIA/nsmd-sub004/internal/wire"
	"go.uber.org/zap"
)

// OfflineThreshold is spec §7/§4.5's "two consecutive timeouts or one
// endpoint-not-responding error" window.
const OfflineThreshold = 2

// OfflinePingInterval is spec scenario 4's "emit a ping every 1 s" while an
// endpoint is offline.
const OfflinePingInterval = time.Second

// PingFunc performs the lightweight liveness check of spec §4.5 step 1.
// The default implementation issues a GetUUID request with a short
// timeout and treats any successful response as alive.
type PingFunc func(ctx context.Context, client *transport.Client, endpointID uint8) error

func defaultPing(ctx context.Context, client *transport.Client, endpointID uint8) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	resp, err := client.SendAndAwait(ctx, endpointID, wire.TypeDeviceCapability, wire.CmdGetUUID, nil)
	if err != nil {
		return err
	}
	if resp.CompletionCode != wire.CCSuccess {
		return fmt.Errorf("sensor: ping got completion code %s", resp.CompletionCode)
	}
	return nil
}

type endpointState struct {
	id uint8

	mu                  sync.Mutex
	queues              *endpointQueues
	offline             bool
	consecutiveTimeouts int

	sem *sched.Semaphore
}

// Engine runs one scheduling loop per endpoint implementing spec §4.5 in
// full: priority/round-robin fairness, offline detection and recovery,
// error-taxonomy handling, long-running suspension, and aggregator
// dispatch (delegated to the sensor's own DecodeResponse, built by
// NewAggregatorDecode).
type Engine struct {
	client     *transport.Client
	dispatcher *event.Dispatcher
	registry   *registry.Registry
	loop       *sched.Loop
	log        *zap.SugaredLogger
	errLog     *rateLimitedLogger
	ping       PingFunc
	metrics    MetricsRecorder

	mu        sync.Mutex
	endpoints map[uint8]*endpointState
}

// NewEngine wires an Engine to its collaborators. log may be nil; metrics may
// be nil, in which case poll/error/offline/long-running activity is simply
// not recorded.
func NewEngine(client *transport.Client, dispatcher *event.Dispatcher, reg *registry.Registry, loop *sched.Loop, log *zap.SugaredLogger, metrics MetricsRecorder) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		client:     client,
		dispatcher: dispatcher,
		registry:   reg,
		loop:       loop,
		log:        log,
		errLog:     newRateLimitedLogger(log),
		ping:       defaultPing,
		metrics:    metrics,
		endpoints:  make(map[uint8]*endpointState),
	}
}

// SetPingFunc overrides the liveness check used during offline recovery.
func (e *Engine) SetPingFunc(fn PingFunc) { e.ping = fn }

func (e *Engine) endpoint(endpointID uint8) *endpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.endpoints[endpointID]
	if !ok {
		ep = &endpointState{id: endpointID, queues: newEndpointQueues(), sem: sched.NewSemaphore(e.loop)}
		e.endpoints[endpointID] = ep
	}
	return ep
}

// AddSensor registers s against its endpoint's priority or round-robin
// queue per its Priority flag. The registry must already resolve
// s.EndpointUUID to an endpoint id (spec §6's configuration invariant);
// callers defer registration until that holds.
func (e *Engine) AddSensor(endpointID uint8, s *Sensor) {
	ep := e.endpoint(endpointID)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if s.Priority {
		ep.queues.addPriority(s)
	} else {
		ep.queues.addRoundRobin(s)
	}
}

// Promote migrates a sensor from round-robin to priority, per spec §4.5's
// "Priority migration". An aggregator should be promoted whenever any of
// its children is, so it inherits the maximum priority of its children.
func (e *Engine) Promote(endpointID uint8, s *Sensor) {
	ep := e.endpoint(endpointID)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.queues.promote(s)
}

// IsOffline reports the current offline flag for endpointID.
func (e *Engine) IsOffline(endpointID uint8) bool {
	ep := e.endpoint(endpointID)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.offline
}

// Run drives the scheduling loop for one endpoint until ctx is done. It is
// meant to be launched once per endpoint, e.g. from a sched.Task or an
// errgroup (spec §5's "one task per endpoint").
func (e *Engine) Run(ctx context.Context, endpointID uint8) error {
	ep := e.endpoint(endpointID)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ep.mu.Lock()
		offline := ep.offline
		ep.mu.Unlock()

		if offline {
			if err := e.waitOfflineTick(ctx); err != nil {
				return nil
			}
			if e.ping(ctx, e.client, endpointID) == nil {
				ep.mu.Lock()
				ep.offline = false
				ep.consecutiveTimeouts = 0
				ep.mu.Unlock()
				e.metrics.SetOffline(endpointID, false)
				e.log.Infow("endpoint back online", "endpoint", endpointID)
			}
			continue
		}

		now := time.Now()
		ep.mu.Lock()
		s := ep.queues.nextPriorityDue(func(s *Sensor) bool { return dueAndEnabled(s, now) })
		fromPriority := s != nil
		if s != nil {
			ep.queues.dequeuePriority()
		} else {
			s = ep.queues.nextRoundRobinDue(func(s *Sensor) bool { return dueAndEnabled(s, now) })
			if s != nil {
				ep.queues.dequeueRoundRobin()
			}
		}
		wait := e.nextDeadline(ep, now)
		ep.mu.Unlock()

		if s == nil {
			if err := sleepCtx(ctx, wait); err != nil {
				return nil
			}
			continue
		}

		e.runSensor(ctx, ep, s)

		ep.mu.Lock()
		if fromPriority {
			ep.queues.requeuePriority(s)
		} else {
			ep.queues.requeueRoundRobin(s)
		}
		ep.mu.Unlock()
	}
}

func dueAndEnabled(s *Sensor, now time.Time) bool {
	return !s.Disabled() && s.Due(now)
}

// nextDeadline computes how long to sleep before any queued sensor next
// becomes due, per spec §4.5 step 3's "sleep until the earliest eligible
// sensor's deadline". Called with ep.mu held.
func (e *Engine) nextDeadline(ep *endpointState, now time.Time) time.Duration {
	min := DefaultRefreshInterval
	first := true
	consider := func(s *Sensor) {
		if s.Disabled() {
			return
		}
		interval := s.RefreshInterval
		if interval <= 0 {
			interval = DefaultRefreshInterval
		}
		remaining := interval - now.Sub(s.lastRefreshed)
		if remaining < 0 {
			remaining = 0
		}
		if first || remaining < min {
			min = remaining
			first = false
		}
	}
	for _, s := range ep.queues.priority {
		consider(s)
	}
	for _, s := range ep.queues.roundRobin {
		consider(s)
	}
	if min < 10*time.Millisecond {
		min = 10 * time.Millisecond
	}
	return min
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) waitOfflineTick(ctx context.Context) error {
	return sleepCtx(ctx, OfflinePingInterval)
}

// runSensor implements spec §4.5 step 4 in full: acquire, build request,
// send-and-await, decode-or-classify-error, release, update last-refreshed.
func (e *Engine) runSensor(ctx context.Context, ep *endpointState, s *Sensor) {
	e.pollOnce(ctx, ep, s, true)
}

// pollOnce is the body of a single poll attempt. allowBusyRetry is false on
// the recursive retry triggered by a busy response, so a second consecutive
// busy reply does not recurse indefinitely (spec §7: "busy triggers a
// single immediate retry").
func (e *Engine) pollOnce(ctx context.Context, ep *endpointState, s *Sensor, allowBusyRetry bool) {
	start := time.Now()

	release, err := ep.sem.Acquire(ctx, ep.id)
	if err != nil {
		e.errLog.report(ep.id, s.Name, ErrAcquireCancelled, err)
		e.metrics.RecordError(ep.id, s.Name, errorKindLabel(ErrAcquireCancelled))
		return
	}

	payload, err := s.MakeRequest()
	if err != nil {
		release()
		s.errored = true
		e.errLog.report(ep.id, s.Name, ErrEncode, err)
		e.metrics.RecordError(ep.id, s.Name, errorKindLabel(ErrEncode))
		return
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, instanceID, err := e.client.SendAndAwaitInstance(reqCtx, ep.id, s.MsgType, s.Command, payload)
	cancel()

	if err != nil {
		release()
		e.handleTimeout(ep, s)
		return
	}

	if resp.CompletionCode == wire.CCAccepted && s.Kind == KindLongRunning {
		e.runLongRunning(ctx, ep, s, release, instanceID)
		return
	}

	if resp.CompletionCode == wire.CCBusy {
		release()
		e.errLog.report(ep.id, s.Name, ErrBusy, fmt.Errorf("endpoint busy"))
		e.metrics.RecordError(ep.id, s.Name, errorKindLabel(ErrBusy))
		if allowBusyRetry {
			e.pollOnce(ctx, ep, s, false)
		}
		return
	}

	if resp.CompletionCode != wire.CCSuccess {
		release()
		e.handleCompletionError(ep, s, resp.CompletionCode)
		return
	}

	if s.Kind == KindTwoPhase {
		twoPhaseErr := e.handleTwoPhase(ep, s, resp.Data)
		release()
		if twoPhaseErr != nil {
			s.errored = true
			e.errLog.report(ep.id, s.Name, ErrDecodeData, twoPhaseErr)
			e.metrics.RecordError(ep.id, s.Name, errorKindLabel(ErrDecodeData))
			return
		}
		e.markPollSuccess(ep, s, start)
		return
	}

	decodeErr := s.DecodeResponse(resp.Data)
	release()
	if decodeErr != nil {
		e.errLog.report(ep.id, s.Name, ErrDecodeData, decodeErr)
		e.metrics.RecordError(ep.id, s.Name, errorKindLabel(ErrDecodeData))
		return
	}

	e.markPollSuccess(ep, s, start)
}

// markPollSuccess records the bookkeeping common to every successful poll
// path (simple, aggregator, two-phase): reset the timeout counter, stamp
// last-refreshed, clear rate-limited errors, and record the poll's latency.
func (e *Engine) markPollSuccess(ep *endpointState, s *Sensor, start time.Time) {
	ep.mu.Lock()
	ep.consecutiveTimeouts = 0
	ep.mu.Unlock()
	s.lastRefreshed = time.Now()
	s.errored = false
	e.errLog.clear(ep.id, s.Name)
	e.metrics.RecordPoll(ep.id, s.Name, time.Since(start))
}

func (e *Engine) handleCompletionError(ep *endpointState, s *Sensor, cc wire.CompletionCode) {
	var kind ErrorKind
	switch cc {
	case wire.CCUnsupportedCmd:
		s.disable()
		kind = ErrUnsupportedCommand
		e.errLog.report(ep.id, s.Name, kind, fmt.Errorf("unsupported command"))
	case wire.CCInvalidArgument:
		s.errored = true
		kind = ErrInvalidArgument
		e.errLog.report(ep.id, s.Name, kind, fmt.Errorf("invalid argument"))
	case wire.CCUnavailable:
		s.errored = true
		kind = ErrUnavailable
		e.errLog.report(ep.id, s.Name, kind, fmt.Errorf("unavailable"))
	default:
		s.errored = true
		kind = ErrCompletionError
		e.errLog.report(ep.id, s.Name, kind, fmt.Errorf("completion code %s", cc))
	}
	e.metrics.RecordError(ep.id, s.Name, errorKindLabel(kind))
}

// handleTimeout implements the timeout leg of spec §7's error taxonomy:
// the first timeout just counts; the second consecutive one (no time window
// applies) marks the endpoint offline, drops queued semaphore awaiters, and clears
// the registry's endpoint-id index.
func (e *Engine) handleTimeout(ep *endpointState, s *Sensor) {
	e.errLog.report(ep.id, s.Name, ErrTimeout, fmt.Errorf("request timed out"))
	e.metrics.RecordError(ep.id, s.Name, errorKindLabel(ErrTimeout))

	ep.mu.Lock()
	ep.consecutiveTimeouts++
	shouldMarkOffline := ep.consecutiveTimeouts >= OfflineThreshold && !ep.offline
	if shouldMarkOffline {
		ep.offline = true
	}
	ep.mu.Unlock()

	if shouldMarkOffline {
		e.markOffline(ep)
	}
}

// MarkUnresponsive implements spec §7's "one endpoint-not-responding error"
// path: a single hard failure (as opposed to a timeout) marks the endpoint
// offline immediately, bypassing the two-strikes timeout counter.
func (e *Engine) MarkUnresponsive(endpointID uint8) {
	ep := e.endpoint(endpointID)
	ep.mu.Lock()
	already := ep.offline
	ep.offline = true
	ep.mu.Unlock()
	if !already {
		e.markOffline(ep)
	}
}

func (e *Engine) markOffline(ep *endpointState) {
	e.log.Warnw("endpoint marked offline", "endpoint", ep.id)
	e.metrics.SetOffline(ep.id, true)
	ep.sem.DropAll(fmt.Errorf("endpoint %d offline", ep.id))
	if e.registry != nil {
		e.registry.DropEndpointID(ep.id)
	}
}
