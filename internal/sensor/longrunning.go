package sensor

import (
	"context"
	"fmt"
	"time"
)

// runLongRunning implements spec §4.5's long-running sensor path: having
// already received an "accepted" response, register the completion waiter
// with the dispatcher, suspend (holding the semaphore) until the matching
// event arrives or the long-running timeout elapses, then release.
func (e *Engine) runLongRunning(parent context.Context, ep *endpointState, s *Sensor, release func(), instanceID uint8) {
	timeout := s.LongRunningTimeout
	if timeout <= 0 {
		timeout = DefaultLongRunningTimeout
	}

	result := make(chan error, 1)
	e.dispatcher.RegisterLongRunning(ep.id, s.MsgType, s.Command, instanceID, func(payload []byte, ok bool) {
		if !ok {
			result <- fmt.Errorf("sensor: long-running waiter cancelled")
			return
		}
		if s.OnComplete != nil {
			result <- s.OnComplete(payload)
			return
		}
		result <- nil
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		release()
		if err != nil {
			e.errLog.report(ep.id, s.Name, ErrLongRunningTimeout, err)
			e.metrics.RecordError(ep.id, s.Name, errorKindLabel(ErrLongRunningTimeout))
			return
		}
		s.lastRefreshed = time.Now()
		e.errLog.clear(ep.id, s.Name)
		e.metrics.RecordLongRunningCompletion()
	case <-timer.C:
		e.dispatcher.CancelLongRunning(ep.id, s.MsgType, s.Command, instanceID)
		release()
		s.errored = true
		e.errLog.report(ep.id, s.Name, ErrLongRunningTimeout, fmt.Errorf("no completion event within %s", timeout))
		e.metrics.RecordError(ep.id, s.Name, errorKindLabel(ErrLongRunningTimeout))
	case <-parent.Done():
		e.dispatcher.CancelLongRunning(ep.id, s.MsgType, s.Command, instanceID)
		release()
	}
}
