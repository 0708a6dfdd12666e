package sched

import (
	"context"
	"sync"
	"sync/atomic"
)

// Semaphore is the coroutine-aware binary semaphore of spec §4.3: capacity
// 1, FIFO-queued awaiters tagged with a monotonic id, and a release that
// always defers the next awaiter's resumption to the host Loop rather than
// resuming it inline. One Semaphore exists per endpoint (spec §3's
// "Endpoint semaphore" entity) and its lifetime equals the endpoint's.
type Semaphore struct {
	loop *Loop

	mu      sync.Mutex
	held    bool
	waiters []*waiter
	nextID  uint64
}

type waiter struct {
	id       uint64
	ready    chan struct{}
	canceled atomic.Bool
	dropErr  error
}

// NewSemaphore creates a Semaphore whose deferred resumptions are posted to
// loop.
func NewSemaphore(loop *Loop) *Semaphore {
	return &Semaphore{loop: loop}
}

// Release is the token returned by Acquire; calling it releases the
// semaphore exactly once. Calling it more than once is a no-op.
type Release func()

// Acquire blocks until the semaphore is free (or ctx is cancelled), then
// grants exclusive access and returns a Release closure the caller must
// invoke exactly once when done. The endpointID parameter exists purely so
// callers and instrumentation can label which endpoint's mutual exclusion is
// in play; the semaphore itself has no per-endpoint state beyond what the
// owning Endpoint already provides by holding one Semaphore per endpoint.
func (s *Semaphore) Acquire(ctx context.Context, endpointID uint8) (Release, error) {
	s.mu.Lock()
	if !s.held {
		s.held = true
		s.mu.Unlock()
		return s.releaseFunc(), nil
	}

	w := &waiter{id: s.nextID, ready: make(chan struct{})}
	s.nextID++
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		if w.canceled.Load() {
			return nil, w.dropErr
		}
		return s.releaseFunc(), nil
	case <-ctx.Done():
		s.cancelWaiter(w)
		return nil, ctx.Err()
	}
}

// DropAll rejects every currently-queued awaiter with err without resuming
// them into holding the semaphore, per spec §4.5's offline transition
// ("drops pending awaiters on that endpoint's semaphore with an error").
// The current holder, if any, is unaffected and must still call its own
// Release.
func (s *Semaphore) DropAll(err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w.dropErr = err
		w.canceled.Store(true)
		close(w.ready)
	}
}

// cancelWaiter removes w from the queue under the queue's lock without
// resuming it, per spec §4.3 ("on cancellation the awaiter is dequeued under
// the queue's lock without resuming it"). If w had already been granted the
// semaphore concurrently with cancellation, the grant is honored and
// immediately released back to the next awaiter to avoid leaking the hold.
func (s *Semaphore) cancelWaiter(w *waiter) {
	s.mu.Lock()
	for i, other := range s.waiters {
		if other == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	// Not found in the queue: either DropAll rejected it, or a concurrent
	// release dequeued it and posted the grant to the loop. Wait for ready
	// to close, then release the grant on its behalf rather than leaving the
	// semaphore held forever.
	<-w.ready
	if !w.canceled.Load() {
		s.release()
	}
}

// releaseFunc returns a Release closure usable exactly once.
func (s *Semaphore) releaseFunc() Release {
	var used atomic.Bool
	return func() {
		if !used.CompareAndSwap(false, true) {
			return
		}
		s.release()
	}
}

// release implements spec §4.3's release semantics: if the queue is empty,
// capacity returns to 1 synchronously (scenario 6: "Expect capacity = 1 and
// no deferred work posted to the loop"); otherwise the head waiter is handed
// to the Loop as deferred work, never resumed on this call stack.
func (s *Semaphore) release() {
	s.mu.Lock()
	if len(s.waiters) == 0 {
		s.held = false
		s.mu.Unlock()
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.mu.Unlock()

	s.loop.Post(func() {
		close(next.ready)
	})
}

// QueueLen reports the current number of parked awaiters, for tests and
// instrumentation.
func (s *Semaphore) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
