// Package sched provides the cooperative scheduling primitives described in
// spec §4.3: a single dispatch loop, a restartable task type with
// parent-resumption semantics, and a queueing binary semaphore whose release
// never resumes an awaiter on the releasing call stack.
//
// The source this daemon is modeled on (NVIDIA/nsmd) implements these with a
// hand-rolled C++ coroutine type resumed by a single-threaded host event
// loop. Go already has a scheduler, so Design Notes §9 translates "post to
// loop, don't resume inline" into a single dispatcher goroutine (Loop) that
// drains a work channel in arrival order; everything that must not resume
// synchronously posts a closure to it instead of calling the resumption
// directly.
package sched

// Loop is the host event loop. Semaphore release posts the head waiter's
// resumption here rather than invoking it inline, which is what makes
// Semaphore.release's non-reentrancy (spec §5) and property P3 hold.
type Loop struct {
	work chan func()
	done chan struct{}
}

// NewLoop creates a Loop and starts its dispatcher goroutine. Callers must
// call Stop when finished to release the goroutine.
func NewLoop() *Loop {
	l := &Loop{
		work: make(chan func(), 256),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post enqueues fn to run on the loop's dispatcher goroutine, after every
// closure already queued ahead of it. Post never runs fn inline, even when
// called from the dispatcher goroutine itself — that is the property that
// breaks reentrancy chains (spec §4.3, §5).
func (l *Loop) Post(fn func()) {
	l.work <- fn
}

// Tick posts a sentinel closure and blocks until it runs, giving callers a
// way to observe "one full loop tick has elapsed" without racing the
// dispatcher.
func (l *Loop) Tick() {
	done := make(chan struct{})
	l.Post(func() { close(done) })
	<-done
}

// Stop terminates the dispatcher goroutine. Any work already posted but not
// yet run is dropped.
func (l *Loop) Stop() {
	close(l.done)
}
