package devbridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler is the single-threaded cooperative executor that all
// Connection Manager, Socket, and Client protocol work runs on
// (spec.md §4.9). All of C3-C8 post their work here instead of spawning
// goroutines directly, so plugin handlers observe serialized delivery
// without any further locking (spec.md §5).
type Scheduler interface {
	// Schedule enqueues fn to run on the scheduler's worker as soon as
	// prior work has drained. Schedule must not block the caller on fn
	// actually running.
	Schedule(fn func())

	// ScheduleAfter enqueues fn to run on the scheduler's worker no
	// sooner than d from now.
	ScheduleAfter(fn func(), d time.Duration)

	// IsRunningInOwnThread reports whether the calling goroutine is
	// currently executing a function that was itself dispatched by this
	// scheduler.
	IsRunningInOwnThread() bool
}

// Default is a Scheduler backed by a single worker goroutine draining a
// buffered queue of func() values: the idiomatic Go rendering of
// spec.md's "single-threaded cooperative executor" (§4.9). Because the
// worker processes one queued function at a time to completion before
// picking up the next, IsRunningInOwnThread is answered with a simple
// flag set around each dispatch rather than by goroutine identity: it
// reports true for any caller while a dispatched function is running,
// including a goroutine other than the worker.
//
// Default is started and stopped like any other long-running actor: Run
// blocks until Close is called, making it a natural fit for
// github.com/oklog/run's run.Group (see Client.Start/Stop), which
// coordinates this pump and the optional health listener as one
// shutdown unit.
type Default struct {
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
	onWorker  atomic.Bool
}

// NewDefault returns a Default scheduler with the given queue depth. A
// depth of 0 or less uses a reasonable default.
func NewDefault(queueDepth int) *Default {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Default{
		queue: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
}

// Run executes the scheduler's pump loop, blocking until Close is
// called. It satisfies the "execute" half of the signature
// github.com/oklog/run's run.Group expects for an actor.
func (d *Default) Run() error {
	for {
		select {
		case fn := <-d.queue:
			d.dispatch(fn)
		case <-d.done:
			d.drain()
			return nil
		}
	}
}

func (d *Default) drain() {
	for {
		select {
		case fn := <-d.queue:
			d.dispatch(fn)
		default:
			return
		}
	}
}

func (d *Default) dispatch(fn func()) {
	if fn == nil {
		return
	}
	d.onWorker.Store(true)
	defer d.onWorker.Store(false)
	fn()
}

// Close stops the scheduler's pump after draining any work already
// queued. It satisfies the "interrupt" half of the run.Group actor
// signature; the error argument is ignored because shutdown here is
// unconditional once requested.
func (d *Default) Close(error) {
	d.closeOnce.Do(func() { close(d.done) })
}

// Schedule implements Scheduler.
func (d *Default) Schedule(fn func()) {
	select {
	case d.queue <- fn:
	case <-d.done:
	}
}

// ScheduleAfter implements Scheduler.
func (d *Default) ScheduleAfter(fn func(), dur time.Duration) {
	time.AfterFunc(dur, func() {
		d.Schedule(fn)
	})
}

// IsRunningInOwnThread implements Scheduler.
func (d *Default) IsRunningInOwnThread() bool {
	return d.onWorker.Load()
}
