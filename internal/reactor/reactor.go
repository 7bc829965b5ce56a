// Package reactor implements the single-threaded readiness-and-timer
// dispatcher that every other package in this relay is driven from.
//
// Go gives no portable way to ask a net.Conn "are you readable yet?"
// without consuming data, so readiness is simulated the way the pack's
// own channel-driven event loops do it: a small pump goroutine per
// registered descriptor performs the blocking Accept/Read and posts the
// *result* as a closure onto a single task channel. The Run loop drains
// that channel one closure at a time, so all business logic - registry
// mutation, state transitions, broadcast - still executes on one
// logical thread, even though the blocking syscalls happen elsewhere.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work dispatched on the reactor's single thread.
type Task func()

// TimerToken cancels a previously scheduled delayed task.
type TimerToken struct {
	timer *time.Timer
	fired *atomic.Bool
}

// Cancel stops the timer before it fires. Per spec, cancelling a timer
// that has already fired (and whose task may already be queued or
// running) is a no-op: the task still runs.
func (t TimerToken) Cancel() bool {
	if t.timer == nil {
		return false
	}
	return t.timer.Stop()
}

// WatchVariable is the Go analogue of live555's eventLoopWatchVariable:
// the Run loop exits once this has been tripped, after the in-flight
// task (if any) returns.
type WatchVariable struct {
	tripped atomic.Bool
	stopCh  chan struct{}
	once    sync.Once
}

func newWatchVariable() *WatchVariable {
	return &WatchVariable{stopCh: make(chan struct{})}
}

// Trip sets the watch variable non-zero and wakes the Run loop.
func (w *WatchVariable) Trip() {
	w.tripped.Store(true)
	w.once.Do(func() { close(w.stopCh) })
}

// Tripped reports whether Trip has been called.
func (w *WatchVariable) Tripped() bool {
	return w.tripped.Load()
}

// Reactor is the single event loop. Zero value is not usable; use New.
type Reactor struct {
	tasks chan Task
	watch *WatchVariable

	mu      sync.Mutex
	pumps   map[int]context.CancelFunc
	nextID  int
	closed  bool
}

// New creates a Reactor whose task queue holds up to 256 pending
// tasks; Post blocks while the queue is full, which is fine: pumps
// block on their own I/O between posts anyway.
func New() *Reactor {
	return &Reactor{
		tasks: make(chan Task, 256),
		watch: newWatchVariable(),
		pumps: make(map[int]context.CancelFunc),
	}
}

// Watch returns the reactor's watch variable. Tripping it ends Run.
func (r *Reactor) Watch() *WatchVariable {
	return r.watch
}

// Post enqueues a task to run on the reactor's loop. Safe to call from
// any goroutine, including from within a currently-running task.
func (r *Reactor) Post(t Task) {
	select {
	case r.tasks <- t:
	case <-r.watch.stopCh:
		// Reactor is shutting down; drop the task rather than block
		// forever on a channel nobody will drain again.
	}
}

// Schedule arranges for fn to run on the reactor's loop after d. It
// returns a cancellable token. fn itself is not invoked directly by the
// timer; it is posted as a task, so it observes the same run-to-
// completion guarantee as an fd callback.
func (r *Reactor) Schedule(d time.Duration, fn Task) TimerToken {
	fired := &atomic.Bool{}
	timer := time.AfterFunc(d, func() {
		fired.Store(true)
		r.Post(fn)
	})
	return TimerToken{timer: timer, fired: fired}
}

// RegisterReader starts pump in its own goroutine. pump is expected to
// loop doing blocking I/O (Accept, Read, ...) and call post with a
// closure each time it has a readiness event to deliver. The returned
// cancel func asks the pump to stop via ctx and removes its bookkeeping
// entry; it does not forcibly kill the goroutine, matching the "an fd
// callback that closes its own fd must unregister first" discipline -
// callers close the underlying fd themselves, which is what unblocks
// the pump's Accept/Read call.
func (r *Reactor) RegisterReader(pump func(ctx context.Context, post func(Task))) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.pumps[id] = cancelCtx
	r.mu.Unlock()

	go pump(ctx, r.Post)

	return func() {
		r.mu.Lock()
		if c, ok := r.pumps[id]; ok {
			delete(r.pumps, id)
			r.mu.Unlock()
			c()
			return
		}
		r.mu.Unlock()
	}
}

// Run drains tasks until the watch variable is tripped. Each task runs
// to completion before the next is dispatched.
func (r *Reactor) Run() {
	for {
		select {
		case <-r.watch.stopCh:
			return
		case t := <-r.tasks:
			t()
			if r.watch.Tripped() {
				return
			}
		}
	}
}
