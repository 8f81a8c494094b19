// Package scheduler implements the single-threaded cooperative scheduler
// shared by SyncJob, InterpreterJob and Syncer: every state mutation in the
// synchronization core runs as a discrete, non-blocking step posted to one
// goroutine, so there is never more than one mutator touching BranchGraph
// or IndexStore at a time.
package scheduler

import (
	"weak"
)

// Scheduler serializes posted steps onto a single goroutine. Steps must not
// block synchronously on I/O; long-running work (network fetch, VM
// interpretation across many tipsets) is expected to yield by posting its
// continuation as a further step instead of looping inline.
type Scheduler struct {
	tasks chan func()
	done  chan struct{}
}

// New starts a Scheduler. Call Stop to shut it down.
func New() *Scheduler {
	s := &Scheduler{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	for {
		select {
		case fn := <-s.tasks:
			select {
			case <-s.done:
				return
			default:
			}
			fn()
		case <-s.done:
			return
		}
	}
}

// Post enqueues fn to run on the scheduler goroutine. Safe to call from any
// goroutine, including from within a running step.
func (s *Scheduler) Post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// Stop halts the scheduler. Steps already enqueued are dropped.
func (s *Scheduler) Stop() {
	close(s.done)
}

// PostWeak posts a step that only runs if ref is still alive by the time the
// scheduler gets to it. This is the weak self-reference pattern called for
// by the synchronization design: a job holds only a weak back-reference to
// itself inside scheduled callbacks, so dropping the job (letting it become
// unreachable) silently cancels any callbacks still in the queue instead of
// requiring an explicit cancellation handshake.
func PostWeak[T any](s *Scheduler, ref weak.Pointer[T], step func(*T)) {
	s.Post(func() {
		if v := ref.Value(); v != nil {
			step(v)
		}
	})
}
