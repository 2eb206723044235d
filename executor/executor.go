// Package executor implements the cooperative single-threaded
// executor of spec §5: a goroutine draining a bounded function queue.
// Every core component is pinned to exactly one Executor; cross-
// executor interaction happens by Post-ing a closure, never by
// sharing a lock. Handlers run to completion without blocking on
// another executor - the only suspension points are the post boundary
// itself and network I/O readiness (owned by the network executor).
package executor

import (
	"context"
	"fmt"

	"github.com/sirispace/spaceserver/cmn/nlog"
)

// Executor drains a single FIFO queue of closures on one goroutine.
// The zero value is not usable; construct with New.
type Executor struct {
	name  string
	tasks chan func()
	done  chan struct{}
}

// New starts an Executor with a bounded backlog. queueLen bounds
// memory the way every other queue in this system is bounded (§4.3,
// §5); a full queue blocks Post, so callers that must not block
// should use TryPost.
func New(name string, queueLen int) *Executor {
	e := &Executor{
		name:  name,
		tasks: make(chan func(), queueLen),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for fn := range e.tasks {
		e.safeRun(fn)
	}
}

func (e *Executor) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("executor %s: task panicked: %v", e.name, r)
		}
	}()
	fn()
}

// Post enqueues fn to run on the executor's goroutine, blocking if the
// backlog is full.
func (e *Executor) Post(fn func()) {
	e.tasks <- fn
}

// TryPost enqueues fn without blocking, reporting false if the backlog
// is full - the caller is expected to treat this as backpressure
// (§4.3), not as an error to retry inline.
func (e *Executor) TryPost(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	default:
		return false
	}
}

// PostWait runs fn on the executor and blocks for its completion,
// returning any error it reports. Reserved for diagnostics snapshot
// reads (§5 "any other thread that needs a read must post a request
// and receive a reply") - never used on the routing hot path.
func (e *Executor) PostWait(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	posted := e.TryPost(func() {
		result <- fn()
	})
	if !posted {
		// fall back to a blocking post with context cancellation.
		select {
		case e.tasks <- func() { result <- fn() }:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for the runner to exit. Tasks already
// queued are still run, in order, before Stop returns; a Post or
// TryPost after Stop panics, since the queue channel is closed.
func (e *Executor) Stop() {
	close(e.tasks)
	<-e.done
}

func (e *Executor) String() string { return fmt.Sprintf("executor(%s)", e.name) }
