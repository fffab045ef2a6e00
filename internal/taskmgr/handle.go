package taskmgr

import (
	"context"
	"sync"
)

// Handle is the hard-cancellation side of a unit of work. Abort interrupts
// the work at its next blocking point; it is separate from the soft flag the
// work polls through Manager.IsCancelled.
type Handle interface {
	Abort()
	Finished() bool
}

// Run is a Handle backed by a goroutine and a cancellable context.
type Run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Go starts fn in its own goroutine. Aborting the returned Run cancels the
// context passed to fn.
func Go(parent context.Context, fn func(ctx context.Context) error) *Run {
	ctx, cancel := context.WithCancel(parent)
	r := &Run{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		defer cancel()
		err := fn(ctx)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}()
	return r
}

func (r *Run) Abort() { r.cancel() }

func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done is closed when fn returns.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until fn returns and reports its error.
func (r *Run) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Err returns fn's error once finished, nil before.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

type noopHandle struct{}

func (noopHandle) Abort()         {}
func (noopHandle) Finished() bool { return false }
