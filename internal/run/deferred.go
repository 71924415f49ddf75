package run

import (
	"context"
	"sync"
)

// Deferred is a one-shot final result. The stream's completion hook
// resolves it; any number of goroutines may wait on it. The first
// resolution wins and later attempts are no-ops, which breaks the cyclic
// lifetime between a stream and its final without mutual ownership.
type Deferred struct {
	mu      sync.Mutex
	done    chan struct{}
	final   Final
	settled bool
}

// NewDeferred creates an unsettled deferred.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve settles the deferred with the given final. Returns false if it
// was already settled.
func (d *Deferred) Resolve(f Final) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.final = f
	d.settled = true
	close(d.done)
	return true
}

// Settled reports whether the deferred has been resolved.
func (d *Deferred) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Wait blocks until the deferred is resolved or the context is done.
// Do not call Wait from inside a loop consuming the stream that resolves
// this deferred: the resolution happens in the stream's completion hook,
// which only runs after the consumer finishes iterating.
func (d *Deferred) Wait(ctx context.Context) (Final, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.final, nil
	case <-ctx.Done():
		return Final{}, ctx.Err()
	}
}

// Done exposes the settled signal for select loops.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}
