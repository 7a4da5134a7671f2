// Package readiness provides Gate, a one-shot broadcast that holds callers
// until a startup step finishes and then replays its outcome to everyone.
package readiness

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned by Resolve after the first call.
var ErrAlreadyResolved = errors.New("readiness: gate already resolved")

// State is the lifecycle position of a Gate.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s can no longer change.
func (s State) Terminal() bool { return s == Ready || s == Failed }

// Gate is a sticky, resolve-once barrier. Waiters registered before
// resolution are queued; Resolve settles all of them with one outcome and
// caches it for every later waiter. All methods are safe for concurrent use.
type Gate struct {
	mu      sync.Mutex
	state   State
	err     error
	waiters []chan error
	done    chan struct{}
}

// New returns a gate in the Uninitialized state.
func New() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Start marks initialization as underway. It returns false if the gate
// has already left Uninitialized.
func (g *Gate) Start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Uninitialized {
		return false
	}
	g.state = Initializing
	return true
}

// Register returns a channel that receives the outcome exactly once.
// On a resolved gate the value is already buffered.
func (g *Gate) Register() <-chan error {
	ch := make(chan error, 1)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Terminal() {
		ch <- g.err
		return ch
	}
	g.waiters = append(g.waiters, ch)
	return ch
}

// Wait blocks until the gate resolves or ctx is done. It returns the
// stored outcome, or ctx.Err() if the context ends first.
func (g *Gate) Wait(ctx context.Context) error {
	// Fast path once resolved; avoids allocating a waiter.
	select {
	case <-g.done:
		return g.Err()
	default:
	}

	select {
	case err := <-g.Register():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve moves the gate to Ready (err == nil) or Failed and settles every
// queued waiter with err. Only the first call has any effect.
func (g *Gate) Resolve(err error) error {
	g.mu.Lock()
	if g.state.Terminal() {
		g.mu.Unlock()
		return ErrAlreadyResolved
	}
	if err != nil {
		g.state = Failed
	} else {
		g.state = Ready
	}
	g.err = err
	waiters := g.waiters
	g.waiters = nil
	close(g.done)
	g.mu.Unlock()

	// Each channel has room for exactly one value and is dropped from the
	// queue above, so no waiter can be settled twice.
	for _, ch := range waiters {
		ch <- err
	}
	return nil
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err returns the stored failure, or nil while unresolved or Ready.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Pending returns the number of waiters still queued.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// Done is closed once the gate resolves.
func (g *Gate) Done() <-chan struct{} { return g.done }
