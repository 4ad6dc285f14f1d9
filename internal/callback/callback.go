// Package callback implements the tag-correlated pending-call bridge
// between a synchronous caller and an asynchronous transport, grounded on
// the original RestServlet's flow: generate a tag, register a callback
// under it, hand the tag to the async side, and block the caller until the
// callback resolves or the context is done.
package callback

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Result is what a PendingCall resolves to: either a value or an error,
// never both.
type Result struct {
	Value any
	Err   error
}

// PendingCall is a single in-flight call waiting for an async response.
// Resolve may be called at most once; later calls are no-ops.
type PendingCall struct {
	tag  string
	done chan Result
	once sync.Once
}

// Tag returns the correlation id this call is registered under.
func (p *PendingCall) Tag() string { return p.tag }

// Resolve completes the call with a result. Safe to call from any
// goroutine, including the transport's receive loop.
func (p *PendingCall) Resolve(value any, err error) {
	p.once.Do(func() {
		p.done <- Result{Value: value, Err: err}
		close(p.done)
	})
}

// Wait blocks until Resolve is called or ctx is done, whichever comes
// first. A context cancellation still leaves the PendingCall registered
// under Registry until the caller also calls Registry.Forget, so a late
// Resolve from a slow transport does not panic on a closed channel.
func (p *PendingCall) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-p.done:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry correlates tags to PendingCalls, the bridge a Host uses to let
// a synchronous Call() block on a response that arrives asynchronously
// through a Transport's receive path (see host.Host.Send).
type Registry struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{pending: make(map[string]*PendingCall)}
}

// Register creates a new PendingCall with a fresh random tag and stores it.
func (r *Registry) Register() *PendingCall {
	p := &PendingCall{tag: uuid.NewString(), done: make(chan Result, 1)}
	r.mu.Lock()
	r.pending[p.tag] = p
	r.mu.Unlock()
	return p
}

// Resolve looks up the PendingCall registered under tag and resolves it.
// Returns an error if no call is registered under that tag — e.g. it
// already timed out and was forgotten.
func (r *Registry) Resolve(tag string, value any, err error) error {
	r.mu.Lock()
	p, ok := r.pending[tag]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending call registered under tag %s", tag)
	}
	p.Resolve(value, err)
	return nil
}

// Forget removes a call from the registry, whether or not it was resolved.
// Callers should always Forget once they stop waiting, to bound memory use
// when a transport never delivers a response.
func (r *Registry) Forget(tag string) {
	r.mu.Lock()
	delete(r.pending, tag)
	r.mu.Unlock()
}

// Pending returns the number of calls currently awaiting resolution.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Call registers a PendingCall, runs deliver with its tag (deliver is
// expected to hand the tag off to an async transport and return quickly),
// then blocks on the result until ctx is done. The call is always forgotten
// before Call returns.
func Call(ctx context.Context, r *Registry, deliver func(tag string) error) (any, error) {
	p := r.Register()
	defer r.Forget(p.Tag())

	if err := deliver(p.Tag()); err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}
