// Package agent defines the interface every hosted agent implements and the
// envelope used to pass data in and out of it. The Host (see package host)
// is the only thing that constructs and drives Agent instances; application
// code implements this interface and registers a constructor by class name.
package agent

import "context"

// Agent is the interface every hosted agent type implements. The Host
// never assumes a concrete struct: it only ever holds an Agent behind this
// interface, constructed lazily on first use. An instance stays in memory
// until its entry is deregistered; idle instances are not released.
//
// Operation handles exposed to the dispatcher (see package registry) are
// declared separately via Describer; Agent itself only covers lifecycle.
type Agent interface {
	// Name returns this instance's unique id within the Host.
	Name() string

	// Role returns the agent's class/type name, used to pick the
	// constructor that built it and to group operations in logs/metrics.
	Role() string

	// Start runs any background processing the agent needs once woken.
	// Implementations that have nothing to run in the background should
	// return nil immediately rather than blocking.
	Start(ctx context.Context) error

	// Execute handles a single request-response invocation. Implementations
	// must be safe to call concurrently with Start's background work.
	// The Host itself does not call Execute: inbound requests reach an agent
	// through the operations it declares (see package registry), and the
	// Host serializes that dispatch per agent id (see host.Host.Receive).
	Execute(ctx context.Context, input *Message) (*Message, error)

	// Stop releases the agent's in-memory state. Called when the agent's
	// entry is deregistered (see instantiation.Service.Deregister); the Host
	// never evicts an instance while its entry exists.
	Stop(ctx context.Context) error

	// Ready reports whether the agent has finished booting.
	Ready() bool
}
