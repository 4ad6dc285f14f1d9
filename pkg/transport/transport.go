// Package transport defines the Transport interface the Agent Host drives:
// something that accepts inbound requests addressed to a local agent and
// can carry outbound requests to a peer, tagging each with a correlation
// id the Host's callback registry resolves. Concrete carriers live in
// httptransport (gin) and grpctransport.
package transport

import (
	"context"
	"encoding/json"
)

// Inbound is a request arriving at this process, already stripped of
// wire-format framing: which agent it targets, the JSON-RPC payload, the
// sender's identity (if the carrier has one), and the correlation tag the
// response must carry back.
type Inbound struct {
	AgentID string
	Payload json.RawMessage
	Sender  string
	Tag     string
}

// Receiver is implemented by the Agent Host: every Transport hands inbound
// requests to exactly one Receiver.
type Receiver interface {
	Receive(ctx context.Context, in Inbound) (json.RawMessage, error)
}

// Transport is a wire carrier the Agent Host can send through and receive
// from. Start begins listening/serving; outbound calls use Send.
type Transport interface {
	// Name identifies this transport instance in logs and config.
	Name() string

	// Start begins serving inbound traffic, delivering each request to
	// receiver. Blocks until Stop is called or ctx is done.
	Start(ctx context.Context, receiver Receiver) error

	// Stop releases listener resources.
	Stop(ctx context.Context) error

	// Send carries an outbound request to targetURL, tagged with tag, and
	// returns the carrier's wire response. Every carrier in this package is
	// request-response at the wire level, so Send itself already holds the
	// answer by the time it returns; the Host resolves the matching
	// PendingCall with exactly that payload rather than waiting on a
	// separate async delivery.
	Send(ctx context.Context, targetURL string, payload json.RawMessage, tag string) (json.RawMessage, error)
}
