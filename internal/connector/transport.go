// Package connector implements the client-side JSON-RPC endpoint: the
// connection lifecycle state machine, request/response correlation,
// server-initiated request dispatch, and pagination helpers. It is
// transport-agnostic; concrete transports (stdio, streamable HTTP) are
// built in the sibling files in this package and satisfy the Transport
// interface below.
package connector

import "context"

// Transport is the I/O boundary a Connector drives. A transport owns no
// reference to the Connector's internals; it only emits parsed frames on
// Inbound and accepts frames to write via Send, so the connector and
// transport never hold cyclic references to each other.
type Transport interface {
	// Open starts the transport (spawning a process, opening an HTTP
	// session, etc.) and returns a channel of raw inbound message bytes.
	// The channel is closed when the transport detects the remote side
	// is gone; after that, no further sends will succeed.
	Open(ctx context.Context) (<-chan []byte, error)

	// Send writes one raw JSON-RPC envelope (request, notification, or
	// response) to the remote side.
	Send(ctx context.Context, data []byte) error

	// Close tears the transport down. Implementations that need a
	// multi-stage shutdown (stdio's three-stage escalation) perform the
	// whole escalation inside this call.
	Close(ctx context.Context) error
}
