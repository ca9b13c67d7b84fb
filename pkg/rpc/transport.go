package rpc

import "github.com/kbirk/tether/pkg/wire"

// Conn represents one end of a duplex, message-oriented pipe. Messages are
// delivered whole and in FIFO order per direction. A message queued before
// the peer closed is still delivered before Recv reports ErrPeerClosed.
type Conn interface {
	// Send writes one message to the remote peer. Ownership of the
	// capabilities moves to the transport: on failure they are released.
	// Transports that cannot carry capabilities fail with
	// ErrCapabilitiesUnsupported.
	Send(data []byte, caps ...wire.Capability) error

	// Recv blocks until a message is received from the remote peer. It
	// returns ErrPeerClosed once the pipe is closed, from either side,
	// and drained.
	Recv() ([]byte, []wire.Capability, error)

	// Close closes the connection. Idempotent.
	Close() error
}

// ServerTransport handles incoming connections for a host.
type ServerTransport interface {
	// Listen starts listening for incoming connections
	Listen() error

	// Accept blocks until a new connection is available. It returns
	// ErrTransportClosed after Close.
	Accept() (Conn, error)

	// Close stops listening and closes the transport
	Close() error
}

// ClientTransport handles outgoing connections for a client.
type ClientTransport interface {
	// Connect establishes a connection to the server
	Connect() (Conn, error)
}
