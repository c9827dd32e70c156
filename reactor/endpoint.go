package reactor

import (
	"crypto/tls"
	"net"
)

// Handler receives the events of a single endpoint. All callbacks are delivered on the
// endpoint's loop, never concurrently with each other.
type Handler interface {
	// HandleConnected is invoked once, after the endpoint has become ready to send.
	HandleConnected(ep Endpoint)
	// HandleReceive is invoked with a chunk of received bytes. The slice is owned by
	// the handler after the call.
	HandleReceive(data []byte)
	// HandleDisconnected is invoked exactly once when the endpoint is gone, whether by
	// peer close (err == nil) or by failure. No further callbacks follow it.
	HandleDisconnected(err error)
}

// Endpoint is a byte-stream connection managed by the reactor. Bytes handed to Send are
// delivered in order; back-pressure may stall the caller but never reorders.
type Endpoint interface {
	// Send queues bytes for transmission.
	Send(data []byte) error
	// Close drains pending sends and then closes the endpoint.
	Close()
	// StartTLS upgrades the endpoint from plaintext to TLS in place. Bytes received
	// before the handshake are never mixed with bytes received after it. The done
	// callback is delivered on the loop once the handshake concluded.
	// StartTLS may only be called from a loop callback of this endpoint.
	StartTLS(config *tls.Config, client bool, done func(err error))
	// TLSState reports whether TLS is on, and if so the negotiated connection state.
	TLSState() (bool, tls.ConnectionState)
	// RemoteAddr returns the address of the peer.
	RemoteAddr() net.Addr
	// Loop returns the loop all of this endpoint's callbacks are delivered on.
	Loop() *Loop
}
