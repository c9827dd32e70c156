package dnsresolver

// TransportHandler receives whole DNS messages (and faults) from a transport. Which
// goroutine delivers the callbacks is transport-specific; the resolver re-schedules
// onto its loop when a loop affinity is configured.
type TransportHandler interface {
	// OnReceive is invoked with one complete DNS message in wire form.
	OnReceive(packet []byte)
	// OnError is invoked when the transport fails; the transport is unusable afterwards.
	OnError(msg string)
}

// Transport carries serialised DNS messages to one upstream server. Implementations
// exist for plain UDP datagrams, DNS-over-TLS with 2-byte length framing, and
// DNS-over-QUIC with one stream per query.
type Transport interface {
	// Open connects the transport to the server. Port 0 selects the transport's
	// default port.
	Open(server string, port int, handler TransportHandler) error
	// Send transmits one serialised DNS message.
	Send(packet []byte) error
	// Close tears the transport down. Safe to call more than once.
	Close()
}

// TransportFactory constructs a fresh transport per upstream server.
type TransportFactory func() Transport
