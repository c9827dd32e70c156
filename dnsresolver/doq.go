package dnsresolver

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/wirestage/wirestage/reactor"
	"github.com/wirestage/wirestage/wlog"
)

// DefaultDoQPort is the DNS-over-QUIC port of RFC 9250.
const DefaultDoQPort = 853

// doqALPN is the application protocol token of RFC 9250.
const doqALPN = "doq"

// doqTransport speaks DNS over QUIC: one bidirectional stream per query, the query
// sent followed by FIN, and the whole stream content up to the peer's FIN taken as
// the response message.
type doqTransport struct {
	tlsConfig *tls.Config
	logger    wlog.Logger
	loop      *reactor.Loop
	conn      *reactor.QUICConn
	handler   TransportHandler
	closed    atomic.Bool
}

// NewDoQTransport constructs a DNS-over-QUIC transport. The TLS configuration's ALPN
// list is forced to "doq".
func NewDoQTransport(tlsConfig *tls.Config) Transport {
	return &doqTransport{tlsConfig: tlsConfig}
}

func (transport *doqTransport) Open(server string, port int, handler TransportHandler) error {
	if port == 0 {
		port = DefaultDoQPort
	}
	config := transport.tlsConfig
	if config == nil {
		config = &tls.Config{ServerName: server}
	} else {
		config = config.Clone()
	}
	config.NextProtos = []string{doqALPN}
	transport.loop = reactor.NewLoop()
	conn, err := reactor.DialQUIC(transport.loop, net.JoinHostPort(server, strconv.Itoa(port)), config, 0)
	if err != nil {
		transport.loop.Shutdown()
		return fmt.Errorf("dnsresolver: failed to open DoQ transport to %s - %w", server, err)
	}
	transport.logger = wlog.Logger{ComponentName: "dns-doq", ComponentID: []wlog.IDField{{Key: "Server", Value: server}}}
	transport.conn = conn
	transport.handler = handler
	return nil
}

func (transport *doqTransport) Send(packet []byte) error {
	if transport.conn == nil {
		return fmt.Errorf("dnsresolver: DoQ transport is not open")
	}
	stream, err := transport.conn.OpenStream(&doqStreamHandler{transport: transport})
	if err != nil {
		return fmt.Errorf("dnsresolver: failed to open DoQ stream - %w", err)
	}
	if err := stream.Send(packet); err != nil {
		stream.Close()
		return err
	}
	// FIN delimits the query; the response arrives on the same stream.
	return stream.CloseWrite()
}

func (transport *doqTransport) Close() {
	if transport.closed.Swap(true) {
		return
	}
	if transport.conn != nil {
		transport.conn.Close()
	}
	if transport.loop != nil {
		transport.loop.Shutdown()
	}
}

// doqStreamHandler accumulates one response message until the peer's FIN.
type doqStreamHandler struct {
	transport *doqTransport
	message   []byte
	failed    bool
}

func (handler *doqStreamHandler) HandleConnected(ep reactor.Endpoint) {}

func (handler *doqStreamHandler) HandleReceive(data []byte) {
	if len(handler.message)+len(data) > maxFrameLength {
		handler.failed = true
		handler.message = nil
		handler.transport.handler.OnError("DoQ response exceeds 65535 bytes")
		return
	}
	handler.message = append(handler.message, data...)
}

func (handler *doqStreamHandler) HandleDisconnected(err error) {
	if handler.failed {
		return
	}
	if err != nil {
		if !handler.transport.closed.Load() {
			handler.transport.handler.OnError(fmt.Sprintf("DoQ stream failed - %v", err))
		}
		return
	}
	handler.transport.handler.OnReceive(handler.message)
}
