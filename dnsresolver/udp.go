package dnsresolver

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/wirestage/wirestage/wlog"
)

// DefaultUDPPort is the conventional DNS port.
const DefaultUDPPort = 53

// maxDatagramSize accommodates EDNS-sized responses.
const maxDatagramSize = 4096

// udpTransport sends each DNS message as one datagram and delivers each incoming
// datagram as one message.
type udpTransport struct {
	logger wlog.Logger
	conn   net.Conn
	closed atomic.Bool
}

// NewUDPTransport constructs the plain datagram transport.
func NewUDPTransport() Transport {
	return &udpTransport{}
}

func (transport *udpTransport) Open(server string, port int, handler TransportHandler) error {
	if port == 0 {
		port = DefaultUDPPort
	}
	conn, err := net.Dial("udp", net.JoinHostPort(server, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("dnsresolver: failed to open UDP transport to %s - %w", server, err)
	}
	transport.logger = wlog.Logger{ComponentName: "dns-udp", ComponentID: []wlog.IDField{{Key: "Server", Value: server}}}
	transport.conn = conn
	go transport.readLoop(handler)
	return nil
}

func (transport *udpTransport) readLoop(handler TransportHandler) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := transport.conn.Read(buf)
		if err != nil {
			if !transport.closed.Load() {
				handler.OnError(fmt.Sprintf("UDP receive failed - %v", err))
			}
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		handler.OnReceive(packet)
	}
}

func (transport *udpTransport) Send(packet []byte) error {
	if transport.conn == nil {
		return fmt.Errorf("dnsresolver: UDP transport is not open")
	}
	_, err := transport.conn.Write(packet)
	return err
}

func (transport *udpTransport) Close() {
	if transport.closed.Swap(true) {
		return
	}
	if transport.conn != nil {
		transport.logger.MaybeMinorError(transport.conn.Close())
	}
}
