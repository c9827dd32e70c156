package dnsresolver

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/wirestage/wirestage/wlog"
)

// DefaultDoTPort is the DNS-over-TLS port of RFC 7858.
const DefaultDoTPort = 853

// maxFrameLength bounds one length-prefixed DNS-over-TLS frame.
const maxFrameLength = 65535

// dotTransport speaks DNS over a TLS stream. Each message is framed by a 2-byte
// big-endian length prefix; received bytes accumulate until whole frames can be
// emitted, regardless of how the stream chops them up.
type dotTransport struct {
	tlsConfig *tls.Config
	logger    wlog.Logger
	conn      net.Conn
	closed    atomic.Bool
}

// NewDoTTransport constructs a DNS-over-TLS transport. A nil TLS configuration uses
// the system trust store with the server name taken from the dialled address.
func NewDoTTransport(tlsConfig *tls.Config) Transport {
	return &dotTransport{tlsConfig: tlsConfig}
}

func (transport *dotTransport) Open(server string, port int, handler TransportHandler) error {
	if port == 0 {
		port = DefaultDoTPort
	}
	config := transport.tlsConfig
	if config == nil {
		config = &tls.Config{ServerName: server}
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(server, strconv.Itoa(port)), config)
	if err != nil {
		return fmt.Errorf("dnsresolver: failed to open DoT transport to %s - %w", server, err)
	}
	transport.logger = wlog.Logger{ComponentName: "dns-dot", ComponentID: []wlog.IDField{{Key: "Server", Value: server}}}
	transport.conn = conn
	go transport.readLoop(handler)
	return nil
}

func (transport *dotTransport) readLoop(handler TransportHandler) {
	var accumulated []byte
	buf := make([]byte, 16*1024)
	for {
		n, err := transport.conn.Read(buf)
		if n > 0 {
			accumulated = append(accumulated, buf[:n]...)
			for len(accumulated) >= 2 {
				frameLength := int(binary.BigEndian.Uint16(accumulated))
				if frameLength <= 0 {
					handler.OnError(fmt.Sprintf("DoT frame has invalid length %d", frameLength))
					transport.Close()
					return
				}
				if len(accumulated) < 2+frameLength {
					break
				}
				packet := make([]byte, frameLength)
				copy(packet, accumulated[2:2+frameLength])
				accumulated = accumulated[2+frameLength:]
				handler.OnReceive(packet)
			}
		}
		if err != nil {
			if !transport.closed.Load() {
				handler.OnError(fmt.Sprintf("DoT receive failed - %v", err))
			}
			return
		}
	}
}

func (transport *dotTransport) Send(packet []byte) error {
	if transport.conn == nil {
		return fmt.Errorf("dnsresolver: DoT transport is not open")
	}
	if len(packet) == 0 || len(packet) > maxFrameLength {
		return fmt.Errorf("dnsresolver: message of %d bytes cannot be framed", len(packet))
	}
	framed := make([]byte, 2+len(packet))
	binary.BigEndian.PutUint16(framed, uint16(len(packet)))
	copy(framed[2:], packet)
	_, err := transport.conn.Write(framed)
	return err
}

func (transport *dotTransport) Close() {
	if transport.closed.Swap(true) {
		return
	}
	if transport.conn != nil {
		transport.logger.MaybeMinorError(transport.conn.Close())
	}
}
