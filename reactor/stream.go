package reactor

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wirestage/wirestage/wlog"
)

const (
	// DefaultIOTimeout applies to individual send operations and TLS handshakes.
	DefaultIOTimeout = 2 * time.Minute
	// readChunkSize is the size of the buffer handed to each read operation.
	readChunkSize = 16 * 1024
)

// ErrEndpointClosed is returned by Send after the endpoint has been closed.
var ErrEndpointClosed = errors.New("endpoint is closed")

type pendingTLS struct {
	config *tls.Config
	client bool
	done   func(err error)
}

// streamEndpoint is an Endpoint backed by a TCP (optionally TLS) connection. A dedicated
// reader goroutine pulls bytes off the socket and delivers them to the handler on the
// loop, waiting for each delivery to finish before reading again. TLS upgrades are
// performed by the reader at the boundary between two deliveries, which guarantees that
// plaintext and ciphertext bytes are never mixed.
type streamEndpoint struct {
	loop    *Loop
	logger  wlog.Logger
	handler Handler

	ioTimeout time.Duration

	connMutex sync.Mutex
	conn      net.Conn
	tlsOn     bool
	tlsState  tls.ConnectionState

	upgradeMutex sync.Mutex
	upgrade      *pendingTLS

	closed         atomic.Bool
	disconnectOnce sync.Once
}

func newStreamEndpoint(loop *Loop, conn net.Conn, handler Handler, tlsOn bool) *streamEndpoint {
	ep := &streamEndpoint{
		loop:      loop,
		logger:    wlog.Logger{ComponentName: "endpoint", ComponentID: []wlog.IDField{{Key: "Peer", Value: conn.RemoteAddr()}}},
		handler:   handler,
		ioTimeout: DefaultIOTimeout,
		conn:      conn,
		tlsOn:     tlsOn,
	}
	if tlsConn, isTLS := conn.(*tls.Conn); isTLS {
		ep.tlsState = tlsConn.ConnectionState()
	}
	return ep
}

func (ep *streamEndpoint) Send(data []byte) error {
	if ep.closed.Load() {
		return ErrEndpointClosed
	}
	ep.connMutex.Lock()
	defer ep.connMutex.Unlock()
	ep.logger.MaybeMinorError(ep.conn.SetWriteDeadline(time.Now().Add(ep.ioTimeout)))
	if _, err := ep.conn.Write(data); err != nil {
		return err
	}
	return nil
}

func (ep *streamEndpoint) Close() {
	if ep.closed.Swap(true) {
		return
	}
	ep.connMutex.Lock()
	conn := ep.conn
	ep.connMutex.Unlock()
	ep.logger.MaybeMinorError(conn.Close())
}

func (ep *streamEndpoint) StartTLS(config *tls.Config, client bool, done func(err error)) {
	ep.upgradeMutex.Lock()
	defer ep.upgradeMutex.Unlock()
	if ep.tlsOn {
		upgradeErr := errors.New("TLS is already on")
		ep.loop.InvokeLater(func() { done(upgradeErr) })
		return
	}
	ep.upgrade = &pendingTLS{config: config, client: client, done: done}
}

func (ep *streamEndpoint) TLSState() (bool, tls.ConnectionState) {
	ep.connMutex.Lock()
	defer ep.connMutex.Unlock()
	return ep.tlsOn, ep.tlsState
}

func (ep *streamEndpoint) RemoteAddr() net.Addr {
	ep.connMutex.Lock()
	defer ep.connMutex.Unlock()
	return ep.conn.RemoteAddr()
}

func (ep *streamEndpoint) Loop() *Loop {
	return ep.loop
}

func (ep *streamEndpoint) takeUpgrade() *pendingTLS {
	ep.upgradeMutex.Lock()
	defer ep.upgradeMutex.Unlock()
	upgrade := ep.upgrade
	ep.upgrade = nil
	return upgrade
}

// performUpgrade runs the TLS handshake on the reader goroutine. Sends are held off for
// the duration by the connection mutex.
func (ep *streamEndpoint) performUpgrade(upgrade *pendingTLS) error {
	ep.connMutex.Lock()
	ep.logger.MaybeMinorError(ep.conn.SetDeadline(time.Now().Add(ep.ioTimeout)))
	var tlsConn *tls.Conn
	if upgrade.client {
		tlsConn = tls.Client(ep.conn, upgrade.config)
	} else {
		tlsConn = tls.Server(ep.conn, upgrade.config)
	}
	err := tlsConn.Handshake()
	if err == nil {
		ep.logger.MaybeMinorError(tlsConn.SetDeadline(time.Time{}))
		ep.conn = tlsConn
		ep.tlsOn = true
		ep.tlsState = tlsConn.ConnectionState()
	}
	// The mutex is released before the completion callback so that the callback is
	// free to send on the freshly upgraded endpoint.
	ep.connMutex.Unlock()
	ep.loop.invokeAndWait(func() { upgrade.done(err) })
	return err
}

func (ep *streamEndpoint) dispatchDisconnect(err error) {
	ep.disconnectOnce.Do(func() {
		ep.closed.Store(true)
		ep.loop.invokeAndWait(func() { ep.handler.HandleDisconnected(err) })
	})
}

// readLoop runs on a dedicated goroutine until the endpoint dies.
func (ep *streamEndpoint) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		if upgrade := ep.takeUpgrade(); upgrade != nil {
			if err := ep.performUpgrade(upgrade); err != nil {
				// A failed handshake leaves the byte stream in an unusable state.
				ep.Close()
				ep.dispatchDisconnect(fmt.Errorf("TLS handshake failed - %w", err))
				return
			}
			continue
		}
		ep.connMutex.Lock()
		conn := ep.conn
		ep.connMutex.Unlock()
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ep.loop.invokeAndWait(func() { ep.handler.HandleReceive(data) })
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ep.closed.Load() {
				ep.dispatchDisconnect(nil)
			} else {
				ep.dispatchDisconnect(err)
			}
			return
		}
	}
}

// start delivers the connected event and begins reading.
func (ep *streamEndpoint) start() {
	ep.loop.invokeAndWait(func() { ep.handler.HandleConnected(ep) })
	go ep.readLoop()
}
