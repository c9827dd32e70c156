package reactor

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/wirestage/wirestage/wlog"
)

// QUICConn is a multi-stream secure transport. Each opened stream is a byte-stream
// sub-endpoint of its own; the peer's FIN on a stream is signalled as a disconnected
// event after all buffered bytes have been delivered.
type QUICConn struct {
	loop   *Loop
	logger wlog.Logger
	conn   quic.Connection
}

// DialQUIC establishes a QUIC connection to the address. The ALPN protocol list and
// certificate verification behaviour come from the TLS configuration.
func DialQUIC(loop *Loop, addr string, tlsConfig *tls.Config, timeout time.Duration) (*QUICConn, error) {
	if timeout == 0 {
		timeout = DefaultIOTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{})
	if err != nil {
		return nil, err
	}
	return &QUICConn{
		loop:   loop,
		logger: wlog.Logger{ComponentName: "quic", ComponentID: []wlog.IDField{{Key: "Peer", Value: addr}}},
		conn:   conn,
	}, nil
}

// OpenStream opens a bidirectional stream and begins delivering its events to the
// handler on the connection's loop.
func (qc *QUICConn) OpenStream(handler Handler) (*QUICStream, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultIOTimeout)
	defer cancel()
	stream, err := qc.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	sub := &QUICStream{parent: qc, stream: stream, handler: handler}
	qc.loop.invokeAndWait(func() { handler.HandleConnected(sub) })
	go sub.readLoop()
	return sub, nil
}

// Close tears down the connection and every stream on it.
func (qc *QUICConn) Close() {
	qc.logger.MaybeMinorError(qc.conn.CloseWithError(0, ""))
}

// Loop returns the loop stream events are delivered on.
func (qc *QUICConn) Loop() *Loop {
	return qc.loop
}

// QUICStream is a single bidirectional stream sub-endpoint.
type QUICStream struct {
	parent  *QUICConn
	stream  quic.Stream
	handler Handler

	writeMutex     sync.Mutex
	closed         atomic.Bool
	disconnectOnce sync.Once
}

func (qs *QUICStream) Send(data []byte) error {
	if qs.closed.Load() {
		return ErrEndpointClosed
	}
	qs.writeMutex.Lock()
	defer qs.writeMutex.Unlock()
	_, err := qs.stream.Write(data)
	return err
}

// CloseWrite sends FIN on the stream while leaving the receive side open. DNS-over-QUIC
// relies on this to delimit the query message.
func (qs *QUICStream) CloseWrite() error {
	qs.writeMutex.Lock()
	defer qs.writeMutex.Unlock()
	return qs.stream.Close()
}

func (qs *QUICStream) Close() {
	if qs.closed.Swap(true) {
		return
	}
	qs.stream.CancelRead(0)
	qs.writeMutex.Lock()
	qs.parent.logger.MaybeMinorError(qs.stream.Close())
	qs.writeMutex.Unlock()
}

func (qs *QUICStream) StartTLS(config *tls.Config, client bool, done func(err error)) {
	err := errors.New("QUIC streams are always encrypted")
	qs.parent.loop.InvokeLater(func() { done(err) })
}

func (qs *QUICStream) TLSState() (bool, tls.ConnectionState) {
	return true, qs.parent.conn.ConnectionState().TLS
}

func (qs *QUICStream) RemoteAddr() net.Addr {
	return qs.parent.conn.RemoteAddr()
}

func (qs *QUICStream) Loop() *Loop {
	return qs.parent.loop
}

func (qs *QUICStream) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := qs.stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			qs.parent.loop.invokeAndWait(func() { qs.handler.HandleReceive(data) })
		}
		if err != nil {
			qs.disconnectOnce.Do(func() {
				qs.closed.Store(true)
				if errors.Is(err, io.EOF) {
					// FIN from the peer: the stream is complete.
					err = nil
				}
				finErr := err
				qs.parent.loop.invokeAndWait(func() { qs.handler.HandleDisconnected(finErr) })
			})
			return
		}
	}
}
