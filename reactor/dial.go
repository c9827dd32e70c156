package reactor

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// HostResolver turns a host name into IP addresses. The DNS resolver of this repository
// satisfies the interface; when no resolver is supplied, Dial falls back to the
// operating system resolver.
type HostResolver interface {
	ResolveAddrs(hostname string, onResolved func(addrs []net.IP), onError func(msg string))
}

// DialConfig carries the parameters of an outbound connection attempt.
type DialConfig struct {
	// Loop receives all callbacks of the resulting endpoint.
	Loop *Loop
	// Resolver resolves the host name before connecting. Optional.
	Resolver HostResolver
	// TLSConfig, when set, switches TLS on before the first send.
	TLSConfig *tls.Config
	// Timeout bounds the connection attempt. Zero means DefaultIOTimeout.
	Timeout time.Duration
}

// Dial connects to host:port and hands the resulting endpoint to the handler. The
// connected event, like every other event, is delivered on the loop. A host name is
// resolved through the configured resolver first; each resolved address is attempted
// in order.
func Dial(config DialConfig, host string, port int, handler Handler) {
	if config.Timeout == 0 {
		config.Timeout = DefaultIOTimeout
	}
	connect := func(addrs []string) {
		var lastErr error
		for _, addr := range addrs {
			conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), config.Timeout)
			if err != nil {
				lastErr = err
				continue
			}
			tlsOn := false
			if config.TLSConfig != nil {
				tlsConn := tls.Client(conn, config.TLSConfig)
				if err := tlsConn.Handshake(); err != nil {
					lastErr = err
					_ = conn.Close()
					continue
				}
				conn = tlsConn
				tlsOn = true
			}
			ep := newStreamEndpoint(config.Loop, conn, handler, tlsOn)
			ep.start()
			return
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no address to connect to for %s", host)
		}
		err := lastErr
		config.Loop.InvokeLater(func() { handler.HandleDisconnected(err) })
	}
	if ip := net.ParseIP(host); ip != nil {
		go connect([]string{host})
		return
	}
	if config.Resolver != nil {
		config.Resolver.ResolveAddrs(host,
			func(addrs []net.IP) {
				all := make([]string, 0, len(addrs))
				for _, ip := range addrs {
					all = append(all, ip.String())
				}
				go connect(all)
			},
			func(msg string) {
				err := fmt.Errorf("failed to resolve %s - %s", host, msg)
				config.Loop.InvokeLater(func() { handler.HandleDisconnected(err) })
			})
		return
	}
	go func() {
		addrs, err := net.LookupHost(host)
		if err != nil {
			config.Loop.InvokeLater(func() { handler.HandleDisconnected(err) })
			return
		}
		connect(addrs)
	}()
}

// Adopt wraps an already-established connection into an endpoint bound to the loop.
// It is used by servers handing accepted connections to the staged machinery, and by
// tests that construct connection pairs in memory.
func Adopt(loop *Loop, conn net.Conn, handler Handler) Endpoint {
	_, tlsOn := conn.(*tls.Conn)
	ep := newStreamEndpoint(loop, conn, handler, tlsOn)
	ep.start()
	return ep
}
