// Package pop3d is the POP3 server daemon: listener, per-IP rate limit, TLS
// configuration, and the hand-off of accepted connections to the POP3 state machine.
package pop3d

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wirestage/wirestage/daemon/pop3d/pop3"
	"github.com/wirestage/wirestage/metrics"
	"github.com/wirestage/wirestage/realm"
	"github.com/wirestage/wirestage/wlog"
)

const (
	// RateLimitIntervalSec is the interval the per-IP rate limit is calculated at.
	RateLimitIntervalSec = 10
	// IOTimeoutSec is the IO timeout for both read and write operations.
	IOTimeoutSec = 120
)

// Daemon is a POP3 server over one listener.
type Daemon struct {
	Address     string `json:"Address"`     // Network address to listen on, e.g. 0.0.0.0 for all interfaces.
	Port        int    `json:"Port"`        // Port number to listen on
	TLSCertPath string `json:"TLSCertPath"` // (Optional) offer STLS via this certificate
	TLSKeyPath  string `json:"TLSKeyPath"`  // (Optional) offer STLS via this certificate (key)
	PerIPLimit  int    `json:"PerIPLimit"`  // How many sessions per interval an IP may open
	ServerName  string `json:"ServerName"`  // Host name presented in the greeting banner

	Realm realm.Realm `json:"-"` // Realm authenticates sessions
	Store pop3.Store  `json:"-"` // Store opens maildrops

	Listener       net.Listener    `json:"-"` // Once the daemon is started, this is its TCP listener.
	TLSCertificate tls.Certificate `json:"-"` // TLS certificate read from the certificate and key files

	pop3Config pop3.Config
	rateLimit  *wlog.RateLimit
	logger     wlog.Logger
}

// Initialise checks the configuration and initialises the internal state.
func (daemon *Daemon) Initialise() error {
	daemon.logger = wlog.Logger{ComponentName: "pop3d", ComponentID: []wlog.IDField{{Key: "Addr", Value: fmt.Sprintf("%s:%d", daemon.Address, daemon.Port)}}}
	if daemon.Address == "" {
		return errors.New("pop3d.Initialise: listen address must not be empty")
	}
	if daemon.Port < 1 {
		return errors.New("pop3d.Initialise: listen port must be greater than 0")
	}
	if daemon.PerIPLimit < 1 {
		daemon.PerIPLimit = 16
	}
	if daemon.ServerName == "" {
		return errors.New("pop3d.Initialise: server name must not be empty")
	}
	if daemon.Realm == nil || daemon.Store == nil {
		return errors.New("pop3d.Initialise: the server is not useful without a realm and a message store")
	}
	if daemon.TLSCertPath != "" || daemon.TLSKeyPath != "" {
		if daemon.TLSCertPath == "" || daemon.TLSKeyPath == "" {
			return errors.New("pop3d.Initialise: TLS certificate or key path is missing")
		}
		var err error
		daemon.TLSCertificate, err = tls.LoadX509KeyPair(daemon.TLSCertPath, daemon.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("pop3d.Initialise: failed to read TLS certificate - %v", err)
		}
	}
	daemon.pop3Config = pop3.Config{
		Hostname:  daemon.ServerName,
		Realm:     daemon.Realm,
		Store:     daemon.Store,
		IOTimeout: IOTimeoutSec * time.Second,
	}
	if daemon.TLSCertPath != "" {
		daemon.pop3Config.TLSConfig = &tls.Config{Certificates: []tls.Certificate{daemon.TLSCertificate}}
	}
	daemon.rateLimit = wlog.NewRateLimit(RateLimitIntervalSec, daemon.PerIPLimit, &daemon.logger)
	return nil
}

// HandleConnection converses in POP3 over the connection and closes it when done.
func (daemon *Daemon) HandleConnection(clientConn net.Conn) {
	metrics.POP3Connections.Inc()
	clientIP, _, _ := net.SplitHostPort(clientConn.RemoteAddr().String())
	if !daemon.rateLimit.Add(clientIP, true) {
		clientConn.Close()
		return
	}
	pop3.NewConn(clientConn, daemon.pop3Config).Serve()
	daemon.logger.Info(clientIP, nil, "conversation finished")
}

// StartAndBlock starts the POP3 daemon and blocks until the daemon is told to stop.
// Call this function only after having called Initialise.
func (daemon *Daemon) StartAndBlock() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(daemon.Address, strconv.Itoa(daemon.Port)))
	if err != nil {
		return fmt.Errorf("pop3d.StartAndBlock: failed to listen on %s:%d - %v", daemon.Address, daemon.Port, err)
	}
	daemon.Listener = listener
	daemon.logger.Info("", nil, "going to listen for connections")
	for {
		clientConn, err := daemon.Listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			return fmt.Errorf("pop3d.StartAndBlock: failed to accept new connection - %v", err)
		}
		go daemon.HandleConnection(clientConn)
	}
}

// Stop closes the listener so that the connection loop will terminate.
func (daemon *Daemon) Stop() {
	if listener := daemon.Listener; listener != nil {
		if err := listener.Close(); err != nil {
			daemon.logger.Warning("", err, "failed to close listener")
		}
	}
}
