// Package smtpd is the SMTP server daemon: it owns the listener, applies per-IP rate
// limits, and hands each accepted connection to the staged SMTP state machine. The
// application behind it decides recipient policy and what to do with each committed
// message.
package smtpd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wirestage/wirestage/daemon/smtpd/smtp"
	"github.com/wirestage/wirestage/metrics"
	"github.com/wirestage/wirestage/realm"
	"github.com/wirestage/wirestage/wlog"
)

const (
	// RateLimitIntervalSec is the interval the per-IP rate limit is calculated at.
	RateLimitIntervalSec = 10
	// IOTimeoutSec is the IO timeout for both read and write operations.
	IOTimeoutSec = 120
	// MaxConversationLength caps the number of exchanges per SMTP connection.
	MaxConversationLength = 256
)

// Delivery is one committed message handed to the application.
type Delivery struct {
	// Sender is the envelope sender; empty means the null (bounce) sender.
	Sender string
	// Recipients are the accepted envelope recipients, in acceptance order.
	Recipients []string
	// Body is the raw RFC 5322 message exactly as the client supplied it.
	Body []byte
	// TLSActive reports whether the body arrived over TLS.
	TLSActive bool
	// Principal is the authenticated SASL user, empty when unauthenticated.
	Principal string
	// ClientIP is the address of the submitting client.
	ClientIP string
	// UTF8 reports that the envelope requested SMTPUTF8 handling.
	UTF8 bool
}

// Verdict is the application's answer to a committed message.
type Verdict struct {
	// Code is an SMTP status class: 250 accepts, 4xx tempfails, 5xx rejects.
	Code int
	// QueueID, when set on acceptance, is embedded in the 250 reply.
	QueueID string
	// Message optionally overrides the reply text of a rejection.
	Message string
}

// App is the application behind the SMTP daemon.
type App interface {
	// CheckRecipient decides whether the recipient is acceptable for the sender.
	// ok=true accepts; otherwise the returned code (550/551/552/553) and message
	// form the rejection.
	CheckRecipient(sender, recipient string) (code int, message string, ok bool)
	// MessageComplete receives each committed message and chooses its fate.
	MessageComplete(delivery Delivery) Verdict
}

// Daemon is an SMTP server over one listener.
type Daemon struct {
	Address     string `json:"Address"`     // Network address to listen on, e.g. 0.0.0.0 for all interfaces.
	Port        int    `json:"Port"`        // Port number to listen on
	TLSCertPath string `json:"TLSCertPath"` // (Optional) offer StartTLS via this certificate
	TLSKeyPath  string `json:"TLSKeyPath"`  // (Optional) offer StartTLS via this certificate (key)
	PerIPLimit  int    `json:"PerIPLimit"`  // How many conversations per interval an IP may open
	ServerName  string `json:"ServerName"`  // Host name presented in the greeting banner

	App   App         `json:"-"` // App decides policy and receives messages
	Realm realm.Realm `json:"-"` // Realm enables AUTH when present

	SMTPConfig     smtp.Config     `json:"-"` // SMTP processor configuration
	Listener       net.Listener    `json:"-"` // Once the daemon is started, this is its TCP listener.
	TLSCertificate tls.Certificate `json:"-"` // TLS certificate read from the certificate and key files

	rateLimit *wlog.RateLimit
	logger    wlog.Logger
}

// Initialise checks the configuration and initialises the internal state.
func (daemon *Daemon) Initialise() error {
	daemon.logger = wlog.Logger{ComponentName: "smtpd", ComponentID: []wlog.IDField{{Key: "Addr", Value: fmt.Sprintf("%s:%d", daemon.Address, daemon.Port)}}}
	if daemon.Address == "" {
		return errors.New("smtpd.Initialise: listen address must not be empty")
	}
	if daemon.Port < 1 {
		return errors.New("smtpd.Initialise: listen port must be greater than 0")
	}
	if daemon.PerIPLimit < 1 {
		daemon.PerIPLimit = 16
	}
	if daemon.ServerName == "" {
		return errors.New("smtpd.Initialise: server name must not be empty")
	}
	if daemon.App == nil {
		return errors.New("smtpd.Initialise: the server is not useful without an application behind it")
	}
	if daemon.TLSCertPath != "" || daemon.TLSKeyPath != "" {
		if daemon.TLSCertPath == "" || daemon.TLSKeyPath == "" {
			return errors.New("smtpd.Initialise: TLS certificate or key path is missing")
		}
		var err error
		daemon.TLSCertificate, err = tls.LoadX509KeyPair(daemon.TLSCertPath, daemon.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("smtpd.Initialise: failed to read TLS certificate - %v", err)
		}
	}
	daemon.SMTPConfig = smtp.Config{
		Limits: &smtp.Limits{
			MsgSize:   8 * 1024 * 1024,
			IOTimeout: IOTimeoutSec * time.Second,
			BadCmds:   64,
		},
		ServerName: daemon.ServerName,
		Realm:      daemon.Realm,
	}
	if daemon.TLSCertPath != "" {
		daemon.SMTPConfig.TLSConfig = &tls.Config{Certificates: []tls.Certificate{daemon.TLSCertificate}}
	}
	daemon.rateLimit = wlog.NewRateLimit(RateLimitIntervalSec, daemon.PerIPLimit, &daemon.logger)
	return nil
}

// HandleConnection converses in SMTP over the connection, hands committed messages to
// the application, and eventually closes the connection.
func (daemon *Daemon) HandleConnection(clientConn net.Conn) {
	beginTime := time.Now()
	defer func() {
		metrics.SMTPConversationDuration.Observe(time.Since(beginTime).Seconds())
	}()
	defer clientConn.Close()
	metrics.SMTPConnections.Inc()
	clientIP, _, _ := net.SplitHostPort(clientConn.RemoteAddr().String())

	var numConversations int
	var finishReason string
	// The SMTP conversation fills in these envelope parameters.
	var fromAddr string
	toAddrs := make([]string, 0, 4)

	smtpConn := smtp.NewConn(clientConn, daemon.SMTPConfig)
	rateLimitOK := daemon.rateLimit.Add(clientIP, true)
	for {
		if !rateLimitOK || numConversations >= MaxConversationLength {
			smtpConn.Reply451()
			finishReason = "rate limit exceeded or too many conversations"
			break
		}
		numConversations++
		ev := smtpConn.Next()
		switch ev.What {
		case smtp.DONE:
			finishReason = "done"
		case smtp.ABORT:
			finishReason = "aborted"
		case smtp.TLSERROR:
			finishReason = "TLS error"
		case smtp.AUTHED:
			daemon.logger.Info(clientIP, nil, "authenticated as %s", ev.Arg)
			continue
		case smtp.COMMAND:
			switch ev.Cmd {
			case smtp.HELO, smtp.EHLO:
				fromAddr = ""
				toAddrs = toAddrs[:0]
			case smtp.MAILFROM:
				fromAddr = ev.Arg
				toAddrs = toAddrs[:0]
			case smtp.RCPTTO:
				if code, message, ok := daemon.App.CheckRecipient(fromAddr, ev.Arg); !ok {
					smtpConn.RejectWithCode(code, message)
				} else {
					toAddrs = append(toAddrs, ev.Arg)
				}
			}
			continue
		case smtp.GOTDATA:
			if len(toAddrs) == 0 {
				smtpConn.Reject()
				continue
			}
			verdict := daemon.App.MessageComplete(Delivery{
				Sender:     fromAddr,
				Recipients: append([]string{}, toAddrs...),
				Body:       []byte(ev.Arg),
				TLSActive:  smtpConn.TLSOn,
				Principal:  smtpConn.Principal,
				ClientIP:   clientIP,
				UTF8:       smtpConn.Params.UTF8,
			})
			switch {
			case verdict.Code == 0 || verdict.Code/100 == 2:
				metrics.SMTPMessages.Inc()
				smtpConn.AcceptData(verdict.QueueID)
			case verdict.Code/100 == 4:
				smtpConn.Tempfail()
			default:
				if verdict.Message != "" {
					smtpConn.RejectWithCode(verdict.Code, verdict.Message)
				} else {
					smtpConn.Reject()
				}
			}
			fromAddr = ""
			toAddrs = toAddrs[:0]
			continue
		}
		break
	}
	daemon.logger.Info(clientIP, nil, "%s after %d conversations", finishReason, numConversations)
}

// StartAndBlock starts the SMTP daemon and blocks until the daemon is told to stop.
// Call this function only after having called Initialise.
func (daemon *Daemon) StartAndBlock() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(daemon.Address, strconv.Itoa(daemon.Port)))
	if err != nil {
		return fmt.Errorf("smtpd.StartAndBlock: failed to listen on %s:%d - %v", daemon.Address, daemon.Port, err)
	}
	daemon.Listener = listener
	daemon.logger.Info("", nil, "going to listen for connections")
	for {
		clientConn, err := daemon.Listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			return fmt.Errorf("smtpd.StartAndBlock: failed to accept new connection - %v", err)
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
