// Package smtpclient is the sending side of the SMTP conversation, built as a staged
// protocol handler: the application holds a capability token exposing only the
// commands legal in the current state, each issued command consumes the token, and the
// command's reply sink delivers the token of the next state. RFC ordering - EHLO
// before MAIL, a fresh EHLO after STARTTLS, recipients before DATA - is therefore
// enforced structurally rather than checked at run time.
package smtpclient

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wirestage/wirestage/reactor"
	"github.com/wirestage/wirestage/stage"
	"github.com/wirestage/wirestage/wlog"
)

// Config carries the parameters of an outbound SMTP connection.
type Config struct {
	// Loop receives all callbacks.
	Loop *reactor.Loop
	// Resolver resolves the server host name. Optional.
	Resolver reactor.HostResolver
	// TLSConfig is used for STARTTLS upgrades. A nil configuration upgrades with
	// the server host name and the system trust store.
	TLSConfig *tls.Config
	// Hostname is the name announced in EHLO/HELO.
	Hostname string
	// Timeout bounds the connection attempt.
	Timeout time.Duration
}

// command is one outstanding command: its sink, for universal faults, and the
// dispatch routine that routes the reply to the sink's outcome callbacks.
type command struct {
	sink     stage.ServiceClosingSink
	dispatch func(code int, text string)
}

func (cmd *command) HandleServiceClosing(msg string) {
	cmd.sink.HandleServiceClosing(msg)
}

// Conn is the connection behind the capability tokens.
type Conn struct {
	config Config
	logger wlog.Logger

	ep      reactor.Endpoint
	framer  stage.LineFramer
	pending stage.PendingQueue

	// reply accumulation across multi-line responses
	replyCode  int
	replyLines []string

	caps      Capabilities
	host      string
	greeted   bool
	quitting  bool
	closed    bool
	connect   ConnectSink
}

// Connect opens a connection to the server and delivers the greeting outcome to the
// sink. All callbacks arrive on the configured loop.
func Connect(config Config, host string, port int, sink ConnectSink) {
	if config.Hostname == "" {
		config.Hostname = "localhost"
	}
	conn := &Conn{
		config:  config,
		logger:  wlog.Logger{ComponentName: "smtpclient", ComponentID: []wlog.IDField{{Key: "Server", Value: fmt.Sprintf("%s:%d", host, port)}}},
		host:    host,
		connect: sink,
	}
	reactor.Dial(reactor.DialConfig{
		Loop:     config.Loop,
		Resolver: config.Resolver,
		Timeout:  config.Timeout,
	}, host, port, conn)
}

// alive is the probe behind every token's single-use guard.
func (conn *Conn) alive() bool {
	return !conn.closed
}

// HandleConnected awaits the greeting; the greeting itself is an unsolicited reply.
func (conn *Conn) HandleConnected(ep reactor.Endpoint) {
	conn.ep = ep
}

// HandleDisconnected fans the universal fault out to every outstanding sink.
func (conn *Conn) HandleDisconnected(err error) {
	wasClosed := conn.closed
	conn.closed = true
	if conn.quitting || wasClosed {
		conn.pending.DrainServiceClosing("connection closed")
		return
	}
	msg := "connection lost"
	if err != nil {
		msg = fmt.Sprintf("connection lost - %v", err)
	}
	if !conn.greeted && conn.connect != nil {
		connect := conn.connect
		conn.connect = nil
		connect.HandleGreetingFailure(msg)
		return
	}
	conn.pending.DrainServiceClosing(msg)
}

// HandleReceive cuts reply lines out of the stream and dispatches complete replies.
func (conn *Conn) HandleReceive(data []byte) {
	conn.framer.Feed(data)
	for {
		line, ok, err := conn.framer.NextLine()
		if err != nil {
			conn.fault(fmt.Sprintf("malformed reply - %v", err))
			return
		}
		if !ok {
			return
		}
		if conn.consumeReplyLine(line) {
			return
		}
	}
}

// consumeReplyLine accumulates one reply line; a final line dispatches the reply.
// It reports true when the connection died during dispatch.
func (conn *Conn) consumeReplyLine(line string) bool {
	code, cont, text, err := parseReplyLine(line)
	if err != nil {
		conn.fault(err.Error())
		return true
	}
	if conn.replyCode != 0 && code != conn.replyCode {
		conn.fault(fmt.Sprintf("inconsistent reply codes %d and %d", conn.replyCode, code))
		return true
	}
	conn.replyCode = code
	conn.replyLines = append(conn.replyLines, text)
	if cont {
		return false
	}
	lines := conn.replyLines
	conn.replyCode = 0
	conn.replyLines = nil
	conn.dispatchReply(code, lines)
	return conn.closed
}

func (conn *Conn) dispatchReply(code int, lines []string) {
	text := strings.Join(lines, "\n")
	if !conn.greeted {
		conn.greeted = true
		connect := conn.connect
		conn.connect = nil
		if code != 220 {
			connect.HandleGreetingFailure(fmt.Sprintf("%d %s", code, text))
			conn.teardown()
			return
		}
		connect.HandleGreeting(text, newHelloState(conn))
		return
	}
	// An unsolicited 421 is a universal fault regardless of outstanding commands.
	if code == 421 {
		conn.fault(fmt.Sprintf("421 %s", text))
		return
	}
	next := conn.pending.Pop()
	if next == nil {
		conn.logger.Info("", nil, "discarding unsolicited reply %d %s", code, text)
		return
	}
	next.(*command).dispatch(code, text)
}

// fault tears the connection down and fans out the universal closing callback.
func (conn *Conn) fault(msg string) {
	if conn.closed {
		return
	}
	conn.closed = true
	if !conn.greeted && conn.connect != nil {
		connect := conn.connect
		conn.connect = nil
		connect.HandleGreetingFailure(msg)
	} else {
		conn.pending.DrainServiceClosing(msg)
	}
	conn.ep.Close()
}

func (conn *Conn) teardown() {
	conn.closed = true
	if conn.ep != nil {
		conn.ep.Close()
	}
}

// sendCommand queues the dispatch routine and transmits one command line. The queue
// entry goes in first so that a fast reply cannot slip past its sink.
func (conn *Conn) sendCommand(line string, sink stage.ServiceClosingSink, dispatch func(code int, text string)) error {
	if conn.closed {
		return stage.ErrConnectionClosed
	}
	conn.pending.Push(&command{sink: sink, dispatch: dispatch})
	if err := conn.ep.Send([]byte(line + "\r\n")); err != nil {
		conn.pending.PopBack()
		return err
	}
	return nil
}

// sendRaw transmits raw bytes without queueing a reply.
func (conn *Conn) sendRaw(data []byte) error {
	if conn.closed {
		return stage.ErrConnectionClosed
	}
	return conn.ep.Send(data)
}

// quit sends QUIT and closes down once the farewell (or anything else) arrives.
func (conn *Conn) quit() error {
	if conn.closed {
		return stage.ErrConnectionClosed
	}
	conn.quitting = true
	conn.pending.Push(&command{
		sink:     ignoreSink{},
		dispatch: func(code int, text string) { conn.teardown() },
	})
	if err := conn.ep.Send([]byte("QUIT\r\n")); err != nil {
		conn.pending.PopBack()
		conn.teardown()
	}
	return nil
}

// ignoreSink swallows the farewell of QUIT.
type ignoreSink struct{}

func (ignoreSink) HandleServiceClosing(msg string) {}

// parseReplyLine splits "250-text" / "250 text" into its parts.
func parseReplyLine(line string) (code int, cont bool, text string, err error) {
	if len(line) < 3 {
		return 0, false, "", fmt.Errorf("reply line %q is too short", line)
	}
	code, convErr := strconv.Atoi(line[:3])
	if convErr != nil || code < 100 || code > 599 {
		return 0, false, "", fmt.Errorf("reply line %q lacks a status code", line)
	}
	if len(line) == 3 {
		return code, false, "", nil
	}
	switch line[3] {
	case '-':
		return code, true, line[4:], nil
	case ' ':
		return code, false, line[4:], nil
	default:
		return 0, false, "", fmt.Errorf("reply line %q has a malformed separator", line)
	}
}

// parseEhloResponse extracts the advertised capabilities; the first line is the
// server name and is skipped.
func parseEhloResponse(text string) Capabilities {
	var caps Capabilities
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		keyword, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(keyword) {
		case "STARTTLS":
			caps.StartTLS = true
		case "PIPELINING":
			caps.Pipelining = true
		case "CHUNKING":
			caps.Chunking = true
		case "SMTPUTF8":
			caps.UTF8 = true
		case "SIZE":
			if size, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64); err == nil {
				caps.MaxSize = size
			}
		case "AUTH":
			caps.AuthMechanisms = strings.Fields(arg)
		}
	}
	return caps
}

// parseQueueID extracts the queue id that many servers embed in the final 250 as
// "Ok: queued as XYZ"; absence yields an empty string.
func parseQueueID(text string) string {
	idx := strings.LastIndex(strings.ToLower(text), "queued as ")
	if idx < 0 {
		return ""
	}
	id := text[idx+len("queued as "):]
	if end := strings.IndexAny(id, " \r\n"); end >= 0 {
		id = id[:end]
	}
	return id
}
