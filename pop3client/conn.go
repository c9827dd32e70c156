// Package pop3client is the retrieving side of the POP3 conversation, built with the
// same staged capability-token machinery as the SMTP client: each token exposes only
// the commands legal in its state, issuing a command consumes the token, and the reply
// sink delivers the next one. Streamed RETR/TOP responses arrive as decoded chunks
// followed by exactly one completion callback.
package pop3client

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/wirestage/wirestage/reactor"
	"github.com/wirestage/wirestage/stage"
	"github.com/wirestage/wirestage/wlog"
)

// maxResponseLine bounds one response line; message body lines pass through here too.
const maxResponseLine = 1 << 20

// Config carries the parameters of an outbound POP3 connection.
type Config struct {
	// Loop receives all callbacks.
	Loop *reactor.Loop
	// Resolver resolves the server host name. Optional.
	Resolver reactor.HostResolver
	// TLSConfig is used for STLS upgrades. A nil configuration upgrades with the
	// server host name and the system trust store.
	TLSConfig *tls.Config
	// Timeout bounds the connection attempt.
	Timeout time.Duration
}

type statusKind int

const (
	statusOK statusKind = iota
	statusErr
	statusCont // "+ <base64>" SASL continuation
)

// command is one outstanding command and its reply routing.
type command struct {
	sink     stage.ServiceClosingSink
	dispatch func(kind statusKind, text string)
}

func (cmd *command) HandleServiceClosing(msg string) {
	cmd.sink.HandleServiceClosing(msg)
}

// streamState drains one dot-stuffed multi-line payload.
type streamState struct {
	onContent  func(chunk []byte)
	onComplete func()
}

// Conn is the connection behind the capability tokens.
type Conn struct {
	config Config
	logger wlog.Logger

	ep      reactor.Endpoint
	framer  stage.LineFramer
	pending stage.PendingQueue

	streaming *streamState

	host     string
	greeted  bool
	quitting bool
	closed   bool
	connect  ConnectSink
}

// Connect opens a connection to the server and delivers the greeting outcome to the
// sink. All callbacks arrive on the configured loop.
func Connect(config Config, host string, port int, sink ConnectSink) {
	conn := &Conn{
		config:  config,
		logger:  wlog.Logger{ComponentName: "pop3client", ComponentID: []wlog.IDField{{Key: "Server", Value: fmt.Sprintf("%s:%d", host, port)}}},
		host:    host,
		connect: sink,
	}
	conn.framer.MaxLength = maxResponseLine
	reactor.Dial(reactor.DialConfig{
		Loop:     config.Loop,
		Resolver: config.Resolver,
		Timeout:  config.Timeout,
	}, host, port, conn)
}

func (conn *Conn) alive() bool {
	return !conn.closed
}

func (conn *Conn) HandleConnected(ep reactor.Endpoint) {
	conn.ep = ep
}

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

func (conn *Conn) HandleReceive(data []byte) {
	conn.framer.Feed(data)
	conn.pump()
}

// pump drains complete lines, routing them to the streaming body decoder or to the
// status dispatch of the front pending command.
func (conn *Conn) pump() {
	for !conn.closed {
		line, ok, err := conn.framer.NextLine()
		if err != nil {
			conn.fault(fmt.Sprintf("malformed response - %v", err))
			return
		}
		if !ok {
			return
		}
		if conn.streaming != nil {
			if line == "." {
				stream := conn.streaming
				conn.streaming = nil
				stream.onComplete()
				continue
			}
			if strings.HasPrefix(line, ".") {
				line = line[1:]
			}
			conn.streaming.onContent([]byte(line + "\r\n"))
			continue
		}
		conn.consumeStatusLine(line)
	}
}

func (conn *Conn) consumeStatusLine(line string) {
	var kind statusKind
	var text string
	switch {
	case strings.HasPrefix(line, "+OK"):
		kind, text = statusOK, strings.TrimPrefix(strings.TrimPrefix(line, "+OK"), " ")
	case strings.HasPrefix(line, "-ERR"):
		kind, text = statusErr, strings.TrimPrefix(strings.TrimPrefix(line, "-ERR"), " ")
	case strings.HasPrefix(line, "+ "):
		kind, text = statusCont, line[2:]
	case line == "+":
		kind, text = statusCont, ""
	default:
		conn.fault(fmt.Sprintf("malformed status line %q", line))
		return
	}
	if !conn.greeted {
		conn.greeted = true
		connect := conn.connect
		conn.connect = nil
		if kind != statusOK {
			connect.HandleGreetingFailure(text)
			conn.teardown()
			return
		}
		connect.HandleGreeting(text, extractTimestamp(text), newAuthorizationState(conn))
		return
	}
	next := conn.pending.Pop()
	if next == nil {
		if kind == statusErr {
			// A connection-level farewell with nothing outstanding.
			conn.fault(text)
			return
		}
		conn.logger.Info("", nil, "discarding unsolicited response %q", line)
		return
	}
	next.(*command).dispatch(kind, text)
}

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
func (conn *Conn) sendCommand(line string, sink stage.ServiceClosingSink, dispatch func(kind statusKind, text string)) error {
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

// beginStream switches the reply pump into body-draining mode for one multi-line
// response.
func (conn *Conn) beginStream(onContent func(chunk []byte), onComplete func()) {
	conn.streaming = &streamState{onContent: onContent, onComplete: onComplete}
}

// extractTimestamp pulls the trailing <...> msg-id out of an APOP-capable greeting.
func extractTimestamp(banner string) string {
	start := strings.LastIndexByte(banner, '<')
	end := strings.LastIndexByte(banner, '>')
	if start < 0 || end < start {
		return ""
	}
	return banner[start : end+1]
}
