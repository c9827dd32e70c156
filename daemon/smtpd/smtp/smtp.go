// Package smtp implements the server side of the SMTP conversation as a staged state
// machine: the connection yields high-level events (commands legal in the current
// state, a completed message body), and the caller accepts or rejects each one.
// Protocol ordering, TLS upgrade, authentication, and both body transfer modes
// (dot-stuffed DATA and explicit-length BDAT chunks) are enforced here.
package smtp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/wirestage/wirestage/realm"
)

// States of the SMTP conversation. These are bits and can be masked together.
type conState int

const (
	sStartup conState = iota // Must be zero value
	sInitial conState = 1 << iota
	sHelo
	sMail
	sRcpt
	sData
	sQuit // QUIT received and ack'd, we're exiting.

	// Synthetic states
	sPostData
	sAbort
)

// A command not in the states map is handled in all states (probably to be rejected).
var states = map[Command]struct {
	validin, next conState
}{
	HELO:     {sInitial | sHelo, sHelo},
	EHLO:     {sInitial | sHelo, sHelo},
	MAILFROM: {sHelo, sMail},
	RCPTTO:   {sMail | sRcpt, sRcpt},
	DATA:     {sRcpt, sData},
	BDAT:     {sRcpt, sRcpt},
}

// Limits has the time and message limits for a Conn.
type Limits struct {
	IOTimeout time.Duration // timeout for read and write operations
	MsgSize   int64         // total size of an email message
	BadCmds   int           // how many unknown commands before abort
}

// DefaultLimits applies when Config.Limits is unset.
var DefaultLimits = Limits{
	IOTimeout: 2 * time.Minute,
	MsgSize:   8 * 1024 * 1024,
	BadCmds:   16,
}

// Config represents the configuration for a Conn.
type Config struct {
	// TLSConfig enables the STARTTLS offer when set.
	TLSConfig *tls.Config
	// Limits applies the connection limits; nil selects DefaultLimits.
	Limits *Limits
	// ServerName is the local host name used in the greeting and EHLO response.
	ServerName string
	// Realm enables the AUTH offer when set.
	Realm realm.Realm
}

// Conn represents an ongoing SMTP conversation. Conn connections always advertise
// PIPELINING, 8BITMIME, SMTPUTF8, SIZE and CHUNKING; STARTTLS is advertised when a
// TLS configuration is present and TLS is not yet on; AUTH is advertised when a realm
// is present.
type Conn struct {
	conn net.Conn
	lr   *io.LimitedReader // wraps conn as a reader
	rdr  *textproto.Reader // wraps lr

	Config Config

	state   conState
	badcmds int // count of bad commands so far

	// used for state tracking for Accept()/Reject()/Tempfail().
	curcmd  Command
	replied bool
	nstate  conState // next state if command is accepted.

	TLSOn    bool                // TLS is on in this connection
	TLSState tls.ConnectionState // TLS connection state
	TLSHelp  string              // log friendly status of TLS negotiation

	Ehlo      bool       // the client used EHLO, extensions are active
	Principal string     // authenticated SASL principal, empty when unauthenticated
	Params    MailParams // parameters of the current envelope's MAIL FROM

	bdatBuf     []byte // accumulated CHUNKING body
	bdatStarted bool
}

// An Event is the sort of event that is returned by Conn.Next().
type Event int

// The different types of SMTP events returned by Next().
const (
	_        Event = iota // make uninitialized Event an error.
	COMMAND  Event = iota
	GOTDATA        // received a complete message body (DATA or BDAT LAST)
	AUTHED         // a SASL exchange concluded successfully
	DONE           // client sent QUIT
	ABORT          // input or output error or timeout.
	TLSERROR       // error during TLS setup. Connection is dead.
)

// EventInfo is what Conn.Next() returns to represent events.
type EventInfo struct {
	What Event
	Cmd  Command
	Arg  string
}

func (c *Conn) limits() Limits {
	if c.Config.Limits != nil {
		return *c.Config.Limits
	}
	return DefaultLimits
}

func (c *Conn) reply(format string, elems ...interface{}) {
	s := fmt.Sprintf(format, elems...)
	b := []byte(s + "\r\n")
	c.conn.SetWriteDeadline(time.Now().Add(c.limits().IOTimeout))
	if _, err := c.conn.Write(b); err != nil {
		c.state = sAbort
	}
}

// replyMore skips emitting the reply line if we've already aborted, which keeps a
// half-written multi-line EHLO response from producing one error per line.
func (c *Conn) replyMore(format string, elems ...interface{}) {
	if c.state != sAbort {
		c.reply(format, elems...)
	}
}

func (c *Conn) readCmd() string {
	// This is much bigger than the 512 bytes the RFC requires, without inviting abuse.
	c.lr.N = 2048
	c.conn.SetReadDeadline(time.Now().Add(c.limits().IOTimeout))
	line, err := c.rdr.ReadLine()
	// abort not just on errors but if the line length is exhausted.
	if err != nil || c.lr.N == 0 {
		c.state = sAbort
		line = ""
	}
	return line
}

// readData consumes a dot-stuffed message body, preserving the CRLF line structure
// byte for byte: the bytes handed to the caller equal the bytes the sender supplied
// before stuffing.
func (c *Conn) readData() []byte {
	limits := c.limits()
	c.conn.SetReadDeadline(time.Now().Add(limits.IOTimeout))
	c.lr.N = limits.MsgSize + limits.MsgSize/10 + 1024
	var body bytes.Buffer
	for {
		line, err := c.rdr.ReadLineBytes()
		if err != nil || c.lr.N == 0 {
			c.state = sAbort
			return nil
		}
		if len(line) == 1 && line[0] == '.' {
			return body.Bytes()
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		body.Write(line)
		body.WriteString("\r\n")
	}
}

// readBdatChunk consumes exactly size raw octets following a BDAT command.
func (c *Conn) readBdatChunk(size int64) []byte {
	c.conn.SetReadDeadline(time.Now().Add(c.limits().IOTimeout))
	c.lr.N = size
	chunk := make([]byte, size)
	if _, err := io.ReadFull(c.rdr.R, chunk); err != nil {
		c.state = sAbort
		return nil
	}
	return chunk
}

func (c *Conn) stopme() bool {
	return c.state == sAbort || c.badcmds > c.limits().BadCmds || c.state == sQuit
}

// resetTransaction discards the accumulated envelope state.
func (c *Conn) resetTransaction() {
	c.Params = MailParams{}
	c.bdatBuf = nil
	c.bdatStarted = false
}

// Accept accepts the current SMTP command, ie gives an appropriate 2xx reply.
func (c *Conn) Accept() {
	c.AcceptData("")
}

// AcceptData accepts the current command; for a completed message body the optional
// queue id is embedded in the 250 reply.
func (c *Conn) AcceptData(queueID string) {
	if c.replied {
		return
	}
	oldstate := c.state
	c.state = c.nstate
	switch c.curcmd {
	case HELO:
		c.reply("250 %s", c.Config.ServerName)
	case EHLO:
		c.reply("250-%s", c.Config.ServerName)
		c.replyMore("250-SIZE %d", c.limits().MsgSize)
		c.replyMore("250-PIPELINING")
		c.replyMore("250-8BITMIME")
		c.replyMore("250-SMTPUTF8")
		c.replyMore("250-CHUNKING")
		// STARTTLS RFC says: MUST NOT advertise STARTTLS after TLS is on.
		if c.Config.TLSConfig != nil && !c.TLSOn {
			c.replyMore("250-STARTTLS")
		}
		if c.Config.Realm != nil {
			c.replyMore("250-AUTH %s", strings.Join(c.Config.Realm.Mechanisms(), " "))
		}
		c.replyMore("250 Ok")
	case MAILFROM:
		c.reply("250 2.1.0 Ok")
	case RCPTTO:
		c.reply("250 2.1.5 Ok")
	case DATA:
		// c.curcmd == DATA both when we've received the initial DATA and when
		// we've actually received the data-block, told apart by the old state.
		if oldstate == sRcpt {
			c.reply("354 End data with <CR><LF>.<CR><LF>")
		} else if queueID != "" {
			c.reply("250 2.0.0 Ok: queued as %s", queueID)
		} else {
			c.reply("250 2.0.0 Ok")
		}
	case BDAT:
		if queueID != "" {
			c.reply("250 2.0.0 Ok: queued as %s", queueID)
		} else {
			c.reply("250 2.0.0 Ok")
		}
	}
	c.replied = true
}

// Reject rejects the current SMTP command with an appropriate 5xx message.
func (c *Conn) Reject() {
	switch c.curcmd {
	case HELO, EHLO:
		c.reply("550 Not accepted")
	case MAILFROM, RCPTTO:
		c.reply("550 Bad address")
	case DATA, BDAT:
		c.reply("554 Not accepted")
	}
	c.replied = true
}

// RejectWithCode rejects the current command with a specific status code and message,
// e.g. 551/552/553 recipient policy answers.
func (c *Conn) RejectWithCode(code int, msg string) {
	c.reply("%3d %s", code, msg)
	c.replied = true
}

// Tempfail gives the client an appropriate 4xx reply for the current command.
func (c *Conn) Tempfail() {
	switch c.curcmd {
	case HELO, EHLO:
		c.reply("421 Not available now")
	case MAILFROM, RCPTTO:
		c.reply("450 Not available")
	case DATA, BDAT:
		c.reply("451 Not available")
	}
	c.replied = true
}

// Reply451 tells the client that a rate or conversation limit has been exceeded, and
// aborts the conversation.
func (c *Conn) Reply451() {
	c.reply("451 Try again later rate limit exceeded or too many conversations")
	c.replied = true
	c.state = sAbort
}

// ReplyShutdown announces server shutdown with 421 and aborts the conversation.
func (c *Conn) ReplyShutdown() {
	c.reply("421 %s Service not available, closing transmission channel", c.Config.ServerName)
	c.replied = true
	c.state = sAbort
}

// runAuth carries out a SASL exchange. It returns the authenticated principal, or an
// empty string after having already sent the appropriate failure reply.
func (c *Conn) runAuth(arg string) string {
	if !c.Ehlo || c.Config.Realm == nil {
		c.reply("503 AUTH requires EHLO")
		return ""
	}
	if c.Principal != "" {
		c.reply("503 Already authenticated")
		return ""
	}
	if c.state != sHelo {
		c.reply("503 AUTH not allowed during a mail transaction")
		return ""
	}
	fields := strings.Fields(arg)
	mechanism := strings.ToUpper(fields[0])
	supported := false
	for _, offered := range c.Config.Realm.Mechanisms() {
		if offered == mechanism {
			supported = true
			break
		}
	}
	if !supported {
		c.reply("504 Unrecognized authentication type")
		return ""
	}
	server, err := realm.CaptureSASLServer(c.Config.Realm, mechanism, c.Config.ServerName)
	if err != nil {
		c.reply("504 Unrecognized authentication type")
		return ""
	}
	var response []byte
	haveResponse := false
	if len(fields) > 1 {
		// An initial response of "=" stands for the empty string.
		if fields[1] == "=" {
			response = []byte{}
		} else {
			response, err = base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				c.reply("501 Malformed base64 content")
				return ""
			}
		}
		haveResponse = true
	}
	for {
		var challenge []byte
		var done bool
		if haveResponse {
			challenge, done, err = server.Next(response)
		} else {
			challenge, done, err = server.Next(nil)
		}
		if err != nil {
			c.reply("535 Authentication credentials invalid")
			return ""
		}
		if done {
			c.reply("235 2.7.0 Authentication successful")
			return server.Username
		}
		c.reply("334 %s", base64.StdEncoding.EncodeToString(challenge))
		if c.state == sAbort {
			return ""
		}
		line := c.readCmd()
		if c.state == sAbort {
			return ""
		}
		if line == "*" {
			c.reply("501 Authentication cancelled")
			return ""
		}
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			c.reply("501 Malformed base64 content")
			return ""
		}
		haveResponse = true
	}
}

// handleBdat consumes one BDAT chunk. The returned event is non-nil when the final
// chunk completed the message.
func (c *Conn) handleBdat(arg string) *EventInfo {
	size, last, err := ParseBdatArg(arg)
	if err != nil {
		c.reply("501 %v", err)
		return nil
	}
	// The declared chunk size is attacker-controlled; it must be judged against the
	// message size limit before a single octet is allocated or read.
	limits := c.limits()
	if size > limits.MsgSize || int64(len(c.bdatBuf))+size > limits.MsgSize {
		c.reply("552 Message exceeds maximum size of %d", limits.MsgSize)
		// The chunk octets were never consumed, so the command stream is out of
		// step with the client; the conversation cannot continue.
		c.resetTransaction()
		c.state = sAbort
		return nil
	}
	chunk := c.readBdatChunk(size)
	if c.state == sAbort {
		return nil
	}
	c.bdatStarted = true
	c.bdatBuf = append(c.bdatBuf, chunk...)
	if !last {
		c.reply("250 2.0.0 %d octets received", size)
		return nil
	}
	// The final reply is the caller's call: Accept commits, Reject refuses.
	c.curcmd = BDAT
	c.replied = false
	c.state = sPostData
	c.nstate = sHelo
	evt := &EventInfo{What: GOTDATA, Cmd: BDAT, Arg: string(c.bdatBuf)}
	c.bdatBuf = nil
	c.bdatStarted = false
	return evt
}

// Next returns the next high-level event from the SMTP connection.
//
// Next() guarantees that the SMTP protocol ordering requirements are followed and
// only returns HELO/EHLO, MAIL FROM, RCPT TO, DATA commands and the completed message
// body. The caller must reset all accumulated information about a message when it
// sees either EHLO/HELO or MAIL FROM.
//
// For commands and GOTDATA, the caller may call Reject() or Tempfail() to reject or
// tempfail the command. Calling Accept() is optional; Next() will do it implicitly.
// It is invalid to call Next() after it has returned a DONE or ABORT event.
//
// MAIL FROM addresses may be blank (""), indicating the null sender '<>'. RCPT TO
// addresses cannot be.
func (c *Conn) Next() EventInfo {
	var evt EventInfo

	if !c.replied && c.curcmd != noCmd {
		c.Accept()
	}
	if c.state == sStartup {
		c.state = sInitial
		c.reply("220 %s ESMTP", c.Config.ServerName)
	}

	// Read the DATA body if the caller accepted the DATA command.
	if c.state == sData {
		data := c.readData()
		if c.state != sAbort {
			evt.What = GOTDATA
			evt.Cmd = DATA
			evt.Arg = string(data)
			c.replied = false
			// Only a *successful* DATA block ends the mail transaction according
			// to the RFCs. An unsuccessful one must be RSET.
			c.state = sPostData
			c.nstate = sHelo
			return evt
		}
	}

	// Main command loop.
	for {
		if c.stopme() {
			break
		}

		line := c.readCmd()
		if line == "" {
			break
		}

		res := ParseCmd(line)
		if res.Cmd == BadCmd {
			c.badcmds++
			c.reply("500 Bad: %s", res.Err)
			continue
		}
		// Since we advertise PIPELINING, out of sequence commands can happen when
		// earlier ones fail; they are not counted as bad commands.
		t := states[res.Cmd]
		if t.validin != 0 && (t.validin&c.state) == 0 {
			c.reply("503 Out of sequence command")
			continue
		}
		if len(res.Err) > 0 {
			c.reply("501 Garbled command: %s", res.Err)
			continue
		}

		// Handle commands that are valid in all states.
		if t.validin == 0 {
			switch res.Cmd {
			case RSET:
				// It's valid to RSET before EHLO and doing so can't skip EHLO.
				if c.state != sInitial {
					c.state = sHelo
				}
				c.resetTransaction()
				c.reply("250 Ok")
				// RSETs are not delivered to higher levels; they are implicit
				// in sudden MAIL FROMs.
			case VRFY, EXPN:
				// Will not reveal user information.
				c.reply("252 Cannot verify, will attempt delivery")
			case NOOP:
				c.reply("250 Ok")
			case QUIT:
				c.state = sQuit
				c.reply("221 2.0.0 Bye")
			case AUTH:
				if principal := c.runAuth(res.Arg); principal != "" {
					c.Principal = principal
					c.replied = true
					c.curcmd = noCmd
					evt.What = AUTHED
					evt.Arg = principal
					return evt
				}
			case STARTTLS:
				if c.Config.TLSConfig == nil || c.TLSOn {
					c.reply("502 Not supported")
					c.TLSHelp = "client asked but this server does not support TLS"
					continue
				}
				c.reply("220 Ready to start TLS")
				if c.state == sAbort {
					c.TLSHelp = "connection aborted before negotiation"
					continue
				}
				// About to chatter on conn outside the normal framework; reset
				// both deadlines to the TLS setup timeout.
				c.conn.SetDeadline(time.Now().Add(c.limits().IOTimeout))
				tlsConn := tls.Server(c.conn, c.Config.TLSConfig)
				if err := tlsConn.Handshake(); err != nil {
					c.TLSHelp = "handshake failure - " + err.Error()
					evt.What = TLSERROR
					evt.Arg = err.Error()
					c.reply("454 TLS handshake failure")
					c.state = sAbort
					return evt
				}
				c.TLSHelp = "handshake was successful"
				c.conn.SetReadDeadline(time.Time{})
				c.setupConn(tlsConn)
				c.TLSOn = true
				c.TLSState = tlsConn.ConnectionState()
				// By the STARTTLS RFC, all session state is forgotten and the
				// client must EHLO again.
				c.state = sInitial
				c.Ehlo = false
				c.Principal = ""
				c.resetTransaction()
			default:
				c.reply("502 Not supported")
			}
			continue
		}

		// BDAT chunks are consumed here; only the completed body surfaces.
		if res.Cmd == BDAT {
			if bodyEvt := c.handleBdat(res.Arg); bodyEvt != nil {
				return *bodyEvt
			}
			continue
		}

		// The two body transfer modes may not be mixed within one transaction.
		if res.Cmd == DATA && c.bdatStarted {
			c.reply("503 DATA may not follow BDAT")
			continue
		}

		// MAIL FROM parameters are validated before the command is offered up.
		if res.Cmd == MAILFROM {
			params, err := ParseMailParams(res.Params)
			if err != nil {
				c.reply("501 %v", err)
				continue
			}
			if params.Size > c.limits().MsgSize {
				c.reply("552 Message exceeds maximum size of %d", c.limits().MsgSize)
				continue
			}
			c.Params = params
		}
		if res.Cmd == RCPTTO && len(res.Arg) == 0 {
			c.reply("553 Empty recipient address")
			continue
		}
		if res.Cmd == EHLO || res.Cmd == HELO {
			c.Ehlo = res.Cmd == EHLO
			c.resetTransaction()
		}

		// Full state commands
		c.nstate = t.next
		c.replied = false
		c.curcmd = res.Cmd

		evt.What = COMMAND
		evt.Cmd = res.Cmd
		evt.Arg = res.Arg
		return evt
	}

	// Explicitly mark and notify too many bad commands.
	evt.Arg = ""
	if c.badcmds > c.limits().BadCmds {
		c.reply("554 Too many bad commands")
		c.state = sAbort
		evt.Arg = "too many bad commands"
	}
	if c.state == sQuit {
		evt.What = DONE
	} else {
		evt.What = ABORT
	}
	return evt
}

// setupConn is needed for re-setting up the connection on TLS start.
func (c *Conn) setupConn(conn net.Conn) {
	c.conn = conn
	// io.LimitReader() returns a Reader, not a LimitedReader, and we want access to
	// the public lr.N field so we can manipulate it.
	c.lr = io.LimitReader(conn, 4096).(*io.LimitedReader)
	c.rdr = textproto.NewReader(bufio.NewReader(c.lr))
}

// NewConn creates a new SMTP conversation from conn, the underlying network
// connection involved.
func NewConn(conn net.Conn, cfg Config) *Conn {
	c := &Conn{state: sStartup, Config: cfg, TLSHelp: "not used"}
	c.setupConn(conn)
	if c.Config.ServerName == "" {
		panic("Server name is empty")
	}
	if tlsConn, isTLS := conn.(*tls.Conn); isTLS {
		c.TLSOn = true
		c.TLSState = tlsConn.ConnectionState()
	}
	return c
}
