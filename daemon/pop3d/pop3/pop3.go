// Package pop3 implements the server side of the POP3 conversation through the
// AUTHORIZATION, TRANSACTION and UPDATE states of RFC 1939, with the CAPA, STLS, SASL
// and APOP extensions. Message storage stays behind the Maildrop interface; deletions
// are marked in-session and committed only when QUIT moves the session to UPDATE.
package pop3

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/wirestage/wirestage/metrics"
	"github.com/wirestage/wirestage/realm"
)

// State is a position in the POP3 state machine.
type State int

const (
	// StateAuthorization is the initial state where authentication is required.
	StateAuthorization State = iota
	// StateTransaction follows successful authentication.
	StateTransaction
	// StateUpdate commits marked deletions on the way out.
	StateUpdate
)

func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	}
	return "UNKNOWN"
}

// Config is the configuration of one POP3 conversation.
type Config struct {
	// Hostname appears in the greeting banner and the APOP timestamp.
	Hostname string
	// Realm authenticates USER/PASS, APOP and SASL.
	Realm realm.Realm
	// Store opens maildrops after authentication.
	Store Store
	// TLSConfig enables the STLS offer when set and TLS is not already on.
	TLSConfig *tls.Config
	// IOTimeout bounds individual read and write operations.
	IOTimeout time.Duration
}

// commandLimit is far beyond the 512 bytes of the RFC, accommodating long SASL
// continuation lines without inviting abuse.
const commandLimit = 4096

// Conn is one POP3 conversation.
type Conn struct {
	config Config
	conn   net.Conn
	lr     *io.LimitedReader
	rdr    *textproto.Reader

	state     State
	tlsOn     bool
	timestamp string // APOP timestamp from the greeting, empty when APOP is off
	username  string // soft state left by USER
	principal string

	drop    Maildrop
	msgs    []MessageInfo
	deleted *bitset.BitSet // 1-based message numbers marked for deletion
}

// NewConn wraps an accepted connection. The greeting is not sent until Serve.
func NewConn(conn net.Conn, config Config) *Conn {
	if config.IOTimeout == 0 {
		config.IOTimeout = 2 * time.Minute
	}
	c := &Conn{config: config, conn: conn, state: StateAuthorization}
	c.setupConn(conn)
	if _, isTLS := conn.(*tls.Conn); isTLS {
		c.tlsOn = true
	}
	return c
}

func (c *Conn) setupConn(conn net.Conn) {
	c.conn = conn
	// io.LimitReader() returns a Reader, not a LimitedReader, and we want access to
	// the public lr.N field so that each command line gets a fresh budget.
	c.lr = io.LimitReader(conn, commandLimit).(*io.LimitedReader)
	c.rdr = textproto.NewReader(bufio.NewReader(c.lr))
}

func (c *Conn) writeLine(format string, elems ...interface{}) error {
	line := fmt.Sprintf(format, elems...) + "\r\n"
	c.conn.SetWriteDeadline(time.Now().Add(c.config.IOTimeout))
	_, err := c.conn.Write([]byte(line))
	return err
}

func (c *Conn) ok(format string, elems ...interface{}) error {
	return c.writeLine("+OK "+format, elems...)
}

func (c *Conn) err(format string, elems ...interface{}) error {
	return c.writeLine("-ERR "+format, elems...)
}

func (c *Conn) readLine() (string, error) {
	c.lr.N = commandLimit
	c.conn.SetReadDeadline(time.Now().Add(c.config.IOTimeout))
	line, err := c.rdr.ReadLine()
	if err == nil && c.lr.N == 0 {
		return "", fmt.Errorf("command line exceeds %d bytes", commandLimit)
	}
	return line, err
}

// apopOffered reports whether the realm can serve APOP at all.
func (c *Conn) apopOffered() bool {
	if c.config.Realm == nil {
		return false
	}
	// APOP needs plaintext secrets; a realm that stores only hashes cannot offer it.
	for _, mech := range c.config.Realm.Mechanisms() {
		if mech == "CRAM-MD5" {
			return true
		}
	}
	return false
}

// capabilities lists the RFC 2449 capability response for the current state.
func (c *Conn) capabilities() []string {
	caps := []string{"TOP", "UIDL", "RESP-CODES", "PIPELINING", "USER"}
	if c.config.Realm != nil {
		caps = append(caps, "SASL "+strings.Join(c.config.Realm.Mechanisms(), " "))
	}
	if c.config.TLSConfig != nil && !c.tlsOn {
		caps = append(caps, "STLS")
	}
	caps = append(caps, "IMPLEMENTATION wirestage")
	return caps
}

// Serve runs the conversation to completion and closes the connection.
func (c *Conn) Serve() {
	defer c.conn.Close()
	defer func() {
		if c.drop != nil {
			c.drop.Close()
			c.drop = nil
		}
	}()
	greeting := "ready"
	if c.apopOffered() {
		var nonce [8]byte
		if _, err := rand.Read(nonce[:]); err == nil {
			c.timestamp = fmt.Sprintf("<%d.%d@%s>", binary.BigEndian.Uint64(nonce[:]), time.Now().Unix(), c.config.Hostname)
			greeting = "ready " + c.timestamp
		}
	}
	if err := c.ok("%s %s", c.config.Hostname, greeting); err != nil {
		return
	}
	for {
		line, err := c.readLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		var done bool
		if c.state == StateAuthorization {
			done = c.authorizationCommand(verb, arg)
		} else {
			done = c.transactionCommand(verb, arg)
		}
		if done {
			return
		}
	}
}

// authorizationCommand handles one command in the AUTHORIZATION state. It returns
// true when the conversation is over.
func (c *Conn) authorizationCommand(verb, arg string) bool {
	switch verb {
	case "CAPA":
		c.ok("Capability list follows")
		for _, capability := range c.capabilities() {
			c.writeLine("%s", capability)
		}
		c.writeLine(".")
	case "USER":
		if arg == "" {
			c.err("USER requires a name")
			return false
		}
		c.username = arg
		c.ok("send PASS")
	case "PASS":
		// USER is a soft state: PASS without a preceding USER is an error.
		if c.username == "" {
			c.err("no USER before PASS")
			return false
		}
		if c.config.Realm == nil || !c.config.Realm.Verify(c.username, arg) {
			c.username = ""
			c.err("[AUTH] authentication failed")
			return false
		}
		c.openMaildrop(c.username)
	case "APOP":
		name, digest, found := strings.Cut(arg, " ")
		if !found || c.timestamp == "" {
			c.err("APOP not available")
			return false
		}
		if c.config.Realm == nil || !realm.VerifyAPOP(c.config.Realm, name, c.timestamp, strings.TrimSpace(digest)) {
			c.err("[AUTH] authentication failed")
			return false
		}
		c.openMaildrop(name)
	case "AUTH":
		c.runSASL(arg)
	case "STLS":
		if c.config.TLSConfig == nil || c.tlsOn {
			c.err("STLS not available")
			return false
		}
		if err := c.ok("begin TLS negotiation"); err != nil {
			return true
		}
		c.conn.SetDeadline(time.Now().Add(c.config.IOTimeout))
		tlsConn := tls.Server(c.conn, c.config.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return true
		}
		tlsConn.SetDeadline(time.Time{})
		c.setupConn(tlsConn)
		c.tlsOn = true
		// Per RFC 2595, the client is expected to re-issue CAPA; the USER soft
		// state from the plaintext phase is forgotten.
		c.username = ""
	case "QUIT":
		c.ok("%s signing off", c.config.Hostname)
		return true
	case "NOOP":
		c.ok("")
	default:
		c.err("unknown command in AUTHORIZATION state")
	}
	return false
}

// runSASL carries out an AUTH exchange with "+ <base64>" continuations.
func (c *Conn) runSASL(arg string) {
	if c.config.Realm == nil {
		c.err("AUTH not available")
		return
	}
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		c.err("AUTH requires a mechanism")
		return
	}
	mechanism := strings.ToUpper(fields[0])
	supported := false
	for _, offered := range c.config.Realm.Mechanisms() {
		if offered == mechanism {
			supported = true
			break
		}
	}
	if !supported {
		c.err("unsupported mechanism")
		return
	}
	server, err := realm.CaptureSASLServer(c.config.Realm, mechanism, c.config.Hostname)
	if err != nil {
		c.err("unsupported mechanism")
		return
	}
	var response []byte
	haveResponse := false
	if len(fields) > 1 {
		if fields[1] == "=" {
			response = []byte{}
		} else if response, err = base64.StdEncoding.DecodeString(fields[1]); err != nil {
			c.err("malformed base64 content")
			return
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
			c.err("[AUTH] authentication failed")
			return
		}
		if done {
			c.openMaildrop(server.Username)
			return
		}
		if err := c.writeLine("+ %s", base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return
		}
		line, err := c.readLine()
		if err != nil {
			return
		}
		if line == "*" {
			c.err("authentication cancelled")
			return
		}
		if response, err = base64.StdEncoding.DecodeString(line); err != nil {
			c.err("malformed base64 content")
			return
		}
		haveResponse = true
	}
}

// openMaildrop finishes authentication: the mailbox snapshot is taken and the session
// moves to TRANSACTION.
func (c *Conn) openMaildrop(user string) {
	if c.config.Store == nil {
		c.err("[SYS/PERM] no message store")
		return
	}
	drop, err := c.config.Store.Open(user)
	if err != nil {
		c.err("[IN-USE] maildrop unavailable: %v", err)
		return
	}
	c.principal = user
	c.drop = drop
	c.msgs = drop.Messages()
	c.deleted = bitset.New(uint(len(c.msgs) + 1))
	c.state = StateTransaction
	var total int64
	for _, msg := range c.msgs {
		total += msg.Size
	}
	c.ok("maildrop has %d messages (%d octets)", len(c.msgs), total)
}

// message resolves a 1-based message number argument, refusing deleted messages.
func (c *Conn) message(arg string) (int, *MessageInfo, bool) {
	number, err := strconv.Atoi(arg)
	if err != nil || number < 1 || number > len(c.msgs) {
		c.err("no such message")
		return 0, nil, false
	}
	if c.deleted.Test(uint(number)) {
		c.err("message %d already deleted", number)
		return 0, nil, false
	}
	return number, &c.msgs[number-1], true
}

// writeMultiline streams a dot-stuffed payload terminated by a lone dot.
func (c *Conn) writeMultiline(payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.config.IOTimeout))
	stuffed := stuffDots(payload)
	if _, err := c.conn.Write(stuffed); err != nil {
		return err
	}
	return c.writeLine(".")
}

// transactionCommand handles one command in the TRANSACTION state. It returns true
// when the conversation is over.
func (c *Conn) transactionCommand(verb, arg string) bool {
	switch verb {
	case "CAPA":
		c.ok("Capability list follows")
		for _, capability := range c.capabilities() {
			c.writeLine("%s", capability)
		}
		c.writeLine(".")
	case "STAT":
		var count int
		var total int64
		for i, msg := range c.msgs {
			if !c.deleted.Test(uint(i + 1)) {
				count++
				total += msg.Size
			}
		}
		c.ok("%d %d", count, total)
	case "LIST":
		if arg != "" {
			number, msg, found := c.message(arg)
			if found {
				c.ok("%d %d", number, msg.Size)
			}
			return false
		}
		c.ok("scan listing follows")
		for i, msg := range c.msgs {
			if !c.deleted.Test(uint(i + 1)) {
				c.writeLine("%d %d", i+1, msg.Size)
			}
		}
		c.writeLine(".")
	case "UIDL":
		if arg != "" {
			number, msg, found := c.message(arg)
			if found {
				c.ok("%d %s", number, msg.UID)
			}
			return false
		}
		c.ok("unique-id listing follows")
		for i, msg := range c.msgs {
			if !c.deleted.Test(uint(i + 1)) {
				c.writeLine("%d %s", i+1, msg.UID)
			}
		}
		c.writeLine(".")
	case "RETR":
		number, _, found := c.message(arg)
		if !found {
			return false
		}
		content, err := c.drop.Retrieve(number)
		if err != nil {
			c.err("[SYS/TEMP] failed to read message: %v", err)
			return false
		}
		metrics.POP3Retrievals.Inc()
		c.ok("%d octets", len(content))
		c.writeMultiline(content)
	case "TOP":
		numberArg, countArg, found := strings.Cut(arg, " ")
		if !found {
			c.err("TOP requires a message number and a line count")
			return false
		}
		lineCount, convErr := strconv.Atoi(strings.TrimSpace(countArg))
		if convErr != nil || lineCount < 0 {
			c.err("malformed line count")
			return false
		}
		number, _, ok := c.message(numberArg)
		if !ok {
			return false
		}
		content, err := c.drop.Retrieve(number)
		if err != nil {
			c.err("[SYS/TEMP] failed to read message: %v", err)
			return false
		}
		c.ok("top of message follows")
		c.writeMultiline(topLines(content, lineCount))
	case "DELE":
		number, _, found := c.message(arg)
		if !found {
			return false
		}
		c.deleted.Set(uint(number))
		c.ok("message %d deleted", number)
	case "RSET":
		c.deleted.ClearAll()
		c.ok("maildrop has %d messages", len(c.msgs))
	case "NOOP":
		c.ok("")
	case "QUIT":
		// The transition to UPDATE: only now do the marked deletions take effect.
		c.state = StateUpdate
		var deleted []int
		for i := range c.msgs {
			if c.deleted.Test(uint(i + 1)) {
				deleted = append(deleted, i+1)
			}
		}
		drop := c.drop
		c.drop = nil
		if err := drop.Commit(deleted); err != nil {
			c.err("some deleted messages not removed: %v", err)
		} else {
			c.ok("%s signing off (%d messages removed)", c.config.Hostname, len(deleted))
		}
		return true
	default:
		c.err("unknown command in TRANSACTION state")
	}
	return false
}

// stuffDots applies POP3 dot-stuffing and guarantees the payload ends with CRLF.
func stuffDots(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+16)
	atLineStart := true
	for _, b := range payload {
		if atLineStart && b == '.' {
			out = append(out, '.')
		}
		out = append(out, b)
		atLineStart = b == '\n'
	}
	if len(out) < 2 || out[len(out)-2] != '\r' || out[len(out)-1] != '\n' {
		out = append(out, '\r', '\n')
	}
	return out
}

// topLines returns the message headers plus the first n body lines, per RFC 1939 TOP.
func topLines(content []byte, n int) []byte {
	headerEnd := strings.Index(string(content), "\r\n\r\n")
	if headerEnd < 0 {
		return content
	}
	out := append([]byte{}, content[:headerEnd+4]...)
	rest := content[headerEnd+4:]
	for i := 0; i < n && len(rest) > 0; i++ {
		idx := strings.Index(string(rest), "\r\n")
		if idx < 0 {
			out = append(out, rest...)
			break
		}
		out = append(out, rest[:idx+2]...)
		rest = rest[idx+2:]
	}
	return out
}
