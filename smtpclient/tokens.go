package smtpclient

import (
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"

	"github.com/wirestage/wirestage/stage"
)

// HelloState is the capability token of the pre-EHLO state: the only legal moves are
// introducing ourselves or leaving.
type HelloState struct {
	token stage.Token
	conn  *Conn
}

func newHelloState(conn *Conn) *HelloState {
	return &HelloState{token: stage.NewToken(conn.alive), conn: conn}
}

// Ehlo introduces the client and collects the server's capability advertisement.
func (state *HelloState) Ehlo(hostname string, sink EhloSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.ehlo(hostname, sink, false)
}

// Helo performs the legacy introduction; no extensions will be available.
func (state *HelloState) Helo(hostname string, sink HeloSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("HELO "+hostname, sink, func(code int, text string) {
		switch {
		case code/100 == 2:
			sink.HandleHelo(newSessionState(conn))
		default:
			sink.HandlePermanentFailure(fmt.Sprintf("%d %s", code, text))
		}
	})
}

// Quit leaves politely. No sink: the farewell concludes the connection.
func (state *HelloState) Quit() error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.quit()
}

// ehlo is shared between HelloState and PostTLSState.
func (conn *Conn) ehlo(hostname string, sink EhloSink, postTLS bool) error {
	return conn.sendCommand("EHLO "+hostname, sink, func(code int, text string) {
		switch {
		case code/100 == 2:
			conn.caps = parseEhloResponse(text)
			sink.HandleEhlo(conn.caps, newSessionState(conn))
		case code == 500 || code == 502 || code == 504:
			if postTLS {
				// RFC 3207 requires a working EHLO after the upgrade.
				sink.HandlePermanentFailure(fmt.Sprintf("%d %s", code, text))
				return
			}
			sink.HandleEhloNotSupported(newHelloState(conn))
		default:
			sink.HandlePermanentFailure(fmt.Sprintf("%d %s", code, text))
		}
	})
}

// SessionState is the post-EHLO resting state: a mail transaction, a TLS upgrade, or
// an authentication exchange may begin here.
type SessionState struct {
	token stage.Token
	conn  *Conn
}

func newSessionState(conn *Conn) *SessionState {
	return &SessionState{token: stage.NewToken(conn.alive), conn: conn}
}

// Capabilities returns what the server advertised in the most recent EHLO.
func (state *SessionState) Capabilities() Capabilities {
	return state.conn.caps
}

// MailFrom opens an envelope. A zero size omits the SIZE parameter; the null sender
// is expressed with an empty address.
func (state *SessionState) MailFrom(sender string, size int64, sink MailFromSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	line := fmt.Sprintf("MAIL FROM:<%s>", sender)
	if size > 0 && conn.caps.MaxSize > 0 {
		line += fmt.Sprintf(" SIZE=%d", size)
	}
	return conn.sendCommand(line, sink, func(code int, text string) {
		switch {
		case code/100 == 2:
			sink.HandleMailFromOk(newEnvelopeState(conn))
		case code/100 == 4:
			sink.HandleTemporaryFailure(newSessionState(conn))
		default:
			sink.HandlePermanentFailure(fmt.Sprintf("%d %s", code, text))
		}
	})
}

// StartTLS upgrades the connection. On success only the PostTLS token's EHLO and QUIT
// are available until the server re-advertises its capabilities.
func (state *SessionState) StartTLS(sink StartTLSSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("STARTTLS", sink, func(code int, text string) {
		switch {
		case code == 220:
			config := conn.config.TLSConfig
			if config == nil {
				config = &tls.Config{ServerName: conn.host}
			}
			conn.ep.StartTLS(config, true, func(err error) {
				if err != nil {
					// The byte stream is unusable after a failed handshake.
					conn.fault(fmt.Sprintf("TLS handshake failed - %v", err))
					return
				}
				sink.HandleTLSEstablished(newPostTLSState(conn))
			})
		case code == 454:
			sink.HandleTLSUnavailable(newSessionState(conn))
		default:
			sink.HandlePermanentFailure(fmt.Sprintf("%d %s", code, text))
		}
	})
}

// Auth begins a SASL exchange. The initial response may be nil for mechanisms whose
// exchange starts with a server challenge.
func (state *SessionState) Auth(mechanism string, initial []byte, sink AuthSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	line := "AUTH " + mechanism
	if initial != nil {
		if len(initial) == 0 {
			line += " ="
		} else {
			line += " " + base64.StdEncoding.EncodeToString(initial)
		}
	}
	return conn.sendCommand(line, sink, conn.authDispatch(sink))
}

// authDispatch routes AUTH replies, shared by the opening command and every
// subsequent exchange round.
func (conn *Conn) authDispatch(sink AuthSink) func(code int, text string) {
	return func(code int, text string) {
		switch {
		case code == 235:
			sink.HandleAuthSuccess(newSessionState(conn))
		case code == 334:
			challenge, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				conn.fault(fmt.Sprintf("malformed AUTH challenge %q", text))
				return
			}
			sink.HandleChallenge(challenge, newAuthExchangeState(conn))
		case code == 504:
			sink.HandleMechanismNotSupported(newSessionState(conn))
		case code/100 == 4:
			sink.HandleTemporaryFailure(newSessionState(conn))
		default:
			sink.HandleAuthFailed(newSessionState(conn))
		}
	}
}

// Quit leaves politely.
func (state *SessionState) Quit() error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.quit()
}

// PostTLSState is the state straight after a TLS upgrade: RFC 3207 allows nothing but
// a fresh EHLO (or leaving) until the capabilities have been re-advertised over the
// encrypted channel.
type PostTLSState struct {
	token stage.Token
	conn  *Conn
}

func newPostTLSState(conn *Conn) *PostTLSState {
	return &PostTLSState{token: stage.NewToken(conn.alive), conn: conn}
}

// Ehlo re-introduces the client over the encrypted channel.
func (state *PostTLSState) Ehlo(hostname string, sink EhloSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.ehlo(hostname, sink, true)
}

// Quit leaves politely.
func (state *PostTLSState) Quit() error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.quit()
}

// AuthExchangeState carries one round of a SASL exchange.
type AuthExchangeState struct {
	token stage.Token
	conn  *Conn
}

func newAuthExchangeState(conn *Conn) *AuthExchangeState {
	return &AuthExchangeState{token: stage.NewToken(conn.alive), conn: conn}
}

// Respond answers the server's challenge.
func (state *AuthExchangeState) Respond(response []byte, sink AuthSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	line := base64.StdEncoding.EncodeToString(response)
	if len(response) == 0 {
		line = "="
	}
	return conn.sendCommand(line, sink, conn.authDispatch(sink))
}

// Abort cancels the exchange with the '*' line; the server answers 501 and the
// exchange concludes through HandleAuthFailed.
func (state *AuthExchangeState) Abort(sink AuthSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("*", sink, func(code int, text string) {
		sink.HandleAuthFailed(newSessionState(conn))
	})
}

// EnvelopeState is an open envelope with no recipient accepted yet. DATA is absent
// from its surface on purpose: a message cannot be sent to nobody.
type EnvelopeState struct {
	token stage.Token
	conn  *Conn
}

func newEnvelopeState(conn *Conn) *EnvelopeState {
	return &EnvelopeState{token: stage.NewToken(conn.alive), conn: conn}
}

// RcptTo proposes a recipient.
func (state *EnvelopeState) RcptTo(recipient string, sink RcptToSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.rcptTo(recipient, 0, sink)
}

// Rset abandons the envelope.
func (state *EnvelopeState) Rset(sink RsetSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.rset(sink)
}

// Quit leaves politely, abandoning the envelope.
func (state *EnvelopeState) Quit() error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.quit()
}

// HasAcceptedRecipients is false by construction for this token.
func (state *EnvelopeState) HasAcceptedRecipients() bool {
	return false
}

// EnvelopeReadyState is an envelope with at least one accepted recipient: the message
// body may now be transferred.
type EnvelopeReadyState struct {
	token    stage.Token
	conn     *Conn
	accepted int
}

func newEnvelopeReadyState(conn *Conn, accepted int) *EnvelopeReadyState {
	return &EnvelopeReadyState{token: stage.NewToken(conn.alive), conn: conn, accepted: accepted}
}

// RcptTo proposes a further recipient.
func (state *EnvelopeReadyState) RcptTo(recipient string, sink RcptToSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.rcptTo(recipient, state.accepted, sink)
}

// Data asks the server for permission to transfer the message body. The transfer mode
// (dot-stuffed DATA or CHUNKING) follows the server's advertisement transparently.
func (state *EnvelopeReadyState) Data(sink DataSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	accepted := state.accepted
	if conn.caps.Chunking {
		// BDAT needs no 354 go-ahead; the message token is available immediately.
		conn.config.Loop.InvokeLater(func() {
			sink.HandleReadyForData(newMessageDataState(conn, true))
		})
		return nil
	}
	return conn.sendCommand("DATA", sink, func(code int, text string) {
		switch {
		case code == 354:
			sink.HandleReadyForData(newMessageDataState(conn, false))
		case code/100 == 4:
			sink.HandleTemporaryFailure(newEnvelopeReadyState(conn, accepted))
		default:
			sink.HandlePermanentFailure(fmt.Sprintf("%d %s", code, text))
		}
	})
}

// Rset abandons the envelope and its accepted recipients.
func (state *EnvelopeReadyState) Rset(sink RsetSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.rset(sink)
}

// Quit leaves politely, abandoning the envelope.
func (state *EnvelopeReadyState) Quit() error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.quit()
}

// HasAcceptedRecipients is true by construction for this token.
func (state *EnvelopeReadyState) HasAcceptedRecipients() bool {
	return true
}

// rcptTo issues RCPT TO with the count of previously accepted recipients, which
// decides the token delivered on failure.
func (conn *Conn) rcptTo(recipient string, accepted int, sink RcptToSink) error {
	failState := func() EnvelopeToken {
		if accepted > 0 {
			return newEnvelopeReadyState(conn, accepted)
		}
		return newEnvelopeState(conn)
	}
	return conn.sendCommand(fmt.Sprintf("RCPT TO:<%s>", recipient), sink, func(code int, text string) {
		switch {
		case code/100 == 2:
			sink.HandleRcptToOk(newEnvelopeReadyState(conn, accepted+1))
		case code/100 == 4:
			sink.HandleTemporaryFailure(failState())
		default:
			sink.HandleRecipientRejected(fmt.Sprintf("%d %s", code, text), failState())
		}
	})
}

func (conn *Conn) rset(sink RsetSink) error {
	return conn.sendCommand("RSET", sink, func(code int, text string) {
		sink.HandleRsetOk(newSessionState(conn))
	})
}

// MessageDataState streams the message body. WriteContent may be called repeatedly
// with raw RFC 5322 bytes; EndMessage concludes the transfer and consumes the token.
type MessageDataState struct {
	token    stage.Token
	conn     *Conn
	chunking bool

	// dot-stuffing state across writes
	atLineStart bool
	// accumulated body for a single BDAT LAST frame
	chunkBuf bytes.Buffer
}

func newMessageDataState(conn *Conn, chunking bool) *MessageDataState {
	return &MessageDataState{token: stage.NewToken(conn.alive), conn: conn, chunking: chunking, atLineStart: true}
}

// WriteContent streams a slice of the message. In dot-stuffed mode the bytes go out
// immediately with stuffing applied across arbitrary split points; in CHUNKING mode
// they accumulate for the final explicit-length frame.
func (state *MessageDataState) WriteContent(content []byte) error {
	if !state.conn.alive() {
		return stage.ErrConnectionClosed
	}
	if state.chunking {
		state.chunkBuf.Write(content)
		return nil
	}
	var out bytes.Buffer
	out.Grow(len(content) + 8)
	for _, b := range content {
		if state.atLineStart && b == '.' {
			out.WriteByte('.')
		}
		out.WriteByte(b)
		state.atLineStart = b == '\n'
	}
	return state.conn.sendRaw(out.Bytes())
}

// EndMessage concludes the transfer: the terminating dot line in DATA mode, or the
// whole body as one "BDAT n LAST" frame in CHUNKING mode. The sink's verdict returns
// the connection to the reusable session state.
func (state *MessageDataState) EndMessage(sink EndMessageSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	dispatch := func(code int, text string) {
		switch {
		case code/100 == 2:
			sink.HandleMessageAccepted(parseQueueID(text), newSessionState(conn))
		case code/100 == 4:
			sink.HandleTemporaryFailure(newSessionState(conn))
		default:
			sink.HandlePermanentFailure(fmt.Sprintf("%d %s", code, text), newSessionState(conn))
		}
	}
	conn.pending.Push(&command{sink: sink, dispatch: dispatch})
	if state.chunking {
		body := state.chunkBuf.Bytes()
		header := fmt.Sprintf("BDAT %d LAST\r\n", len(body))
		if err := conn.sendRaw(append([]byte(header), body...)); err != nil {
			conn.pending.PopBack()
			return err
		}
		return nil
	}
	terminator := ".\r\n"
	if !state.atLineStart {
		terminator = "\r\n.\r\n"
	}
	if err := conn.sendRaw([]byte(terminator)); err != nil {
		conn.pending.PopBack()
		return err
	}
	return nil
}
