package smtpclient

import "github.com/wirestage/wirestage/stage"

// Capabilities is what the server advertised in its EHLO response.
type Capabilities struct {
	// StartTLS reports the STARTTLS offer.
	StartTLS bool
	// MaxSize is the advertised SIZE limit, 0 when the server did not state one.
	MaxSize int64
	// AuthMechanisms are the advertised SASL mechanisms, server order.
	AuthMechanisms []string
	// Pipelining reports the PIPELINING offer.
	Pipelining bool
	// Chunking reports the CHUNKING (BDAT) offer.
	Chunking bool
	// UTF8 reports the SMTPUTF8 offer.
	UTF8 bool
}

// ConnectSink receives the outcome of the connection attempt and server greeting.
type ConnectSink interface {
	stage.ServiceClosingSink
	// HandleGreeting delivers the 220 banner and the first capability token.
	HandleGreeting(banner string, hello *HelloState)
	// HandleGreetingFailure is invoked when the connection failed or the greeting
	// was negative.
	HandleGreetingFailure(msg string)
}

// EhloSink receives the outcome of EHLO.
type EhloSink interface {
	stage.ServiceClosingSink
	HandleEhlo(caps Capabilities, session *SessionState)
	// HandleEhloNotSupported is invoked on a 500-class answer that suggests an old
	// server; the hello token allows falling back to HELO.
	HandleEhloNotSupported(hello *HelloState)
	HandlePermanentFailure(msg string)
}

// HeloSink receives the outcome of HELO.
type HeloSink interface {
	stage.ServiceClosingSink
	HandleHelo(session *SessionState)
	HandlePermanentFailure(msg string)
}

// StartTLSSink receives the outcome of STARTTLS and the in-place handshake.
type StartTLSSink interface {
	stage.ServiceClosingSink
	// HandleTLSEstablished is invoked after the handshake; only EHLO and QUIT are
	// legal until the new EHLO completes.
	HandleTLSEstablished(postTLS *PostTLSState)
	// HandleTLSUnavailable is invoked on a 454 answer; the session continues in
	// plaintext.
	HandleTLSUnavailable(session *SessionState)
	HandlePermanentFailure(msg string)
}

// AuthSink receives the outcomes of AUTH and of every exchange round.
type AuthSink interface {
	stage.ServiceClosingSink
	HandleAuthSuccess(session *SessionState)
	// HandleChallenge delivers a decoded server challenge; answer through the
	// exchange token.
	HandleChallenge(challenge []byte, exchange *AuthExchangeState)
	HandleAuthFailed(session *SessionState)
	HandleMechanismNotSupported(session *SessionState)
	HandleTemporaryFailure(session *SessionState)
}

// MailFromSink receives the outcome of MAIL FROM.
type MailFromSink interface {
	stage.ServiceClosingSink
	HandleMailFromOk(envelope *EnvelopeState)
	HandleTemporaryFailure(session *SessionState)
	HandlePermanentFailure(msg string)
}

// EnvelopeToken is the surface common to *EnvelopeState and *EnvelopeReadyState; the
// failure callbacks of RCPT TO deliver whichever the conversation is in.
type EnvelopeToken interface {
	RcptTo(recipient string, sink RcptToSink) error
	Rset(sink RsetSink) error
	Quit() error
	HasAcceptedRecipients() bool
}

// RcptToSink receives the outcome of RCPT TO.
type RcptToSink interface {
	stage.ServiceClosingSink
	HandleRcptToOk(ready *EnvelopeReadyState)
	HandleTemporaryFailure(state EnvelopeToken)
	HandleRecipientRejected(msg string, state EnvelopeToken)
}

// DataSink receives the outcome of DATA.
type DataSink interface {
	stage.ServiceClosingSink
	HandleReadyForData(message *MessageDataState)
	HandleTemporaryFailure(ready *EnvelopeReadyState)
	HandlePermanentFailure(msg string)
}

// EndMessageSink receives the final verdict on a transmitted message. In every
// outcome short of a universal fault the connection returns to the post-EHLO session
// state and remains usable.
type EndMessageSink interface {
	stage.ServiceClosingSink
	HandleMessageAccepted(queueID string, session *SessionState)
	HandleTemporaryFailure(session *SessionState)
	HandlePermanentFailure(msg string, session *SessionState)
}

// RsetSink receives the outcome of RSET.
type RsetSink interface {
	stage.ServiceClosingSink
	HandleRsetOk(session *SessionState)
}
