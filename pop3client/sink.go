package pop3client

import "github.com/wirestage/wirestage/stage"

// ConnectSink receives the outcome of the connection attempt and server greeting.
type ConnectSink interface {
	stage.ServiceClosingSink
	// HandleGreeting delivers the banner, the APOP timestamp when the server offered
	// one (empty otherwise), and the first capability token.
	HandleGreeting(banner, timestamp string, auth *AuthorizationState)
	HandleGreetingFailure(msg string)
}

// CapaSink receives the capability listing in the AUTHORIZATION state.
type CapaSink interface {
	stage.ServiceClosingSink
	HandleCapabilities(caps []string, auth *AuthorizationState)
	HandleCapaRejected(msg string, auth *AuthorizationState)
}

// UserSink receives the outcome of USER. A successful USER opens the soft password
// state accepting only PASS or QUIT.
type UserSink interface {
	stage.ServiceClosingSink
	HandleUserOk(password *PasswordState)
	HandleUserRejected(msg string, auth *AuthorizationState)
}

// LoginSink receives the conclusion of any authentication route: PASS, APOP, or a
// SASL exchange.
type LoginSink interface {
	stage.ServiceClosingSink
	// HandleLoggedIn delivers the opened mailbox's transaction token.
	HandleLoggedIn(transaction *TransactionState)
	// HandleChallenge delivers a decoded SASL challenge to answer via the exchange.
	HandleChallenge(challenge []byte, exchange *AuthExchangeState)
	HandleAuthFailed(msg string, auth *AuthorizationState)
}

// StlsSink receives the outcome of STLS and the in-place handshake.
type StlsSink interface {
	stage.ServiceClosingSink
	// HandleTLSEstablished is invoked after the handshake; the server's capability
	// list may have changed and is expected to be re-read.
	HandleTLSEstablished(postStls *PostStlsState)
	HandleStlsUnavailable(msg string, auth *AuthorizationState)
}

// StatSink receives the outcome of STAT.
type StatSink interface {
	stage.ServiceClosingSink
	HandleStat(count int, totalSize int64, transaction *TransactionState)
}

// ListEntry is one line of a LIST or UIDL response.
type ListEntry struct {
	// Number is the 1-based message number.
	Number int
	// Size is the message size for LIST responses.
	Size int64
	// UID is the unique id for UIDL responses.
	UID string
}

// ListSink receives the outcome of LIST or UIDL, in either the whole-mailbox or the
// single-message form.
type ListSink interface {
	stage.ServiceClosingSink
	HandleListing(entries []ListEntry, transaction *TransactionState)
	HandleNoSuchMessage(msg string, transaction *TransactionState)
}

// RetrieveSink receives a streamed RETR or TOP response: any number of decoded
// content chunks followed by exactly one completion callback.
type RetrieveSink interface {
	stage.ServiceClosingSink
	HandleContent(chunk []byte)
	HandleMessageComplete(transaction *TransactionState)
	HandleNoSuchMessage(msg string, transaction *TransactionState)
}

// DeleSink receives the outcome of DELE.
type DeleSink interface {
	stage.ServiceClosingSink
	HandleDeleted(transaction *TransactionState)
	HandleNoSuchMessage(msg string, transaction *TransactionState)
}

// OkSink receives the outcome of commands with no data: RSET and NOOP.
type OkSink interface {
	stage.ServiceClosingSink
	HandleOk(transaction *TransactionState)
}

// QuitSink receives the result of the UPDATE commit that QUIT triggers from the
// transaction state.
type QuitSink interface {
	stage.ServiceClosingSink
	HandleQuitOk(msg string)
	// HandleQuitFailed reports a partial deletion failure; the connection closes
	// regardless.
	HandleQuitFailed(msg string)
}
