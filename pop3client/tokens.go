package pop3client

import (
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/wirestage/wirestage/stage"
)

// AuthorizationState is the capability token of the AUTHORIZATION state.
type AuthorizationState struct {
	token stage.Token
	conn  *Conn
}

func newAuthorizationState(conn *Conn) *AuthorizationState {
	return &AuthorizationState{token: stage.NewToken(conn.alive), conn: conn}
}

// Capa reads the server's capability list.
func (state *AuthorizationState) Capa(sink CapaSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("CAPA", sink, func(kind statusKind, text string) {
		if kind != statusOK {
			sink.HandleCapaRejected(text, newAuthorizationState(conn))
			return
		}
		var caps []string
		conn.beginStream(
			func(chunk []byte) {
				caps = append(caps, strings.TrimRight(string(chunk), "\r\n"))
			},
			func() {
				sink.HandleCapabilities(caps, newAuthorizationState(conn))
			})
	})
}

// User announces the mailbox name; a successful answer opens the soft state that
// accepts only PASS or QUIT.
func (state *AuthorizationState) User(name string, sink UserSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("USER "+name, sink, func(kind statusKind, text string) {
		if kind == statusOK {
			sink.HandleUserOk(newPasswordState(conn))
			return
		}
		sink.HandleUserRejected(text, newAuthorizationState(conn))
	})
}

// Apop authenticates with the digest of the greeting timestamp and the secret.
func (state *AuthorizationState) Apop(name, secret, timestamp string, sink LoginSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	sum := md5.Sum([]byte(timestamp + secret))
	digest := hex.EncodeToString(sum[:])
	conn := state.conn
	return conn.sendCommand(fmt.Sprintf("APOP %s %s", name, digest), sink, conn.loginDispatch(sink))
}

// Auth begins a SASL exchange. The initial response may be nil for mechanisms whose
// exchange starts with a server challenge.
func (state *AuthorizationState) Auth(mechanism string, initial []byte, sink LoginSink) error {
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
	return conn.sendCommand(line, sink, conn.loginDispatch(sink))
}

// Stls upgrades the connection to TLS in place.
func (state *AuthorizationState) Stls(sink StlsSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("STLS", sink, func(kind statusKind, text string) {
		if kind != statusOK {
			sink.HandleStlsUnavailable(text, newAuthorizationState(conn))
			return
		}
		config := conn.config.TLSConfig
		if config == nil {
			config = &tls.Config{ServerName: conn.host}
		}
		conn.ep.StartTLS(config, true, func(err error) {
			if err != nil {
				conn.fault(fmt.Sprintf("TLS handshake failed - %v", err))
				return
			}
			sink.HandleTLSEstablished(newPostStlsState(conn))
		})
	})
}

// Quit leaves without having authenticated.
func (state *AuthorizationState) Quit() error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.quit()
}

// loginDispatch routes the conclusion of PASS/APOP/AUTH exchanges.
func (conn *Conn) loginDispatch(sink LoginSink) func(kind statusKind, text string) {
	return func(kind statusKind, text string) {
		switch kind {
		case statusOK:
			sink.HandleLoggedIn(newTransactionState(conn))
		case statusCont:
			challenge, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				conn.fault(fmt.Sprintf("malformed SASL challenge %q", text))
				return
			}
			sink.HandleChallenge(challenge, newAuthExchangeState(conn))
		default:
			sink.HandleAuthFailed(text, newAuthorizationState(conn))
		}
	}
}

// PasswordState is the soft state after a successful USER: only PASS or QUIT.
type PasswordState struct {
	token stage.Token
	conn  *Conn
}

func newPasswordState(conn *Conn) *PasswordState {
	return &PasswordState{token: stage.NewToken(conn.alive), conn: conn}
}

// Pass completes the USER/PASS login.
func (state *PasswordState) Pass(password string, sink LoginSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("PASS "+password, sink, conn.loginDispatch(sink))
}

// Quit abandons the login.
func (state *PasswordState) Quit() error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.quit()
}

// PostStlsState follows a TLS upgrade; the capability list is expected to be re-read
// before anything else.
type PostStlsState struct {
	token stage.Token
	conn  *Conn
}

func newPostStlsState(conn *Conn) *PostStlsState {
	return &PostStlsState{token: stage.NewToken(conn.alive), conn: conn}
}

// Capa re-reads the capability list over the encrypted channel.
func (state *PostStlsState) Capa(sink CapaSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return newAuthorizationState(state.conn).Capa(sink)
}

// Quit leaves politely.
func (state *PostStlsState) Quit() error {
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
func (state *AuthExchangeState) Respond(response []byte, sink LoginSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	line := base64.StdEncoding.EncodeToString(response)
	if len(response) == 0 {
		line = "="
	}
	return conn.sendCommand(line, sink, conn.loginDispatch(sink))
}

// Abort cancels the exchange with the '*' line.
func (state *AuthExchangeState) Abort(sink LoginSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("*", sink, func(kind statusKind, text string) {
		sink.HandleAuthFailed(text, newAuthorizationState(conn))
	})
}

// TransactionState is the capability token of the TRANSACTION state: the mailbox is
// open and its messages may be inspected, retrieved and marked for deletion.
type TransactionState struct {
	token stage.Token
	conn  *Conn
}

func newTransactionState(conn *Conn) *TransactionState {
	return &TransactionState{token: stage.NewToken(conn.alive), conn: conn}
}

// Stat reports the message count and total size.
func (state *TransactionState) Stat(sink StatSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("STAT", sink, func(kind statusKind, text string) {
		if kind != statusOK {
			sink.HandleServiceClosing(text)
			return
		}
		fields := strings.Fields(text)
		var count int
		var size int64
		if len(fields) >= 2 {
			count, _ = strconv.Atoi(fields[0])
			size, _ = strconv.ParseInt(fields[1], 10, 64)
		}
		sink.HandleStat(count, size, newTransactionState(conn))
	})
}

// List reports message sizes: all messages with number 0, or one specific message.
func (state *TransactionState) List(number int, sink ListSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.listing("LIST", number, sink, false)
}

// Uidl reports unique ids: all messages with number 0, or one specific message.
func (state *TransactionState) Uidl(number int, sink ListSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.listing("UIDL", number, sink, true)
}

func (conn *Conn) listing(verb string, number int, sink ListSink, uidl bool) error {
	parseEntry := func(line string) (ListEntry, bool) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return ListEntry{}, false
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			return ListEntry{}, false
		}
		entry := ListEntry{Number: num}
		if uidl {
			entry.UID = fields[1]
		} else if entry.Size, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
			return ListEntry{}, false
		}
		return entry, true
	}
	if number > 0 {
		return conn.sendCommand(fmt.Sprintf("%s %d", verb, number), sink, func(kind statusKind, text string) {
			if kind != statusOK {
				sink.HandleNoSuchMessage(text, newTransactionState(conn))
				return
			}
			var entries []ListEntry
			if entry, ok := parseEntry(text); ok {
				entries = append(entries, entry)
			}
			sink.HandleListing(entries, newTransactionState(conn))
		})
	}
	return conn.sendCommand(verb, sink, func(kind statusKind, text string) {
		if kind != statusOK {
			sink.HandleNoSuchMessage(text, newTransactionState(conn))
			return
		}
		var entries []ListEntry
		conn.beginStream(
			func(chunk []byte) {
				if entry, ok := parseEntry(strings.TrimRight(string(chunk), "\r\n")); ok {
					entries = append(entries, entry)
				}
			},
			func() {
				sink.HandleListing(entries, newTransactionState(conn))
			})
	})
}

// Retr streams the whole message to the sink.
func (state *TransactionState) Retr(number int, sink RetrieveSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.retrieve(fmt.Sprintf("RETR %d", number), sink)
}

// Top streams the headers and the first lineCount body lines to the sink.
func (state *TransactionState) Top(number, lineCount int, sink RetrieveSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	return state.conn.retrieve(fmt.Sprintf("TOP %d %d", number, lineCount), sink)
}

func (conn *Conn) retrieve(line string, sink RetrieveSink) error {
	return conn.sendCommand(line, sink, func(kind statusKind, text string) {
		if kind != statusOK {
			sink.HandleNoSuchMessage(text, newTransactionState(conn))
			return
		}
		conn.beginStream(
			sink.HandleContent,
			func() {
				sink.HandleMessageComplete(newTransactionState(conn))
			})
	})
}

// Dele marks a message for deletion; removal happens at QUIT.
func (state *TransactionState) Dele(number int, sink DeleSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand(fmt.Sprintf("DELE %d", number), sink, func(kind statusKind, text string) {
		if kind == statusOK {
			sink.HandleDeleted(newTransactionState(conn))
			return
		}
		sink.HandleNoSuchMessage(text, newTransactionState(conn))
	})
}

// Rset clears all deletion marks.
func (state *TransactionState) Rset(sink OkSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("RSET", sink, func(kind statusKind, text string) {
		sink.HandleOk(newTransactionState(conn))
	})
}

// Noop does nothing, successfully.
func (state *TransactionState) Noop(sink OkSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	return conn.sendCommand("NOOP", sink, func(kind statusKind, text string) {
		sink.HandleOk(newTransactionState(conn))
	})
}

// Quit commits the marked deletions (the server's UPDATE state) and closes down.
func (state *TransactionState) Quit(sink QuitSink) error {
	if err := state.token.Consume(); err != nil {
		return err
	}
	conn := state.conn
	conn.quitting = true
	return conn.sendCommand("QUIT", sink, func(kind statusKind, text string) {
		if kind == statusOK {
			sink.HandleQuitOk(text)
		} else {
			sink.HandleQuitFailed(text)
		}
		conn.teardown()
	})
}

// quit is the sinkless farewell used before authentication.
func (conn *Conn) quit() error {
	if conn.closed {
		return stage.ErrConnectionClosed
	}
	conn.quitting = true
	return conn.sendCommand("QUIT", quitIgnoreSink{}, func(kind statusKind, text string) {
		conn.teardown()
	})
}

type quitIgnoreSink struct{}

func (quitIgnoreSink) HandleServiceClosing(msg string) {}
