package smtpclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wirestage/wirestage/daemon/smtpd/smtp"
	"github.com/wirestage/wirestage/reactor"
	"github.com/wirestage/wirestage/realm"
	"github.com/wirestage/wirestage/stage"
)

// event is one sink callback observed by the test.
type event struct {
	name string
	text string
	any  interface{}
}

// recorder implements every client sink and funnels callbacks into one channel.
type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 16)}
}

func (rec *recorder) emit(name, text string, any interface{}) {
	rec.events <- event{name: name, text: text, any: any}
}

func (rec *recorder) await(t *testing.T, name string) event {
	t.Helper()
	select {
	case got := <-rec.events:
		require.Equal(t, name, got.name, "unexpected callback %q (%s)", got.name, got.text)
		return got
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s callback arrived", name)
		return event{}
	}
}

func (rec *recorder) HandleServiceClosing(msg string) { rec.emit("serviceClosing", msg, nil) }

func (rec *recorder) HandleGreeting(banner string, hello *HelloState) {
	rec.emit("greeting", banner, hello)
}
func (rec *recorder) HandleGreetingFailure(msg string) { rec.emit("greetingFailure", msg, nil) }

func (rec *recorder) HandleEhlo(caps Capabilities, session *SessionState) {
	rec.emit("ehlo", "", session)
}
func (rec *recorder) HandleEhloNotSupported(hello *HelloState) { rec.emit("ehloNotSupported", "", hello) }
func (rec *recorder) HandleHelo(session *SessionState)         { rec.emit("helo", "", session) }

func (rec *recorder) HandleTLSEstablished(postTLS *PostTLSState) { rec.emit("tls", "", postTLS) }
func (rec *recorder) HandleTLSUnavailable(session *SessionState) {
	rec.emit("tlsUnavailable", "", session)
}

func (rec *recorder) HandleAuthSuccess(session *SessionState) { rec.emit("authSuccess", "", session) }
func (rec *recorder) HandleChallenge(challenge []byte, exchange *AuthExchangeState) {
	rec.emit("challenge", string(challenge), exchange)
}
func (rec *recorder) HandleAuthFailed(session *SessionState) { rec.emit("authFailed", "", session) }
func (rec *recorder) HandleMechanismNotSupported(session *SessionState) {
	rec.emit("mechanismNotSupported", "", session)
}

func (rec *recorder) HandleMailFromOk(envelope *EnvelopeState) { rec.emit("mailFromOk", "", envelope) }

func (rec *recorder) HandleRcptToOk(ready *EnvelopeReadyState) { rec.emit("rcptToOk", "", ready) }
func (rec *recorder) HandleRecipientRejected(msg string, state EnvelopeToken) {
	rec.emit("recipientRejected", msg, state)
}

func (rec *recorder) HandleReadyForData(message *MessageDataState) {
	rec.emit("readyForData", "", message)
}

func (rec *recorder) HandleMessageAccepted(queueID string, session *SessionState) {
	rec.emit("messageAccepted", queueID, session)
}

func (rec *recorder) HandleRsetOk(session *SessionState) { rec.emit("rsetOk", "", session) }

// The sink interfaces want distinct signatures for a few callbacks; thin adapters
// bind the recorder to each command.
type ehloSink struct{ *recorder }

func (sink ehloSink) HandlePermanentFailure(msg string) { sink.emit("permanentFailure", msg, nil) }

type startTLSSink struct{ *recorder }

func (sink startTLSSink) HandlePermanentFailure(msg string) { sink.emit("permanentFailure", msg, nil) }

type authSink struct{ *recorder }

func (sink authSink) HandleTemporaryFailure(session *SessionState) {
	sink.emit("temporaryFailure", "", session)
}

type mailFromSink struct{ *recorder }

func (sink mailFromSink) HandleTemporaryFailure(session *SessionState) {
	sink.emit("temporaryFailure", "", session)
}
func (sink mailFromSink) HandlePermanentFailure(msg string) { sink.emit("permanentFailure", msg, nil) }

type rcptToSink struct{ *recorder }

func (sink rcptToSink) HandleTemporaryFailure(state EnvelopeToken) {
	sink.emit("temporaryFailure", "", state)
}

type dataSink struct{ *recorder }

func (sink dataSink) HandleTemporaryFailure(ready *EnvelopeReadyState) {
	sink.emit("temporaryFailure", "", ready)
}
func (sink dataSink) HandlePermanentFailure(msg string) { sink.emit("permanentFailure", msg, nil) }

type endSink struct{ *recorder }

func (sink endSink) HandleTemporaryFailure(session *SessionState) {
	sink.emit("temporaryFailure", "", session)
}
func (sink endSink) HandlePermanentFailure(msg string, session *SessionState) {
	sink.emit("permanentFailure", msg, nil)
}

// received is one message the test server took delivery of.
type received struct {
	from string
	to   []string
	body string
	tls  bool
}

// startServer runs the server-side SMTP engine on a loopback listener.
func startServer(t *testing.T, config smtp.Config) (string, int, chan received) {
	t.Helper()
	if config.ServerName == "" {
		config.ServerName = "mx.server.example"
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	deliveries := make(chan received, 4)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				server := smtp.NewConn(conn, config)
				var from string
				var tos []string
				for {
					ev := server.Next()
					switch ev.What {
					case smtp.COMMAND:
						switch ev.Cmd {
						case smtp.HELO, smtp.EHLO:
							from, tos = "", nil
						case smtp.MAILFROM:
							from, tos = ev.Arg, nil
						case smtp.RCPTTO:
							if strings.HasSuffix(ev.Arg, "@reject.example") {
								server.RejectWithCode(550, "mailbox unavailable")
							} else {
								tos = append(tos, ev.Arg)
							}
						}
					case smtp.GOTDATA:
						deliveries <- received{from: from, to: tos, body: ev.Arg, tls: server.TLSOn}
						server.AcceptData("SRVQ7")
						from, tos = "", nil
					case smtp.AUTHED:
					default:
						return
					}
				}
			}(conn)
		}
	}()
	addr := listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, deliveries
}

func testLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop := reactor.NewLoop()
	t.Cleanup(loop.Shutdown)
	return loop
}

func TestBasicDelivery(t *testing.T) {
	host, port, deliveries := startServer(t, smtp.Config{})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, host, port, rec)

	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("test.client.com", ehloSink{rec}))
	session := rec.await(t, "ehlo").any.(*SessionState)
	assert.True(t, session.Capabilities().Chunking)
	assert.True(t, session.Capabilities().Pipelining)

	require.NoError(t, session.MailFrom("sender@example.com", 0, mailFromSink{rec}))
	envelope := rec.await(t, "mailFromOk").any.(*EnvelopeState)
	assert.False(t, envelope.HasAcceptedRecipients())

	require.NoError(t, envelope.RcptTo("recipient@example.com", rcptToSink{rec}))
	ready := rec.await(t, "rcptToOk").any.(*EnvelopeReadyState)
	assert.True(t, ready.HasAcceptedRecipients())

	require.NoError(t, ready.Data(dataSink{rec}))
	message := rec.await(t, "readyForData").any.(*MessageDataState)
	require.NoError(t, message.WriteContent([]byte("Subject: S\r\n")))
	require.NoError(t, message.WriteContent([]byte("\r\nB\r\n")))
	require.NoError(t, message.EndMessage(endSink{rec}))
	accepted := rec.await(t, "messageAccepted")
	assert.Equal(t, "SRVQ7", accepted.text)

	got := <-deliveries
	assert.Equal(t, "sender@example.com", got.from)
	assert.Equal(t, []string{"recipient@example.com"}, got.to)
	assert.Equal(t, "Subject: S\r\n\r\nB\r\n", got.body)

	// The connection is reusable after the commit.
	session = accepted.any.(*SessionState)
	require.NoError(t, session.Quit())
}

func TestDotStuffedContent(t *testing.T) {
	// Exercise the dot-stuffed DATA path with content that has leading dots, split
	// at awkward boundaries. The server must see the original bytes.
	host, port, deliveries := startServer(t, smtp.Config{})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, host, port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	// HELO keeps the server from advertising CHUNKING, so DATA is used.
	require.NoError(t, hello.Helo("test.client.com", ehloSink{rec}))
	session := rec.await(t, "helo").any.(*SessionState)
	require.NoError(t, session.MailFrom("s@example.com", 0, mailFromSink{rec}))
	envelope := rec.await(t, "mailFromOk").any.(*EnvelopeState)
	require.NoError(t, envelope.RcptTo("r@example.com", rcptToSink{rec}))
	ready := rec.await(t, "rcptToOk").any.(*EnvelopeReadyState)
	require.NoError(t, ready.Data(dataSink{rec}))
	message := rec.await(t, "readyForData").any.(*MessageDataState)

	body := ".lead\r\nmid\r\n..both\r\n"
	// Split inside the leading dot run and across the line boundary.
	require.NoError(t, message.WriteContent([]byte(".")))
	require.NoError(t, message.WriteContent([]byte("lead\r\nmid\r")))
	require.NoError(t, message.WriteContent([]byte("\n..both\r\n")))
	require.NoError(t, message.EndMessage(endSink{rec}))
	rec.await(t, "messageAccepted")
	got := <-deliveries
	assert.Equal(t, body, got.body)
}

func TestChunkingPath(t *testing.T) {
	host, port, deliveries := startServer(t, smtp.Config{})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, host, port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("c.example", ehloSink{rec}))
	session := rec.await(t, "ehlo").any.(*SessionState)
	require.True(t, session.Capabilities().Chunking)
	require.NoError(t, session.MailFrom("s@example.com", 0, mailFromSink{rec}))
	envelope := rec.await(t, "mailFromOk").any.(*EnvelopeState)
	require.NoError(t, envelope.RcptTo("r@example.com", rcptToSink{rec}))
	ready := rec.await(t, "rcptToOk").any.(*EnvelopeReadyState)
	require.NoError(t, ready.Data(dataSink{rec}))
	message := rec.await(t, "readyForData").any.(*MessageDataState)
	// Raw bytes go out with an explicit length; dot lines need no stuffing.
	require.NoError(t, message.WriteContent([]byte(".raw dot line\r\n")))
	require.NoError(t, message.WriteContent([]byte("more\r\n")))
	require.NoError(t, message.EndMessage(endSink{rec}))
	rec.await(t, "messageAccepted")
	got := <-deliveries
	assert.Equal(t, ".raw dot line\r\nmore\r\n", got.body)
}

func TestRecipientRejectedKeepsEnvelope(t *testing.T) {
	host, port, deliveries := startServer(t, smtp.Config{})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, host, port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("c.example", ehloSink{rec}))
	session := rec.await(t, "ehlo").any.(*SessionState)
	require.NoError(t, session.MailFrom("s@example.com", 0, mailFromSink{rec}))
	envelope := rec.await(t, "mailFromOk").any.(*EnvelopeState)

	require.NoError(t, envelope.RcptTo("ok@example.com", rcptToSink{rec}))
	ready := rec.await(t, "rcptToOk").any.(*EnvelopeReadyState)
	require.NoError(t, ready.RcptTo("nobody@reject.example", rcptToSink{rec}))
	rejected := rec.await(t, "recipientRejected")
	assert.Contains(t, rejected.text, "550")
	// One recipient was already accepted, so the failure token can still move to DATA.
	state := rejected.any.(EnvelopeToken)
	require.True(t, state.HasAcceptedRecipients())
	readyAgain, isReady := state.(*EnvelopeReadyState)
	require.True(t, isReady)
	require.NoError(t, readyAgain.Data(dataSink{rec}))
	message := rec.await(t, "readyForData").any.(*MessageDataState)
	require.NoError(t, message.WriteContent([]byte("x\r\n")))
	require.NoError(t, message.EndMessage(endSink{rec}))
	rec.await(t, "messageAccepted")
	got := <-deliveries
	assert.Equal(t, []string{"ok@example.com"}, got.to)
}

func TestTokenSingleUse(t *testing.T) {
	host, port, _ := startServer(t, smtp.Config{})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, host, port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("c.example", ehloSink{rec}))
	rec.await(t, "ehlo")
	// The token was consumed by the first EHLO.
	assert.ErrorIs(t, hello.Ehlo("c.example", ehloSink{rec}), stage.ErrTokenConsumed)
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.server.example"},
		DNSNames:     []string{"mx.server.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

func TestStartTLSThenResume(t *testing.T) {
	host, port, deliveries := startServer(t, smtp.Config{TLSConfig: selfSignedTLS(t)})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t), TLSConfig: &tls.Config{InsecureSkipVerify: true}}, host, port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("test.client.com", ehloSink{rec}))
	session := rec.await(t, "ehlo").any.(*SessionState)
	require.True(t, session.Capabilities().StartTLS)

	require.NoError(t, session.StartTLS(startTLSSink{rec}))
	postTLS := rec.await(t, "tls").any.(*PostTLSState)

	// Only EHLO and QUIT exist on the post-TLS token; a fresh EHLO re-reads the
	// capabilities over the encrypted channel.
	require.NoError(t, postTLS.Ehlo("test.client.com", ehloSink{rec}))
	ehloEvent := rec.await(t, "ehlo")
	session = ehloEvent.any.(*SessionState)
	assert.False(t, session.Capabilities().StartTLS, "STARTTLS must vanish once TLS is on")

	require.NoError(t, session.MailFrom("sender@example.com", 0, mailFromSink{rec}))
	envelope := rec.await(t, "mailFromOk").any.(*EnvelopeState)
	require.NoError(t, envelope.RcptTo("recipient@example.com", rcptToSink{rec}))
	ready := rec.await(t, "rcptToOk").any.(*EnvelopeReadyState)
	require.NoError(t, ready.Data(dataSink{rec}))
	message := rec.await(t, "readyForData").any.(*MessageDataState)
	require.NoError(t, message.WriteContent([]byte("Subject: S\r\n\r\nB\r\n")))
	require.NoError(t, message.EndMessage(endSink{rec}))
	rec.await(t, "messageAccepted")
	got := <-deliveries
	assert.True(t, got.tls, "the delivery must be marked as TLS")
}

func TestAuthPlain(t *testing.T) {
	testRealm := realm.NewMemoryRealm()
	require.NoError(t, testRealm.AddUser("alice", "s3cret"))
	host, port, _ := startServer(t, smtp.Config{Realm: testRealm})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, host, port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("c.example", ehloSink{rec}))
	session := rec.await(t, "ehlo").any.(*SessionState)
	require.Contains(t, session.Capabilities().AuthMechanisms, "PLAIN")

	require.NoError(t, session.Auth("PLAIN", []byte("\x00alice\x00s3cret"), authSink{rec}))
	rec.await(t, "authSuccess")
}

func TestAuthChallengeRound(t *testing.T) {
	testRealm := realm.NewMemoryRealm()
	require.NoError(t, testRealm.AddUser("alice", "s3cret"))
	host, port, _ := startServer(t, smtp.Config{Realm: testRealm})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, host, port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("c.example", ehloSink{rec}))
	session := rec.await(t, "ehlo").any.(*SessionState)

	// No initial response: the server sends an empty challenge first.
	require.NoError(t, session.Auth("PLAIN", nil, authSink{rec}))
	challenge := rec.await(t, "challenge")
	exchange := challenge.any.(*AuthExchangeState)
	require.NoError(t, exchange.Respond([]byte("\x00alice\x00s3cret"), authSink{rec}))
	rec.await(t, "authSuccess")
}

func TestAuthFailedAndUnsupported(t *testing.T) {
	testRealm := realm.NewMemoryRealm()
	require.NoError(t, testRealm.AddUser("alice", "s3cret"))
	host, port, _ := startServer(t, smtp.Config{Realm: testRealm})
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, host, port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("c.example", ehloSink{rec}))
	session := rec.await(t, "ehlo").any.(*SessionState)

	require.NoError(t, session.Auth("GSSAPI", nil, authSink{rec}))
	session = rec.await(t, "mechanismNotSupported").any.(*SessionState)

	require.NoError(t, session.Auth("PLAIN", []byte("\x00alice\x00wrong"), authSink{rec}))
	rec.await(t, "authFailed")
}

func TestServiceClosingOnConnectionLoss(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		// Greet, then slam the connection shut mid-command.
		conn.Write([]byte("220 rude.example ESMTP\r\n"))
		buf := make([]byte, 64)
		conn.Read(buf)
		conn.Close()
	}()
	addr := listener.Addr().(*net.TCPAddr)
	rec := newRecorder()
	Connect(Config{Loop: testLoop(t)}, "127.0.0.1", addr.Port, rec)
	hello := rec.await(t, "greeting").any.(*HelloState)
	require.NoError(t, hello.Ehlo("c.example", ehloSink{rec}))
	closing := rec.await(t, "serviceClosing")
	assert.Contains(t, closing.text, "connection")

	// Commands on stale tokens fail with the closed-connection error.
	assert.ErrorIs(t, hello.Ehlo("again", ehloSink{rec}), stage.ErrConnectionClosed)
}
