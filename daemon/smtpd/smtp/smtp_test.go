package smtp

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/wirestage/wirestage/realm"
)

func TestParseCmd(t *testing.T) {
	cases := []struct {
		line string
		cmd  Command
		arg  string
	}{
		{"HELO example.com", HELO, "example.com"},
		{"EHLO", EHLO, ""},
		{"ehlo Example.COM", EHLO, "Example.COM"},
		{"MAIL FROM:<a@b.example>", MAILFROM, "a@b.example"},
		{"MAIL FROM:<>", MAILFROM, ""},
		{"mail from:<A@b.example> SIZE=100", MAILFROM, "A@b.example"},
		{"RCPT TO:<c@d.example>", RCPTTO, "c@d.example"},
		{"DATA", DATA, ""},
		{"BDAT 100 LAST", BDAT, "100 LAST"},
		{"AUTH PLAIN", AUTH, "PLAIN"},
		{"QUIT", QUIT, ""},
		{"RSET ", RSET, ""},
		{"STARTTLS", STARTTLS, ""},
		{"NOOP", NOOP, ""},
	}
	for _, c := range cases {
		res := ParseCmd(c.line)
		if res.Err != "" {
			t.Fatalf("%q: unexpected error %q", c.line, res.Err)
		}
		if res.Cmd != c.cmd || res.Arg != c.arg {
			t.Fatalf("%q: got %v %q", c.line, res.Cmd, res.Arg)
		}
	}
	// Local parts keep their case.
	res := ParseCmd("MAIL FROM:<MixedCase@Example.com>")
	if res.Arg != "MixedCase@Example.com" {
		t.Fatal(res.Arg)
	}
}

func TestParseCmdErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"BOGUS",
		"HELLO there",
		"DATA now",
		"MAIL FROM:",
		"MAIL FROM:a@b",
		"RCPT TO:<",
		"MAIL FROM é",
	} {
		if res := ParseCmd(line); res.Err == "" {
			t.Fatalf("%q: expected an error", line)
		}
	}
}

func TestParseMailParams(t *testing.T) {
	params, err := ParseMailParams("SIZE=1234 BODY=8BITMIME SMTPUTF8")
	if err != nil {
		t.Fatal(err)
	}
	if params.Size != 1234 || params.Body != "8BITMIME" || !params.UTF8 {
		t.Fatalf("%+v", params)
	}
	if _, err := ParseMailParams("SIZE=abc"); err == nil {
		t.Fatal("malformed SIZE must fail")
	}
	if _, err := ParseMailParams("RET=FULL"); err == nil {
		t.Fatal("unknown parameter must fail")
	}
}

func TestParseBdatArg(t *testing.T) {
	size, last, err := ParseBdatArg("100 LAST")
	if err != nil || size != 100 || !last {
		t.Fatal(size, last, err)
	}
	size, last, err = ParseBdatArg("5")
	if err != nil || size != 5 || last {
		t.Fatal(size, last, err)
	}
	if _, _, err := ParseBdatArg("x"); err == nil {
		t.Fatal("malformed size must fail")
	}
	if _, _, err := ParseBdatArg("5 EXTRA"); err == nil {
		t.Fatal("malformed marker must fail")
	}
}

// delivered is one message the test server committed.
type delivered struct {
	from      string
	to        []string
	body      string
	tlsActive bool
	principal string
}

// serveConn drives the state machine the way the daemon does, accepting every
// recipient except those under reject.example.
func serveConn(c *Conn, deliveries chan<- delivered) {
	var from string
	var tos []string
	for {
		ev := c.Next()
		switch ev.What {
		case COMMAND:
			switch ev.Cmd {
			case HELO, EHLO:
				from = ""
				tos = nil
			case MAILFROM:
				from = ev.Arg
				tos = nil
			case RCPTTO:
				if strings.HasSuffix(ev.Arg, "@reject.example") {
					c.RejectWithCode(550, "mailbox unavailable")
				} else {
					tos = append(tos, ev.Arg)
				}
			}
		case GOTDATA:
			deliveries <- delivered{from: from, to: tos, body: ev.Arg, tlsActive: c.TLSOn, principal: c.Principal}
			c.AcceptData("TESTQ1")
			from = ""
			tos = nil
		case AUTHED:
			continue
		default:
			return
		}
	}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rdr  *textproto.Reader
}

func startConversation(t *testing.T, config Config) (*testClient, chan delivered) {
	t.Helper()
	if config.ServerName == "" {
		config.ServerName = "mx.test.example"
	}
	clientSide, serverSide := net.Pipe()
	deliveries := make(chan delivered, 4)
	go serveConn(NewConn(serverSide, config), deliveries)
	client := &testClient{t: t, conn: clientSide, rdr: textproto.NewReader(bufio.NewReader(clientSide))}
	t.Cleanup(func() { clientSide.Close() })
	return client, deliveries
}

func (client *testClient) send(line string) {
	client.t.Helper()
	client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.conn.Write([]byte(line + "\r\n")); err != nil {
		client.t.Fatal(err)
	}
}

func (client *testClient) sendRaw(data []byte) {
	client.t.Helper()
	client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.conn.Write(data); err != nil {
		client.t.Fatal(err)
	}
}

// expect reads one complete (possibly multi-line) reply and verifies its code.
func (client *testClient) expect(code int) string {
	client.t.Helper()
	client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, msg, err := client.rdr.ReadResponse(code)
	if err != nil {
		client.t.Fatalf("expected %d, got %d %q (%v)", code, got, msg, err)
	}
	return msg
}

func TestBasicDelivery(t *testing.T) {
	client, deliveries := startConversation(t, Config{})
	client.expect(220)
	client.send("EHLO test.client.com")
	client.expect(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expect(250)
	client.send("RCPT TO:<recipient@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.sendRaw([]byte("Subject: S\r\n\r\nB\r\n.\r\n"))
	msg := client.expect(250)
	if !strings.Contains(msg, "TESTQ1") {
		t.Fatal("queue id missing from", msg)
	}
	client.send("QUIT")
	client.expect(221)

	got := <-deliveries
	if got.from != "sender@example.com" {
		t.Fatal(got.from)
	}
	if len(got.to) != 1 || got.to[0] != "recipient@example.com" {
		t.Fatal(got.to)
	}
	if got.body != "Subject: S\r\n\r\nB\r\n" {
		t.Fatalf("%q", got.body)
	}
	if got.tlsActive {
		t.Fatal("plaintext conversation must not be marked TLS")
	}
}

func TestDotStuffingRoundTrip(t *testing.T) {
	client, deliveries := startConversation(t, Config{})
	client.expect(220)
	client.send("EHLO test.client.com")
	client.expect(250)
	client.send("MAIL FROM:<s@example.com>")
	client.expect(250)
	client.send("RCPT TO:<r@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	// Lines beginning with dots arrive stuffed and must be delivered unstuffed.
	client.sendRaw([]byte("..one dot\r\n...two dots\r\nplain\r\n.\r\n"))
	client.expect(250)
	got := <-deliveries
	if got.body != ".one dot\r\n..two dots\r\nplain\r\n" {
		t.Fatalf("%q", got.body)
	}
}

func TestEhloAdvertisement(t *testing.T) {
	testRealm := realm.NewMemoryRealm()
	testRealm.AddUserPlaintext("alice", "s3cret")
	client, _ := startConversation(t, Config{Realm: testRealm})
	client.expect(220)
	client.send("EHLO test.client.com")
	msg := client.expect(250)
	for _, want := range []string{"SIZE", "PIPELINING", "8BITMIME", "SMTPUTF8", "CHUNKING", "AUTH CRAM-MD5 PLAIN LOGIN"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("EHLO response %q lacks %s", msg, want)
		}
	}
	if strings.Contains(msg, "STARTTLS") {
		t.Fatal("STARTTLS advertised without a TLS configuration")
	}
}

func TestSizeViolationRejectedBeforeBody(t *testing.T) {
	client, _ := startConversation(t, Config{})
	client.expect(220)
	client.send("EHLO test.client.com")
	client.expect(250)
	client.send(fmt.Sprintf("MAIL FROM:<big@example.com> SIZE=%d", DefaultLimits.MsgSize+1))
	client.expect(552)
	// The envelope never opened; RCPT is out of sequence.
	client.send("RCPT TO:<r@example.com>")
	client.expect(503)
}

func TestOutOfSequenceAndUnknown(t *testing.T) {
	client, _ := startConversation(t, Config{})
	client.expect(220)
	client.send("MAIL FROM:<a@example.com>")
	client.expect(503)
	client.send("FROBNICATE")
	client.expect(500)
	client.send("VRFY somebody")
	client.expect(252)
	client.send("NOOP")
	client.expect(250)
	client.send("RSET")
	client.expect(250)
}

func TestRecipientRejection(t *testing.T) {
	client, deliveries := startConversation(t, Config{})
	client.expect(220)
	client.send("EHLO c.example")
	client.expect(250)
	client.send("MAIL FROM:<s@example.com>")
	client.expect(250)
	client.send("RCPT TO:<nobody@reject.example>")
	client.expect(550)
	client.send("RCPT TO:<ok@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.sendRaw([]byte("hi\r\n.\r\n"))
	client.expect(250)
	got := <-deliveries
	if len(got.to) != 1 || got.to[0] != "ok@example.com" {
		t.Fatal(got.to)
	}
}

func TestChunkingBody(t *testing.T) {
	client, deliveries := startConversation(t, Config{})
	client.expect(220)
	client.send("EHLO c.example")
	client.expect(250)
	client.send("MAIL FROM:<s@example.com>")
	client.expect(250)
	client.send("RCPT TO:<r@example.com>")
	client.expect(250)
	client.sendRaw([]byte("BDAT 6\r\nHELLO\n"))
	client.expect(250)
	client.sendRaw([]byte("BDAT 6 LAST\r\nWORLD\n"))
	client.expect(250)
	got := <-deliveries
	if got.body != "HELLO\nWORLD\n" {
		t.Fatalf("%q", got.body)
	}
	// The transaction is over; the session is reusable.
	client.send("MAIL FROM:<again@example.com>")
	client.expect(250)
}

func TestBdatOversizedRejectedBeforeRead(t *testing.T) {
	client, _ := startConversation(t, Config{Limits: &Limits{
		IOTimeout: time.Minute,
		MsgSize:   1024,
		BadCmds:   16,
	}})
	client.expect(220)
	client.send("EHLO c.example")
	client.expect(250)
	client.send("MAIL FROM:<s@example.com>")
	client.expect(250)
	client.send("RCPT TO:<r@example.com>")
	client.expect(250)
	// The declared chunk dwarfs the message limit; the 552 must arrive without the
	// server ever waiting for (or allocating) the chunk octets.
	client.send("BDAT 4000000000 LAST")
	client.expect(552)
}

func TestBdatOutOfSequence(t *testing.T) {
	client, _ := startConversation(t, Config{})
	client.expect(220)
	client.send("EHLO c.example")
	client.expect(250)
	client.send("BDAT 5 LAST")
	client.expect(503)
}

func authPlain(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
}

func TestAuthPlainInitialResponse(t *testing.T) {
	testRealm := realm.NewMemoryRealm()
	if err := testRealm.AddUser("alice", "s3cret"); err != nil {
		t.Fatal(err)
	}
	client, deliveries := startConversation(t, Config{Realm: testRealm})
	client.expect(220)
	client.send("EHLO c.example")
	client.expect(250)
	client.send("AUTH PLAIN " + authPlain("alice", "s3cret"))
	client.expect(235)
	client.send("MAIL FROM:<alice@example.com>")
	client.expect(250)
	client.send("RCPT TO:<r@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.sendRaw([]byte("hi\r\n.\r\n"))
	client.expect(250)
	got := <-deliveries
	if got.principal != "alice" {
		t.Fatal(got.principal)
	}
}

func TestAuthPlainMultiRound(t *testing.T) {
	testRealm := realm.NewMemoryRealm()
	if err := testRealm.AddUser("alice", "s3cret"); err != nil {
		t.Fatal(err)
	}
	client, _ := startConversation(t, Config{Realm: testRealm})
	client.expect(220)
	client.send("EHLO c.example")
	client.expect(250)
	client.send("AUTH PLAIN")
	client.expect(334)
	client.send(authPlain("alice", "s3cret"))
	client.expect(235)
}

func TestAuthFailures(t *testing.T) {
	testRealm := realm.NewMemoryRealm()
	testRealm.AddUserPlaintext("alice", "s3cret")
	client, _ := startConversation(t, Config{Realm: testRealm})
	client.expect(220)
	client.send("EHLO c.example")
	client.expect(250)
	// Wrong password.
	client.send("AUTH PLAIN " + authPlain("alice", "wrong"))
	client.expect(535)
	// Unknown mechanism.
	client.send("AUTH GSSAPI")
	client.expect(504)
	// Cancelled exchange.
	client.send("AUTH CRAM-MD5")
	client.expect(334)
	client.send("*")
	client.expect(501)
	// Successful CRAM-MD5 afterwards.
	client.send("AUTH CRAM-MD5")
	challengeB64 := client.expect(334)
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		t.Fatal(err)
	}
	client.send(base64.StdEncoding.EncodeToString([]byte(realm.CRAMMD5Response("alice", "s3cret", string(challenge)))))
	client.expect(235)
}

// selfSignedTLS builds a throwaway server certificate for STARTTLS tests.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test.example"},
		DNSNames:     []string{"mx.test.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

func TestStartTLSThenResume(t *testing.T) {
	client, deliveries := startConversation(t, Config{TLSConfig: selfSignedTLS(t)})
	client.expect(220)
	client.send("EHLO test.client.com")
	msg := client.expect(250)
	if !strings.Contains(msg, "STARTTLS") {
		t.Fatal("STARTTLS not advertised")
	}
	client.send("STARTTLS")
	client.expect(220)

	tlsConn := tls.Client(client.conn, &tls.Config{InsecureSkipVerify: true})
	tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		t.Fatal(err)
	}
	tlsConn.SetDeadline(time.Time{})
	client.conn = tlsConn
	client.rdr = textproto.NewReader(bufio.NewReader(tlsConn))

	// Session state was forgotten: MAIL before the fresh EHLO is out of sequence.
	client.send("MAIL FROM:<early@example.com>")
	client.expect(503)
	// Capabilities are re-advertised over the encrypted channel, without STARTTLS.
	client.send("EHLO test.client.com")
	msg = client.expect(250)
	if strings.Contains(msg, "STARTTLS") {
		t.Fatal("STARTTLS advertised while TLS is on")
	}
	client.send("MAIL FROM:<sender@example.com>")
	client.expect(250)
	client.send("RCPT TO:<recipient@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.sendRaw([]byte("Subject: S\r\n\r\nB\r\n.\r\n"))
	client.expect(250)
	got := <-deliveries
	if !got.tlsActive {
		t.Fatal("delivery must be marked as TLS")
	}
	if got.body != "Subject: S\r\n\r\nB\r\n" {
		t.Fatalf("%q", got.body)
	}
}
