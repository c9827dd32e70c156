package realm

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

// UsernameCapture pairs a SASL mechanism server with the principal it authenticated.
// The go-sasl servers do not expose the user name, hence the daemons obtain their
// servers through this wrapper.
type UsernameCapture struct {
	sasl.Server
	Username string
}

// CaptureSASLServer builds a SASL server for the mechanism, verifying against the
// realm and recording the authenticated user name for session bookkeeping. PLAIN and
// LOGIN come from go-sasl; CRAM-MD5 is served locally because it needs the realm's
// plaintext secrets.
func CaptureSASLServer(realm Realm, mechanism, hostname string) (*UsernameCapture, error) {
	capture := &UsernameCapture{}
	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		capture.Server = sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return fmt.Errorf("authorization identity %q is not supported", identity)
			}
			if !realm.Verify(username, password) {
				return fmt.Errorf("authentication failed")
			}
			capture.Username = username
			return nil
		})
	case sasl.Login:
		capture.Server = sasl.NewLoginServer(func(username, password string) error {
			if !realm.Verify(username, password) {
				return fmt.Errorf("authentication failed")
			}
			capture.Username = username
			return nil
		})
	case "CRAM-MD5":
		capture.Server = &cramMD5Server{realm: realm, hostname: hostname, capture: capture}
	default:
		return nil, fmt.Errorf("unsupported mechanism %q", mechanism)
	}
	return capture, nil
}

// cramMD5Server serves the RFC 2195 challenge-response exchange.
type cramMD5Server struct {
	realm     Realm
	hostname  string
	capture   *UsernameCapture
	challenge string
}

func (server *cramMD5Server) Next(response []byte) ([]byte, bool, error) {
	if server.challenge == "" {
		var nonce [8]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, false, err
		}
		server.challenge = fmt.Sprintf("<%d.%d@%s>",
			binary.BigEndian.Uint64(nonce[:]), time.Now().Unix(), server.hostname)
		return []byte(server.challenge), false, nil
	}
	fields := strings.SplitN(string(response), " ", 2)
	if len(fields) != 2 {
		return nil, false, fmt.Errorf("malformed CRAM-MD5 response")
	}
	username := fields[0]
	secret, ok := server.realm.PlaintextSecret(username)
	if !ok {
		return nil, false, fmt.Errorf("authentication failed")
	}
	expected := CRAMMD5Response(username, secret, server.challenge)
	if expected != string(response) {
		return nil, false, fmt.Errorf("authentication failed")
	}
	if server.capture != nil {
		server.capture.Username = username
	}
	return nil, true, nil
}
