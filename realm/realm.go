// Package realm answers the authentication questions of the protocol daemons: plain
// name/password verification, SASL mechanism serving, and the digest schemes (APOP,
// CRAM-MD5) that need access to stored plaintext secrets.
package realm

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Realm is the credential store consulted by the SMTP and POP3 daemons.
type Realm interface {
	// Verify checks a name and password pair.
	Verify(name, password string) bool
	// PlaintextSecret returns the stored secret of the user for digest schemes.
	// The second return value is false when the realm only holds hashed passwords
	// for the user, in which case APOP and CRAM-MD5 are unavailable.
	PlaintextSecret(name string) (secret string, ok bool)
	// Mechanisms lists the SASL mechanism names the realm can serve, strongest first.
	Mechanisms() []string
}

type memoryEntry struct {
	bcryptHash []byte
	plaintext  string
	hasPlain   bool
}

// MemoryRealm is an in-memory credential store. Users added with AddUser are stored
// as bcrypt hashes; users added with AddUserPlaintext additionally support APOP and
// CRAM-MD5.
type MemoryRealm struct {
	mutex sync.RWMutex
	users map[string]memoryEntry
}

// NewMemoryRealm constructs an empty store.
func NewMemoryRealm() *MemoryRealm {
	return &MemoryRealm{users: make(map[string]memoryEntry)}
}

// AddUser stores a user with a bcrypt-hashed password.
func (realm *MemoryRealm) AddUser(name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("realm.AddUser: %w", err)
	}
	realm.mutex.Lock()
	defer realm.mutex.Unlock()
	realm.users[name] = memoryEntry{bcryptHash: hash}
	return nil
}

// AddUserPlaintext stores a user with a retrievable secret, enabling digest schemes.
func (realm *MemoryRealm) AddUserPlaintext(name, secret string) {
	realm.mutex.Lock()
	defer realm.mutex.Unlock()
	realm.users[name] = memoryEntry{plaintext: secret, hasPlain: true}
}

func (realm *MemoryRealm) Verify(name, password string) bool {
	realm.mutex.RLock()
	entry, exists := realm.users[name]
	realm.mutex.RUnlock()
	if !exists {
		return false
	}
	if entry.hasPlain {
		return subtle.ConstantTimeCompare([]byte(entry.plaintext), []byte(password)) == 1
	}
	return bcrypt.CompareHashAndPassword(entry.bcryptHash, []byte(password)) == nil
}

func (realm *MemoryRealm) PlaintextSecret(name string) (string, bool) {
	realm.mutex.RLock()
	defer realm.mutex.RUnlock()
	entry, exists := realm.users[name]
	if !exists || !entry.hasPlain {
		return "", false
	}
	return entry.plaintext, true
}

// Mechanisms advertises CRAM-MD5 ahead of the clear-text mechanisms when any user
// could complete it.
func (realm *MemoryRealm) Mechanisms() []string {
	realm.mutex.RLock()
	defer realm.mutex.RUnlock()
	for _, entry := range realm.users {
		if entry.hasPlain {
			return []string{"CRAM-MD5", "PLAIN", "LOGIN"}
		}
	}
	return []string{"PLAIN", "LOGIN"}
}

// VerifyAPOP checks an APOP digest: the hex MD5 of the greeting timestamp concatenated
// with the user's secret.
func VerifyAPOP(realm Realm, name, timestamp, digest string) bool {
	secret, ok := realm.PlaintextSecret(name)
	if !ok {
		return false
	}
	sum := md5.Sum([]byte(timestamp + secret))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) == 1
}

// CRAMMD5Response computes the client response to a CRAM-MD5 challenge.
func CRAMMD5Response(name, secret, challenge string) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(challenge))
	return name + " " + hex.EncodeToString(mac.Sum(nil))
}
