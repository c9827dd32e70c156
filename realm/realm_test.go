package realm

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRealmVerify(t *testing.T) {
	realm := NewMemoryRealm()
	require.NoError(t, realm.AddUser("alice", "s3cret"))
	realm.AddUserPlaintext("bob", "hunter2")

	assert.True(t, realm.Verify("alice", "s3cret"))
	assert.False(t, realm.Verify("alice", "wrong"))
	assert.True(t, realm.Verify("bob", "hunter2"))
	assert.False(t, realm.Verify("nobody", "x"))

	_, ok := realm.PlaintextSecret("alice")
	assert.False(t, ok, "bcrypt users have no retrievable secret")
	secret, ok := realm.PlaintextSecret("bob")
	require.True(t, ok)
	assert.Equal(t, "hunter2", secret)
}

func TestMechanismAdvertisement(t *testing.T) {
	realm := NewMemoryRealm()
	require.NoError(t, realm.AddUser("alice", "x"))
	assert.Equal(t, []string{"PLAIN", "LOGIN"}, realm.Mechanisms())
	realm.AddUserPlaintext("bob", "y")
	assert.Equal(t, []string{"CRAM-MD5", "PLAIN", "LOGIN"}, realm.Mechanisms())
}

func TestVerifyAPOP(t *testing.T) {
	realm := NewMemoryRealm()
	realm.AddUserPlaintext("alice", "s3cret")
	timestamp := "<1896.697170952@dbc.mtview.ca.us>"
	sum := md5.Sum([]byte(timestamp + "s3cret"))
	digest := hex.EncodeToString(sum[:])
	assert.True(t, VerifyAPOP(realm, "alice", timestamp, digest))
	assert.False(t, VerifyAPOP(realm, "alice", timestamp, "0123"))
	assert.False(t, VerifyAPOP(realm, "nobody", timestamp, digest))
}

func TestSASLServers(t *testing.T) {
	realm := NewMemoryRealm()
	realm.AddUserPlaintext("alice", "s3cret")

	plain, err := CaptureSASLServer(realm, "PLAIN", "host.example")
	require.NoError(t, err)
	_, done, err := plain.Next([]byte("\x00alice\x00s3cret"))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "alice", plain.Username)

	plain, err = CaptureSASLServer(realm, "PLAIN", "host.example")
	require.NoError(t, err)
	_, _, err = plain.Next([]byte("\x00alice\x00wrong"))
	assert.Error(t, err)

	_, err = CaptureSASLServer(realm, "GSSAPI", "host.example")
	assert.Error(t, err)
}

func TestCRAMMD5Exchange(t *testing.T) {
	realm := NewMemoryRealm()
	realm.AddUserPlaintext("alice", "s3cret")
	server, err := CaptureSASLServer(realm, "CRAM-MD5", "host.example")
	require.NoError(t, err)

	challenge, done, err := server.Next(nil)
	require.NoError(t, err)
	require.False(t, done)
	require.NotEmpty(t, challenge)

	response := CRAMMD5Response("alice", "s3cret", string(challenge))
	_, done, err = server.Next([]byte(response))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "alice", server.Username)
}

func TestCRAMMD5BadResponse(t *testing.T) {
	realm := NewMemoryRealm()
	realm.AddUserPlaintext("alice", "s3cret")
	server, err := CaptureSASLServer(realm, "CRAM-MD5", "host.example")
	require.NoError(t, err)
	_, _, err = server.Next(nil)
	require.NoError(t, err)
	_, _, err = server.Next([]byte("alice deadbeef"))
	assert.Error(t, err)
}
