package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/humanproof/crypto"
	"github.com/opd-ai/humanproof/store"
)

const (
	testAPIKey      = "api-key-1"
	testFingerprint = "fp-hash-abc"
	testIP          = "203.0.113.7"
)

var testSecret = []byte("api-secret-1")

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(
		store.NewMemoryStore(5*time.Second, nil),
		store.NewMemoryStore(5*time.Second, nil),
		nil,
	)
}

func clientKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestHandshakeEstablishesSession(t *testing.T) {
	m := newTestManager(t)
	client := clientKeyPair(t)

	result, err := m.Handshake(testAPIKey, testSecret, client.PublicKeyBytes(), testFingerprint, testIP)
	require.NoError(t, err)

	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.ServerPublicKey)
	assert.Len(t, result.Nonce, 16)
	assert.True(t, crypto.VerifySignature(handshakeSigningInput(result), result.Signature, testSecret))

	sess, err := m.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, testAPIKey, sess.APIKeyID)
	assert.Len(t, sess.SharedSecret, 32)

	// The client derives the same secret from its side
	serverPub, err := crypto.ParsePublicKey(result.ServerPublicKey)
	require.NoError(t, err)
	clientSecret, err := crypto.DeriveSharedSecret(client.Private, serverPub)
	require.NoError(t, err)
	assert.Equal(t, sess.SharedSecret, clientSecret)
}

func TestHandshakeRejectsMalformedKey(t *testing.T) {
	m := newTestManager(t)

	cases := []struct {
		name string
		key  []byte
	}{
		{"Empty", nil},
		{"Garbage", []byte{0x01, 0x02, 0x03}},
		{"Off-curve", append([]byte{0x04}, make([]byte, 64)...)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Handshake(testAPIKey, testSecret, tc.key, testFingerprint, testIP)
			assert.ErrorIs(t, err, crypto.ErrInvalidKeyMaterial)
		})
	}
}

func TestHandshakeRotatesExistingSession(t *testing.T) {
	m := newTestManager(t)
	client := clientKeyPair(t)

	first, err := m.Handshake(testAPIKey, testSecret, client.PublicKeyBytes(), testFingerprint, testIP)
	require.NoError(t, err)

	second, err := m.Handshake(testAPIKey, testSecret, client.PublicKeyBytes(), testFingerprint, testIP)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	// Old session is gone, identity now resolves to the new one
	_, err = m.Get(first.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	sess, err := m.ForIdentity(testFingerprint, testIP, testAPIKey)
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, sess.ID)
}

func TestForIdentitySubnetBinding(t *testing.T) {
	m := newTestManager(t)
	client := clientKeyPair(t)

	_, err := m.Handshake(testAPIKey, testSecret, client.PublicKeyBytes(), testFingerprint, "203.0.113.7")
	require.NoError(t, err)

	// Same /24 resolves to the session
	sess, err := m.ForIdentity(testFingerprint, "203.0.113.200", testAPIKey)
	require.NoError(t, err)
	assert.NotNil(t, sess)

	// Different /24 does not
	_, err = m.ForIdentity(testFingerprint, "203.0.114.7", testAPIKey)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Different fingerprint does not
	_, err = m.ForIdentity("other-fp", "203.0.113.7", testAPIKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerifyBinding(t *testing.T) {
	m := newTestManager(t)
	client := clientKeyPair(t)

	result, err := m.Handshake(testAPIKey, testSecret, client.PublicKeyBytes(), testFingerprint, testIP)
	require.NoError(t, err)
	sess, err := m.Get(result.SessionID)
	require.NoError(t, err)

	assert.True(t, m.VerifyBinding(sess, testFingerprint, testIP))
	assert.True(t, m.VerifyBinding(sess, testFingerprint, "203.0.113.99"))
	assert.False(t, m.VerifyBinding(sess, "stolen-session-fp", testIP))
	assert.False(t, m.VerifyBinding(sess, testFingerprint, "198.51.100.7"))
}

func TestKeysForChallengeIndependence(t *testing.T) {
	m := newTestManager(t)
	client := clientKeyPair(t)

	result, err := m.Handshake(testAPIKey, testSecret, client.PublicKeyBytes(), testFingerprint, testIP)
	require.NoError(t, err)

	k1, err := m.KeysFor(result.SessionID, "challenge-1")
	require.NoError(t, err)
	k2, err := m.KeysFor(result.SessionID, "challenge-2")
	require.NoError(t, err)
	k1again, err := m.KeysFor(result.SessionID, "challenge-1")
	require.NoError(t, err)

	assert.Equal(t, k1.AESKey, k1again.AESKey)
	assert.NotEqual(t, k1.AESKey, k2.AESKey)
	assert.NotEqual(t, k1.HMACKey, k2.HMACKey)
}

func TestDestroyRemovesBinding(t *testing.T) {
	m := newTestManager(t)
	client := clientKeyPair(t)

	result, err := m.Handshake(testAPIKey, testSecret, client.PublicKeyBytes(), testFingerprint, testIP)
	require.NoError(t, err)

	m.Destroy(result.SessionID)

	_, err = m.Get(result.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.ForIdentity(testFingerprint, testIP, testAPIKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBindingKeySubnets(t *testing.T) {
	a := BindingKey("fp", "10.1.2.3", "k")
	b := BindingKey("fp", "10.1.2.250", "k")
	c := BindingKey("fp", "10.1.3.3", "k")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
