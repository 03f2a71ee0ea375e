package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/crypto"
	"github.com/opd-ai/humanproof/store"
)

// SessionLifetime is how long a session stays valid after its handshake.
const SessionLifetime = 30 * time.Minute

// HandshakeResult is the server half of the key exchange returned to the
// client.
type HandshakeResult struct {
	SessionID       string `json:"sessionId"`
	ServerPublicKey []byte `json:"serverPublicKey"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           []byte `json:"nonce"`
	Signature       []byte `json:"signature"`
}

// Manager owns session creation, lookup and per-challenge key
// derivation. Sessions live in a TTL store; the binding index maps each
// client identity to its single live session.
type Manager struct {
	sessions     store.Store
	bindings     store.Store
	timeProvider crypto.TimeProvider
}

// NewManager creates a session manager over the given stores. Pass nil
// for timeProvider to use the wall clock.
func NewManager(sessions, bindings store.Store, timeProvider crypto.TimeProvider) *Manager {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}
	return &Manager{
		sessions:     sessions,
		bindings:     bindings,
		timeProvider: timeProvider,
	}
}

// Handshake performs ECDH key agreement with the client. The client's
// public key must be an uncompressed P-256 point; anything else is
// rejected with crypto.ErrInvalidKeyMaterial. A repeated handshake for
// an identity that already holds a session rotates it: the old session
// is destroyed and replaced.
//
// The returned signature is HMAC-SHA256 over serverPublicKey | sessionId
// | nonce | timestamp under the API key secret, letting the client
// confirm it is talking to a holder of that secret.
func (m *Manager) Handshake(apiKeyID string, apiSecret []byte, clientPubBytes []byte, fingerprintHash, clientIP string) (*HandshakeResult, error) {
	clientPub, err := crypto.ParsePublicKey(clientPubBytes)
	if err != nil {
		return nil, err
	}

	serverKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	sharedSecret, err := crypto.DeriveSharedSecret(serverKey.Private, clientPub)
	if err != nil {
		return nil, err
	}

	now := m.timeProvider.Now()
	sess := &Session{
		ID:              uuid.New().String(),
		APIKeyID:        apiKeyID,
		FingerprintHash: fingerprintHash,
		ClientIP:        clientIP,
		CreatedAt:       now,
		ExpiresAt:       now.Add(SessionLifetime),
		ServerKey:       serverKey.Private,
		ClientPublicKey: clientPub,
		SharedSecret:    sharedSecret,
	}

	bindingKey := BindingKey(fingerprintHash, clientIP, apiKeyID)

	// Rotate any existing session for this identity.
	if prev, err := m.bindings.Get(bindingKey); err == nil {
		if prevID, ok := prev.(string); ok {
			m.destroy(prevID)
			logrus.WithFields(logrus.Fields{
				"function":    "Handshake",
				"old_session": prevID,
				"new_session": sess.ID,
			}).Info("Rotated existing session for identity")
		}
	}

	m.sessions.Put(sess.ID, sess, SessionLifetime)
	m.bindings.Put(bindingKey, sess.ID, SessionLifetime)

	nonce, err := crypto.SecureRandomBytes(16)
	if err != nil {
		return nil, err
	}

	serverPub := serverKey.PublicKeyBytes()
	result := &HandshakeResult{
		SessionID:       sess.ID,
		ServerPublicKey: serverPub,
		Timestamp:       now.Unix(),
		Nonce:           nonce,
	}
	result.Signature = crypto.Sign(handshakeSigningInput(result), apiSecret)

	logrus.WithFields(logrus.Fields{
		"function":   "Handshake",
		"session_id": sess.ID,
		"api_key_id": apiKeyID,
	}).Info("Session established")

	return result, nil
}

func handshakeSigningInput(r *HandshakeResult) []byte {
	buf := make([]byte, 0, len(r.ServerPublicKey)+len(r.SessionID)+len(r.Nonce)+8)
	buf = append(buf, r.ServerPublicKey...)
	buf = append(buf, []byte(r.SessionID)...)
	buf = append(buf, r.Nonce...)
	buf = append(buf, []byte(fmt.Sprintf("%d", r.Timestamp))...)
	return buf
}

// Get returns the live session for id, or store.ErrNotFound. Sessions
// past their lifetime are treated as absent even before the sweep runs.
func (m *Manager) Get(id string) (*Session, error) {
	rec, err := m.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess, ok := rec.(*Session)
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.Expired(m.timeProvider.Now()) {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// ForIdentity returns the live session bound to the given identity, or
// store.ErrNotFound when none exists. The engine uses this to enforce
// mandatory encryption: if this returns a session, plaintext requests
// from the identity are refused.
func (m *Manager) ForIdentity(fingerprintHash, clientIP, apiKeyID string) (*Session, error) {
	rec, err := m.bindings.Get(BindingKey(fingerprintHash, clientIP, apiKeyID))
	if err != nil {
		return nil, err
	}
	id, ok := rec.(string)
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Get(id)
}

// VerifyBinding checks that the identity presenting a session matches
// the identity that performed its handshake. A fingerprint change or a
// move outside the source subnet fails the check.
func (m *Manager) VerifyBinding(sess *Session, fingerprintHash, clientIP string) bool {
	return BindingKey(fingerprintHash, clientIP, sess.APIKeyID) ==
		BindingKey(sess.FingerprintHash, sess.ClientIP, sess.APIKeyID)
}

// KeysFor derives the AES and HMAC keys for one challenge within a
// session. Distinct challenges yield independent keys, so disclosing one
// challenge's keys compromises nothing else.
func (m *Manager) KeysFor(sessionID, challengeID string) (*crypto.ChallengeKeys, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveChallengeKeys(sess.SharedSecret, challengeID)
}

// Destroy removes a session and its identity binding.
func (m *Manager) Destroy(id string) {
	m.destroy(id)
}

func (m *Manager) destroy(id string) {
	rec, err := m.sessions.Get(id)
	if err == nil {
		if sess, ok := rec.(*Session); ok {
			crypto.ZeroBytes(sess.SharedSecret)
			m.bindings.Delete(BindingKey(sess.FingerprintHash, sess.ClientIP, sess.APIKeyID))
		}
	}
	m.sessions.Delete(id)
}
