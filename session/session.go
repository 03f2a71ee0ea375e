// Package session implements the handshake and session lifecycle for the
// challenge engine. A session binds one client identity (device
// fingerprint, source subnet, API key) to an ECDH shared secret from
// which every challenge derives its own encryption keys.
package session

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// Session is one bound cryptographic context between a client identity
// and the engine. Key material lives only in process memory; the shared
// secret is never persisted.
type Session struct {
	ID              string
	APIKeyID        string
	FingerprintHash string
	ClientIP        string
	CreatedAt       time.Time
	ExpiresAt       time.Time

	ServerKey       *ecdh.PrivateKey
	ClientPublicKey *ecdh.PublicKey
	SharedSecret    []byte
}

// Expired reports whether the session's lifetime has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// BindingKey derives the identity key under which at most one live
// session may exist: SHA256(fingerprint hash | source subnet | API key).
// The subnet rather than the exact address is used so NAT churn within a
// /24 does not orphan a session.
func BindingKey(fingerprintHash, clientIP, apiKeyID string) string {
	h := sha256.New()
	h.Write([]byte(fingerprintHash))
	h.Write([]byte("|"))
	h.Write([]byte(subnetOf(clientIP)))
	h.Write([]byte("|"))
	h.Write([]byte(apiKeyID))
	return hex.EncodeToString(h.Sum(nil))
}

// subnetOf truncates an address to its /24 (IPv4) or /64 (IPv6) prefix.
// Unparseable input is used verbatim so a malformed address still maps
// to a stable key.
func subnetOf(clientIP string) string {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return clientIP
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return masked.String() + "/64"
}
