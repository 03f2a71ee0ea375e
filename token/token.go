// Package token manages the engine's two-token lifecycle.
//
// The internal challenge token binds one solve attempt to the challenge
// it was issued for and never leaves the engine boundary. The public
// verification token proves a successful solve to the integrating
// backend and is redeemable exactly once. Both share the same state
// machine: Issued, then exactly one of RedeemedSuccess, ReplayRejected
// or Expired; expiry is inferred from timestamps at read time, not
// stored as a transition.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTokenExpired indicates the token's lifetime plus grace elapsed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenAlreadyUsed indicates a redemption-level replay: the token
	// was already redeemed once.
	ErrTokenAlreadyUsed = errors.New("token already used")
	// ErrSignatureInvalid indicates the token's HMAC does not verify
	// under the API key secret.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrMalformedToken indicates the token string could not be decoded.
	ErrMalformedToken = errors.New("malformed token")
	// ErrDomainMismatch indicates redemption for a different domain than
	// the token was issued for.
	ErrDomainMismatch = errors.New("token domain mismatch")
	// ErrAttemptAlreadyBound indicates an attempt-level replay: the
	// challenge token was already consumed by an earlier submission.
	ErrAttemptAlreadyBound = errors.New("challenge token already consumed")
)

// ChallengeToken is the internal credential created at challenge
// generation time. It is consumed exactly once when a solve attempt is
// accepted for processing, regardless of whether that attempt then
// validates; the Challenge's own used latch guards the answer
// separately.
type ChallengeToken struct {
	ChallengeID string
	SessionID   string
	APIKeyID    string
	Encrypted   bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the token's lifetime plus grace elapsed at now.
func (t *ChallengeToken) Expired(now time.Time, grace time.Duration) bool {
	return now.After(t.ExpiresAt.Add(grace))
}

// VerificationToken is the public credential handed to the integrating
// website's backend after a successful solve. It carries no solve
// secret, so it is signed rather than encrypted.
type VerificationToken struct {
	ChallengeID       string `json:"challengeId"`
	Domain            string `json:"domain"`
	IssuedAt          int64  `json:"timestamp"` // unix milliseconds
	ExpiresAt         int64  `json:"expiresAt"` // unix milliseconds
	HashedIP          string `json:"hashedIp"`
	HashedFingerprint string `json:"hashedFingerprint"`
	RiskScore         int    `json:"riskScore"`
	SolveTimeMs       int64  `json:"solveTimeMs"`
}

// signingInput is the byte string the HMAC covers: the canonical JSON
// encoding of the payload.
func (t *VerificationToken) signingInput() ([]byte, error) {
	return json.Marshal(t)
}

// encode packs payload and signature into the wire form
// base64url(payload) "." base64url(signature).
func encode(payload, signature []byte) string {
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(signature)
}

// decode splits and unpacks a wire-form token.
func decode(s string) (payload, signature []byte, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return nil, nil, ErrMalformedToken
	}
	payload, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	signature, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return payload, signature, nil
}
