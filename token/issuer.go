package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/crypto"
	"github.com/opd-ai/humanproof/store"
)

// Issuer creates and consumes challenge tokens and issues verification
// tokens. It owns no policy; lifetimes come from the caller's
// configuration.
type Issuer struct {
	challengeTokens store.Store
	attempts        store.MarkerStore
	timeProvider    crypto.TimeProvider
}

// NewIssuer creates an issuer over the given stores. Pass nil for
// timeProvider to use the wall clock.
func NewIssuer(challengeTokens store.Store, attempts store.MarkerStore, timeProvider crypto.TimeProvider) *Issuer {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}
	return &Issuer{
		challengeTokens: challengeTokens,
		attempts:        attempts,
		timeProvider:    timeProvider,
	}
}

// IssueChallengeToken records the internal token binding future solve
// attempts to a freshly generated challenge.
func (i *Issuer) IssueChallengeToken(challengeID, sessionID, apiKeyID string, encrypted bool, ttl time.Duration) *ChallengeToken {
	now := i.timeProvider.Now()
	t := &ChallengeToken{
		ChallengeID: challengeID,
		SessionID:   sessionID,
		APIKeyID:    apiKeyID,
		Encrypted:   encrypted,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	i.challengeTokens.Put(challengeID, t, ttl)
	return t
}

// ConsumeChallengeToken binds a solve attempt to its challenge: the
// token must exist, be inside lifetime+grace, and not have been consumed
// by an earlier attempt. Consumption happens through the marker store's
// atomic transition, so two racing submissions see exactly one
// acceptance.
func (i *Issuer) ConsumeChallengeToken(challengeID string, grace, markerTTL time.Duration) (*ChallengeToken, error) {
	rec, err := i.challengeTokens.Get(challengeID)
	if err != nil {
		return nil, ErrTokenExpired
	}
	t, ok := rec.(*ChallengeToken)
	if !ok {
		return nil, ErrTokenExpired
	}
	if t.Expired(i.timeProvider.Now(), grace) {
		return nil, ErrTokenExpired
	}

	first, err := i.attempts.CheckAndMark("attempt:"+challengeID, markerTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge token: %w", err)
	}
	if !first {
		logrus.WithFields(logrus.Fields{
			"function":     "ConsumeChallengeToken",
			"challenge_id": challengeID,
		}).Warn("Attempt replay: challenge token already consumed")
		return nil, ErrAttemptAlreadyBound
	}

	return t, nil
}

// IssueVerificationToken signs a verification token with the API key
// secret and returns its wire form. Issued only after a submission
// validated; the issuer does not re-check that.
func (i *Issuer) IssueVerificationToken(t *VerificationToken, apiSecret []byte) (string, error) {
	payload, err := t.signingInput()
	if err != nil {
		return "", fmt.Errorf("failed to encode verification token: %w", err)
	}
	signature := crypto.Sign(payload, apiSecret)

	logrus.WithFields(logrus.Fields{
		"function":     "IssueVerificationToken",
		"challenge_id": t.ChallengeID,
		"domain":       t.Domain,
	}).Info("Verification token issued")

	return encode(payload, signature), nil
}

// Validator redeems verification tokens. Redemption is single-use: the
// used transition and its check are one atomic marker-store call, so
// concurrent redemptions of one token yield exactly one success.
type Validator struct {
	redemptions  store.MarkerStore
	timeProvider crypto.TimeProvider
}

// NewValidator creates a validator over the given marker store. Pass
// nil for timeProvider to use the wall clock.
func NewValidator(redemptions store.MarkerStore, timeProvider crypto.TimeProvider) *Validator {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}
	return &Validator{redemptions: redemptions, timeProvider: timeProvider}
}

// Redeem verifies and consumes a verification token. Checks run in
// fixed order: decode, signature, expiry+grace, domain, then the atomic
// used transition. A replayed token fails with ErrTokenAlreadyUsed no
// matter how valid it otherwise is.
func (v *Validator) Redeem(tokenStr string, apiSecret []byte, wantDomain string, grace, markerTTL time.Duration) (*VerificationToken, error) {
	payload, signature, err := decode(tokenStr)
	if err != nil {
		return nil, err
	}

	if !crypto.VerifySignature(payload, signature, apiSecret) {
		logrus.WithFields(logrus.Fields{
			"function": "Redeem",
		}).Warn("Verification token signature mismatch")
		return nil, ErrSignatureInvalid
	}

	var t VerificationToken
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	now := v.timeProvider.Now()
	expiry := time.UnixMilli(t.ExpiresAt).Add(grace)
	if now.After(expiry) {
		return nil, ErrTokenExpired
	}

	if wantDomain != "" && t.Domain != wantDomain {
		return nil, ErrDomainMismatch
	}

	first, err := v.redemptions.CheckAndMark("redeem:"+t.ChallengeID, markerTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to redeem token: %w", err)
	}
	if !first {
		logrus.WithFields(logrus.Fields{
			"function":     "Redeem",
			"challenge_id": t.ChallengeID,
		}).Warn("Redemption replay rejected")
		return nil, ErrTokenAlreadyUsed
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Redeem",
		"challenge_id": t.ChallengeID,
		"domain":       t.Domain,
	}).Info("Verification token redeemed")

	return &t, nil
}
