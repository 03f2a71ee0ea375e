package humanproof

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/challenge"
	"github.com/opd-ai/humanproof/config"
	"github.com/opd-ai/humanproof/crypto"
	"github.com/opd-ai/humanproof/risk"
	"github.com/opd-ai/humanproof/session"
	"github.com/opd-ai/humanproof/store"
	"github.com/opd-ai/humanproof/token"
)

// Credentials resolves an API key id to its secret. Implemented by the
// integrating deployment's key management.
type Credentials interface {
	SecretFor(apiKeyID string) ([]byte, error)
}

// StaticCredentials is a fixed key-to-secret map, sufficient for tests
// and single-tenant deployments.
type StaticCredentials map[string]string

// SecretFor returns the secret for apiKeyID.
func (c StaticCredentials) SecretFor(apiKeyID string) ([]byte, error) {
	secret, ok := c[apiKeyID]
	if !ok {
		return nil, errors.New("unknown API key")
	}
	return []byte(secret), nil
}

// Options configures optional engine collaborators. Zero values get
// sensible defaults; Credentials is required.
type Options struct {
	Credentials Credentials
	// Scorer supplies externally computed risk signals. Defaults to a
	// zero-score static scorer.
	Scorer risk.Scorer
	// Redemptions overrides the used-token marker store, e.g. with the
	// sqlite-backed implementation for durability across restarts.
	Redemptions store.MarkerStore
	// TimeProvider overrides the clock for deterministic tests.
	TimeProvider crypto.TimeProvider
}

// Engine is the encrypted challenge-response verification core. One
// Engine serves many concurrent identities; all shared state lives in
// the TTL stores, whose check-and-mark transitions carry the
// single-use guarantees.
type Engine struct {
	cfg          *config.Config
	creds        Credentials
	scorer       risk.Scorer
	timeProvider crypto.TimeProvider

	sessions   *session.Manager
	generator  *challenge.Generator
	challenges store.Store
	answers    store.MarkerStore
	issuer     *token.Issuer
	redeemer   *token.Validator
	scheduler  *store.Scheduler
}

// New assembles an engine from its configuration and collaborators and
// starts the cleanup scheduler. Call Close when done.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Credentials == nil {
		return nil, errors.New("credentials resolver is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = risk.StaticScorer{}
	}

	sessions := store.NewMemoryStore(cfg.Grace, tp)
	bindings := store.NewMemoryStore(cfg.Grace, tp)
	challenges := store.NewMemoryStore(cfg.Grace+cfg.SweepBuffer, tp)
	challengeTokens := store.NewMemoryStore(cfg.Grace, tp)
	attempts := store.NewMemoryMarkerStore(tp)
	answers := store.NewMemoryMarkerStore(tp)

	redemptions := opts.Redemptions
	if redemptions == nil {
		redemptions = store.NewMemoryMarkerStore(tp)
	}

	scheduler := store.NewScheduler(cfg.CleanupInterval, tp)
	scheduler.Register("sessions", sessions)
	scheduler.Register("bindings", bindings)
	scheduler.Register("challenges", challenges)
	scheduler.Register("challenge_tokens", challengeTokens)
	scheduler.Register("attempt_markers", attempts)
	scheduler.Register("answer_markers", answers)
	scheduler.Register("redemption_markers", redemptions)
	scheduler.Start()

	return &Engine{
		cfg:          cfg,
		creds:        opts.Credentials,
		scorer:       scorer,
		timeProvider: tp,
		sessions:     session.NewManager(sessions, bindings, tp),
		generator:    challenge.NewGenerator(cfg),
		challenges:   challenges,
		answers:      answers,
		issuer:       token.NewIssuer(challengeTokens, attempts, tp),
		redeemer:     token.NewValidator(redemptions, tp),
		scheduler:    scheduler,
	}, nil
}

// Close stops the background cleanup scheduler.
func (e *Engine) Close() {
	e.scheduler.Stop()
}

// HandshakeRequest is the client half of the session key exchange.
type HandshakeRequest struct {
	APIKeyID        string `json:"apiKeyId"`
	ClientPublicKey []byte `json:"clientPublicKey"`
	FingerprintHash string `json:"fingerprint"`
	ClientIP        string `json:"clientIp"`
}

// Handshake performs ECDH key agreement and establishes (or rotates)
// the identity's session.
func (e *Engine) Handshake(req HandshakeRequest) (*session.HandshakeResult, error) {
	secret, err := e.creds.SecretFor(req.APIKeyID)
	if err != nil {
		return nil, newError(CodeUnauthorized, "unknown API key", err)
	}

	result, err := e.sessions.Handshake(req.APIKeyID, secret, req.ClientPublicKey, req.FingerprintHash, req.ClientIP)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidKeyMaterial) {
			return nil, newError(CodeInvalidKeyMaterial, "client public key rejected", err)
		}
		return nil, newError(CodeServiceError, "handshake failed", err)
	}
	return result, nil
}

// IssueChallengeRequest asks for a new challenge.
type IssueChallengeRequest struct {
	APIKeyID        string `json:"apiKeyId"`
	Type            string `json:"type,omitempty"` // empty lets the risk policy choose
	Domain          string `json:"domain"`
	SessionID       string `json:"sessionId,omitempty"` // empty requests the plaintext fallback
	FingerprintHash string `json:"fingerprint"`
	ClientIP        string `json:"clientIp"`
}

// IssueChallengeResponse returns the public geometry plus, when a
// session exists, the render config encrypted under the challenge keys.
type IssueChallengeResponse struct {
	ChallengeID string                   `json:"challengeId"`
	Type        challenge.Modality       `json:"type"`
	Geometry    challenge.Geometry       `json:"geometry"`
	Encrypted   *crypto.EncryptedPayload `json:"encrypted,omitempty"`
	PlainConfig *RenderConfig            `json:"plainConfig,omitempty"`
	ExpiresAt   int64                    `json:"expiresAt"`
}

// RenderConfig is the solver-facing secret half of a challenge: what to
// display or play, never the coordinates to click. It travels encrypted
// whenever a session exists.
type RenderConfig struct {
	TargetNames []string         `json:"targetNames,omitempty"`
	Ordered     bool             `json:"ordered"`
	Inverted    map[string]bool  `json:"inverted,omitempty"`
	Slot        *challenge.Point `json:"slot,omitempty"`
	Tolerance   float64          `json:"tolerance"`
}

// IssueChallenge generates a challenge for the requesting identity.
// Difficulty and, absent an explicit request, modality follow the risk
// policy. Encryption is never client-selectable: when the identity
// holds a session the request must present it, and upside-down
// challenges refuse to exist without one.
func (e *Engine) IssueChallenge(req IssueChallengeRequest) (*IssueChallengeResponse, error) {
	if _, err := e.creds.SecretFor(req.APIKeyID); err != nil {
		return nil, newError(CodeUnauthorized, "unknown API key", err)
	}

	signals, err := e.scorer.Score(risk.RequestContext{
		APIKeyID:        req.APIKeyID,
		ClientIP:        req.ClientIP,
		FingerprintHash: req.FingerprintHash,
	})
	if err != nil {
		// The reputation backend being down must not take challenge
		// issuance with it; fall back to the cautious middle tier.
		logrus.WithFields(logrus.Fields{
			"function": "IssueChallenge",
			"error":    err.Error(),
		}).Warn("Risk scorer unavailable, assuming medium risk")
		signals = risk.Signals{Score: 50}
	}

	tier, err := risk.Resolve(signals, e.cfg)
	if err != nil {
		return nil, newError(CodeRiskRefused, "challenge issuance refused", err)
	}

	modality := challenge.Modality(req.Type)
	if req.Type == "" {
		modality = challenge.Modality(risk.PreferredModality(tier, e.cfg))
	}
	if !modality.Valid() {
		return nil, newError(CodeMalformedPayload, fmt.Sprintf("unknown challenge type %q", req.Type), nil)
	}
	if !e.cfg.TypeEnabled(string(modality)) {
		return nil, newError(CodeTypeDisabled, fmt.Sprintf("challenge type %q not enabled", modality), nil)
	}

	// Mandatory encryption: an identity that completed a handshake may
	// not fall back to plaintext.
	sess, err := e.resolveSession(req)
	if err != nil {
		return nil, err
	}
	if sess == nil && modality == challenge.ModalityUpsideDown {
		return nil, newError(CodeEncryptionRequired, "upside-down challenges require an encrypted session", nil)
	}

	gen, err := e.generator.Generate(modality, e.cfg.TargetCount(tier))
	if err != nil {
		return nil, newError(CodeServiceError, "challenge generation failed", err)
	}

	now := e.timeProvider.Now()
	record := &challenge.Record{
		ID:        gen.ID,
		Type:      gen.Type,
		APIKeyID:  req.APIKeyID,
		SessionID: req.SessionID,
		Domain:    req.Domain,
		Geometry:  gen.Geometry,
		RiskScore: signals.Score,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.ChallengeTimeout),
	}

	response := &IssueChallengeResponse{
		ChallengeID: gen.ID,
		Type:        gen.Type,
		Geometry:    gen.Geometry,
		ExpiresAt:   record.ExpiresAt.UnixMilli(),
	}

	renderCfg := &RenderConfig{
		TargetNames: gen.Answer.TargetNames(),
		Ordered:     gen.Answer.Ordered,
		Inverted:    gen.Answer.Inverted,
		Tolerance:   gen.Geometry.Tolerance,
	}
	if gen.Type == challenge.ModalityJigsaw {
		p := gen.Answer.Targets[0].Point()
		renderCfg.Slot = &p
	}

	if sess != nil {
		keys, err := e.sessions.KeysFor(sess.ID, gen.ID)
		if err != nil {
			return nil, newError(CodeServiceError, "key derivation failed", err)
		}
		defer keys.Zeroize()

		record.EncryptedAnswer, err = e.encryptAnswer(gen.Answer, keys.AESKey, gen.ID)
		if err != nil {
			return nil, newError(CodeServiceError, "answer encryption failed", err)
		}
		response.Encrypted, err = e.encryptRenderConfig(renderCfg, keys.AESKey, gen.ID)
		if err != nil {
			return nil, newError(CodeServiceError, "config encryption failed", err)
		}
	} else {
		// First contact: no session yet, plaintext fallback.
		record.PlainAnswer = gen.Answer
		response.PlainConfig = renderCfg
	}

	ttl := e.cfg.ChallengeTimeout + e.cfg.Grace + e.cfg.SweepBuffer
	e.challenges.Put(gen.ID, record, ttl)
	e.issuer.IssueChallengeToken(gen.ID, req.SessionID, req.APIKeyID, sess != nil, e.cfg.ChallengeTimeout)

	logrus.WithFields(logrus.Fields{
		"function":     "IssueChallenge",
		"challenge_id": gen.ID,
		"type":         string(gen.Type),
		"tier":         string(tier),
		"encrypted":    sess != nil,
	}).Info("Challenge issued")

	return response, nil
}

// resolveSession maps the request's session claim against the
// identity's actual session state, enforcing the encryption mandate.
func (e *Engine) resolveSession(req IssueChallengeRequest) (*session.Session, error) {
	live, liveErr := e.sessions.ForIdentity(req.FingerprintHash, req.ClientIP, req.APIKeyID)

	if req.SessionID == "" {
		if liveErr == nil && live != nil {
			return nil, newError(CodeEncryptionRequired, "identity holds a session, plaintext refused", nil)
		}
		return nil, nil
	}

	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, newError(CodeSessionMismatch, "session not found or expired", err)
	}
	if !e.sessions.VerifyBinding(sess, req.FingerprintHash, req.ClientIP) {
		return nil, newError(CodeSessionMismatch, "identity does not match session binding", nil)
	}
	return sess, nil
}

// SubmitSolutionRequest carries a solve attempt. Encrypted submissions
// hold a JSON-encoded submission inside the AEAD payload; Points is the
// plaintext fallback for challenges issued without a session.
type SubmitSolutionRequest struct {
	APIKeyID        string                   `json:"apiKeyId"`
	ChallengeID     string                   `json:"challengeId"`
	FingerprintHash string                   `json:"fingerprint"`
	ClientIP        string                   `json:"clientIp"`
	Encrypted       *crypto.EncryptedPayload `json:"encrypted,omitempty"`
	Points          []challenge.Point        `json:"points,omitempty"`
}

// submission is the decrypted submission body.
type submission struct {
	Points []challenge.Point `json:"points"`
}

// SubmitSolutionResponse reports the attempt outcome. On success the
// verification token is the caller's proof for the integrating backend.
type SubmitSolutionResponse struct {
	Success           bool   `json:"success"`
	VerificationToken string `json:"verificationToken,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Message           string `json:"message,omitempty"`
}

// SubmitSolution grades one solve attempt. The challenge token is
// consumed before grading, so a challenge accepts exactly one attempt;
// the answer latch trips atomically with acceptance, so a racing second
// submission fails as a replay rather than being graded twice.
func (e *Engine) SubmitSolution(req SubmitSolutionRequest) (*SubmitSolutionResponse, error) {
	secret, err := e.creds.SecretFor(req.APIKeyID)
	if err != nil {
		return nil, newError(CodeUnauthorized, "unknown API key", err)
	}

	ct, err := e.issuer.ConsumeChallengeToken(req.ChallengeID, e.cfg.Grace, e.markerTTL())
	if err != nil {
		switch {
		case errors.Is(err, token.ErrAttemptAlreadyBound):
			return nil, newError(CodeChallengeAlreadyUsed, "challenge already attempted", err)
		case errors.Is(err, token.ErrTokenExpired):
			return nil, newError(CodeChallengeExpired, "challenge expired or unknown", err)
		default:
			return nil, newError(CodeServiceError, "attempt binding failed", err)
		}
	}
	if ct.APIKeyID != req.APIKeyID {
		return nil, newError(CodeSessionMismatch, "challenge belongs to a different API key", nil)
	}

	record, err := e.loadChallenge(req.ChallengeID)
	if err != nil {
		return nil, err
	}

	now := e.timeProvider.Now()
	if record.Expired(now, e.cfg.Grace) {
		return nil, newError(CodeChallengeExpired, "challenge expired", nil)
	}

	answer, points, err := e.recoverAttempt(record, ct, req)
	if err != nil {
		return nil, err
	}

	// Answer-level single-use latch: trips on acceptance for grading,
	// before the outcome is known.
	first, err := e.answers.CheckAndMark("answer:"+record.ID, e.markerTTL())
	if err != nil {
		return nil, newError(CodeServiceError, "used-flag transition failed", err)
	}
	if !first {
		return nil, newError(CodeChallengeAlreadyUsed, "challenge answer already consumed", nil)
	}

	result := challenge.Validate(answer, points, record.Geometry.Tolerance)
	if !result.Valid {
		reason, message := result.Redacted()
		logrus.WithFields(logrus.Fields{
			"function":     "SubmitSolution",
			"challenge_id": record.ID,
			"reason":       reason,
			"missed":       len(result.MissedTargets),
			"extra":        len(result.ExtraPoints),
		}).Info("Solution rejected")
		return &SubmitSolutionResponse{Success: false, Reason: reason, Message: message}, nil
	}

	vt := &token.VerificationToken{
		ChallengeID:       record.ID,
		Domain:            record.Domain,
		IssuedAt:          now.UnixMilli(),
		ExpiresAt:         now.Add(e.cfg.TokenExpiry).UnixMilli(),
		HashedIP:          hashIdentity(req.ClientIP),
		HashedFingerprint: hashIdentity(req.FingerprintHash),
		RiskScore:         record.RiskScore,
		SolveTimeMs:       now.Sub(record.CreatedAt).Milliseconds(),
	}
	tokenStr, err := e.issuer.IssueVerificationToken(vt, secret)
	if err != nil {
		return nil, newError(CodeServiceError, "token issuance failed", err)
	}

	return &SubmitSolutionResponse{Success: true, VerificationToken: tokenStr}, nil
}

// recoverAttempt loads the stored answer and decodes the submitted
// points, enforcing the challenge's encryption mode.
func (e *Engine) recoverAttempt(record *challenge.Record, ct *token.ChallengeToken, req SubmitSolutionRequest) (*challenge.Answer, []challenge.Point, error) {
	if !ct.Encrypted {
		if req.Encrypted != nil {
			return nil, nil, newError(CodeMalformedPayload, "challenge was issued without encryption", nil)
		}
		if record.PlainAnswer == nil {
			return nil, nil, newError(CodeServiceError, "challenge record missing answer", nil)
		}
		return record.PlainAnswer, req.Points, nil
	}

	if req.Encrypted == nil {
		return nil, nil, newError(CodeEncryptionRequired, "challenge requires an encrypted submission", nil)
	}

	sess, err := e.sessions.Get(ct.SessionID)
	if err != nil {
		return nil, nil, newError(CodeSessionMismatch, "session not found or expired", err)
	}
	if !e.sessions.VerifyBinding(sess, req.FingerprintHash, req.ClientIP) {
		return nil, nil, newError(CodeSessionMismatch, "identity does not match session binding", nil)
	}

	keys, err := e.sessions.KeysFor(sess.ID, record.ID)
	if err != nil {
		return nil, nil, newError(CodeServiceError, "key derivation failed", err)
	}
	defer keys.Zeroize()

	aad := []byte(record.ID)

	plaintext, err := crypto.Decrypt(req.Encrypted, keys.AESKey, aad)
	if err != nil {
		return nil, nil, newError(CodeDecryptionFailed, "submission failed authentication", err)
	}
	var sub submission
	if err := json.Unmarshal(plaintext, &sub); err != nil {
		return nil, nil, newError(CodeMalformedPayload, "submission body not decodable", err)
	}

	answerBytes, err := crypto.Decrypt(record.EncryptedAnswer, keys.AESKey, aad)
	if err != nil {
		return nil, nil, newError(CodeServiceError, "stored answer unrecoverable", err)
	}
	var answer challenge.Answer
	if err := json.Unmarshal(answerBytes, &answer); err != nil {
		return nil, nil, newError(CodeServiceError, "stored answer not decodable", err)
	}

	return &answer, sub.Points, nil
}

// RedeemTokenRequest is the integrating backend's redemption call,
// bearer-authenticated with the API secret.
type RedeemTokenRequest struct {
	APIKeyID  string `json:"apiKeyId"`
	APISecret string `json:"apiSecret"`
	Token     string `json:"token"`
	Domain    string `json:"domain,omitempty"`
}

// RedeemTokenResponse is the redemption outcome handed back to the
// integrating backend.
type RedeemTokenResponse struct {
	Success     bool   `json:"success"`
	ChallengeID string `json:"challengeId,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	ErrorCodes  []Code `json:"errorCodes,omitempty"`
}

// RedeemToken verifies and consumes a verification token. The used
// transition is atomic with its check; a second redemption always
// reports token_already_used.
func (e *Engine) RedeemToken(req RedeemTokenRequest) (*RedeemTokenResponse, error) {
	secret, err := e.creds.SecretFor(req.APIKeyID)
	if err != nil {
		return nil, newError(CodeUnauthorized, "unknown API key", err)
	}
	if !hmac.Equal(secret, []byte(req.APISecret)) {
		return nil, newError(CodeUnauthorized, "API secret mismatch", nil)
	}

	vt, err := e.redeemer.Redeem(req.Token, secret, req.Domain, e.cfg.Grace, e.markerTTL())
	if err != nil {
		return &RedeemTokenResponse{
			Success:    false,
			ErrorCodes: []Code{redemptionCode(err)},
		}, nil
	}

	return &RedeemTokenResponse{
		Success:     true,
		ChallengeID: vt.ChallengeID,
		Domain:      vt.Domain,
		Timestamp:   vt.IssuedAt,
	}, nil
}

func redemptionCode(err error) Code {
	switch {
	case errors.Is(err, token.ErrTokenAlreadyUsed):
		return CodeTokenAlreadyUsed
	case errors.Is(err, token.ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, token.ErrDomainMismatch):
		return CodeDomainMismatch
	case errors.Is(err, token.ErrSignatureInvalid), errors.Is(err, token.ErrMalformedToken):
		return CodeMalformedPayload
	default:
		return CodeServiceError
	}
}

// loadChallenge fetches a challenge record, retrying the store once
// before surfacing a generic service error. Persistence is an external
// collaborator here; a single retry absorbs transient faults without
// masking systematic ones.
func (e *Engine) loadChallenge(id string) (*challenge.Record, error) {
	rec, err := e.challenges.Get(id)
	if err != nil {
		rec, err = e.challenges.Get(id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(CodeChallengeExpired, "challenge expired or unknown", err)
		}
		return nil, newError(CodeServiceError, "challenge lookup failed", err)
	}
	record, ok := rec.(*challenge.Record)
	if !ok {
		return nil, newError(CodeServiceError, "challenge record corrupt", nil)
	}
	return record, nil
}

// encryptAnswer seals the canonical answer under the challenge key with
// the challenge id as AAD.
func (e *Engine) encryptAnswer(a *challenge.Answer, key []byte, challengeID string) (*crypto.EncryptedPayload, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return crypto.Encrypt(data, key, []byte(challengeID))
}

// encryptRenderConfig seals the solver-facing config the same way.
func (e *Engine) encryptRenderConfig(rc *RenderConfig, key []byte, challengeID string) (*crypto.EncryptedPayload, error) {
	data, err := json.Marshal(rc)
	if err != nil {
		return nil, err
	}
	return crypto.Encrypt(data, key, []byte(challengeID))
}

// markerTTL is how long used markers are retained: long enough that any
// payload still inside expiry+grace finds its marker.
func (e *Engine) markerTTL() time.Duration {
	return e.cfg.TokenExpiry + e.cfg.Grace + e.cfg.SweepBuffer
}

// hashIdentity hashes an identity signal before it enters a token, so
// raw addresses and fingerprints never leave the engine.
func hashIdentity(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
