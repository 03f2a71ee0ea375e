package humanproof

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/humanproof/challenge"
	"github.com/opd-ai/humanproof/config"
	"github.com/opd-ai/humanproof/crypto"
	"github.com/opd-ai/humanproof/risk"
	"github.com/opd-ai/humanproof/session"
)

const (
	testKeyID  = "key-1"
	testSecret = "secret-1"
	testFP     = "fp-hash-1"
	testIP     = "198.51.100.40"
	testDomain = "shop.example.com"
)

// fakeClock is a TimeProvider tests can advance manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, clock *fakeClock) *Engine {
	t.Helper()
	e, err := New(config.Default(), Options{
		Credentials:  StaticCredentials{testKeyID: testSecret},
		Scorer:       risk.StaticScorer{Signals: risk.Signals{Score: 10}},
		TimeProvider: clock,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// solverClient mirrors the widget side of the protocol: it holds the
// client ECDH key and derives the same per-challenge keys the engine
// does.
type solverClient struct {
	keyPair      *crypto.KeyPair
	sharedSecret []byte
}

func newSolverClient(t *testing.T) *solverClient {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &solverClient{keyPair: kp}
}

func (c *solverClient) completeHandshake(t *testing.T, result *session.HandshakeResult) {
	t.Helper()
	serverPub, err := crypto.ParsePublicKey(result.ServerPublicKey)
	require.NoError(t, err)
	c.sharedSecret, err = crypto.DeriveSharedSecret(c.keyPair.Private, serverPub)
	require.NoError(t, err)
}

func (c *solverClient) keysFor(t *testing.T, challengeID string) *crypto.ChallengeKeys {
	t.Helper()
	keys, err := crypto.DeriveChallengeKeys(c.sharedSecret, challengeID)
	require.NoError(t, err)
	return keys
}

func (c *solverClient) decryptConfig(t *testing.T, resp *IssueChallengeResponse) *RenderConfig {
	t.Helper()
	keys := c.keysFor(t, resp.ChallengeID)
	plaintext, err := crypto.Decrypt(resp.Encrypted, keys.AESKey, []byte(resp.ChallengeID))
	require.NoError(t, err)

	var rc RenderConfig
	require.NoError(t, json.Unmarshal(plaintext, &rc))
	return &rc
}

func (c *solverClient) encryptSubmission(t *testing.T, challengeID string, points []challenge.Point) *crypto.EncryptedPayload {
	t.Helper()
	body, err := json.Marshal(submission{Points: points})
	require.NoError(t, err)

	keys := c.keysFor(t, challengeID)
	payload, err := crypto.Encrypt(body, keys.AESKey, []byte(challengeID))
	require.NoError(t, err)
	return payload
}

// solveSelection produces the correct clicks for a set challenge by
// looking up each named target's sprite in the public geometry.
func solveSelection(t *testing.T, geometry challenge.Geometry, rc *RenderConfig) []challenge.Point {
	t.Helper()
	byName := make(map[string]challenge.Sprite)
	for _, s := range geometry.Sprites {
		byName[s.Name] = s
	}

	points := make([]challenge.Point, 0, len(rc.TargetNames))
	for _, name := range rc.TargetNames {
		s, ok := byName[name]
		require.True(t, ok, "target %q missing from geometry", name)
		points = append(points, s.Center())
	}
	return points
}

func handshake(t *testing.T, e *Engine, c *solverClient) *session.HandshakeResult {
	t.Helper()
	result, err := e.Handshake(HandshakeRequest{
		APIKeyID:        testKeyID,
		ClientPublicKey: c.keyPair.PublicKeyBytes(),
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)
	c.completeHandshake(t, result)
	return result
}

func TestFullEncryptedSolveFlow(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	client := newSolverClient(t)

	hs := handshake(t, e, client)

	issued, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "grid",
		Domain:          testDomain,
		SessionID:       hs.SessionID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)
	require.NotNil(t, issued.Encrypted, "session present, config must be encrypted")
	assert.Nil(t, issued.PlainConfig)

	rc := client.decryptConfig(t, issued)
	points := solveSelection(t, issued.Geometry, rc)

	clock.Advance(3 * time.Second) // simulated solve time

	resp, err := e.SubmitSolution(SubmitSolutionRequest{
		APIKeyID:        testKeyID,
		ChallengeID:     issued.ChallengeID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
		Encrypted:       client.encryptSubmission(t, issued.ChallengeID, points),
	})
	require.NoError(t, err)
	require.True(t, resp.Success, "reason: %s", resp.Reason)
	require.NotEmpty(t, resp.VerificationToken)

	redeemed, err := e.RedeemToken(RedeemTokenRequest{
		APIKeyID:  testKeyID,
		APISecret: testSecret,
		Token:     resp.VerificationToken,
		Domain:    testDomain,
	})
	require.NoError(t, err)
	assert.True(t, redeemed.Success)
	assert.Equal(t, issued.ChallengeID, redeemed.ChallengeID)
	assert.Equal(t, testDomain, redeemed.Domain)

	// Redemption-level replay
	replayed, err := e.RedeemToken(RedeemTokenRequest{
		APIKeyID:  testKeyID,
		APISecret: testSecret,
		Token:     resp.VerificationToken,
		Domain:    testDomain,
	})
	require.NoError(t, err)
	assert.False(t, replayed.Success)
	assert.Contains(t, replayed.ErrorCodes, CodeTokenAlreadyUsed)
}

func TestPlaintextFallbackFirstContact(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	issued, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "free",
		Domain:          testDomain,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)
	require.NotNil(t, issued.PlainConfig, "no session: plaintext fallback applies")
	assert.Nil(t, issued.Encrypted)

	points := solveSelection(t, issued.Geometry, issued.PlainConfig)

	resp, err := e.SubmitSolution(SubmitSolutionRequest{
		APIKeyID:        testKeyID,
		ChallengeID:     issued.ChallengeID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
		Points:          points,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success, "reason: %s", resp.Reason)
}

func TestEncryptionMandatoryOnceSessionExists(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	client := newSolverClient(t)

	handshake(t, e, client)

	// Plaintext request for an identity holding a session is refused
	_, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "grid",
		Domain:          testDomain,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.Error(t, err)
	assert.Equal(t, CodeEncryptionRequired, CodeOf(err))
}

func TestUpsideDownRequiresSession(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	_, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "upsidedown",
		Domain:          testDomain,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.Error(t, err)
	assert.Equal(t, CodeEncryptionRequired, CodeOf(err))
}

func TestUpsideDownEncryptedFlow(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	client := newSolverClient(t)

	hs := handshake(t, e, client)

	issued, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "upsidedown",
		Domain:          testDomain,
		SessionID:       hs.SessionID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)
	require.NotNil(t, issued.Encrypted)

	rc := client.decryptConfig(t, issued)
	require.NotNil(t, rc.Inverted, "orientation assignment travels in the encrypted config")

	// The public geometry alone must not reveal which sprites are the
	// answer: clicking every inverted sprite requires the config.
	inverted := make([]string, 0)
	for name, flipped := range rc.Inverted {
		if flipped {
			inverted = append(inverted, name)
		}
	}
	require.NotEmpty(t, inverted)

	byName := make(map[string]challenge.Sprite)
	for _, s := range issued.Geometry.Sprites {
		byName[s.Name] = s
	}
	points := make([]challenge.Point, 0, len(inverted))
	for _, name := range inverted {
		points = append(points, byName[name].Center())
	}

	resp, err := e.SubmitSolution(SubmitSolutionRequest{
		APIKeyID:        testKeyID,
		ChallengeID:     issued.ChallengeID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
		Encrypted:       client.encryptSubmission(t, issued.ChallengeID, points),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success, "reason: %s", resp.Reason)
}

func TestWrongSolutionRejectedWithReason(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	issued, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "grid",
		Domain:          testDomain,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)

	// Too few clicks
	resp, err := e.SubmitSolution(SubmitSolutionRequest{
		APIKeyID:        testKeyID,
		ChallengeID:     issued.ChallengeID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
		Points:          []challenge.Point{{X: 1, Y: 1}},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, challenge.ReasonTooFew, resp.Reason)

	// The attempt consumed the challenge: a corrected retry is a replay
	_, err = e.SubmitSolution(SubmitSolutionRequest{
		APIKeyID:        testKeyID,
		ChallengeID:     issued.ChallengeID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
		Points:          solveSelection(t, issued.Geometry, issued.PlainConfig),
	})
	require.Error(t, err)
	assert.Equal(t, CodeChallengeAlreadyUsed, CodeOf(err))
}

func TestTamperedSubmissionFailsDecryption(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	client := newSolverClient(t)

	hs := handshake(t, e, client)

	issued, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "grid",
		Domain:          testDomain,
		SessionID:       hs.SessionID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)

	rc := client.decryptConfig(t, issued)
	payload := client.encryptSubmission(t, issued.ChallengeID, solveSelection(t, issued.Geometry, rc))
	payload.Ciphertext[0] ^= 0x01

	_, err = e.SubmitSolution(SubmitSolutionRequest{
		APIKeyID:        testKeyID,
		ChallengeID:     issued.ChallengeID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
		Encrypted:       payload,
	})
	require.Error(t, err)
	assert.Equal(t, CodeDecryptionFailed, CodeOf(err))
}

func TestSessionBindingEnforced(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	client := newSolverClient(t)

	hs := handshake(t, e, client)

	issued, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "grid",
		Domain:          testDomain,
		SessionID:       hs.SessionID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)

	rc := client.decryptConfig(t, issued)
	payload := client.encryptSubmission(t, issued.ChallengeID, solveSelection(t, issued.Geometry, rc))

	// Same session id presented from a different fingerprint and subnet
	_, err = e.SubmitSolution(SubmitSolutionRequest{
		APIKeyID:        testKeyID,
		ChallengeID:     issued.ChallengeID,
		FingerprintHash: "stolen-fp",
		ClientIP:        "203.0.113.99",
		Encrypted:       payload,
	})
	require.Error(t, err)
	assert.Equal(t, CodeSessionMismatch, CodeOf(err))
}

func TestChallengeExpiry(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	issued, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "grid",
		Domain:          testDomain,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)

	clock.Advance(config.Default().ChallengeTimeout + config.Default().Grace + time.Second)

	_, err = e.SubmitSolution(SubmitSolutionRequest{
		APIKeyID:        testKeyID,
		ChallengeID:     issued.ChallengeID,
		FingerprintHash: testFP,
		ClientIP:        testIP,
		Points:          solveSelection(t, issued.Geometry, issued.PlainConfig),
	})
	require.Error(t, err)
	assert.Equal(t, CodeChallengeExpired, CodeOf(err))
}

func TestRiskPolicyRefusal(t *testing.T) {
	clock := newFakeClock()
	e, err := New(config.Default(), Options{
		Credentials:  StaticCredentials{testKeyID: testSecret},
		Scorer:       risk.StaticScorer{Signals: risk.Signals{Score: 99}},
		TimeProvider: clock,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	_, err = e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Domain:          testDomain,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.Error(t, err)
	assert.Equal(t, CodeRiskRefused, CodeOf(err))
}

func TestRedeemAuthentication(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	_, err := e.RedeemToken(RedeemTokenRequest{
		APIKeyID:  testKeyID,
		APISecret: "wrong-secret",
		Token:     "whatever",
	})
	require.Error(t, err)
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	_, err = e.RedeemToken(RedeemTokenRequest{
		APIKeyID:  "unknown-key",
		APISecret: testSecret,
		Token:     "whatever",
	})
	require.Error(t, err)
	assert.Equal(t, CodeUnauthorized, CodeOf(err))
}

func TestHandshakeRejectsBadKey(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	_, err := e.Handshake(HandshakeRequest{
		APIKeyID:        testKeyID,
		ClientPublicKey: []byte{0x01, 0x02},
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidKeyMaterial, CodeOf(err))
}

func TestConcurrentSubmissionsSingleAcceptance(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	issued, err := e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "grid",
		Domain:          testDomain,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.NoError(t, err)

	points := solveSelection(t, issued.Geometry, issued.PlainConfig)

	const racers = 16
	var wg sync.WaitGroup
	outcomes := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := e.SubmitSolution(SubmitSolutionRequest{
				APIKeyID:        testKeyID,
				ChallengeID:     issued.ChallengeID,
				FingerprintHash: testFP,
				ClientIP:        testIP,
				Points:          points,
			})
			outcomes <- err == nil && resp.Success
		}()
	}
	wg.Wait()
	close(outcomes)

	accepted := 0
	for ok := range outcomes {
		if ok {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one concurrent submission may be accepted")
}

func TestDisabledTypeRefused(t *testing.T) {
	clock := newFakeClock()
	cfg := config.Default()
	cfg.EnabledTypes = []string{"grid"}

	e, err := New(cfg, Options{
		Credentials:  StaticCredentials{testKeyID: testSecret},
		TimeProvider: clock,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	_, err = e.IssueChallenge(IssueChallengeRequest{
		APIKeyID:        testKeyID,
		Type:            "audio",
		Domain:          testDomain,
		FingerprintHash: testFP,
		ClientIP:        testIP,
	})
	require.Error(t, err)
	assert.Equal(t, CodeTypeDisabled, CodeOf(err))
}
