// Package humanproof implements an encrypted challenge-response
// verification engine for proof-of-humanity checks on third-party web
// properties.
//
// The engine covers the full verification lifecycle: an ECDH (P-256)
// handshake establishing per-identity sessions, per-challenge key
// derivation via HKDF-SHA256, AES-256-GCM protection of challenge
// payloads and submissions, multi-modal challenge generation and
// validation, and a two-token issue/redeem flow with single-use
// enforcement, expiry with grace, and periodic cleanup. Surrounding
// concerns like dashboards, transports and the bot-reputation subsystem
// are external; the engine consumes a risk score through the risk.Scorer
// seam and persists state through the store interfaces.
//
// # Getting Started
//
// Assemble an engine from a configuration and credentials, then drive
// the four operations:
//
//	engine, err := humanproof.New(config.Default(), humanproof.Options{
//	    Credentials: humanproof.StaticCredentials{"key-1": "secret-1"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	hs, err := engine.Handshake(humanproof.HandshakeRequest{...})
//	ch, err := engine.IssueChallenge(humanproof.IssueChallengeRequest{...})
//	res, err := engine.SubmitSolution(humanproof.SubmitSolutionRequest{...})
//	out, err := engine.RedeemToken(humanproof.RedeemTokenRequest{...})
package humanproof
