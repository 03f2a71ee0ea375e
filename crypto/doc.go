// Package crypto implements the cryptographic primitives for the
// humanproof challenge engine.
//
// This package handles ECDH key agreement on NIST P-256, HKDF-SHA256 key
// derivation, AES-256-GCM authenticated encryption, HMAC-SHA256 signing,
// and cryptographically secure random selection used by the challenge
// generator. All randomness in this package and its consumers comes from
// crypto/rand; no general-purpose PRNG is used anywhere in the engine.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	secret, err := crypto.DeriveSharedSecret(keys.Private, peerPublic)
package crypto
