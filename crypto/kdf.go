package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// kdfInfoPrefix binds derived keys to this protocol version. Changing it
// invalidates every key derived under the previous value.
const kdfInfoPrefix = "humanproof/v1|"

// ChallengeKeys holds the per-challenge symmetric keys derived from a
// session's shared secret. Each challenge gets independent keys even
// within one session, so compromising one challenge's keys reveals
// nothing about another's.
type ChallengeKeys struct {
	AESKey  []byte // 32 bytes, AES-256-GCM
	HMACKey []byte // 32 bytes, HMAC-SHA256
}

// DeriveChallengeKeys expands a shared secret into challenge-bound AES and
// HMAC keys using HKDF-SHA256. The salt is SHA256(challengeID) and the
// info string carries the protocol version plus the challenge id, so the
// same secret yields different keys for different challenges and the same
// inputs always yield byte-identical output.
func DeriveChallengeKeys(sharedSecret []byte, challengeID string) (*ChallengeKeys, error) {
	if len(sharedSecret) == 0 {
		return nil, ErrInvalidKeyMaterial
	}

	salt := sha256.Sum256([]byte(challengeID))
	info := []byte(kdfInfoPrefix + challengeID)

	reader := hkdf.New(sha256.New, sharedSecret, salt[:], info)

	okm := make([]byte, 64)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, fmt.Errorf("failed to derive challenge keys: %w", err)
	}

	return &ChallengeKeys{
		AESKey:  okm[:32],
		HMACKey: okm[32:],
	}, nil
}

// Zeroize wipes the key material. The struct must not be used afterwards.
func (ck *ChallengeKeys) Zeroize() {
	if ck == nil {
		return
	}
	ZeroBytes(ck.AESKey)
	ZeroBytes(ck.HMACKey)
}
