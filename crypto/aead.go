package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrDecryptionFailed indicates an authentication-tag mismatch: the
// ciphertext was tampered with, bound to different associated data, or
// encrypted under a different key. No partial plaintext is ever returned.
var ErrDecryptionFailed = errors.New("decryption failed: message authentication failed")

const (
	// IVSize is the AES-GCM nonce length in bytes (96 bits).
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
	// MaxPlaintextSize caps encrypted payloads (64KB is far beyond any
	// challenge config or submission).
	MaxPlaintextSize = 64 * 1024
)

// EncryptedPayload carries one AES-256-GCM ciphertext with its IV and
// authentication tag split out, matching the wire envelope handed to and
// received from clients.
type EncryptedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random 96-bit IV.
// The additional authenticated data binds the ciphertext to its context
// (the challenge id), so a payload replayed against another challenge
// fails authentication.
func Encrypt(plaintext, key, aad []byte) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("plaintext too large: %d bytes (max %d)", len(plaintext), MaxPlaintextSize)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, aad)

	// Seal appends the tag to the ciphertext; the wire format carries
	// them as separate fields.
	split := len(sealed) - TagSize
	return &EncryptedPayload{
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt opens an AES-256-GCM payload. It fails closed: any tag mismatch
// yields ErrDecryptionFailed and no plaintext.
func Decrypt(payload *EncryptedPayload, key, aad []byte) ([]byte, error) {
	if payload == nil || len(payload.Ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	if len(payload.IV) != IVSize {
		return nil, fmt.Errorf("invalid IV length: %d", len(payload.IV))
	}
	if len(payload.AuthTag) != TagSize {
		return nil, ErrDecryptionFailed
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(payload.Ciphertext)+TagSize)
	sealed = append(sealed, payload.Ciphertext...)
	sealed = append(sealed, payload.AuthTag...)

	plaintext, err := aead.Open(nil, payload.IV, sealed, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid AES-256 key length: %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return aead, nil
}
