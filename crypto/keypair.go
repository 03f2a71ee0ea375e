package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrInvalidKeyMaterial indicates a peer public key that is malformed or
// not a valid point on the P-256 curve.
var ErrInvalidKeyMaterial = errors.New("invalid key material")

// KeyPair holds an ephemeral P-256 key pair used for session key agreement.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair creates a new random P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &KeyPair{
		Private: priv,
		Public:  priv.PublicKey(),
	}, nil
}

// PublicKeyBytes returns the uncompressed point encoding of the public key.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return kp.Public.Bytes()
}

// ParsePublicKey validates and decodes an uncompressed P-256 point.
// Off-curve or malformed input is rejected with ErrInvalidKeyMaterial.
func ParsePublicKey(data []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ParsePublicKey",
			"key_len":  len(data),
		}).Warn("Rejected malformed or off-curve public key")
		return nil, ErrInvalidKeyMaterial
	}
	return pub, nil
}

// DeriveSharedSecret computes the ECDH shared secret between our private
// key and the peer's public key.
func DeriveSharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	if priv == nil || peerPub == nil {
		return nil, ErrInvalidKeyMaterial
	}

	secret, err := priv.ECDH(peerPub)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("ECDH computation failed")
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeriveSharedSecret",
	}).Debug("Shared secret computed")

	return secret, nil
}
