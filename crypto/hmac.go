package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Sign computes an HMAC-SHA256 signature over data with the given secret.
func Sign(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifySignature checks an HMAC-SHA256 signature in constant time.
func VerifySignature(data, signature, secret []byte) bool {
	expected := Sign(data, secret)
	return hmac.Equal(expected, signature)
}
