package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// SecureRandomBytes generates cryptographically secure random bytes.
func SecureRandomBytes(size int) ([]byte, error) {
	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return bytes, nil
}

// SecureIntn returns a uniform random int in [0, n) from crypto/rand.
// n must be positive.
func SecureIntn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid bound: %d", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to draw random int: %w", err)
	}
	return int(v.Int64()), nil
}

// SecureShuffle performs an in-place Fisher-Yates shuffle driven by
// crypto/rand. Challenge unpredictability depends on this: a predictable
// shuffle would let a bot anticipate sprite selection and placement.
func SecureShuffle[T any](items []T) error {
	for i := len(items) - 1; i > 0; i-- {
		j, err := SecureIntn(i + 1)
		if err != nil {
			return err
		}
		items[i], items[j] = items[j], items[i]
	}
	return nil
}

// SecurePick selects k distinct indices from [0, n) in secure-random
// order. Returns an error if k > n.
func SecurePick(n, k int) ([]int, error) {
	if k > n {
		return nil, fmt.Errorf("cannot pick %d from %d", k, n)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if err := SecureShuffle(indices); err != nil {
		return nil, err
	}
	return indices[:k], nil
}

// SecureFloat returns a uniform random float64 in [0, 1) with 53 bits of
// precision, drawn from crypto/rand.
func SecureFloat() (float64, error) {
	const precision = 1 << 53
	v, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0, fmt.Errorf("failed to draw random float: %w", err)
	}
	return float64(v.Int64()) / precision, nil
}

// ZeroBytes securely clears sensitive data from memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
