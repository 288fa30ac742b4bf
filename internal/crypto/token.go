package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToken returns a random alpha-numeric string of length n, drawn
// uniformly from crypto/rand.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("length must be positive")
	}
	max := big.NewInt(int64(len(tokenAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = tokenAlphabet[idx.Int64()]
	}
	return string(b), nil
}
