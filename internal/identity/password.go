package identity

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret hashes a plaintext secret using bcrypt at cost.
func HashSecret(secret string, cost int) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret compares a plaintext secret with a stored hash.
func VerifySecret(hash, secret string) error {
	if hash == "" {
		return errors.New("secret hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}
