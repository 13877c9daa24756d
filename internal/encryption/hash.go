// Package encryption hashes operator credentials with bcrypt so the
// management token never has to be kept in plaintext.
package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// HashPrefix marks a stored value as a bcrypt hash.
	HashPrefix = "hash:v1:"

	// DefaultBcryptCost is the cost used by NewTokenHasher.
	DefaultBcryptCost = 10

	// bcrypt ignores input past 72 bytes.
	bcryptMaxInput = 72
)

var (
	// ErrHashMismatch is returned when a presented token does not match.
	ErrHashMismatch = errors.New("hash does not match")

	// ErrEmptyToken is returned when hashing an empty token.
	ErrEmptyToken = errors.New("token cannot be empty")
)

// TokenHasher hashes and verifies tokens with bcrypt.
type TokenHasher struct {
	bcryptCost int
}

// NewTokenHasher creates a TokenHasher with the default bcrypt cost.
func NewTokenHasher() *TokenHasher {
	return &TokenHasher{bcryptCost: DefaultBcryptCost}
}

// NewTokenHasherWithCost creates a TokenHasher with a custom bcrypt cost.
func NewTokenHasherWithCost(cost int) (*TokenHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &TokenHasher{bcryptCost: cost}, nil
}

// HashToken returns HashPrefix followed by the bcrypt hash of token.
func (h *TokenHasher) HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(token), h.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return HashPrefix + string(hash), nil
}

// VerifyToken checks token against stored, which is either a HashPrefix
// value or a plaintext token compared in constant time.
func (h *TokenHasher) VerifyToken(token, stored string) error {
	if token == "" || stored == "" {
		return ErrHashMismatch
	}
	if !IsHashed(stored) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(stored)) == 1 {
			return nil
		}
		return ErrHashMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(strings.TrimPrefix(stored, HashPrefix)), bcryptInput(token))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrHashMismatch
		}
		return fmt.Errorf("failed to verify token: %w", err)
	}
	return nil
}

// IsHashed reports whether value carries HashPrefix.
func IsHashed(value string) bool {
	return len(value) > len(HashPrefix) && strings.HasPrefix(value, HashPrefix)
}

// bcryptInput pre-hashes tokens longer than bcrypt's input limit.
func bcryptInput(token string) []byte {
	input := []byte(token)
	if len(input) > bcryptMaxInput {
		sum := sha256.Sum256(input)
		input = sum[:]
	}
	return input
}

// Credential verifies presented management tokens against the configured
// one. A plaintext configuration is hashed on construction and dropped.
type Credential struct {
	hasher *TokenHasher
	hash   string
}

// NewCredential builds a Credential from a plaintext token or a HashPrefix
// value.
func NewCredential(hasher *TokenHasher, configured string) (*Credential, error) {
	if configured == "" {
		return nil, ErrEmptyToken
	}
	if hasher == nil {
		hasher = NewTokenHasher()
	}
	hash := configured
	if !IsHashed(configured) {
		var err error
		if hash, err = hasher.HashToken(configured); err != nil {
			return nil, err
		}
	}
	return &Credential{hasher: hasher, hash: hash}, nil
}

// Verify returns nil when presented matches the configured token.
func (c *Credential) Verify(presented string) error {
	return c.hasher.VerifyToken(presented, c.hash)
}

// GenerateToken returns a random URL-safe token of n random bytes.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
