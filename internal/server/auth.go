package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sofatutor/deckguard/internal/encryption"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator checks login credentials and returns the user id.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// UserDirectory is a static Authenticator over bcrypt-hashed passwords.
type UserDirectory struct {
	users map[string]*encryption.Credential
	decoy *encryption.Credential
}

// ParseUserDirectory reads "user=password" pairs separated by commas.
// Passwords may be plaintext or encryption.HashPrefix values.
func ParseUserDirectory(list string, hasher *encryption.TokenHasher) (*UserDirectory, error) {
	if hasher == nil {
		hasher = encryption.NewTokenHasher()
	}
	decoy, err := encryption.NewCredential(hasher, "decoy-password")
	if err != nil {
		return nil, err
	}
	dir := &UserDirectory{users: make(map[string]*encryption.Credential), decoy: decoy}
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, secret, ok := strings.Cut(pair, "=")
		user = strings.TrimSpace(user)
		if !ok || user == "" || secret == "" {
			return nil, fmt.Errorf("invalid user entry %q: want user=password", user)
		}
		cred, err := encryption.NewCredential(hasher, secret)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", user, err)
		}
		dir.users[user] = cred
	}
	return dir, nil
}

// Len returns the number of users.
func (d *UserDirectory) Len() int {
	return len(d.users)
}

// Authenticate verifies password for username. Unknown users are checked
// against a decoy hash to keep response times uniform.
func (d *UserDirectory) Authenticate(_ context.Context, username, password string) (string, error) {
	cred, ok := d.users[username]
	if !ok {
		_ = d.decoy.Verify(password)
		return "", ErrInvalidCredentials
	}
	if err := cred.Verify(password); err != nil {
		if errors.Is(err, encryption.ErrHashMismatch) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	return username, nil
}
