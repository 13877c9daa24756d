package encryption

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testHasher(t *testing.T) *TokenHasher {
	t.Helper()
	h, err := NewTokenHasherWithCost(bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func TestNewTokenHasherWithCost(t *testing.T) {
	tests := []struct {
		name    string
		cost    int
		wantErr bool
	}{
		{name: "default cost", cost: DefaultBcryptCost},
		{name: "min cost", cost: bcrypt.MinCost},
		{name: "cost too low", cost: bcrypt.MinCost - 1, wantErr: true},
		{name: "cost too high", cost: bcrypt.MaxCost + 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hasher, err := NewTokenHasherWithCost(tt.cost)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cost, hasher.bcryptCost)
		})
	}
	assert.Equal(t, DefaultBcryptCost, NewTokenHasher().bcryptCost)
}

func TestTokenHasher_HashAndVerify(t *testing.T) {
	hasher := testHasher(t)

	for _, token := range []string{
		"mgmt-1234567890abcdef",
		strings.Repeat("a", 72),
		strings.Repeat("b", 500),
		"token-世界-🔐",
	} {
		hash, err := hasher.HashToken(token)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, HashPrefix))
		assert.True(t, IsHashed(hash))
		assert.NoError(t, hasher.VerifyToken(token, hash))
		assert.ErrorIs(t, hasher.VerifyToken(token+"x", hash), ErrHashMismatch)
	}

	_, err := hasher.HashToken("")
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestTokenHasher_LongTokensDoNotCollideOnPrefix(t *testing.T) {
	hasher := testHasher(t)
	base := strings.Repeat("a", 80)

	hash, err := hasher.HashToken(base + "1")
	require.NoError(t, err)
	assert.ErrorIs(t, hasher.VerifyToken(base+"2", hash), ErrHashMismatch)
}

func TestTokenHasher_VerifyPlaintextAndEmpty(t *testing.T) {
	hasher := testHasher(t)

	assert.NoError(t, hasher.VerifyToken("plain", "plain"))
	assert.ErrorIs(t, hasher.VerifyToken("plain", "other"), ErrHashMismatch)
	assert.ErrorIs(t, hasher.VerifyToken("", "plain"), ErrHashMismatch)
	assert.ErrorIs(t, hasher.VerifyToken("plain", ""), ErrHashMismatch)
	assert.False(t, IsHashed(HashPrefix))
}

func TestTokenHasher_SaltedHashes(t *testing.T) {
	hasher := testHasher(t)
	a, err := hasher.HashToken("same")
	require.NoError(t, err)
	b, err := hasher.HashToken("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCredential(t *testing.T) {
	hasher := testHasher(t)

	plain, err := NewCredential(hasher, "operator-secret")
	require.NoError(t, err)
	assert.True(t, IsHashed(plain.hash))
	assert.NoError(t, plain.Verify("operator-secret"))
	assert.ErrorIs(t, plain.Verify("guess"), ErrHashMismatch)

	hash, err := hasher.HashToken("from-hash")
	require.NoError(t, err)
	hashed, err := NewCredential(hasher, hash)
	require.NoError(t, err)
	assert.NoError(t, hashed.Verify("from-hash"))
	assert.ErrorIs(t, hashed.Verify(hash), ErrHashMismatch)

	_, err = NewCredential(hasher, "")
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(32)
	require.NoError(t, err)
	b, err := GenerateToken(0)
	require.NoError(t, err)
	assert.Len(t, a, 43)
	assert.Len(t, b, 43)
	assert.NotEqual(t, a, b)
}
