package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"

	"github.com/harborauth/harbor/internal/types"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost) // cheap cost keeps the test fast

	t.Run("RoundTrip", func(t *testing.T) {
		stored, err := hasher.HashPassword("correct horse battery staple")
		assert.NoError(t, err)
		assert.Equal(t, AlgorithmBcrypt, stored.Algorithm)
		assert.Equal(t, FormatVersion, stored.Version)
		assert.NotEmpty(t, stored.Hash)

		ok, err := hasher.VerifyPassword("correct horse battery staple", stored)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		stored, err := hasher.HashPassword("password123")
		assert.NoError(t, err)

		ok, err := hasher.VerifyPassword("password124", stored)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("EmptyStoredCredentialAlwaysFails", func(t *testing.T) {
		ok, err := hasher.VerifyPassword("anything", types.HashedPassword{})
		assert.NoError(t, err)
		assert.False(t, ok)

		// Even an empty plaintext against an empty credential must fail.
		ok, err = hasher.VerifyPassword("", types.HashedPassword{})
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UnknownAlgorithmIsAnError", func(t *testing.T) {
		stored := types.HashedPassword{Algorithm: "md5", Version: 1, Hash: "whatever"}

		ok, err := hasher.VerifyPassword("anything", stored)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	})
}

func TestNeedsRehash(t *testing.T) {
	hasher := NewHasher(bcrypt.DefaultCost)

	t.Run("OldFormatVersion", func(t *testing.T) {
		hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.DefaultCost)
		stored := types.HashedPassword{Algorithm: AlgorithmBcrypt, Version: 1, Hash: string(hash)}
		assert.True(t, hasher.NeedsRehash(stored))
	})

	t.Run("LowerCost", func(t *testing.T) {
		hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
		stored := types.HashedPassword{Algorithm: AlgorithmBcrypt, Version: FormatVersion, Hash: string(hash)}
		assert.True(t, hasher.NeedsRehash(stored))
	})

	t.Run("CurrentHashIsFine", func(t *testing.T) {
		hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.DefaultCost)
		stored := types.HashedPassword{Algorithm: AlgorithmBcrypt, Version: FormatVersion, Hash: string(hash)}
		assert.False(t, hasher.NeedsRehash(stored))
	})

	t.Run("ZeroCredential", func(t *testing.T) {
		assert.False(t, hasher.NeedsRehash(types.HashedPassword{}))
	})
}
