package credential

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/harborauth/harbor/internal/types"
)

// ErrUnknownAlgorithm means a stored credential names an algorithm this build
// does not know. That is a configuration fault, not a bad password, and it
// must surface loudly instead of failing a login silently.
var ErrUnknownAlgorithm = errors.New("unknown password hashing algorithm")

const (
	// AlgorithmBcrypt is the default adaptive algorithm with embedded salt.
	AlgorithmBcrypt = "bcrypt"

	// FormatVersion is stamped on every new hash so old formats can be
	// detected and force-upgraded on next login.
	FormatVersion = 2
)

// Hasher hashes and verifies passwords. It is pure over its inputs; all
// persistence is the caller's responsibility.
type Hasher struct {
	cost int
}

func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// HashPassword produces a stored credential for the given plaintext.
func (h *Hasher) HashPassword(plaintext string) (types.HashedPassword, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return types.HashedPassword{}, fmt.Errorf("failed to hash password: %w", err)
	}
	return types.HashedPassword{
		Algorithm: AlgorithmBcrypt,
		Version:   FormatVersion,
		Hash:      string(hash),
		CreatedAt: time.Now(),
	}, nil
}

// VerifyPassword checks a plaintext against a stored credential. An empty or
// missing credential always fails: a blank password must never log in. A
// mismatch is (false, nil); only infrastructure problems return an error.
func (h *Hasher) VerifyPassword(plaintext string, stored types.HashedPassword) (bool, error) {
	if stored.IsZero() {
		return false, nil
	}

	switch stored.Algorithm {
	case AlgorithmBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(stored.Hash), []byte(plaintext))
		if err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				return false, nil
			}
			return false, fmt.Errorf("failed to compare password hash: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, stored.Algorithm)
	}
}

// NeedsRehash reports whether a stored credential uses an outdated format
// version or a lower cost than currently configured. Callers rehash on the
// next successful login.
func (h *Hasher) NeedsRehash(stored types.HashedPassword) bool {
	if stored.IsZero() {
		return false
	}
	if stored.Version < FormatVersion {
		return true
	}
	if stored.Algorithm == AlgorithmBcrypt {
		cost, err := bcrypt.Cost([]byte(stored.Hash))
		if err != nil {
			return true
		}
		return cost < h.cost
	}
	return false
}
