package types

import (
	"time"

	"github.com/google/uuid"
)

// HashedPassword is the stored credential produced by the credential verifier.
// Algorithm and Version are recorded so old hashes can be identified for a
// forced upgrade later.
type HashedPassword struct {
	Algorithm string    `json:"-"`
	Version   int       `json:"-"`
	Hash      string    `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// IsZero reports whether no credential is stored. A zero credential must
// never verify against any plaintext.
func (h HashedPassword) IsZero() bool {
	return h.Hash == ""
}

// User represents a durable account.
type User struct {
	ID       uuid.UUID      `json:"id" example:"d290f1ee-6c54-4b01-90e6-d701748f0851"` // Unique identifier (UUID).
	Username string         `json:"username" example:"johndoe"`                        // Unique username.
	Email    string         `json:"email" example:"john.doe@example.com"`              // Unique email address.
	Password HashedPassword `json:"-"`                                                 // Hashed credential (never exposed).
	// APICode is the per-user revocation counter embedded in issued tokens.
	// Bumping it invalidates every previously issued token for this user.
	APICode         int64      `json:"-"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsProxy reports whether this is an unsaved, attribute-only placeholder for
// a bridged identity that has not been promoted to a durable account yet.
// Proxy users are never persisted: a user without a username must not be
// saved.
func (u *User) IsProxy() bool {
	return u.ID == uuid.Nil
}
