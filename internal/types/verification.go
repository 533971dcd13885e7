package types

import (
	"time"

	"github.com/google/uuid"
)

// VerificationType enumerates the claims a verification record can prove.
type VerificationType string

const (
	VerificationNewAccountEmail VerificationType = "new-account-email"
	VerificationOneTimeLogin    VerificationType = "one-time-login"
	VerificationChangeEmail     VerificationType = "change-email"
)

// AllowsReuse reports whether a consumed record of this type stays usable by
// the session that originally validated it. Registration links are reusable
// so a reloaded signup form does not dead-end; login and email-change codes
// are strictly single-use.
func (t VerificationType) AllowsReuse() bool {
	return t == VerificationNewAccountEmail
}

// VerificationState is the lazily computed lifecycle state of a record.
type VerificationState string

const (
	VerificationValid   VerificationState = "valid"
	VerificationUsed    VerificationState = "used"
	VerificationExpired VerificationState = "expired"
)

// Verification is a short-lived proof that the holder controls a claim
// (usually an email address).
type Verification struct {
	ID         uuid.UUID         `json:"id"`
	UniqueCode string            `json:"-"` // Never exposed in API responses; travels only inside the mailed link.
	Type       VerificationType  `json:"type"`
	Key        string            `json:"key" example:"email"`
	Val        string            `json:"val" example:"a@x.com"`
	UserID     *uuid.UUID        `json:"user_id,omitempty"`
	LoginID    *uuid.UUID        `json:"login_id,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"` // Pre-captured registration fields.
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	UsedAt     *time.Time        `json:"used_at,omitempty"`
}

// State computes the record's lifecycle state at the given instant. Expiry is
// enforced lazily at the moment of use; nothing revokes records proactively.
// A record past its expiration date is expired even if it was consumed, so
// the reuse carve-out for consumed records never outlives the validity
// window.
func (v *Verification) State(now time.Time) VerificationState {
	if !now.Before(v.ExpiresAt) {
		return VerificationExpired
	}
	if v.UsedAt != nil {
		return VerificationUsed
	}
	return VerificationValid
}
