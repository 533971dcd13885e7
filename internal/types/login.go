package types

import (
	"time"

	"github.com/google/uuid"
)

// Login represents a third-party identity (bridged login). The
// (Provider, ProviderUserID) pair is unique; UserID stays nil until a durable
// account is created or linked.
type Login struct {
	ID             uuid.UUID  `json:"id"`
	Provider       string     `json:"provider" example:"google"`
	ProviderUserID string     `json:"provider_user_id"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	// DisplayName seeds registration when the bridged identity has no local
	// account yet.
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	LastLoginAt time.Time `json:"last_login_at"`
	CreatedAt   time.Time `json:"created_at"`
}
