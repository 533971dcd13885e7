package api

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors shared by every feature package. Services wrap these with
// fmt.Errorf("...: %w", err) so handlers can map them to HTTP statuses with
// errors.Is.
var (
	ErrNotFound        = errors.New("requested item not found")
	ErrConflict        = errors.New("item already exists or conflict")
	ErrUnauthenticated = errors.New("authentication required or invalid credentials")
	ErrForbidden       = errors.New("action forbidden")
	ErrValidation      = errors.New("invalid input")
	ErrInternal        = errors.New("internal error")
)

// TokenType tags every issued token so a refresh token can never be used
// where an access token is required.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeLogin   TokenType = "login"
)

// LoginRequest represents the expected JSON body for user login.
type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email" example:"user@example.com"` // Username or email used to log in.
	Password        string `json:"password" example:"password123"`               // User's password.
}

// LoginResponse represents the successful JSON response after login.
type LoginResponse struct {
	AccessToken  string `json:"access_token" example:"eyJhbGciOiJI..."` // Short-lived JWT access token.
	RefreshToken string `json:"refresh_token" example:"4f1trt8s..."`    // Longer-lived refresh token.
	Message      string `json:"message" example:"Login successful"`     // Confirmation message.
}

// RegisterRequest represents the expected JSON body for user registration.
type RegisterRequest struct {
	Username string `json:"username" example:"testuser"`               // Desired username. Must be unique.
	Email    string `json:"email" example:"newuser@example.com"`       // User's email address. Must be unique.
	Password string `json:"password" example:"Str0ngP@ss!"`            // User's desired password (min length 8).
	Code     string `json:"code,omitempty" example:"K7WQ2M9XBTRHCFPD"` // Optional verification code from the emailed link.
}

// RefreshTokenRequest represents the expected JSON body for refreshing tokens.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"` // The refresh token obtained during login.
}

// TokenResponse represents the successful JSON response after refreshing tokens.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`  // The new short-lived JWT access token.
	RefreshToken string `json:"refresh_token"` // The new refresh token (rotation is always on).
}

// ChangePasswordRequest represents the expected JSON body for changing the
// authenticated user's password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"` // User's current password.
	NewPassword string `json:"new_password"` // User's desired new password.
}

// ChangeEmailRequest starts the change-email verification workflow.
type ChangeEmailRequest struct {
	Password string `json:"password"`  // User's current password for verification.
	NewEmail string `json:"new_email"` // Desired new email address.
}

// LogoutRequest represents the expected JSON body for logout.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"` // Refresh token to invalidate.
}

// Response represents a generic API response for success or error messages.
type Response struct {
	Success bool   `json:"success" example:"true"`
	Message string `json:"message,omitempty" example:"Operation successful"`
	Error   string `json:"error,omitempty" example:"Resource not found"`
}

// FieldError attaches a validation failure to the offending field. Validation
// problems are reported back on the result, never raised as panics.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Claims represents the custom claims included in every issued JWT.
type Claims struct {
	UserID               string    `json:"uid"`           // Custom claim for User ID.
	Username             string    `json:"usr,omitempty"` // Custom claim for Username.
	Email                string    `json:"eml,omitempty"` // Custom claim for Email.
	TokenType            TokenType `json:"typ"`           // Token type tag; validation rejects a missing tag.
	Scope                string    `json:"scope,omitempty"`
	APICode              int64     `json:"apc"` // Snapshot of the user's revocation counter at issue time.
	jwt.RegisteredClaims           // Embed standard claims (ExpiresAt, IssuedAt, Issuer, etc.).
}
