package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harborauth/harbor/config"
	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/api/bridge"
	"github.com/harborauth/harbor/internal/api/credential"
	"github.com/harborauth/harbor/internal/api/token"
	"github.com/harborauth/harbor/internal/api/user"
	"github.com/harborauth/harbor/internal/api/verification"
	"github.com/harborauth/harbor/internal/types"
)

var _ AuthService = (*AuthServiceImpl)(nil)

// AuthService defines the business logic contract for authentication.
type AuthService interface {
	Login(ctx context.Context, usernameOrEmail, password string) (*api.TokenResponse, error)
	Register(ctx context.Context, req api.RegisterRequest, session *types.Session, loginID *uuid.UUID) (*types.User, error)
	RefreshSession(ctx context.Context, refreshToken string) (*api.TokenResponse, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutEverywhere(ctx context.Context, userID uuid.UUID) error
	UpdatePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error
	RequestEmailChange(ctx context.Context, userID uuid.UUID, password, newEmail string) error
	IssueSessionTokens(ctx context.Context, u *types.User) (*api.TokenResponse, error)
}

// OwnerGranter seeds the ownership tuple when a resource is persisted. The
// registering user becomes the owner of their own account object.
type OwnerGranter interface {
	GrantOwnerOnCreate(ctx context.Context, user *types.User, objectType, objectID string) error
}

// AuthServiceImpl provides the implementation for AuthService.
type AuthServiceImpl struct {
	logger        *slog.Logger
	users         user.UserRepo
	hasher        *credential.Hasher
	tokens        *token.Service
	verifications verification.Store
	workflows     *verification.Workflows
	bridge        bridge.Resolver
	roles         OwnerGranter
	jwtCfg        config.JWTConfig
}

func NewAuthService(
	users user.UserRepo,
	hasher *credential.Hasher,
	tokens *token.Service,
	verifications verification.Store,
	workflows *verification.Workflows,
	resolver bridge.Resolver,
	roles OwnerGranter,
	jwtCfg config.JWTConfig,
	logger *slog.Logger,
) *AuthServiceImpl {
	return &AuthServiceImpl{
		logger:        logger,
		users:         users,
		hasher:        hasher,
		tokens:        tokens,
		verifications: verifications,
		workflows:     workflows,
		bridge:        resolver,
		roles:         roles,
		jwtCfg:        jwtCfg,
	}
}

// Login verifies a local credential and starts a session. Unknown
// identifier and wrong password are logged differently for operators but
// collapse to the same error for the caller.
func (s *AuthServiceImpl) Login(ctx context.Context, usernameOrEmail, password string) (*api.TokenResponse, error) {
	l := s.logger.With(slog.String("method", "Login"))

	u, err := s.users.GetUserByUsernameOrEmail(ctx, usernameOrEmail)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			l.DebugContext(ctx, "Login failed: unknown identifier",
				slog.String("identifier", usernameOrEmail))
			return nil, fmt.Errorf("%w: invalid credentials", api.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := s.hasher.VerifyPassword(password, u.Password)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		l.DebugContext(ctx, "Login failed: password mismatch",
			slog.String("userID", u.ID.String()))
		return nil, fmt.Errorf("%w: invalid credentials", api.ErrUnauthenticated)
	}

	// Transparent credential upgrade when parameters have moved on since
	// the hash was minted.
	if s.hasher.NeedsRehash(u.Password) {
		if rehashed, rehashErr := s.hasher.HashPassword(password); rehashErr == nil {
			if updErr := s.users.UpdatePassword(ctx, u.ID, rehashed); updErr != nil {
				l.WarnContext(ctx, "Failed to persist upgraded password hash", slog.Any("error", updErr))
			}
		}
	}

	if err := s.users.UpdateLastLogin(ctx, u.ID); err != nil {
		l.WarnContext(ctx, "Failed to update last login", slog.Any("error", err))
	}

	return s.IssueSessionTokens(ctx, u)
}

// Register creates a durable local account. When a verification code is
// presented, the claim it proves becomes the account's verified email and the
// record is consumed once the account is persisted. When loginID is set, the
// freshly created account is attached to that bridged login.
func (s *AuthServiceImpl) Register(ctx context.Context, req api.RegisterRequest, session *types.Session, loginID *uuid.UUID) (*types.User, error) {
	l := s.logger.With(slog.String("method", "Register"))

	if len(req.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", api.ErrValidation)
	}
	if req.Username == "" {
		return nil, fmt.Errorf("%w: username is required", api.ErrValidation)
	}

	email := req.Email
	var v *types.Verification
	var verifiedAt *time.Time

	if req.Code != "" {
		var err error
		v, err = s.verifications.GetByCode(ctx, req.Code)
		if err != nil {
			return nil, err
		}
		if err := s.verifications.IsValid(v, session); err != nil {
			return nil, err
		}
		if v.Type != types.VerificationNewAccountEmail {
			return nil, fmt.Errorf("%w: code does not prove an email claim", api.ErrValidation)
		}
		// The verified claim is authoritative over whatever the form said.
		email = v.Val
		now := time.Now()
		verifiedAt = &now
	}
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", api.ErrValidation)
	}

	hashed, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &types.User{
		Username:        req.Username,
		Email:           email,
		Password:        hashed,
		EmailVerifiedAt: verifiedAt,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	// The account exists; seed ownership of it. GrantOwnerOnCreate raises
	// the consistency alarm itself if the tuple cannot be written.
	if s.roles != nil {
		_ = s.roles.GrantOwnerOnCreate(ctx, u, "user", u.ID.String())
	}

	// Consume only after the account exists; until then the code stays
	// revalidatable by the session that owns it.
	if v != nil {
		if err := s.verifications.Consume(ctx, v, session); err != nil {
			l.WarnContext(ctx, "Account created but verification consume failed",
				slog.String("userID", u.ID.String()), slog.Any("error", err))
		}
	}

	if loginID != nil {
		if _, err := s.bridge.ConnectUserToLogin(ctx, &u.ID, loginID, false); err != nil {
			l.WarnContext(ctx, "Account created but login attach failed",
				slog.String("userID", u.ID.String()),
				slog.String("loginID", loginID.String()),
				slog.Any("error", err))
		}
	}

	l.InfoContext(ctx, "User registered",
		slog.String("userID", u.ID.String()),
		slog.Bool("emailVerified", verifiedAt != nil))
	return u, nil
}

// RefreshSession exchanges a refresh token for a new token pair. Rotation is
// always on: the presented token is revoked once the new pair is issued.
func (s *AuthServiceImpl) RefreshSession(ctx context.Context, refreshToken string) (*api.TokenResponse, error) {
	l := s.logger.With(slog.String("method", "RefreshSession"))

	rt, err := s.users.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid refresh token", api.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}
	if !rt.Valid(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token expired or revoked", api.ErrUnauthenticated)
	}

	u, err := s.users.GetUserByID(ctx, rt.UserID)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: account no longer active", api.ErrUnauthenticated)
		}
		return nil, err
	}

	pair, err := s.IssueSessionTokens(ctx, u)
	if err != nil {
		return nil, err
	}
	if err := s.users.InvalidateRefreshToken(ctx, refreshToken); err != nil {
		l.WarnContext(ctx, "Failed to revoke rotated refresh token", slog.Any("error", err))
	}
	return pair, nil
}

func (s *AuthServiceImpl) Logout(ctx context.Context, refreshToken string) error {
	return s.users.InvalidateRefreshToken(ctx, refreshToken)
}

// LogoutEverywhere revokes every outstanding credential for the user: the
// api code bump invalidates all issued access tokens on their next
// validation, and all stored refresh tokens are revoked.
func (s *AuthServiceImpl) LogoutEverywhere(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.users.BumpAPICode(ctx, userID); err != nil {
		return fmt.Errorf("revoking issued tokens: %w", err)
	}
	if err := s.users.InvalidateAllUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return nil
}

// UpdatePassword changes the credential and revokes every session that was
// opened under the old one.
func (s *AuthServiceImpl) UpdatePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", api.ErrValidation)
	}

	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.hasher.VerifyPassword(oldPassword, u.Password)
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: current password is incorrect", api.ErrUnauthenticated)
	}

	hashed, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hashed); err != nil {
		return err
	}
	return s.LogoutEverywhere(ctx, userID)
}

// RequestEmailChange re-verifies the caller's password and mails a
// confirmation code to the new address. The email only changes once that
// code is resolved.
func (s *AuthServiceImpl) RequestEmailChange(ctx context.Context, userID uuid.UUID, password, newEmail string) error {
	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.hasher.VerifyPassword(password, u.Password)
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: password is incorrect", api.ErrUnauthenticated)
	}
	return s.workflows.RequestChangeEmail(ctx, u, newEmail)
}

// IssueSessionTokens mints an access token and a stored opaque refresh
// token for an authenticated user.
func (s *AuthServiceImpl) IssueSessionTokens(ctx context.Context, u *types.User) (*api.TokenResponse, error) {
	if u == nil || u.IsProxy() {
		return nil, fmt.Errorf("%w: cannot issue tokens for an unsaved user", api.ErrInternal)
	}

	accessToken, _, err := s.tokens.Issue(u, api.TokenTypeAccess, "", s.jwtCfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	refreshToken := uuid.NewString()
	expiresAt := time.Now().Add(s.jwtCfg.RefreshTokenTTL)
	if err := s.users.StoreRefreshToken(ctx, u.ID, refreshToken, expiresAt); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	return &api.TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}
