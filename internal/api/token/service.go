package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/harborauth/harbor/config"
	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

// Validation failures map onto distinct sentinels so callers can tell an
// expired token from a revoked or wrong-type one. All of them also match
// api.ErrUnauthenticated through errors.Is.
var (
	ErrTokenInvalid     = fmt.Errorf("%w: invalid token", api.ErrUnauthenticated)
	ErrTokenExpired     = fmt.Errorf("%w: token expired", api.ErrUnauthenticated)
	ErrTokenMissingType = fmt.Errorf("%w: token carries no type tag", api.ErrUnauthenticated)
	ErrTokenWrongType   = fmt.Errorf("%w: token type not valid here", api.ErrUnauthenticated)
	ErrTokenRevoked     = fmt.Errorf("%w: token revoked", api.ErrUnauthenticated)
)

// UserCodeStore reads the current per-user revocation counter. Validation
// must always consult the live value, never a cached one.
type UserCodeStore interface {
	GetAPICode(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Service issues and validates signed, time-limited tokens.
type Service struct {
	cfg    config.JWTConfig
	secret []byte
	users  UserCodeStore
	logger *slog.Logger
}

func NewService(cfg config.JWTConfig, users UserCodeStore, logger *slog.Logger) *Service {
	if cfg.SecretKey == "" {
		logger.Error("FATAL: JWT Secret Key is not configured!")
		panic("JWT Secret Key cannot be empty")
	}
	return &Service{
		cfg:    cfg,
		secret: []byte(cfg.SecretKey),
		users:  users,
		logger: logger,
	}
}

// Issue signs a token for the user with the given type and scope. ExpiresAt
// is set only when ttl > 0: a zero ttl yields a non-expiring token, which the
// validator treats as already expired, so callers must opt into expiry
// deliberately for any token they expect to be accepted.
func (s *Service) Issue(user *types.User, tokenType api.TokenType, scope string, ttl time.Duration) (string, *time.Time, error) {
	now := time.Now()
	claims := &api.Claims{
		UserID:    user.ID.String(),
		Username:  user.Username,
		Email:     user.Email,
		TokenType: tokenType,
		Scope:     scope,
		APICode:   user.APICode,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.cfg.Issuer,
			Audience: jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt: jwt.NewNumericDate(now),
			Subject:  user.ID.String(),
		},
	}

	var expiresAt *time.Time
	if ttl > 0 {
		exp := now.Add(ttl)
		claims.ExpiresAt = jwt.NewNumericDate(exp)
		expiresAt = &exp
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate checks signature, expiry, type, issuer/audience, and the user's
// current apiCode. requiredType pins the token type the calling context
// demands; a mismatch is ErrTokenWrongType, not a generic failure.
func (s *Service) Validate(ctx context.Context, tokenString string, requiredType api.TokenType) (*api.Claims, error) {
	claims := &api.Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		s.logger.DebugContext(ctx, "Token parsing/validation failed", slog.Any("error", err))
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.TokenType == "" {
		return nil, ErrTokenMissingType
	}

	// Fail-closed default: a token without an exp claim is treated as
	// expired, never as eternal.
	if claims.ExpiresAt == nil {
		return nil, ErrTokenExpired
	}
	if !time.Now().Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}

	if requiredType != "" && claims.TokenType != requiredType {
		s.logger.WarnContext(ctx, "Token type mismatch",
			slog.String("required", string(requiredType)),
			slog.String("actual", string(claims.TokenType)))
		return nil, ErrTokenWrongType
	}

	if claims.Issuer != s.cfg.Issuer {
		s.logger.WarnContext(ctx, "Token issuer mismatch",
			slog.String("expected", s.cfg.Issuer), slog.String("actual", claims.Issuer))
		return nil, ErrTokenInvalid
	}
	if s.cfg.Audience != "" && !api.VerifyAudience(claims.Audience, s.cfg.Audience) {
		return nil, ErrTokenInvalid
	}

	// Revocation check: compare the apiCode snapshot against the user's
	// current counter, read at check time.
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	current, err := s.users.GetAPICode(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load current apiCode: %w", err)
	}
	if current != claims.APICode {
		s.logger.InfoContext(ctx, "Token rejected by apiCode revocation",
			slog.String("userID", claims.UserID),
			slog.Int64("token_code", claims.APICode),
			slog.Int64("current_code", current))
		return nil, ErrTokenRevoked
	}

	return claims, nil
}
