package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

var _ UserRepo = (*PostgresUserRepo)(nil)

// UserRepo defines the contract for account persistence.
type UserRepo interface {
	// GetUserByID retrieves a user by their unique ID.
	// Returns api.ErrNotFound if the user doesn't exist or is inactive.
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error)

	// GetUserByUsernameOrEmail resolves a single identifier against both the
	// username and email columns. Returns api.ErrNotFound when neither
	// matches.
	GetUserByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (*types.User, error)

	// CreateUser inserts a new account. Returns api.ErrConflict when the
	// username or email is already taken. The caller supplies the hashed
	// credential; plaintext never reaches this layer.
	CreateUser(ctx context.Context, u *types.User) error

	UpdateEmail(ctx context.Context, userID uuid.UUID, newEmail string) error
	UpdatePassword(ctx context.Context, userID uuid.UUID, password types.HashedPassword) error
	UpdateLastLogin(ctx context.Context, userID uuid.UUID) error
	MarkEmailAsVerified(ctx context.Context, userID uuid.UUID) error

	// GetAPICode reads the user's current revocation counter. Read live on
	// every token validation rather than cached, so a bump takes effect on
	// the next request.
	GetAPICode(ctx context.Context, userID uuid.UUID) (int64, error)

	// BumpAPICode atomically increments the revocation counter, invalidating
	// every token issued before the bump. Returns the new value.
	BumpAPICode(ctx context.Context, userID uuid.UUID) (int64, error)

	// --- Refresh tokens ---
	StoreRefreshToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	InvalidateRefreshToken(ctx context.Context, token string) error
	InvalidateAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error
}

// RefreshToken is a stored opaque refresh credential.
type RefreshToken struct {
	UserID    uuid.UUID
	Token     string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Valid reports whether the token can still be exchanged.
func (t *RefreshToken) Valid(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

type PostgresUserRepo struct {
	logger *slog.Logger
	db     api.PGXQuerier
}

func NewPostgresUserRepo(db api.PGXQuerier, logger *slog.Logger) *PostgresUserRepo {
	return &PostgresUserRepo{
		logger: logger,
		db:     db,
	}
}

const userColumns = `id, username, email, api_code,
       password_alg, password_ver, password_hash, password_created_at,
       email_verified_at, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var passwordCreatedAt *time.Time
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.APICode,
		&u.Password.Algorithm, &u.Password.Version, &u.Password.Hash, &passwordCreatedAt,
		&u.EmailVerifiedAt, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, api.ErrNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if passwordCreatedAt != nil {
		u.Password.CreatedAt = *passwordCreatedAt
	}
	return &u, nil
}

func (r *PostgresUserRepo) GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND is_active = TRUE`
	return scanUser(r.db.QueryRow(ctx, query, userID))
}

func (r *PostgresUserRepo) GetUserByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (*types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
              WHERE (username = $1 OR email = $1) AND is_active = TRUE`
	return scanUser(r.db.QueryRow(ctx, query, usernameOrEmail))
}

func (r *PostgresUserRepo) CreateUser(ctx context.Context, u *types.User) error {
	ctx, span := otel.Tracer("UserRepo").Start(ctx, "CreateUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "users"),
	))
	defer span.End()

	if u.IsProxy() {
		u.ID = uuid.New()
	}
	if u.Username == "" {
		return fmt.Errorf("%w: username is required", api.ErrValidation)
	}

	var passwordCreatedAt *time.Time
	if !u.Password.IsZero() {
		passwordCreatedAt = &u.Password.CreatedAt
	}

	query := `
        INSERT INTO users (id, username, email,
                           password_alg, password_ver, password_hash, password_created_at,
                           email_verified_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
        RETURNING api_code, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		u.ID, u.Username, u.Email,
		u.Password.Algorithm, u.Password.Version, u.Password.Hash, passwordCreatedAt,
		u.EmailVerifiedAt,
	).Scan(&u.APICode, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			span.SetStatus(codes.Error, "unique violation")
			return fmt.Errorf("%w: username or email already registered", api.ErrConflict)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) UpdateEmail(ctx context.Context, userID uuid.UUID, newEmail string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET email = $1, email_verified_at = NOW(), updated_at = NOW()
         WHERE id = $2 AND is_active = TRUE`,
		newEmail, userID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: email already registered", api.ErrConflict)
		}
		return fmt.Errorf("updating email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrNotFound
	}
	return nil
}

func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, userID uuid.UUID, password types.HashedPassword) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET password_alg = $1, password_ver = $2, password_hash = $3,
                          password_created_at = $4, updated_at = NOW()
         WHERE id = $5 AND is_active = TRUE`,
		password.Algorithm, password.Version, password.Hash, password.CreatedAt, userID)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrNotFound
	}
	return nil
}

func (r *PostgresUserRepo) UpdateLastLogin(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) MarkEmailAsVerified(ctx context.Context, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET email_verified_at = NOW(), updated_at = NOW()
         WHERE id = $1 AND email_verified_at IS NULL`,
		userID)
	if err != nil {
		return fmt.Errorf("marking email verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.DebugContext(ctx, "Email already verified or user missing",
			slog.String("userID", userID.String()))
	}
	return nil
}

func (r *PostgresUserRepo) GetAPICode(ctx context.Context, userID uuid.UUID) (int64, error) {
	var code int64
	err := r.db.QueryRow(ctx,
		`SELECT api_code FROM users WHERE id = $1 AND is_active = TRUE`,
		userID).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, api.ErrNotFound
		}
		return 0, fmt.Errorf("reading api code: %w", err)
	}
	return code, nil
}

func (r *PostgresUserRepo) BumpAPICode(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx, span := otel.Tracer("UserRepo").Start(ctx, "BumpAPICode", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "users"),
	))
	defer span.End()

	var code int64
	err := r.db.QueryRow(ctx,
		`UPDATE users SET api_code = api_code + 1, updated_at = NOW()
         WHERE id = $1 RETURNING api_code`,
		userID).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, api.ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return 0, fmt.Errorf("bumping api code: %w", err)
	}
	r.logger.InfoContext(ctx, "Bumped api code, outstanding tokens revoked",
		slog.String("userID", userID.String()), slog.Int64("apiCode", code))
	return code, nil
}

func (r *PostgresUserRepo) StoreRefreshToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO refresh_tokens (user_id, token, expires_at) VALUES ($1, $2, $3)`,
		userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	var t RefreshToken
	err := r.db.QueryRow(ctx,
		`SELECT user_id, token, expires_at, revoked_at FROM refresh_tokens WHERE token = $1`,
		token).Scan(&t.UserID, &t.Token, &t.ExpiresAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, api.ErrNotFound
		}
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}
	return &t, nil
}

func (r *PostgresUserRepo) InvalidateRefreshToken(ctx context.Context, token string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = NOW()
         WHERE token = $1 AND revoked_at IS NULL`,
		token)
	if err != nil {
		return fmt.Errorf("invalidating refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already revoked or never issued. Not an error for logout.
		r.logger.DebugContext(ctx, "Refresh token already revoked or unknown")
	}
	return nil
}

func (r *PostgresUserRepo) InvalidateAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = NOW()
         WHERE user_id = $1 AND revoked_at IS NULL`,
		userID)
	if err != nil {
		return fmt.Errorf("invalidating refresh tokens: %w", err)
	}
	return nil
}
