package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

var _ LoginRepo = (*PostgresLoginRepo)(nil)

// LoginRepo defines the contract for bridged-identity persistence.
type LoginRepo interface {
	// FindOrCreate atomically finds-and-touches the login for a provider
	// identity, creating it when unseen. The boolean reports whether the row
	// was created by this call. The unique (provider, provider_user_id)
	// constraint plus the upsert close the concurrent-callback race: two
	// simultaneous first callbacks converge on one row.
	FindOrCreate(ctx context.Context, provider, providerUserID, displayName, avatarURL string) (*types.Login, bool, error)

	// GetByID loads a login by id. Returns api.ErrNotFound when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*types.Login, error)

	// SetUserID links a login to a user.
	SetUserID(ctx context.Context, loginID, userID uuid.UUID) error
}

type PostgresLoginRepo struct {
	logger *slog.Logger
	db     api.PGXQuerier
}

func NewPostgresLoginRepo(db api.PGXQuerier, logger *slog.Logger) *PostgresLoginRepo {
	return &PostgresLoginRepo{
		logger: logger,
		db:     db,
	}
}

func (r *PostgresLoginRepo) FindOrCreate(ctx context.Context, provider, providerUserID, displayName, avatarURL string) (*types.Login, bool, error) {
	ctx, span := otel.Tracer("LoginRepo").Start(ctx, "FindOrCreate", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "logins"),
		attribute.String("provider", provider),
	))
	defer span.End()

	var login types.Login
	var inserted bool
	now := time.Now()
	// xmax = 0 distinguishes a freshly inserted row from a conflicted update.
	err := r.db.QueryRow(ctx,
		`INSERT INTO logins (id, provider, provider_user_id, display_name, avatar_url, last_login_at, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $6)
         ON CONFLICT (provider, provider_user_id)
         DO UPDATE SET last_login_at = EXCLUDED.last_login_at
         RETURNING id, provider, provider_user_id, user_id, display_name, avatar_url, last_login_at, created_at, (xmax = 0)`,
		uuid.New(), provider, providerUserID, displayName, avatarURL, now).
		Scan(&login.ID, &login.Provider, &login.ProviderUserID, &login.UserID,
			&login.DisplayName, &login.AvatarURL, &login.LastLoginAt, &login.CreatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("find-or-create login: upsert failed: %w", err)
	}
	return &login, inserted, nil
}

func (r *PostgresLoginRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.Login, error) {
	var login types.Login
	err := r.db.QueryRow(ctx,
		`SELECT id, provider, provider_user_id, user_id, display_name, avatar_url, last_login_at, created_at
         FROM logins WHERE id = $1`,
		id).Scan(&login.ID, &login.Provider, &login.ProviderUserID, &login.UserID,
		&login.DisplayName, &login.AvatarURL, &login.LastLoginAt, &login.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("login not found: %w", api.ErrNotFound)
		}
		return nil, fmt.Errorf("get login: query failed: %w", err)
	}
	return &login, nil
}

func (r *PostgresLoginRepo) SetUserID(ctx context.Context, loginID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE logins SET user_id = $1 WHERE id = $2`,
		userID, loginID)
	if err != nil {
		return fmt.Errorf("link login to user: db update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("login not found: %w", api.ErrNotFound)
	}
	return nil
}
