package acl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

var _ RoleRepo = (*PostgresRoleRepo)(nil)

// RoleRepo defines the contract for role-tuple persistence.
type RoleRepo interface {
	// FindByUser loads every role tuple granted to the user.
	FindByUser(ctx context.Context, userID uuid.UUID) ([]types.RoleAssignment, error)

	// Grant upserts a tuple. The unique (user_id, role, object_type,
	// object_id) constraint plus ON CONFLICT DO NOTHING keep repeated grants
	// from accumulating duplicate rows.
	Grant(ctx context.Context, a types.RoleAssignment) error

	// Revoke removes one tuple.
	Revoke(ctx context.Context, userID uuid.UUID, role types.RoleName, objectType, objectID string) error

	// DeleteForObject removes every tuple scoped to an object, used when the
	// object itself is destroyed.
	DeleteForObject(ctx context.Context, objectType, objectID string) (int64, error)

	// DeleteForUser removes every tuple granted to a user, part of account
	// deletion cascade.
	DeleteForUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

type PostgresRoleRepo struct {
	logger *slog.Logger
	db     api.PGXQuerier
}

func NewPostgresRoleRepo(db api.PGXQuerier, logger *slog.Logger) *PostgresRoleRepo {
	return &PostgresRoleRepo{
		logger: logger,
		db:     db,
	}
}

func (r *PostgresRoleRepo) FindByUser(ctx context.Context, userID uuid.UUID) ([]types.RoleAssignment, error) {
	ctx, span := otel.Tracer("RoleRepo").Start(ctx, "FindByUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "role_assignments"),
	))
	defer span.End()

	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, role, object_type, object_id, created_at
         FROM role_assignments WHERE user_id = $1`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("find roles: query failed: %w", err)
	}
	defer rows.Close()

	var assignments []types.RoleAssignment
	for rows.Next() {
		var a types.RoleAssignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.Role, &a.ObjectType, &a.ObjectID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("find roles: scan failed: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find roles: rows error: %w", err)
	}
	return assignments, nil
}

func (r *PostgresRoleRepo) Grant(ctx context.Context, a types.RoleAssignment) error {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO role_assignments (id, user_id, role, object_type, object_id, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)
         ON CONFLICT (user_id, role, object_type, object_id) DO NOTHING`,
		id, a.UserID, a.Role, a.ObjectType, a.ObjectID, createdAt)
	if err != nil {
		return fmt.Errorf("grant role: db insert failed: %w", err)
	}
	return nil
}

func (r *PostgresRoleRepo) Revoke(ctx context.Context, userID uuid.UUID, role types.RoleName, objectType, objectID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM role_assignments WHERE user_id = $1 AND role = $2 AND object_type = $3 AND object_id = $4`,
		userID, role, objectType, objectID)
	if err != nil {
		return fmt.Errorf("revoke role: db delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.DebugContext(ctx, "Revoke matched no role tuple",
			slog.String("userID", userID.String()), slog.String("role", string(role)))
	}
	return nil
}

func (r *PostgresRoleRepo) DeleteForObject(ctx context.Context, objectType, objectID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM role_assignments WHERE object_type = $1 AND object_id = $2`,
		objectType, objectID)
	if err != nil {
		return 0, fmt.Errorf("delete roles for object: db delete failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRoleRepo) DeleteForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM role_assignments WHERE user_id = $1`,
		userID)
	if err != nil {
		return 0, fmt.Errorf("delete roles for user: db delete failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
