package verification

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
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

var _ Repository = (*PostgresRepository)(nil)

// Repository defines the contract for verification record persistence.
type Repository interface {
	// GetByCode retrieves a record by its unique code.
	// Returns api.ErrNotFound when no record carries the code.
	GetByCode(ctx context.Context, code string) (*types.Verification, error)

	// Insert persists a new record. A unique-code collision returns
	// api.ErrConflict so the service can retry with a fresh code.
	Insert(ctx context.Context, v *types.Verification) error

	// MarkUsed atomically stamps used_date on an unused record. The boolean
	// reports whether this call won the stamp; a false result means another
	// consumer got there first.
	MarkUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error)

	// CancelOutstanding deletes unused records proving the same claim, so a
	// newly issued code supersedes any stale one.
	CancelOutstanding(ctx context.Context, vType types.VerificationType, key, val string) (int64, error)

	// PruneExpired deletes records past their expiration date.
	PruneExpired(ctx context.Context) (int64, error)
}

type PostgresRepository struct {
	logger *slog.Logger
	db     api.PGXQuerier
}

func NewPostgresRepository(db api.PGXQuerier, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{
		logger: logger,
		db:     db,
	}
}

func (r *PostgresRepository) GetByCode(ctx context.Context, code string) (*types.Verification, error) {
	var v types.Verification
	err := r.db.QueryRow(ctx,
		`SELECT id, unique_code, type, key, val, user_id, login_id, extra, created_at, expires_at, used_date
         FROM verifications WHERE unique_code = $1`,
		code).Scan(&v.ID, &v.UniqueCode, &v.Type, &v.Key, &v.Val, &v.UserID, &v.LoginID, &v.Extra,
		&v.CreatedAt, &v.ExpiresAt, &v.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("verification not found: %w", api.ErrNotFound)
		}
		return nil, fmt.Errorf("get verification: query failed: %w", err)
	}
	return &v, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, v *types.Verification) error {
	ctx, span := otel.Tracer("VerificationRepo").Start(ctx, "Insert", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "verifications"),
	))
	defer span.End()

	_, err := r.db.Exec(ctx,
		`INSERT INTO verifications (id, unique_code, type, key, val, user_id, login_id, extra, created_at, expires_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.UniqueCode, v.Type, v.Key, v.Val, v.UserID, v.LoginID, v.Extra, v.CreatedAt, v.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("verification code collision: %w", api.ErrConflict)
		}
		return fmt.Errorf("insert verification: db insert failed: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error) {
	// The used_date IS NULL guard makes consumption a single-winner race:
	// exactly one concurrent consumer sees RowsAffected == 1.
	tag, err := r.db.Exec(ctx,
		`UPDATE verifications SET used_date = $1 WHERE id = $2 AND used_date IS NULL`,
		usedAt, id)
	if err != nil {
		return false, fmt.Errorf("mark verification used: db update failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) CancelOutstanding(ctx context.Context, vType types.VerificationType, key, val string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM verifications WHERE type = $1 AND key = $2 AND val = $3 AND used_date IS NULL`,
		vType, key, val)
	if err != nil {
		return 0, fmt.Errorf("cancel outstanding verifications: db delete failed: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.DebugContext(ctx, "Cancelled superseded verifications",
			slog.String("type", string(vType)), slog.Int64("count", n))
		return n, nil
	}
	return 0, nil
}

func (r *PostgresRepository) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM verifications WHERE expires_at < $1`,
		time.Now())
	if err != nil {
		return 0, fmt.Errorf("prune expired verifications: db delete failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
