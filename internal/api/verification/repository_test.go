package verification

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PostgresRepository) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool, NewPostgresRepository(mockPool, slog.Default())
}

func TestPostgresRepositoryMarkUsed(t *testing.T) {
	t.Run("WinsTheStamp", func(t *testing.T) {
		mockPool, repo := newMockRepo(t)
		id := uuid.New()

		mockPool.ExpectExec(`UPDATE verifications SET used_date`).
			WithArgs(pgxmock.AnyArg(), id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		won, err := repo.MarkUsed(context.Background(), id, time.Now())
		assert.NoError(t, err)
		assert.True(t, won)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("AlreadyStamped", func(t *testing.T) {
		mockPool, repo := newMockRepo(t)
		id := uuid.New()

		mockPool.ExpectExec(`UPDATE verifications SET used_date`).
			WithArgs(pgxmock.AnyArg(), id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		won, err := repo.MarkUsed(context.Background(), id, time.Now())
		assert.NoError(t, err)
		assert.False(t, won)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresRepositoryInsert(t *testing.T) {
	t.Run("UniqueViolationMapsToConflict", func(t *testing.T) {
		mockPool, repo := newMockRepo(t)
		v := &types.Verification{
			ID:         uuid.New(),
			UniqueCode: "K7WQ2M9XBTRHCFPD",
			Type:       types.VerificationOneTimeLogin,
			Key:        "email",
			Val:        "a@x.com",
			CreatedAt:  time.Now(),
			ExpiresAt:  time.Now().Add(30 * time.Minute),
		}

		mockPool.ExpectExec(`INSERT INTO verifications`).
			WithArgs(v.ID, v.UniqueCode, v.Type, v.Key, v.Val, v.UserID, v.LoginID, v.Extra, v.CreatedAt, v.ExpiresAt).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		err := repo.Insert(context.Background(), v)
		assert.ErrorIs(t, err, api.ErrConflict)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresRepositoryGetByCode(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		mockPool, repo := newMockRepo(t)

		mockPool.ExpectQuery(`SELECT id, unique_code, type, key, val`).
			WithArgs("NOSUCHCODE").
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.GetByCode(context.Background(), "NOSUCHCODE")
		assert.ErrorIs(t, err, api.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Found", func(t *testing.T) {
		mockPool, repo := newMockRepo(t)
		id := uuid.New()
		now := time.Now()

		rows := pgxmock.NewRows([]string{
			"id", "unique_code", "type", "key", "val", "user_id", "login_id", "extra", "created_at", "expires_at", "used_date",
		}).AddRow(id, "K7WQ2M9XBTRHCFPD", types.VerificationNewAccountEmail, "email", "a@x.com",
			(*uuid.UUID)(nil), (*uuid.UUID)(nil), map[string]string{"username": "john"}, now, now.Add(30*time.Minute), (*time.Time)(nil))

		mockPool.ExpectQuery(`SELECT id, unique_code, type, key, val`).
			WithArgs("K7WQ2M9XBTRHCFPD").
			WillReturnRows(rows)

		v, err := repo.GetByCode(context.Background(), "K7WQ2M9XBTRHCFPD")
		require.NoError(t, err)
		assert.Equal(t, id, v.ID)
		assert.Equal(t, types.VerificationNewAccountEmail, v.Type)
		assert.Equal(t, "john", v.Extra["username"])
		assert.Nil(t, v.UsedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
