package verification

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/harborauth/harbor/config"
	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

// MockRepository is a mock implementation of the Repository interface
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetByCode(ctx context.Context, code string) (*types.Verification, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Verification), args.Error(1)
}

func (m *MockRepository) Insert(ctx context.Context, v *types.Verification) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func (m *MockRepository) MarkUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error) {
	args := m.Called(ctx, id, usedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) CancelOutstanding(ctx context.Context, vType types.VerificationType, key, val string) (int64, error) {
	args := m.Called(ctx, vType, key, val)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) PruneExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		VerificationTTL:     30 * time.Minute,
		VerificationCodeLen: 16,
	}
}

func TestCreate(t *testing.T) {
	logger := slog.Default()

	t.Run("CancelsSupersededRecordsFirst", func(t *testing.T) {
		mockRepo := new(MockRepository)
		service := NewService(mockRepo, testAuthConfig(), logger)
		ctx := context.Background()

		mockRepo.On("CancelOutstanding", ctx, types.VerificationNewAccountEmail, "email", "a@x.com").
			Return(int64(1), nil).Once()
		mockRepo.On("Insert", ctx, mock.AnythingOfType("*types.Verification")).Return(nil).Once()

		v, err := service.Create(ctx, CreateParams{
			Type: types.VerificationNewAccountEmail,
			Key:  "email",
			Val:  "a@x.com",
		})

		assert.NoError(t, err)
		assert.Len(t, v.UniqueCode, 16)
		assert.WithinDuration(t, time.Now().Add(30*time.Minute), v.ExpiresAt, 5*time.Second)
		mockRepo.AssertExpectations(t)
	})

	t.Run("RetriesOnCodeCollisionWithPruningPass", func(t *testing.T) {
		mockRepo := new(MockRepository)
		service := NewService(mockRepo, testAuthConfig(), logger)
		ctx := context.Background()

		mockRepo.On("CancelOutstanding", ctx, types.VerificationOneTimeLogin, "email", "b@x.com").
			Return(int64(0), nil).Once()
		// First two inserts collide; the pruning pass runs midway, then the
		// third insert succeeds with a fresh code.
		mockRepo.On("Insert", ctx, mock.AnythingOfType("*types.Verification")).
			Return(api.ErrConflict).Twice()
		mockRepo.On("PruneExpired", ctx).Return(int64(7), nil).Once()
		mockRepo.On("Insert", ctx, mock.AnythingOfType("*types.Verification")).
			Return(nil).Once()

		v, err := service.Create(ctx, CreateParams{
			Type: types.VerificationOneTimeLogin,
			Key:  "email",
			Val:  "b@x.com",
		})

		assert.NoError(t, err)
		assert.NotEmpty(t, v.UniqueCode)
		mockRepo.AssertExpectations(t)
	})

	t.Run("GivesUpAfterBoundedAttempts", func(t *testing.T) {
		mockRepo := new(MockRepository)
		service := NewService(mockRepo, testAuthConfig(), logger)
		ctx := context.Background()

		mockRepo.On("CancelOutstanding", ctx, types.VerificationOneTimeLogin, "email", "c@x.com").
			Return(int64(0), nil).Once()
		mockRepo.On("Insert", ctx, mock.AnythingOfType("*types.Verification")).
			Return(api.ErrConflict).Times(maxCodeAttempts)
		mockRepo.On("PruneExpired", ctx).Return(int64(0), nil).Once()

		_, err := service.Create(ctx, CreateParams{
			Type: types.VerificationOneTimeLogin,
			Key:  "email",
			Val:  "c@x.com",
		})

		assert.ErrorIs(t, err, api.ErrConflict)
		mockRepo.AssertExpectations(t)
	})
}

func TestConsume(t *testing.T) {
	logger := slog.Default()

	newRecord := func(vType types.VerificationType) *types.Verification {
		return &types.Verification{
			ID:        uuid.New(),
			Type:      vType,
			Key:       "email",
			Val:       "a@x.com",
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(30 * time.Minute),
		}
	}

	t.Run("SecondConsumeFromDifferentSessionFails", func(t *testing.T) {
		mockRepo := new(MockRepository)
		service := NewService(mockRepo, testAuthConfig(), logger)
		ctx := context.Background()
		v := newRecord(types.VerificationOneTimeLogin)
		sessionA := types.NewSession("session-a")
		sessionB := types.NewSession("session-b")

		mockRepo.On("MarkUsed", ctx, v.ID, mock.AnythingOfType("time.Time")).Return(true, nil).Once()

		err := service.Consume(ctx, v, sessionA)
		assert.NoError(t, err)
		assert.NotNil(t, v.UsedAt)

		err = service.Consume(ctx, v, sessionB)
		assert.ErrorIs(t, err, ErrCodeUsed)
		mockRepo.AssertExpectations(t)
	})

	t.Run("ReusableTypeRevalidatesForOwningSessionOnly", func(t *testing.T) {
		mockRepo := new(MockRepository)
		service := NewService(mockRepo, testAuthConfig(), logger)
		ctx := context.Background()
		v := newRecord(types.VerificationNewAccountEmail)
		owner := types.NewSession("owner")
		stranger := types.NewSession("stranger")

		// Owner validates first, then consumes.
		assert.NoError(t, service.IsValid(v, owner))
		mockRepo.On("MarkUsed", ctx, v.ID, mock.AnythingOfType("time.Time")).Return(true, nil).Once()
		assert.NoError(t, service.Consume(ctx, v, owner))

		// The owning session may revalidate the consumed record.
		assert.NoError(t, service.IsValid(v, owner))
		// A session without the binding may not, even for a reusable type.
		assert.ErrorIs(t, service.IsValid(v, stranger), ErrCodeUsed)
		mockRepo.AssertExpectations(t)
	})

	t.Run("ReuseCarveOutEndsAtExpiry", func(t *testing.T) {
		mockRepo := new(MockRepository)
		service := NewService(mockRepo, testAuthConfig(), logger)
		ctx := context.Background()
		v := newRecord(types.VerificationNewAccountEmail)
		owner := types.NewSession("owner")

		assert.NoError(t, service.IsValid(v, owner))
		mockRepo.On("MarkUsed", ctx, v.ID, mock.AnythingOfType("time.Time")).Return(true, nil).Once()
		assert.NoError(t, service.Consume(ctx, v, owner))

		// Once the validity window closes, even the owning session's reuse
		// binding no longer admits the record.
		v.ExpiresAt = time.Now().Add(-40 * time.Minute)
		assert.ErrorIs(t, service.IsValid(v, owner), ErrCodeExpired)
		assert.ErrorIs(t, service.Consume(ctx, v, owner), ErrCodeExpired)
		mockRepo.AssertExpectations(t)
	})

	t.Run("LostStampRaceReturnsUsed", func(t *testing.T) {
		// Two concurrent consumers: the repository reports this caller did
		// not win the used_date stamp.
		mockRepo := new(MockRepository)
		service := NewService(mockRepo, testAuthConfig(), logger)
		ctx := context.Background()
		v := newRecord(types.VerificationOneTimeLogin)
		session := types.NewSession("racer")

		mockRepo.On("MarkUsed", ctx, v.ID, mock.AnythingOfType("time.Time")).Return(false, nil).Once()

		err := service.Consume(ctx, v, session)
		assert.ErrorIs(t, err, ErrCodeUsed)
		mockRepo.AssertExpectations(t)
	})

	t.Run("ExpiredRecordRejected", func(t *testing.T) {
		mockRepo := new(MockRepository)
		service := NewService(mockRepo, testAuthConfig(), logger)
		ctx := context.Background()
		v := newRecord(types.VerificationOneTimeLogin)
		v.ExpiresAt = time.Now().Add(-time.Minute)

		err := service.Consume(ctx, v, types.NewSession("late"))
		assert.ErrorIs(t, err, ErrCodeExpired)
		mockRepo.AssertNotCalled(t, "MarkUsed")
	})
}
