package auth

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/markbates/goth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/harborauth/harbor/config"
	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/api/bridge"
	"github.com/harborauth/harbor/internal/api/credential"
	"github.com/harborauth/harbor/internal/api/token"
	"github.com/harborauth/harbor/internal/api/user"
	"github.com/harborauth/harbor/internal/api/verification"
	"github.com/harborauth/harbor/internal/types"
)

// MockUserRepo is a mock implementation of the user.UserRepo interface
type MockUserRepo struct {
	mock.Mock
}

func (m *MockUserRepo) GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.User), args.Error(1)
}

func (m *MockUserRepo) GetUserByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (*types.User, error) {
	args := m.Called(ctx, usernameOrEmail)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.User), args.Error(1)
}

func (m *MockUserRepo) CreateUser(ctx context.Context, u *types.User) error {
	args := m.Called(ctx, u)
	if args.Error(0) == nil && u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return args.Error(0)
}

func (m *MockUserRepo) UpdateEmail(ctx context.Context, userID uuid.UUID, newEmail string) error {
	args := m.Called(ctx, userID, newEmail)
	return args.Error(0)
}

func (m *MockUserRepo) UpdatePassword(ctx context.Context, userID uuid.UUID, password types.HashedPassword) error {
	args := m.Called(ctx, userID, password)
	return args.Error(0)
}

func (m *MockUserRepo) UpdateLastLogin(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockUserRepo) MarkEmailAsVerified(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockUserRepo) GetAPICode(ctx context.Context, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUserRepo) BumpAPICode(ctx context.Context, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUserRepo) StoreRefreshToken(ctx context.Context, userID uuid.UUID, tok string, expiresAt time.Time) error {
	args := m.Called(ctx, userID, tok, expiresAt)
	return args.Error(0)
}

func (m *MockUserRepo) GetRefreshToken(ctx context.Context, tok string) (*user.RefreshToken, error) {
	args := m.Called(ctx, tok)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*user.RefreshToken), args.Error(1)
}

func (m *MockUserRepo) InvalidateRefreshToken(ctx context.Context, tok string) error {
	args := m.Called(ctx, tok)
	return args.Error(0)
}

func (m *MockUserRepo) InvalidateAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

// MockVerificationStore is a mock implementation of the verification.Store interface
type MockVerificationStore struct {
	mock.Mock
}

func (m *MockVerificationStore) Create(ctx context.Context, params verification.CreateParams) (*types.Verification, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Verification), args.Error(1)
}

func (m *MockVerificationStore) GetByCode(ctx context.Context, code string) (*types.Verification, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Verification), args.Error(1)
}

func (m *MockVerificationStore) IsValid(v *types.Verification, session *types.Session) error {
	args := m.Called(v, session)
	return args.Error(0)
}

func (m *MockVerificationStore) Consume(ctx context.Context, v *types.Verification, session *types.Session) error {
	args := m.Called(ctx, v, session)
	return args.Error(0)
}

// MockResolver is a mock implementation of the bridge.Resolver interface
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, provider string, providerUser goth.User, session *types.Session) (*bridge.Result, error) {
	args := m.Called(ctx, provider, providerUser, session)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bridge.Result), args.Error(1)
}

func (m *MockResolver) ConnectUserToLogin(ctx context.Context, userID, loginID *uuid.UUID, forceOverwrite bool) (*bridge.Result, error) {
	args := m.Called(ctx, userID, loginID, forceOverwrite)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bridge.Result), args.Error(1)
}

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		SecretKey:       "test-secret-key-for-units-only",
		Issuer:          "harbor-test",
		Audience:        "harbor-test-clients",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}
}

// MockOwnerGranter is a mock implementation of the OwnerGranter interface
type MockOwnerGranter struct {
	mock.Mock
}

func (m *MockOwnerGranter) GrantOwnerOnCreate(ctx context.Context, user *types.User, objectType, objectID string) error {
	args := m.Called(ctx, user, objectType, objectID)
	return args.Error(0)
}

func newTestService(users user.UserRepo, verifications verification.Store, resolver bridge.Resolver) *AuthServiceImpl {
	return newTestServiceWithRoles(users, verifications, resolver, nil)
}

func newTestServiceWithRoles(users user.UserRepo, verifications verification.Store, resolver bridge.Resolver, roles OwnerGranter) *AuthServiceImpl {
	logger := slog.Default()
	cfg := testJWTConfig()
	var codeStore token.UserCodeStore
	if cs, ok := users.(token.UserCodeStore); ok {
		codeStore = cs
	}
	return NewAuthService(
		users,
		credential.NewHasher(bcrypt.MinCost),
		token.NewService(cfg, codeStore, logger),
		verifications,
		nil, // workflows unused in these paths
		resolver,
		roles,
		cfg,
		logger,
	)
}

func hashedTestPassword(t *testing.T, plaintext string) types.HashedPassword {
	t.Helper()
	hashed, err := credential.NewHasher(bcrypt.MinCost).HashPassword(plaintext)
	require.NoError(t, err)
	return hashed
}

func TestLoginService(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		u := &types.User{
			ID:       uuid.New(),
			Username: "johndoe",
			Email:    "john@example.com",
			Password: hashedTestPassword(t, "password123"),
		}

		mockRepo.On("GetUserByUsernameOrEmail", ctx, "johndoe").Return(u, nil).Once()
		mockRepo.On("UpdateLastLogin", ctx, u.ID).Return(nil).Once()
		mockRepo.On("StoreRefreshToken", ctx, u.ID, mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).Return(nil).Once()

		tokens, err := svc.Login(ctx, "johndoe", "password123")
		require.NoError(t, err)
		assert.NotEmpty(t, tokens.AccessToken)
		assert.NotEmpty(t, tokens.RefreshToken)
		mockRepo.AssertExpectations(t)
	})

	t.Run("UnknownIdentifierYieldsGenericError", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		mockRepo.On("GetUserByUsernameOrEmail", ctx, "ghost").Return(nil, api.ErrNotFound).Once()

		_, err := svc.Login(ctx, "ghost", "whatever")
		assert.ErrorIs(t, err, api.ErrUnauthenticated)
	})

	t.Run("WrongPasswordYieldsSameGenericError", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		u := &types.User{
			ID:       uuid.New(),
			Username: "johndoe",
			Password: hashedTestPassword(t, "password123"),
		}
		mockRepo.On("GetUserByUsernameOrEmail", ctx, "johndoe").Return(u, nil).Once()

		_, err := svc.Login(ctx, "johndoe", "not-the-password")
		assert.ErrorIs(t, err, api.ErrUnauthenticated)
		mockRepo.AssertNotCalled(t, "StoreRefreshToken")
	})

	t.Run("OutdatedHashIsUpgradedOnLogin", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		stale := hashedTestPassword(t, "password123")
		stale.Version = 1

		u := &types.User{ID: uuid.New(), Username: "johndoe", Password: stale}
		mockRepo.On("GetUserByUsernameOrEmail", ctx, "johndoe").Return(u, nil).Once()
		mockRepo.On("UpdatePassword", ctx, u.ID, mock.AnythingOfType("types.HashedPassword")).Return(nil).Once()
		mockRepo.On("UpdateLastLogin", ctx, u.ID).Return(nil).Once()
		mockRepo.On("StoreRefreshToken", ctx, u.ID, mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).Return(nil).Once()

		_, err := svc.Login(ctx, "johndoe", "password123")
		require.NoError(t, err)
		mockRepo.AssertExpectations(t)
	})
}

func TestRegisterService(t *testing.T) {
	ctx := context.Background()

	t.Run("WithVerificationCode", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		mockStore := new(MockVerificationStore)
		svc := newTestService(mockRepo, mockStore, nil)
		session := types.NewSession("sess-1")

		v := &types.Verification{
			ID:         uuid.New(),
			UniqueCode: "K7WQ2M9XBTRHCFPD",
			Type:       types.VerificationNewAccountEmail,
			Key:        "email",
			Val:        "claimed@example.com",
			ExpiresAt:  time.Now().Add(time.Hour),
		}

		mockStore.On("GetByCode", ctx, v.UniqueCode).Return(v, nil).Once()
		mockStore.On("IsValid", v, session).Return(nil).Once()
		mockRepo.On("CreateUser", ctx, mock.AnythingOfType("*types.User")).Return(nil).Once()
		mockStore.On("Consume", ctx, v, session).Return(nil).Once()

		u, err := svc.Register(ctx, api.RegisterRequest{
			Username: "newuser",
			Email:    "ignored@example.com",
			Password: "password123",
			Code:     v.UniqueCode,
		}, session, nil)
		require.NoError(t, err)

		// The verified claim wins over the form value.
		assert.Equal(t, "claimed@example.com", u.Email)
		assert.NotNil(t, u.EmailVerifiedAt)
		mockStore.AssertExpectations(t)
		mockRepo.AssertExpectations(t)
	})

	t.Run("RegisteringUserBecomesOwnerOfTheirAccount", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		mockRoles := new(MockOwnerGranter)
		svc := newTestServiceWithRoles(mockRepo, nil, nil, mockRoles)

		mockRepo.On("CreateUser", ctx, mock.AnythingOfType("*types.User")).Return(nil).Once()
		mockRoles.On("GrantOwnerOnCreate", ctx, mock.AnythingOfType("*types.User"), "user", mock.AnythingOfType("string")).
			Return(nil).Once()

		u, err := svc.Register(ctx, api.RegisterRequest{
			Username: "owner-to-be",
			Email:    "owner@example.com",
			Password: "password123",
		}, types.NewSession("sess-own"), nil)
		require.NoError(t, err)

		// The tuple targets the freshly assigned account id.
		mockRoles.AssertCalled(t, "GrantOwnerOnCreate", ctx, mock.Anything, "user", u.ID.String())
		mockRoles.AssertExpectations(t)
	})

	t.Run("NoOwnerGrantWhenPersistFails", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		mockRoles := new(MockOwnerGranter)
		svc := newTestServiceWithRoles(mockRepo, nil, nil, mockRoles)

		mockRepo.On("CreateUser", ctx, mock.AnythingOfType("*types.User")).Return(api.ErrConflict).Once()

		_, err := svc.Register(ctx, api.RegisterRequest{
			Username: "taken",
			Email:    "taken@example.com",
			Password: "password123",
		}, types.NewSession("sess-own"), nil)
		assert.ErrorIs(t, err, api.ErrConflict)
		mockRoles.AssertNotCalled(t, "GrantOwnerOnCreate")
	})

	t.Run("ConsumeHappensAfterPersist", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		mockStore := new(MockVerificationStore)
		svc := newTestService(mockRepo, mockStore, nil)
		session := types.NewSession("sess-1")

		v := &types.Verification{
			ID:         uuid.New(),
			UniqueCode: "K7WQ2M9XBTRHCFPD",
			Type:       types.VerificationNewAccountEmail,
			Key:        "email",
			Val:        "claimed@example.com",
			ExpiresAt:  time.Now().Add(time.Hour),
		}

		mockStore.On("GetByCode", ctx, v.UniqueCode).Return(v, nil).Once()
		mockStore.On("IsValid", v, session).Return(nil).Once()
		mockRepo.On("CreateUser", ctx, mock.AnythingOfType("*types.User")).Return(api.ErrConflict).Once()

		_, err := svc.Register(ctx, api.RegisterRequest{
			Username: "taken",
			Password: "password123",
			Code:     v.UniqueCode,
		}, session, nil)
		assert.ErrorIs(t, err, api.ErrConflict)

		// The record must still be usable: the account never existed.
		mockStore.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ShortPasswordRejected", func(t *testing.T) {
		svc := newTestService(new(MockUserRepo), nil, nil)

		_, err := svc.Register(ctx, api.RegisterRequest{
			Username: "newuser",
			Email:    "a@example.com",
			Password: "short",
		}, types.NewSession("sess-1"), nil)
		assert.ErrorIs(t, err, api.ErrValidation)
	})

	t.Run("BridgedLoginGetsAttached", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		mockResolver := new(MockResolver)
		svc := newTestService(mockRepo, nil, mockResolver)
		session := types.NewSession("sess-1")
		loginID := uuid.New()

		mockRepo.On("CreateUser", ctx, mock.AnythingOfType("*types.User")).Return(nil).Once()
		mockResolver.On("ConnectUserToLogin", ctx, mock.AnythingOfType("*uuid.UUID"), &loginID, false).
			Return(&bridge.Result{}, nil).Once()

		_, err := svc.Register(ctx, api.RegisterRequest{
			Username: "bridged",
			Email:    "bridged@example.com",
			Password: "password123",
		}, session, &loginID)
		require.NoError(t, err)
		mockResolver.AssertExpectations(t)
	})
}

func TestRefreshSessionService(t *testing.T) {
	ctx := context.Background()

	t.Run("RotationRevokesPresentedToken", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		u := &types.User{ID: uuid.New(), Username: "johndoe"}
		old := &user.RefreshToken{
			UserID:    u.ID,
			Token:     "old-refresh-token",
			ExpiresAt: time.Now().Add(time.Hour),
		}

		mockRepo.On("GetRefreshToken", ctx, "old-refresh-token").Return(old, nil).Once()
		mockRepo.On("GetUserByID", ctx, u.ID).Return(u, nil).Once()
		mockRepo.On("StoreRefreshToken", ctx, u.ID, mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).Return(nil).Once()
		mockRepo.On("InvalidateRefreshToken", ctx, "old-refresh-token").Return(nil).Once()

		tokens, err := svc.RefreshSession(ctx, "old-refresh-token")
		require.NoError(t, err)
		assert.NotEmpty(t, tokens.AccessToken)
		assert.NotEqual(t, "old-refresh-token", tokens.RefreshToken)
		mockRepo.AssertExpectations(t)
	})

	t.Run("RevokedTokenRejected", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		revokedAt := time.Now().Add(-time.Minute)
		mockRepo.On("GetRefreshToken", ctx, "revoked").Return(&user.RefreshToken{
			UserID:    uuid.New(),
			Token:     "revoked",
			ExpiresAt: time.Now().Add(time.Hour),
			RevokedAt: &revokedAt,
		}, nil).Once()

		_, err := svc.RefreshSession(ctx, "revoked")
		assert.ErrorIs(t, err, api.ErrUnauthenticated)
	})

	t.Run("UnknownTokenRejected", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		mockRepo.On("GetRefreshToken", ctx, "nope").Return(nil, api.ErrNotFound).Once()

		_, err := svc.RefreshSession(ctx, "nope")
		assert.ErrorIs(t, err, api.ErrUnauthenticated)
	})
}

func TestLogoutEverywhereService(t *testing.T) {
	ctx := context.Background()

	t.Run("BumpsCodeAndRevokesRefreshTokens", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)
		userID := uuid.New()

		mockRepo.On("BumpAPICode", ctx, userID).Return(int64(5), nil).Once()
		mockRepo.On("InvalidateAllUserRefreshTokens", ctx, userID).Return(nil).Once()

		assert.NoError(t, svc.LogoutEverywhere(ctx, userID))
		mockRepo.AssertExpectations(t)
	})
}

func TestUpdatePasswordService(t *testing.T) {
	ctx := context.Background()

	t.Run("WrongCurrentPassword", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		u := &types.User{ID: uuid.New(), Password: hashedTestPassword(t, "current-pass")}
		mockRepo.On("GetUserByID", ctx, u.ID).Return(u, nil).Once()

		err := svc.UpdatePassword(ctx, u.ID, "wrong-pass", "new-password-1")
		assert.ErrorIs(t, err, api.ErrUnauthenticated)
		mockRepo.AssertNotCalled(t, "UpdatePassword")
	})

	t.Run("SuccessRevokesEverySession", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc := newTestService(mockRepo, nil, nil)

		u := &types.User{ID: uuid.New(), Password: hashedTestPassword(t, "current-pass")}
		mockRepo.On("GetUserByID", ctx, u.ID).Return(u, nil).Once()
		mockRepo.On("UpdatePassword", ctx, u.ID, mock.AnythingOfType("types.HashedPassword")).Return(nil).Once()
		mockRepo.On("BumpAPICode", ctx, u.ID).Return(int64(2), nil).Once()
		mockRepo.On("InvalidateAllUserRefreshTokens", ctx, u.ID).Return(nil).Once()

		err := svc.UpdatePassword(ctx, u.ID, "current-pass", "new-password-1")
		require.NoError(t, err)
		mockRepo.AssertExpectations(t)
	})
}
