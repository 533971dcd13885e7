package auth

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/api/token"
	"github.com/harborauth/harbor/internal/types"
)

func TestAuthenticateOptional(t *testing.T) {
	logger := slog.Default()

	issueAccessToken := func(t *testing.T, tokens *token.Service, u *types.User) string {
		t.Helper()
		signed, _, err := tokens.Issue(u, api.TokenTypeAccess, "", testJWTConfig().AccessTokenTTL)
		require.NoError(t, err)
		return signed
	}

	t.Run("AnonymousCallerPassesThrough", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		tokens := token.NewService(testJWTConfig(), mockRepo, logger)

		var sawUserID bool
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, sawUserID = api.GetUserIDFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/auth/google/callback", nil)
		w := httptest.NewRecorder()
		AuthenticateOptional(tokens, logger)(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.False(t, sawUserID)
	})

	t.Run("BearerTokenIdentifiesTheSessionUser", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		tokens := token.NewService(testJWTConfig(), mockRepo, logger)
		u := &types.User{ID: uuid.New(), Username: "johndoe", Email: "john@example.com"}
		mockRepo.On("GetAPICode", mock.Anything, u.ID).Return(int64(0), nil)

		// The bridged-login callback is public, but a signed-in caller's id
		// must land on the session so the resolver can attach the new login
		// to their account.
		sessions := NewSessionManager(0)
		var captured *types.Session
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = sessions.FromRequest(w, r)
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/auth/google/callback", nil)
		req.Header.Set("Authorization", "Bearer "+issueAccessToken(t, tokens, u))
		w := httptest.NewRecorder()
		AuthenticateOptional(tokens, logger)(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, captured)
		require.NotNil(t, captured.UserID)
		assert.Equal(t, u.ID, *captured.UserID)
	})

	t.Run("InvalidTokenDegradesToAnonymous", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		tokens := token.NewService(testJWTConfig(), mockRepo, logger)

		var sawUserID bool
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, sawUserID = api.GetUserIDFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/auth/google/callback", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		w := httptest.NewRecorder()
		AuthenticateOptional(tokens, logger)(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.False(t, sawUserID)
	})
}
