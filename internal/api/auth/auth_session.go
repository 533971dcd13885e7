package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

const (
	sessionCookieName      = "harbor_session"
	pendingLoginCookieName = "harbor_pending_login"
)

// SessionManager tracks browser sessions in memory. The session object is
// what binds a validated verification code to the caller that validated it:
// a reusable code can only be revalidated by the session holding that
// binding.
type SessionManager struct {
	cache *gocache.Cache
}

func NewSessionManager(ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionManager{
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

// FromRequest returns the caller's session, creating one (and setting the
// cookie) when none exists yet. An authenticated user id from the request
// context is attached to the session.
func (m *SessionManager) FromRequest(w http.ResponseWriter, r *http.Request) *types.Session {
	var session *types.Session

	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if cached, ok := m.cache.Get(cookie.Value); ok {
			session = cached.(*types.Session)
		}
	}
	if session == nil {
		session = types.NewSession(uuid.NewString())
		m.cache.SetDefault(session.ID, session)
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    session.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	if userIDStr, ok := api.GetUserIDFromContext(r.Context()); ok && userIDStr != "" {
		if userID, err := uuid.Parse(userIDStr); err == nil {
			session.UserID = &userID
		}
	}
	return session
}

// StashPendingLogin remembers, across the registration round-trip, which
// bridged login the new account should be attached to.
func StashPendingLogin(w http.ResponseWriter, loginID uuid.UUID) {
	http.SetCookie(w, &http.Cookie{
		Name:     pendingLoginCookieName,
		Value:    loginID.String(),
		Path:     "/",
		MaxAge:   int((30 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// PendingLogin reads and clears the stashed login id, if any.
func PendingLogin(w http.ResponseWriter, r *http.Request) *uuid.UUID {
	cookie, err := r.Cookie(pendingLoginCookieName)
	if err != nil {
		return nil
	}
	loginID, err := uuid.Parse(cookie.Value)
	if err != nil {
		return nil
	}
	http.SetCookie(w, &http.Cookie{
		Name:   pendingLoginCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	return &loginID
}
